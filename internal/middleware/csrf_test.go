package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newCSRFHandler(called *bool) http.Handler {
	return NewCSRFMiddleware(CSRFConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_SafeMethodsPassWithoutToken(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodHead, http.MethodOptions} {
		t.Run(method, func(t *testing.T) {
			called := false
			w := httptest.NewRecorder()
			newCSRFHandler(&called).ServeHTTP(w, httptest.NewRequest(method, "/api/tasks", nil))

			if !called {
				t.Fatalf("%s should reach the handler", method)
			}
		})
	}
}

func TestCSRFMiddleware_StateChangingRequests(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		cookie     string
		header     string
		bearer     string
		session    bool
		wantStatus int
	}{
		{"POST without cookie", http.MethodPost, "", "tok", "", false, http.StatusForbidden},
		{"POST without header", http.MethodPost, "tok", "", "", false, http.StatusForbidden},
		{"POST mismatch", http.MethodPost, "tok", "other", "", false, http.StatusForbidden},
		{"POST valid", http.MethodPost, "tok", "tok", "", false, http.StatusOK},
		{"PUT valid", http.MethodPut, "tok", "tok", "", false, http.StatusOK},
		{"PATCH without token", http.MethodPatch, "", "", "", false, http.StatusForbidden},
		{"DELETE without token", http.MethodDelete, "", "", "", false, http.StatusForbidden},
		{"bearer only skips check", http.MethodPost, "", "", "id-token", false, http.StatusOK},
		{"bearer with session cookie still checked", http.MethodPost, "", "", "id-token", true, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			req := httptest.NewRequest(tt.method, "/api/tasks", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			if tt.bearer != "" {
				req.Header.Set("Authorization", "Bearer "+tt.bearer)
			}
			if tt.session {
				req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "sess"})
			}
			w := httptest.NewRecorder()

			newCSRFHandler(&called).ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if called != (tt.wantStatus == http.StatusOK) {
				t.Errorf("handler called = %v", called)
			}
		})
	}
}

func TestCSRFMiddleware_RejectionUsesErrorFormat(t *testing.T) {
	called := false
	w := httptest.NewRecorder()
	newCSRFHandler(&called).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/tasks", nil))

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Code != ErrCodeCSRFValidation || body.Category != "auth" {
		t.Errorf("body = %+v", body)
	}
}

func TestCSRFMiddleware_GETSetsCookieOnce(t *testing.T) {
	mw := NewCSRFMiddleware(CSRFConfig{CookieDomain: "example.com"})
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	c := findCookie(w.Result(), csrfCookieName)
	if c == nil || c.Value == "" {
		t.Fatal("expected CSRF cookie to be set on GET request")
	}
	if c.HttpOnly {
		t.Error("CSRF cookie should NOT be HttpOnly (frontend needs to read it)")
	}
	if c.SameSite != http.SameSiteLaxMode || c.Path != "/" || c.MaxAge != 86400 || c.Domain != "example.com" {
		t.Errorf("cookie = %+v", c)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if findCookie(w.Result(), csrfCookieName) != nil {
		t.Error("CSRF cookie should not be re-set when already present")
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	h := NewCSRFTokenHandler(CSRFConfig{})

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	c := findCookie(w.Result(), csrfCookieName)
	if body.Token == "" || c == nil || c.Value != body.Token {
		t.Errorf("token = %q, cookie = %+v; should match", body.Token, c)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing-csrf-token"})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	body.Token = ""
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token != "existing-csrf-token" {
		t.Errorf("token = %q, want existing token", body.Token)
	}
}

func TestCSRFFailureReason(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		header string
		want   string
	}{
		{"no cookie", "", "tok", "missing_cookie"},
		{"no header", "tok", "", "missing_header"},
		{"different length", "tok", "token", "mismatch"},
		{"same", "tok", "tok", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(csrfHeaderName, tt.header)
			}
			if got := csrfFailure(req); got != tt.want {
				t.Errorf("csrfFailure() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateCSRFToken_Unique(t *testing.T) {
	a, err := generateCSRFToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := generateCSRFToken()
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 64 || a == b {
		t.Errorf("tokens = %q, %q; want distinct 64-char hex", a, b)
	}
}
