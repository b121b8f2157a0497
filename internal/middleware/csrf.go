package middleware

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/taskboard/internal/model"
)

const (
	// csrfCookieName はダブルサブミット用トークンのCookie名。フロントエンドが読むためHttpOnlyにしない。
	csrfCookieName = "csrf_token"
	// csrfHeaderName は状態変更リクエストでトークンを送り返すヘッダー名。
	csrfHeaderName = "X-CSRF-Token"
	// csrfCookieTTL はトークンCookieの有効期間。
	csrfCookieTTL = 24 * time.Hour

	// ErrCodeCSRFValidation はCSRF検証失敗時のエラーコード。
	ErrCodeCSRFValidation = "CSRF_VALIDATION_FAILED"
)

// CSRFConfig はCSRFトークンCookieの属性。
type CSRFConfig struct {
	CookieSecure bool
	CookieDomain string
}

func (c CSRFConfig) cookie(token string) *http.Cookie {
	return &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   c.CookieDomain,
		MaxAge:   int(csrfCookieTTL / time.Second),
		Secure:   c.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

// NewCSRFMiddleware はCookieとヘッダーのトークン一致を検証するミドルウェアを返す。
// 読み取り系メソッドは検証せず、トークンCookieがなければ発行する。
// セッションCookieを持たずBearerトークンだけで認証するクライアントは検証対象外。
func NewCSRFMiddleware(config CSRFConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				if _, err := r.Cookie(csrfCookieName); err != nil {
					if token, err := generateCSRFToken(); err == nil {
						http.SetCookie(w, config.cookie(token))
					}
				}
				next.ServeHTTP(w, r)
				return
			}

			if bearerOnly(r) {
				next.ServeHTTP(w, r)
				return
			}

			if reason := csrfFailure(r); reason != "" {
				slog.Warn("csrf validation failed",
					slog.String("reason", reason),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
					Code:     ErrCodeCSRFValidation,
					Message:  "CSRFトークンの検証に失敗しました。",
					Category: "auth",
					Action:   "ページを再読み込みしてから再度お試しください。",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// csrfFailure は検証失敗の理由を返す。成功時は空文字。
func csrfFailure(r *http.Request) string {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return "missing_cookie"
	}
	header := r.Header.Get(csrfHeaderName)
	if header == "" {
		return "missing_header"
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
		return "mismatch"
	}
	return ""
}

func bearerOnly(r *http.Request) bool {
	if _, ok := bearerToken(r); !ok {
		return false
	}
	_, err := r.Cookie(SessionCookieName)
	return err != nil
}

// NewCSRFTokenHandler は GET /api/csrf-token のハンドラーを返す。
// Cookieに既存トークンがあればそれを、なければ新しく発行したトークンを返す。
func NewCSRFTokenHandler(config CSRFConfig) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token string
		if c, err := r.Cookie(csrfCookieName); err == nil && c.Value != "" {
			token = c.Value
		} else {
			token, err = generateCSRFToken()
			if err != nil {
				slog.Error("failed to generate csrf token", slog.String("error", err.Error()))
				WriteInternalServerError(w)
				return
			}
			http.SetCookie(w, config.cookie(token))
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(struct {
			Token string `json:"token"`
		}{token}); err != nil {
			slog.Debug("failed to write csrf token", slog.String("error", err.Error()))
		}
	})
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func generateCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
