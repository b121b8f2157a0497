package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/taskboard/internal/model"
)

// recordingCollector はHTTP系のメトリクス呼び出しを記録するモック。
type recordingCollector struct {
	mu        sync.Mutex
	statuses  []int
	latencies []time.Duration
}

func (c *recordingCollector) RecordTransition(from, to string)                  {}
func (c *recordingCollector) RecordHistoryAppended(action string, count int)    {}
func (c *recordingCollector) RecordNotificationCreated(notificationType string) {}
func (c *recordingCollector) RecordChangefeedReconnect(channel string)          {}
func (c *recordingCollector) RecordHTTPStatus(statusCode int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = append(c.statuses, statusCode)
}
func (c *recordingCollector) RecordRequestLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latencies = append(c.latencies, d)
}

func serveLogged(t *testing.T, collector *recordingCollector, inner http.Handler, req *http.Request) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	var handler http.Handler
	if collector != nil {
		handler = NewLoggingMiddleware(logger, collector)(inner)
	} else {
		handler = NewLoggingMiddleware(logger, nil)(inner)
	}
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	return entry
}

func TestLoggingMiddleware_LogsRequestFields(t *testing.T) {
	entry := serveLogged(t, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	if entry["method"] != "GET" || entry["path"] != "/api/tasks" {
		t.Errorf("entry = %v", entry)
	}
	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if d, ok := entry["duration_ms"].(float64); !ok || d < 0 {
		t.Errorf("duration_ms = %v", entry["duration_ms"])
	}
	if _, ok := entry["user_id"]; ok {
		t.Error("unauthenticated request should not log user_id")
	}
}

// 内側のミドルウェアで解決したアクターがアクセスログに載る。
func TestLoggingMiddleware_IncludesActorResolvedDownstream(t *testing.T) {
	inner := NewSessionMiddleware(sessionResolver("sess", model.Actor{UserID: "user-123"}))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}),
	)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "sess"})

	entry := serveLogged(t, nil, inner, req)

	if entry["user_id"] != "user-123" {
		t.Errorf("user_id = %v, want user-123", entry["user_id"])
	}
}

func TestLoggingMiddleware_LevelAndMetricsByStatus(t *testing.T) {
	tests := []struct {
		statusCode int
		wantLevel  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusCreated, "INFO"},
		{http.StatusBadRequest, "WARN"},
		{http.StatusConflict, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.statusCode), func(t *testing.T) {
			collector := &recordingCollector{}
			entry := serveLogged(t, collector, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}), httptest.NewRequest(http.MethodGet, "/test", nil))

			if entry["level"] != tt.wantLevel {
				t.Errorf("level = %v, want %s", entry["level"], tt.wantLevel)
			}
			if len(collector.statuses) != 1 || collector.statuses[0] != tt.statusCode {
				t.Errorf("recorded statuses = %v", collector.statuses)
			}
			if len(collector.latencies) != 1 {
				t.Errorf("recorded latencies = %v", collector.latencies)
			}
		})
	}
}

func TestLoggingMiddleware_ImplicitOKOnWrite(t *testing.T) {
	entry := serveLogged(t, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}), httptest.NewRequest(http.MethodGet, "/test", nil))

	if entry["status"] != float64(200) {
		t.Errorf("status = %v, want 200", entry["status"])
	}
	if entry["bytes"] != float64(5) {
		t.Errorf("bytes = %v, want 5", entry["bytes"])
	}
}

func TestLoggingMiddleware_IncludesRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	handler := chimw.RequestID(NewLoggingMiddleware(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	req.Header.Set(chimw.RequestIDHeader, "req-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v", err)
	}
	if entry["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", entry["request_id"])
	}
}

// SSEは接続時間が長いためレイテンシのヒストグラムに含めない。
func TestLoggingMiddleware_StreamExcludedFromLatency(t *testing.T) {
	collector := &recordingCollector{}
	entry := serveLogged(t, collector, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("event: notification\ndata: {}\n\n"))
	}), httptest.NewRequest(http.MethodGet, "/api/notifications/stream", nil))

	if entry["msg"] != "http_stream" {
		t.Errorf("msg = %v, want http_stream", entry["msg"])
	}
	if len(collector.statuses) != 1 {
		t.Errorf("recorded statuses = %v", collector.statuses)
	}
	if len(collector.latencies) != 0 {
		t.Errorf("stream latency should not be recorded: %v", collector.latencies)
	}
}

func TestLoggingMiddleware_PreservesFlusher(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	flushed := false
	handler := NewLoggingMiddleware(logger, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("wrapped writer should implement http.Flusher")
		}
		w.Write([]byte("data: {}\n\n"))
		f.Flush()
		flushed = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/notifications/stream", nil))

	if !flushed || !rec.Flushed {
		t.Error("flush should reach the underlying writer")
	}
}
