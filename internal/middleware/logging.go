package middleware

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/taskboard/internal/metrics"
)

// accessRecorder はアクセスログ用にステータスコードと送信バイト数を記録する。
type accessRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (ar *accessRecorder) WriteHeader(code int) {
	if ar.status == 0 {
		ar.status = code
	}
	ar.ResponseWriter.WriteHeader(code)
}

func (ar *accessRecorder) Write(b []byte) (int, error) {
	if ar.status == 0 {
		ar.status = http.StatusOK
	}
	n, err := ar.ResponseWriter.Write(b)
	ar.bytes += int64(n)
	return n, err
}

// Flush はSSEのために下位のFlusherへ委譲する。
func (ar *accessRecorder) Flush() {
	if ar.status == 0 {
		ar.status = http.StatusOK
	}
	if f, ok := ar.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap はhttp.ResponseControllerのために元のResponseWriterを返す。
func (ar *accessRecorder) Unwrap() http.ResponseWriter {
	return ar.ResponseWriter
}

func (ar *accessRecorder) statusCode() int {
	if ar.status == 0 {
		return http.StatusOK
	}
	return ar.status
}

// NewLoggingMiddleware はリクエストごとにJSON構造化のアクセスログを1行出力し、
// ステータスコードとレイテンシをcollectorに記録するミドルウェアを返す。
//
// ログ属性: method, path, status, bytes, duration_ms, request_id, user_id（認証済みのみ）。
// SSEストリームは接続時間が長いため "http_stream" として出力し、レイテンシには含めない。
func NewLoggingMiddleware(logger *slog.Logger, collector metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &accessRecorder{ResponseWriter: w}

			// アクターは内側のセッションミドルウェアで解決される
			slot := &actorSlot{}
			next.ServeHTTP(rec, r.WithContext(withActorSlot(r.Context(), slot)))

			duration := time.Since(start)
			status := rec.statusCode()
			stream := strings.HasPrefix(rec.Header().Get("Content-Type"), "text/event-stream")

			collector.RecordHTTPStatus(status)
			if !stream {
				collector.RecordRequestLatency(duration)
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("bytes", rec.bytes),
				slog.Float64("duration_ms", float64(duration.Nanoseconds())/float64(time.Millisecond)),
			}
			if id := chimw.GetReqID(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if slot.userID != "" {
				attrs = append(attrs, slog.String("user_id", slot.userID))
			}

			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			msg := "http_request"
			if stream {
				msg = "http_stream"
			}
			logger.LogAttrs(r.Context(), level, msg, attrs...)
		})
	}
}
