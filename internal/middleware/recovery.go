package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
)

// startTracker はレスポンスの送信が始まったかを記録する。
type startTracker struct {
	http.ResponseWriter
	started bool
}

func (t *startTracker) WriteHeader(code int) {
	t.started = true
	t.ResponseWriter.WriteHeader(code)
}

func (t *startTracker) Write(b []byte) (int, error) {
	t.started = true
	return t.ResponseWriter.Write(b)
}

func (t *startTracker) Flush() {
	t.started = true
	if f, ok := t.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (t *startTracker) Unwrap() http.ResponseWriter {
	return t.ResponseWriter
}

// NewRecoveryMiddleware はハンドラーのpanicを回収してログに残すミドルウェアを返す。
// レスポンス送信前なら500を返す。SSEのように送信開始後のpanicでは接続を閉じるだけにする。
func NewRecoveryMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &startTracker{ResponseWriter: w}
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("handler panic",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Bool("response_started", tw.started),
					slog.String("stack", string(debug.Stack())),
				)
				if tw.started {
					panic(http.ErrAbortHandler)
				}
				WriteInternalServerError(tw)
			}()
			next.ServeHTTP(tw, r)
		})
	}
}
