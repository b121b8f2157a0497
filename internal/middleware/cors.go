package middleware

import (
	"net/http"
	"slices"
	"strings"
)

// corsAllowHeaders はブラウザから送信を許可するリクエストヘッダー。
// Last-Event-IDはSSE再接続時にブラウザが付与する。
var corsAllowHeaders = strings.Join([]string{
	"Content-Type",
	"Authorization",
	csrfHeaderName,
	"Last-Event-ID",
}, ", ")

// NewCORSMiddleware はカンマ区切りで指定されたオリジンのみにCORSヘッダーを返すミドルウェアを返す。
// Cookieセッションを使うため、リクエストのOriginをそのまま返し、ワイルドカードは使わない。
// 許可リストが空の場合や一致しないOriginにはヘッダーを付与しない。
func NewCORSMiddleware(allowedOrigins string) func(next http.Handler) http.Handler {
	origins := parseOrigins(allowedOrigins)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(origins) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Add("Vary", "Origin")

			origin := r.Header.Get("Origin")
			if !slices.Contains(origins, origin) {
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Expose-Headers", "Retry-After")

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
				h.Set("Access-Control-Max-Age", "600")
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func parseOrigins(raw string) []string {
	var origins []string
	for o := range strings.SplitSeq(raw, ",") {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
