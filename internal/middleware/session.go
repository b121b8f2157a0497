// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/taskboard/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// actorContextKey はリクエストコンテキストにアクターを格納するためのキー。
	actorContextKey = contextKey("actor")
	// actorSlotContextKey はアクセスログへユーザーIDを戻すための差し込み口のキー。
	actorSlotContextKey = contextKey("actor_slot")
)

// actorSlot は内側で解決したユーザーIDを外側のミドルウェアに伝える。
type actorSlot struct {
	userID string
}

func withActorSlot(ctx context.Context, slot *actorSlot) context.Context {
	return context.WithValue(ctx, actorSlotContextKey, slot)
}

// ActorResolver はセッションIDまたはIDトークンからアクターを解決する。
// 解決時にプロフィールをクレームと整合させる。
type ActorResolver interface {
	ResolveSession(ctx context.Context, sessionID string) (model.Actor, error)
	ResolveBearer(ctx context.Context, token string) (model.Actor, error)
}

// NewSessionMiddleware はAuthorizationヘッダーのIDトークン、なければHTTP Only Cookieの
// セッションからアクターを解決し、リクエストコンテキストに注入するミドルウェアを返す。
// 未認証リクエストには401を返す。
func NewSessionMiddleware(resolver ActorResolver) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var (
				actor model.Actor
				err   error
			)
			if token, ok := bearerToken(r); ok {
				actor, err = resolver.ResolveBearer(r.Context(), token)
			} else {
				cookie, cerr := r.Cookie(SessionCookieName)
				if cerr != nil || cookie.Value == "" {
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
					return
				}
				actor, err = resolver.ResolveSession(r.Context(), cookie.Value)
			}

			if err != nil {
				var apiErr *model.APIError
				if errors.As(err, &apiErr) {
					WriteErrorResponse(w, http.StatusUnauthorized, apiErr)
					return
				}
				slog.Error("failed to resolve actor",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteInternalServerError(w)
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), actor)))
		})
	}
}

// RequireAdmin は管理者以外のリクエストに403を返すミドルウェア。
// NewSessionMiddlewareの後に配置する。
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFromContext(r.Context())
		if !ok {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		if !actor.IsAdmin() {
			WriteErrorResponse(w, http.StatusForbidden, model.NewPermissionDeniedError(r.Method+" "+r.URL.Path))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ActorFromContext はリクエストコンテキストからアクターを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func ActorFromContext(ctx context.Context) (model.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey).(model.Actor)
	if !ok || actor.UserID == "" {
		return model.Actor{}, false
	}
	return actor, true
}

// ContextWithActor はコンテキストにアクターを注入する。
func ContextWithActor(ctx context.Context, actor model.Actor) context.Context {
	if slot, ok := ctx.Value(actorSlotContextKey).(*actorSlot); ok {
		slot.userID = actor.UserID
	}
	return context.WithValue(ctx, actorContextKey, actor)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
