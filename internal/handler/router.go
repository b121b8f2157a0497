package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/taskboard/internal/metrics"
	"github.com/hitoshi/taskboard/internal/middleware"
)

// HealthChecker はヘルスチェックで疎通を確認する依存。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// 共通
	Logger         *slog.Logger
	Collector      metrics.MetricsCollector
	MetricsHandler http.Handler // nilの場合は /metrics を公開しない
	HealthChecker  HealthChecker

	// ミドルウェア依存
	ActorResolver     middleware.ActorResolver
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// 認証
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// タスク
	TaskService    TaskServiceInterface
	HistoryService HistoryStreamer

	// 通知
	NotificationService  NotificationServiceInterface
	NotificationStreamer NotificationStreamer

	// チーム
	TeamService TeamServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Recovery → Logging → SecurityHeaders → CORS → Session → CSRF → RateLimit(General)
//
// /health、/metrics、ログインはセッション不要のルートとして扱う。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, deps.Collector))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthService, deps.AuthConfig)
	taskHandler := NewTaskHandler(deps.TaskService)
	historyHandler := NewHistoryHandler(deps.HistoryService)
	notificationHandler := NewNotificationHandler(deps.NotificationService, deps.NotificationStreamer)
	teamHandler := NewTeamHandler(deps.TeamService)

	sessionMW := middleware.NewSessionMiddleware(deps.ActorResolver)
	csrfMW := middleware.NewCSRFMiddleware(deps.CSRF)

	// --- 認証不要のルート ---

	r.Get("/health", healthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		// ログインはIP単位のレート制限のみ
		r.With(deps.RateLimiter.LoginMiddleware()).Post("/login", authHandler.Login)

		r.With(csrfMW).Post("/refresh", authHandler.Refresh)
		r.With(csrfMW).Post("/logout", authHandler.Logout)
		r.With(sessionMW).Get("/me", authHandler.Me)
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → CSRF → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(sessionMW)
		r.Use(csrfMW)
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// タスク管理
		r.Route("/api/tasks", func(r chi.Router) {
			r.Get("/", taskHandler.List)
			r.Post("/", taskHandler.Create)
			r.Get("/pending", taskHandler.ListPending)
			r.Get("/completed", taskHandler.ListCompleted)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", taskHandler.Get)
				r.Patch("/", taskHandler.Update)

				// 状態遷移
				r.Post("/status", taskHandler.ChangeStatus)
				r.Post("/approve", taskHandler.Approve)
				r.Post("/reject", taskHandler.Reject)
				r.Post("/reopen", taskHandler.Reopen)

				// 履歴
				r.Get("/history", historyHandler.List)
				r.Get("/history/stream", historyHandler.Stream)

				// 添付ファイル
				r.Post("/attachment", taskHandler.RequestUpload)
				r.Get("/attachment", taskHandler.Download)
			})
		})

		// 通知
		r.Route("/api/notifications", func(r chi.Router) {
			r.Get("/", notificationHandler.List)
			r.Get("/stream", notificationHandler.Stream)
			r.Post("/read-all", notificationHandler.MarkAllRead)
			r.Post("/{id}/read", notificationHandler.MarkRead)
		})

		// チーム管理
		r.Route("/api/team", func(r chi.Router) {
			r.Get("/members", teamHandler.ListMembers)
			r.With(middleware.RequireAdmin).Post("/members", teamHandler.AddMember)
			r.With(middleware.RequireAdmin).Get("/overview", teamHandler.Overview)
		})
	})

	return r
}

// healthHandler はDBへの疎通を確認し、成功すれば200を返す。
// GET /health
func healthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := checker.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
