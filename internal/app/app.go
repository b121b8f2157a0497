package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hitoshi/taskboard/internal/changefeed"
	"github.com/hitoshi/taskboard/internal/config"
	"github.com/hitoshi/taskboard/internal/database"
	"github.com/hitoshi/taskboard/internal/handler"
	"github.com/hitoshi/taskboard/internal/logger"
	"github.com/hitoshi/taskboard/internal/metrics"
	"github.com/hitoshi/taskboard/internal/middleware"
	"github.com/hitoshi/taskboard/internal/notification"
	"github.com/hitoshi/taskboard/internal/worker/cleanup"
	"github.com/hitoshi/taskboard/internal/worker/overdue"
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
// 返されたio.Closerはログファイルを閉じるため、終了時に呼ぶこと。
func Init(w io.Writer) (*config.Config, io.Closer, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. .envと環境変数から設定を読み込む
	if err := config.LoadDotEnv(); err != nil {
		return nil, nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定に合わせてログレベルと出力先を切り替える
	_, closer := logger.Configure(w, logger.Options{
		Level: cfg.LogLevel,
		File:  cfg.LogFile,
	})
	return cfg, closer, nil
}

// openDatabase はDB接続を開き、スキーマが最新であることを確認する。
func openDatabase(ctx context.Context, cfg *config.Config, pool database.PoolConfig) (*sql.DB, error) {
	db, err := database.Connect(ctx, cfg.DatabaseURL, pool)
	if err != nil {
		return nil, err
	}
	if err := database.CheckSchema(cfg.DatabaseURL); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w (run \"taskboard migrate\" first)", err)
	}
	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
		slog.Int("max_open_conns", pool.MaxOpenConns),
	)
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg, database.APIPoolConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. メトリクスと変更フィード
	reg, collector := newMetrics()

	events, err := openEventBackend(ctx, cfg, db, log)
	if err != nil {
		return err
	}
	defer events.close()

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := changefeed.NewHub(events.source, log, collector, changefeed.ChannelTasks, changefeed.ChannelNotifications)
	var hubDone sync.WaitGroup
	hubDone.Go(func() { hub.Run(hubCtx) })
	defer hubDone.Wait()

	// 3. 添付ファイルストア（任意）
	attachments, err := openAttachmentStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	// 4. ドメインサービス
	svc, err := newServices(serviceDeps{
		cfg:         cfg,
		repos:       newRepositories(db),
		publisher:   events.publisher,
		attachments: attachments,
		collector:   collector,
		logger:      log,
	})
	if err != nil {
		return err
	}

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.PerMinute(cfg.RateLimitGeneral, cfg.RateLimitLogin))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         log,
		Collector:      collector,
		MetricsHandler: metrics.Handler(reg),
		HealthChecker:  db,

		ActorResolver:     svc.auth,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		RateLimiter: rateLimiter,

		AuthService: svc.auth,
		AuthConfig: handler.AuthHandlerConfig{
			CookieDomain:  cfg.CookieDomain,
			CookieSecure:  cfg.CookieSecure,
			SessionMaxAge: cfg.SessionMaxAge,
		},

		TaskService:    svc.task,
		HistoryService: handler.NewHistoryStreamAdapter(svc.history, hub),

		NotificationService:  svc.notification,
		NotificationStreamer: handler.NewNotificationStreamAdapter(svc.notification, hub),

		TeamService: svc.team,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second, // SSEはハンドラー側で解除する
		IdleTimeout:       60 * time.Second,
	}
	// Shutdownは開いているSSEを待つため、先にHubを止めて購読を終わらせる
	server.RegisterOnShutdown(stopHub)

	return serveUntilDone(ctx, server, "API server")
}

// runWorker はワーカーモードで起動する。
// 割り当て通知のWatcher、期限切れ通知のスケジューラ、クリーンアップジョブを実行する。
// ctxがキャンセルされるとすべて停止してから戻る。
func runWorker(ctx context.Context, cfg *config.Config) error {
	log := slog.Default()

	// 1. DB接続
	db, err := openDatabase(ctx, cfg, database.WorkerPoolConfig(cfg.OverdueMaxConcurrency))
	if err != nil {
		return err
	}
	defer db.Close()

	// 2. メトリクスと変更フィード
	reg, collector := newMetrics()

	events, err := openEventBackend(ctx, cfg, db, log)
	if err != nil {
		return err
	}
	defer events.close()

	// 3. リポジトリとサービス
	repos := newRepositories(db)
	svc, err := newServices(serviceDeps{
		cfg:       cfg,
		repos:     repos,
		publisher: events.publisher,
		collector: collector,
		logger:    log,
	})
	if err != nil {
		return err
	}

	hub := changefeed.NewHub(events.source, log, collector, changefeed.ChannelTasks)
	watcher := notification.NewWatcher(repos.tasks, repos.profiles, repos.history, repos.notifications, svc.notification, cfg.AssignmentWindow, log)
	scheduler := overdue.NewScheduler(repos.tasks, svc.notification, log, cfg.OverdueMaxConcurrency)
	cleanupJob := cleanup.NewCleanupJob(db, log)
	cleanupJob.RetentionDays = cfg.NotificationRetentionDays

	slog.Info("worker starting",
		slog.String("event_backend", cfg.EventBackend),
		slog.Duration("assignment_window", cfg.AssignmentWindow),
		slog.Duration("overdue_scan_interval", cfg.OverdueScanInterval),
		slog.Duration("cleanup_interval", cfg.CleanupInterval),
		slog.Int("retention_days", cfg.NotificationRetentionDays),
	)

	var wg sync.WaitGroup
	wg.Go(func() { hub.Run(ctx) })
	wg.Go(func() {
		if err := watcher.Run(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("notification watcher stopped", slog.String("error", err.Error()))
		}
	})
	wg.Go(func() { scheduler.Start(ctx, cfg.OverdueScanInterval) })
	wg.Go(func() { cleanupJob.Start(ctx, cfg.CleanupInterval) })

	// ワーカーのメトリクスは別ポートで公開する（任意）
	if cfg.WorkerMetricsPort != "" {
		server := &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.SetupMetricsRoute(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		wg.Go(func() {
			if err := serveUntilDone(ctx, server, "worker metrics server"); err != nil {
				slog.Error("worker metrics server failed", slog.String("error", err.Error()))
			}
		})
	}

	wg.Wait()
	slog.Info("worker stopped gracefully")
	return nil
}

// serveUntilDone はサーバーを起動し、ctxがキャンセルされたらグレースフルシャットダウンする。
func serveUntilDone(ctx context.Context, server *http.Server, name string) error {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", server.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info(name+" starting", slog.String("addr", server.Addr))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", name, err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down " + name + "...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s shutdown failed: %w", name, err)
	}
	slog.Info(name + " stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// downが0なら未適用のマイグレーションをすべて適用し、正の値ならその数だけ戻す。
func runMigrate(cfg *config.Config, down int) error {
	dbURL := maskDatabaseURL(cfg.DatabaseURL)

	if down > 0 {
		slog.Info("rolling back database migrations",
			slog.String("database_url", dbURL),
			slog.Int("steps", down),
		)
		if err := database.RollbackMigrations(cfg.DatabaseURL, down); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
	} else {
		slog.Info("running database migrations", slog.String("database_url", dbURL))
		if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	version, dirty, err := database.MigrationVersion(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, port string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://localhost:%s/health", port), nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// maskDatabaseURL はデータベースURLのパスワードとクエリを伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	u.RawQuery = ""
	return u.Redacted()
}
