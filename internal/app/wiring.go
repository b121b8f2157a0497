package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/hitoshi/taskboard/internal/auth"
	"github.com/hitoshi/taskboard/internal/changefeed"
	"github.com/hitoshi/taskboard/internal/config"
	"github.com/hitoshi/taskboard/internal/history"
	"github.com/hitoshi/taskboard/internal/metrics"
	"github.com/hitoshi/taskboard/internal/notification"
	"github.com/hitoshi/taskboard/internal/profile"
	"github.com/hitoshi/taskboard/internal/repository"
	"github.com/hitoshi/taskboard/internal/security"
	"github.com/hitoshi/taskboard/internal/storage"
	"github.com/hitoshi/taskboard/internal/task"
	"github.com/hitoshi/taskboard/internal/team"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// repositories はPostgreSQLリポジトリ一式。
type repositories struct {
	tx            repository.TxRunner
	accounts      *repository.PostgresAccountRepo
	sessions      *repository.PostgresSessionRepo
	profiles      *repository.PostgresProfileRepo
	tasks         *repository.PostgresTaskRepo
	history       *repository.PostgresHistoryRepo
	notifications *repository.PostgresNotificationRepo
}

func newRepositories(db *sql.DB) *repositories {
	return &repositories{
		tx:            repository.NewPostgresTxRunner(db),
		accounts:      repository.NewPostgresAccountRepo(db),
		sessions:      repository.NewPostgresSessionRepo(db),
		profiles:      repository.NewPostgresProfileRepo(db),
		tasks:         repository.NewPostgresTaskRepo(db),
		history:       repository.NewPostgresHistoryRepo(db),
		notifications: repository.NewPostgresNotificationRepo(db),
	}
}

// services はドメインサービス一式。
type services struct {
	auth         *auth.Service
	profile      *profile.Service
	task         *task.Service
	history      *history.Service
	notification *notification.Service
	team         *team.Service
}

// serviceDeps はnewServicesの入力。Attachmentsがnilなら添付ファイル機能を無効にする。
type serviceDeps struct {
	cfg         *config.Config
	repos       *repositories
	publisher   changefeed.Publisher
	attachments storage.AttachmentStore
	collector   metrics.MetricsCollector
	logger      *slog.Logger
}

func newServices(d serviceDeps) (*services, error) {
	tokens, err := auth.NewTokenIssuer(d.cfg.TokenSecret, d.cfg.IDTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}
	collector := d.collector
	if collector == nil {
		collector = metrics.Nop{}
	}

	profileSvc := profile.NewService(d.repos.profiles, d.logger)
	authSvc := auth.NewService(
		d.repos.accounts, d.repos.sessions, profileSvc, tokens,
		auth.ServiceConfig{SessionMaxAge: d.cfg.SessionMaxAge},
		d.logger,
	)
	taskSvc := task.NewService(task.Deps{
		Tx:          d.repos.tx,
		Tasks:       d.repos.tasks,
		Profiles:    d.repos.profiles,
		Recorder:    history.NewRecorder(),
		Publisher:   d.publisher,
		Attachments: d.attachments,
		Sanitizer:   security.NewTextSanitizer(),
		Metrics:     collector,
		Logger:      d.logger,
	})

	return &services{
		auth:         authSvc,
		profile:      profileSvc,
		task:         taskSvc,
		history:      history.NewService(taskSvc, d.repos.history),
		notification: notification.NewService(d.repos.notifications, d.publisher, collector, d.logger),
		team:         team.NewService(d.repos.profiles, d.repos.tasks, authSvc, d.logger),
	}, nil
}

// eventBackend は変更イベントの発行側と購読側の組。
type eventBackend struct {
	publisher changefeed.Publisher
	source    changefeed.Source
	close     func() error
}

// openEventBackend はEVENT_BACKENDに応じてLISTEN/NOTIFYまたはRedis Pub/Subを選ぶ。
func openEventBackend(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*eventBackend, error) {
	switch cfg.EventBackend {
	case config.EventBackendRedis:
		client := changefeed.NewRedisClient(changefeed.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
		return &eventBackend{
			publisher: changefeed.NewRedisPublisher(client),
			source:    changefeed.NewRedisSource(client, logger),
			close:     client.Close,
		}, nil
	default:
		return &eventBackend{
			publisher: changefeed.NewPostgresPublisher(db),
			source:    changefeed.NewPostgresSource(cfg.DatabaseURL, logger),
			close:     func() error { return nil },
		}, nil
	}
}

// openAttachmentStore はS3_BUCKETが設定されていればサーキットブレーカー付きのS3ストアを返す。
// 未設定の場合はnilを返し、添付ファイル機能は無効になる。
func openAttachmentStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.AttachmentStore, error) {
	if !cfg.AttachmentsEnabled() {
		logger.Info("attachments disabled (S3_BUCKET is not set)")
		return nil, nil
	}
	s3, err := storage.NewS3Store(ctx, storage.S3Config{
		Bucket:   cfg.S3Bucket,
		Region:   cfg.S3Region,
		Endpoint: cfg.S3Endpoint,
		Prefix:   cfg.S3Prefix,
		URLTTL:   cfg.AttachmentURLTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create attachment store: %w", err)
	}
	logger.Info("attachments enabled", slog.String("bucket", cfg.S3Bucket))
	return storage.NewBreakerStore(s3, storage.DefaultBreakerSettings(), logger), nil
}

// newMetrics はランタイム指標を含むレジストリとコレクターを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}
