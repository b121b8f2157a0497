// Package overdue は期限を過ぎたタスクの定期検出と担当者への通知を提供する。
package overdue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/notification"
)

// TaskLister は期限超過タスクの取得インターフェース。
type TaskLister interface {
	// ListOverdue は期限日がtodayより前で未完了のタスクを返す。
	ListOverdue(ctx context.Context, today time.Time) ([]*model.Task, error)
}

// Scheduler は期限超過タスクの検出と通知を定期実行する。
// semaphoreパターンで最大並列数を制御しながら担当者ごとの通知を作成する。
// 通知は (ユーザー, タスク, 種別) の一意制約により1回だけ作成される。
type Scheduler struct {
	tasks          TaskLister
	notifier       notification.Creator
	logger         *slog.Logger
	maxConcurrency int
	now            func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// maxConcurrencyが0以下の場合はデフォルト値10を使用する。
func NewScheduler(tasks TaskLister, notifier notification.Creator, logger *slog.Logger, maxConcurrency int) *Scheduler {
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}
	return &Scheduler{
		tasks:          tasks,
		notifier:       notifier,
		logger:         logger,
		maxConcurrency: maxConcurrency,
		now:            time.Now,
	}
}

// DefaultScanInterval はintervalが0以下の場合に使うスキャン間隔。
const DefaultScanInterval = time.Hour

// Start はintervalごとのティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("期限超過スキャンを開始しました",
		slog.Duration("interval", interval),
		slog.Int("max_concurrency", s.maxConcurrency),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("期限超過スキャンの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("期限超過スキャンを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("期限超過スキャンの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は期限超過タスクを1回取得し、担当者ごとに task_overdue 通知を作成する。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	now := s.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	tasks, err := s.tasks.ListOverdue(ctx, today)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		s.logger.Info("期限超過のタスクはありません")
		return nil
	}

	sem := make(chan struct{}, s.maxConcurrency)
	var wg sync.WaitGroup
	var created atomic.Int64

	for _, task := range tasks {
		wg.Add(1)
		sem <- struct{}{}

		go func(t *model.Task) {
			defer wg.Done()
			defer func() { <-sem }()

			for _, userID := range t.Assignees {
				ok, err := s.notifier.Create(ctx, notification.Overdue(t, userID, now))
				if err != nil {
					s.logger.Error("期限超過通知の作成に失敗しました",
						slog.String("task_id", t.ID),
						slog.String("user_id", userID),
						slog.String("error", err.Error()),
					)
					continue
				}
				if ok {
					created.Add(1)
				}
			}
		}(task)
	}

	wg.Wait()

	duration := time.Since(start)
	s.logger.Info("期限超過スキャンが完了しました",
		slog.Int("task_count", len(tasks)),
		slog.Int64("created_notifications", created.Load()),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}
