package notification

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/taskboard/internal/changefeed"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/repository"
)

// DefaultAssignmentWindow は作成直後とみなす期間の既定値。
const DefaultAssignmentWindow = 60 * time.Second

// approvalCatchUpWindow は再取得時に承認通知を補う対象とする承認からの経過時間。
const approvalCatchUpWindow = 24 * time.Hour

// Creator は通知を作成する。
type Creator interface {
	Create(ctx context.Context, n *model.Notification) (bool, error)
}

// SentLookup は作成済みの通知を調べる。
type SentLookup interface {
	ExistsSince(ctx context.Context, userID, taskID string, typ model.NotificationType, since time.Time) (bool, error)
}

// Watcher はタスクの変更イベントを監視して通知を作成する。
//
//   - 作成直後（window以内）で未着手のタスクへの割り当て: 担当者ごとに task_assigned
//   - 承認待ちへの遷移: 管理者ごとに task_completed
//   - 承認: 担当者ごとに task_approved
//
// 完了報告と承認は操作したユーザー自身には通知しない。
// 購読が追いつかずKindResyncを受けた場合は、履歴を手がかりに取りこぼした通知を補う。
type Watcher struct {
	tasks    repository.TaskRepository
	profiles repository.ProfileRepository
	history  repository.HistoryRepository
	sent     SentLookup
	creator  Creator
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewWatcher はWatcherを生成する。windowが0以下の場合は既定値を使う。
func NewWatcher(tasks repository.TaskRepository, profiles repository.ProfileRepository, history repository.HistoryRepository, sent SentLookup, creator Creator, window time.Duration, logger *slog.Logger) *Watcher {
	if window <= 0 {
		window = DefaultAssignmentWindow
	}
	return &Watcher{
		tasks:    tasks,
		profiles: profiles,
		history:  history,
		sent:     sent,
		creator:  creator,
		window:   window,
		logger:   logger,
		now:      time.Now,
	}
}

// Run はsourceのタスクチャネルを購読し、購読が終わるまでイベントを処理する。
func (w *Watcher) Run(ctx context.Context, source changefeed.Source) error {
	sub, err := source.Subscribe(ctx, changefeed.ChannelTasks)
	if err != nil {
		return fmt.Errorf("failed to subscribe task events: %w", err)
	}
	defer sub.Close()

	w.logger.Info("タスクイベントの監視を開始しました", slog.Duration("assignment_window", w.window))
	for ev := range sub.Events() {
		if err := w.Handle(ctx, ev); err != nil {
			w.logger.Error("タスクイベントの処理に失敗しました",
				slog.String("kind", string(ev.Kind)),
				slog.String("task_id", ev.TaskID),
				slog.String("error", err.Error()),
			)
		}
	}
	w.logger.Info("タスクイベントの監視を停止しました")
	return ctx.Err()
}

// Handle は1件のイベントを処理する。
func (w *Watcher) Handle(ctx context.Context, ev changefeed.Event) error {
	switch ev.Kind {
	case changefeed.KindTaskAssigned:
		return w.handleAssigned(ctx, ev)
	case changefeed.KindTaskStatusChanged:
		return w.handleStatusChanged(ctx, ev)
	case changefeed.KindResync:
		return w.catchUp(ctx)
	default:
		return nil
	}
}

func (w *Watcher) handleAssigned(ctx context.Context, ev changefeed.Event) error {
	task, err := w.tasks.FindByID(ctx, ev.TaskID)
	if err != nil {
		return fmt.Errorf("failed to find task: %w", err)
	}
	if task == nil || !w.freshTodo(task) {
		return nil
	}
	for _, userID := range ev.UserIDs {
		if !task.IsAssignee(userID) {
			continue
		}
		if err := w.create(ctx, Assigned(task, userID, w.now())); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) handleStatusChanged(ctx context.Context, ev changefeed.Event) error {
	var target model.TaskStatus
	switch model.TaskStatus(ev.NewStatus) {
	case model.TaskStatusPendingApproval, model.TaskStatusCompleted:
		target = model.TaskStatus(ev.NewStatus)
	default:
		return nil
	}

	task, err := w.tasks.FindByID(ctx, ev.TaskID)
	if err != nil {
		return fmt.Errorf("failed to find task: %w", err)
	}
	// 処理までに別の遷移が起きていれば古いイベントとして捨てる
	if task == nil || task.Status != target {
		return nil
	}

	now := w.now()
	if target == model.TaskStatusCompleted {
		for _, userID := range task.Assignees {
			if userID == ev.ActorID {
				continue
			}
			if err := w.create(ctx, Approved(task, userID, now)); err != nil {
				return err
			}
		}
		return nil
	}

	admins, err := w.profiles.ListByRole(ctx, model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("failed to list admins: %w", err)
	}
	reporter := w.reporterName(ctx, ev.ActorID)
	for _, admin := range admins {
		if admin.UserID == ev.ActorID {
			continue
		}
		if err := w.create(ctx, Completed(task, admin.UserID, reporter, now)); err != nil {
			return err
		}
	}
	return nil
}

// catchUp は購読が途切れた間に取りこぼした通知を補う。
// 割り当て通知は一意制約で重複しない。完了報告と承認の通知は、
// 遷移の時刻以降に同じ通知が作られていない宛先にだけ作成する。
func (w *Watcher) catchUp(ctx context.Context) error {
	if err := w.catchUpAssignments(ctx); err != nil {
		return err
	}
	if err := w.catchUpPendingApprovals(ctx); err != nil {
		return err
	}
	return w.catchUpApprovals(ctx)
}

func (w *Watcher) catchUpAssignments(ctx context.Context) error {
	tasks, err := w.tasks.List(ctx, repository.TaskFilter{Statuses: []model.TaskStatus{model.TaskStatusTodo}})
	if err != nil {
		return fmt.Errorf("failed to list todo tasks: %w", err)
	}
	for _, task := range tasks {
		if !w.freshTodo(task) {
			continue
		}
		for _, userID := range task.Assignees {
			if err := w.create(ctx, Assigned(task, userID, w.now())); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) catchUpPendingApprovals(ctx context.Context) error {
	tasks, err := w.tasks.List(ctx, repository.TaskFilter{Statuses: []model.TaskStatus{model.TaskStatusPendingApproval}})
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}
	if len(tasks) == 0 {
		return nil
	}
	admins, err := w.profiles.ListByRole(ctx, model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("failed to list admins: %w", err)
	}
	for _, task := range tasks {
		entry, err := w.lastTransition(ctx, task.ID, model.TaskStatusPendingApproval)
		if err != nil {
			return err
		}
		actorID, reporter, since := "", "Unknown User", task.UpdatedAt
		if entry != nil {
			actorID, since = entry.UserID, entry.Timestamp
			if entry.UserName != "" {
				reporter = entry.UserName
			}
		}
		for _, admin := range admins {
			if admin.UserID == actorID {
				continue
			}
			if err := w.createOnce(ctx, Completed(task, admin.UserID, reporter, w.now()), since); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Watcher) catchUpApprovals(ctx context.Context) error {
	tasks, err := w.tasks.List(ctx, repository.TaskFilter{Statuses: []model.TaskStatus{model.TaskStatusCompleted}})
	if err != nil {
		return fmt.Errorf("failed to list completed tasks: %w", err)
	}
	for _, task := range tasks {
		since := task.UpdatedAt
		if task.ApprovedAt != nil {
			since = *task.ApprovedAt
		}
		if w.now().Sub(since) > approvalCatchUpWindow {
			continue
		}
		entry, err := w.lastTransition(ctx, task.ID, model.TaskStatusCompleted)
		if err != nil {
			return err
		}
		actorID := task.ApprovedBy
		if entry != nil {
			actorID, since = entry.UserID, entry.Timestamp
		}
		for _, userID := range task.Assignees {
			if userID == actorID {
				continue
			}
			if err := w.createOnce(ctx, Approved(task, userID, w.now()), since); err != nil {
				return err
			}
		}
	}
	return nil
}

// lastTransition はタスクがstatusへ遷移した最新の履歴を返す。見つからない場合はnilを返す。
func (w *Watcher) lastTransition(ctx context.Context, taskID string, status model.TaskStatus) (*model.HistoryEntry, error) {
	entries, err := w.history.ListByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	for _, e := range entries {
		if e.NewStatus == status {
			return e, nil
		}
	}
	return nil, nil
}

// createOnce はsince以降に同じ通知が作られていない場合だけ作成する。
func (w *Watcher) createOnce(ctx context.Context, n *model.Notification, since time.Time) error {
	exists, err := w.sent.ExistsSince(ctx, n.UserID, n.TaskID, n.Type, since)
	if err != nil {
		return fmt.Errorf("failed to check sent notification: %w", err)
	}
	if exists {
		return nil
	}
	return w.create(ctx, n)
}

func (w *Watcher) freshTodo(task *model.Task) bool {
	return task.Status == model.TaskStatusTodo && w.now().Sub(task.CreatedAt) <= w.window
}

func (w *Watcher) reporterName(ctx context.Context, userID string) string {
	p, err := w.profiles.FindByUserID(ctx, userID)
	if err != nil || p == nil {
		return "Unknown User"
	}
	return p.Name
}

func (w *Watcher) create(ctx context.Context, n *model.Notification) error {
	created, err := w.creator.Create(ctx, n)
	if err != nil {
		return err
	}
	if created {
		w.logger.Info("通知を作成しました",
			slog.String("type", string(n.Type)),
			slog.String("user_id", n.UserID),
			slog.String("task_id", n.TaskID),
		)
	}
	return nil
}

var _ Creator = (*Service)(nil)
