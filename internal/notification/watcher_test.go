package notification

import (
	"context"
	"testing"
	"time"

	"github.com/hitoshi/taskboard/internal/changefeed"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/repository/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) (*Watcher, *repotest.Store) {
	t.Helper()
	store := repotest.NewStore()
	svc := NewService(store.NotificationRepo(), nil, nil, discardLogger())
	svc.now = func() time.Time { return t0 }
	w := NewWatcher(store.Tasks(), store.Profiles(), store.HistoryRepo(), store.NotificationRepo(), svc, time.Minute, discardLogger())
	w.now = func() time.Time { return t0 }

	store.PutProfile(&model.Profile{ID: "p0", UserID: "admin-1", Name: "Admin", Role: model.RoleAdmin})
	store.PutProfile(&model.Profile{ID: "p1", UserID: "admin-2", Name: "Admin2", Role: model.RoleAdmin})
	store.PutProfile(&model.Profile{ID: "p2", UserID: "alice", Name: "Alice", Role: model.RoleMember})
	store.PutProfile(&model.Profile{ID: "p3", UserID: "bob", Name: "Bob", Role: model.RoleMember})
	return w, store
}

func byType(list []*model.Notification, typ model.NotificationType) []*model.Notification {
	var out []*model.Notification
	for _, n := range list {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

func recipients(list []*model.Notification) []string {
	out := make([]string, 0, len(list))
	for _, n := range list {
		out = append(out, n.UserID)
	}
	return out
}

func TestWatcher_AssignedWithinWindow(t *testing.T) {
	w, store := newTestWatcher(t)
	store.PutTask(&model.Task{ID: "t1", Title: "見積書", Assignees: []string{"alice", "bob"}, Status: model.TaskStatusTodo, CreatedAt: t0.Add(-30 * time.Second)})

	err := w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindTaskAssigned, TaskID: "t1", UserIDs: []string{"alice", "bob"}, ActorID: "admin-1"})
	require.NoError(t, err)

	got := byType(store.Notifications(), model.NotificationTaskAssigned)
	assert.ElementsMatch(t, []string{"alice", "bob"}, recipients(got))
	assert.Contains(t, got[0].Message, "見積書")
}

func TestWatcher_AssignedSkipped(t *testing.T) {
	tests := []struct {
		name string
		task *model.Task
	}{
		{"作成から時間が経っている", &model.Task{ID: "t1", Assignees: []string{"alice"}, Status: model.TaskStatusTodo, CreatedAt: t0.Add(-2 * time.Minute)}},
		{"未着手ではない", &model.Task{ID: "t1", Assignees: []string{"alice"}, Status: model.TaskStatusInProgress, CreatedAt: t0}},
		{"担当から外れている", &model.Task{ID: "t1", Assignees: []string{"bob"}, Status: model.TaskStatusTodo, CreatedAt: t0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, store := newTestWatcher(t)
			store.PutTask(tt.task)

			err := w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindTaskAssigned, TaskID: "t1", UserIDs: []string{"alice"}})
			require.NoError(t, err)
			assert.Empty(t, store.Notifications())
		})
	}
}

func TestWatcher_AssignedIsIdempotent(t *testing.T) {
	w, store := newTestWatcher(t)
	store.PutTask(&model.Task{ID: "t1", Assignees: []string{"alice"}, Status: model.TaskStatusTodo, CreatedAt: t0})
	ev := changefeed.Event{Kind: changefeed.KindTaskAssigned, TaskID: "t1", UserIDs: []string{"alice"}}

	require.NoError(t, w.Handle(context.Background(), ev))
	require.NoError(t, w.Handle(context.Background(), ev))

	assert.Len(t, store.Notifications(), 1)
}

func TestWatcher_UnknownTaskIsIgnored(t *testing.T) {
	w, store := newTestWatcher(t)

	err := w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindTaskAssigned, TaskID: "missing", UserIDs: []string{"alice"}})
	require.NoError(t, err)
	assert.Empty(t, store.Notifications())
}

func TestWatcher_PendingApprovalNotifiesAdmins(t *testing.T) {
	w, store := newTestWatcher(t)
	store.PutTask(&model.Task{ID: "t1", Title: "見積書", Assignees: []string{"alice"}, Status: model.TaskStatusPendingApproval})

	err := w.Handle(context.Background(), changefeed.Event{
		Kind:      changefeed.KindTaskStatusChanged,
		TaskID:    "t1",
		OldStatus: string(model.TaskStatusInProgress),
		NewStatus: string(model.TaskStatusPendingApproval),
		ActorID:   "alice",
	})
	require.NoError(t, err)

	got := byType(store.Notifications(), model.NotificationTaskCompleted)
	assert.ElementsMatch(t, []string{"admin-1", "admin-2"}, recipients(got))
	assert.Contains(t, got[0].Message, "Alice")
}

func TestWatcher_AdminReportingDoesNotNotifySelf(t *testing.T) {
	w, store := newTestWatcher(t)
	store.PutTask(&model.Task{ID: "t1", Assignees: []string{"admin-1"}, Status: model.TaskStatusPendingApproval})

	err := w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindTaskStatusChanged, TaskID: "t1", NewStatus: string(model.TaskStatusPendingApproval), ActorID: "admin-1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"admin-2"}, recipients(store.Notifications()))
}

func TestWatcher_ApprovalNotifiesAssignees(t *testing.T) {
	w, store := newTestWatcher(t)
	store.PutTask(&model.Task{ID: "t1", Assignees: []string{"alice", "bob"}, Status: model.TaskStatusCompleted})

	err := w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindTaskStatusChanged, TaskID: "t1", NewStatus: string(model.TaskStatusCompleted), ActorID: "admin-1"})
	require.NoError(t, err)

	got := byType(store.Notifications(), model.NotificationTaskApproved)
	assert.ElementsMatch(t, []string{"alice", "bob"}, recipients(got))
}

func TestWatcher_StaleStatusEventIsDropped(t *testing.T) {
	w, store := newTestWatcher(t)
	// 承認待ちのイベントを処理する前に差し戻された
	store.PutTask(&model.Task{ID: "t1", Assignees: []string{"alice"}, Status: model.TaskStatusInProgress})

	err := w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindTaskStatusChanged, TaskID: "t1", NewStatus: string(model.TaskStatusPendingApproval), ActorID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, store.Notifications())
}

func TestWatcher_OtherTransitionsAreIgnored(t *testing.T) {
	w, store := newTestWatcher(t)
	store.FailOn("tasks.FindByID", repotest.ErrInjected)

	err := w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindTaskStatusChanged, TaskID: "t1", NewStatus: string(model.TaskStatusInProgress)})
	assert.NoError(t, err, "通知対象外の遷移ではタスクを読まない")
	assert.Empty(t, store.Notifications())
}

func TestWatcher_ResyncCatchesUpRecentAssignments(t *testing.T) {
	w, store := newTestWatcher(t)
	store.PutTask(&model.Task{ID: "fresh", Assignees: []string{"alice"}, Status: model.TaskStatusTodo, CreatedAt: t0.Add(-10 * time.Second)})
	store.PutTask(&model.Task{ID: "old", Assignees: []string{"bob"}, Status: model.TaskStatusTodo, CreatedAt: t0.Add(-time.Hour)})

	// 取りこぼす前に1件は作成済み
	require.NoError(t, w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindTaskAssigned, TaskID: "fresh", UserIDs: []string{"alice"}}))
	require.NoError(t, w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindResync}))

	got := store.Notifications()
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].TaskID)
}

func appendTransition(t *testing.T, store *repotest.Store, taskID, userID, userName string, status model.TaskStatus, at time.Time) {
	t.Helper()
	require.NoError(t, store.HistoryRepo().Append(context.Background(), &model.HistoryEntry{
		ID: taskID + "-" + string(status), TaskID: taskID, UserID: userID, UserName: userName,
		Action: model.HistoryActionStatusChanged, NewStatus: status, Timestamp: at,
	}))
}

func TestWatcher_ResyncCatchesUpPendingApprovals(t *testing.T) {
	w, store := newTestWatcher(t)
	reportedAt := t0.Add(-5 * time.Minute)
	store.PutTask(&model.Task{ID: "t1", Title: "見積書", Assignees: []string{"alice"}, Status: model.TaskStatusPendingApproval, UpdatedAt: reportedAt})
	appendTransition(t, store, "t1", "alice", "Alice", model.TaskStatusPendingApproval, reportedAt)

	require.NoError(t, w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindResync}))

	got := byType(store.Notifications(), model.NotificationTaskCompleted)
	assert.ElementsMatch(t, []string{"admin-1", "admin-2"}, recipients(got))
	assert.Contains(t, got[0].Message, "Alice")

	// 2回目の再取得では重複しない
	require.NoError(t, w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindResync}))
	assert.Len(t, byType(store.Notifications(), model.NotificationTaskCompleted), 2)
}

func TestWatcher_ResyncSkipsAdminWhoReported(t *testing.T) {
	w, store := newTestWatcher(t)
	reportedAt := t0.Add(-time.Minute)
	store.PutTask(&model.Task{ID: "t1", Assignees: []string{"admin-1"}, Status: model.TaskStatusPendingApproval, UpdatedAt: reportedAt})
	appendTransition(t, store, "t1", "admin-1", "Admin", model.TaskStatusPendingApproval, reportedAt)

	// 遷移より前の報告サイクルの通知は今回分の代わりにならない
	_, err := store.NotificationRepo().Create(context.Background(), &model.Notification{
		ID: "old", UserID: "admin-2", TaskID: "t1", Type: model.NotificationTaskCompleted, Timestamp: reportedAt.Add(-time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindResync}))

	got := byType(store.Notifications(), model.NotificationTaskCompleted)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"admin-2", "admin-2"}, recipients(got))
}

func TestWatcher_ResyncCatchesUpRecentApprovals(t *testing.T) {
	w, store := newTestWatcher(t)
	approvedAt := t0.Add(-10 * time.Minute)
	longAgo := t0.Add(-48 * time.Hour)
	store.PutTask(&model.Task{ID: "recent", Assignees: []string{"alice", "bob"}, Status: model.TaskStatusCompleted, ApprovedBy: "admin-1", ApprovedAt: &approvedAt})
	store.PutTask(&model.Task{ID: "stale", Assignees: []string{"alice"}, Status: model.TaskStatusCompleted, ApprovedBy: "admin-1", ApprovedAt: &longAgo})
	appendTransition(t, store, "recent", "admin-1", "Admin", model.TaskStatusCompleted, approvedAt)

	// 承認イベントの処理中に途切れ、bobへの通知だけ作成済み
	_, err := store.NotificationRepo().Create(context.Background(), &model.Notification{
		ID: "n-bob", UserID: "bob", TaskID: "recent", Type: model.NotificationTaskApproved, Timestamp: approvedAt.Add(time.Second),
	})
	require.NoError(t, err)

	require.NoError(t, w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindResync}))

	got := byType(store.Notifications(), model.NotificationTaskApproved)
	require.Len(t, got, 2)
	assert.ElementsMatch(t, []string{"alice", "bob"}, recipients(got))
	for _, n := range got {
		assert.Equal(t, "recent", n.TaskID)
	}
}

func TestWatcher_ResyncHistoryFailureIsReturned(t *testing.T) {
	w, store := newTestWatcher(t)
	store.PutTask(&model.Task{ID: "t1", Assignees: []string{"alice"}, Status: model.TaskStatusPendingApproval, UpdatedAt: t0})
	store.FailOn("history.ListByTask", repotest.ErrInjected)

	err := w.Handle(context.Background(), changefeed.Event{Kind: changefeed.KindResync})
	assert.ErrorIs(t, err, repotest.ErrInjected)
	assert.Empty(t, store.Notifications())
}

func TestWatcher_RunConsumesSubscription(t *testing.T) {
	w, store := newTestWatcher(t)
	store.PutTask(&model.Task{ID: "t1", Assignees: []string{"alice"}, Status: model.TaskStatusTodo, CreatedAt: t0})

	source := &stubSource{sub: &sliceSubscription{events: []changefeed.Event{
		{Kind: changefeed.KindTaskCreated, TaskID: "t1"},
		{Kind: changefeed.KindTaskAssigned, TaskID: "t1", UserIDs: []string{"alice"}},
	}}}

	err := w.Run(context.Background(), source)
	require.NoError(t, err)
	assert.Equal(t, []string{changefeed.ChannelTasks}, source.channels)
	assert.Len(t, store.Notifications(), 1)
}

type stubSource struct {
	sub      changefeed.Subscription
	channels []string
}

func (s *stubSource) Subscribe(_ context.Context, channels ...string) (changefeed.Subscription, error) {
	s.channels = channels
	return s.sub, nil
}
