package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresHistoryRepo_ImplementsInterface(t *testing.T) {
	var _ HistoryRepository = (*PostgresHistoryRepo)(nil)
}

// 空のold_status/new_status/noteはNULLで保存され、metadataは{}になる
func TestPostgresHistoryRepo_Append_OmitsEmptyOptionalFields(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresHistoryRepo(db)

	ts := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO task_history")).
		WithArgs("h1", "task-1", "u1", "Alice", model.HistoryActionEdited, nil, nil, nil, ts, []byte("{}")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Append(context.Background(), &model.HistoryEntry{
		ID:        "h1",
		TaskID:    "task-1",
		UserID:    "u1",
		UserName:  "Alice",
		Action:    model.HistoryActionEdited,
		Timestamp: ts,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHistoryRepo_Append_StoresStatuses(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresHistoryRepo(db)

	ts := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO task_history")).
		WithArgs("h2", "task-1", "u1", "Alice", model.HistoryActionCompleted,
			"in_progress", "pending_approval", "done", ts, []byte(`{"requested":"completed"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Append(context.Background(), &model.HistoryEntry{
		ID:        "h2",
		TaskID:    "task-1",
		UserID:    "u1",
		UserName:  "Alice",
		Action:    model.HistoryActionCompleted,
		OldStatus: model.TaskStatusInProgress,
		NewStatus: model.TaskStatusPendingApproval,
		Note:      "done",
		Timestamp: ts,
		Metadata:  map[string]any{"requested": "completed"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresHistoryRepo_ListByTask_NewestFirst(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewPostgresHistoryRepo(db)

	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY timestamp DESC")).
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "task_id", "user_id", "user_name", "action", "old_status", "new_status", "note", "timestamp", "metadata",
		}).
			AddRow("h2", "task-1", "u1", "Alice", "status_changed", "todo", "in_progress", nil, t2, []byte(`{}`)).
			AddRow("h1", "task-1", "a1", "Admin", "created", nil, "todo", nil, t1, []byte(`{"title":"T"}`)))

	entries, err := repo.ListByTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "h2", entries[0].ID)
	assert.Equal(t, model.TaskStatusTodo, entries[0].OldStatus)
	assert.Empty(t, entries[1].OldStatus)
	assert.Equal(t, "T", entries[1].Metadata["title"])
	assert.NotNil(t, entries[0].Metadata)
}
