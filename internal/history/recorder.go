// Package history はタスク履歴の記録と参照を提供する。
// 履歴は追記専用で、タスクの書き込みと同じトランザクションで追記される。
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/taskboard/internal/model"
	"github.com/hitoshi/taskboard/internal/repository"
)

// Change は1件の履歴エントリに記録する内容。
type Change struct {
	Action    model.HistoryAction
	OldStatus model.TaskStatus
	NewStatus model.TaskStatus
	Note      string
	Metadata  map[string]any
}

// NewEntry はアクターと変更内容から履歴エントリを組み立てる。
// アクターのIDと名前は必須。metadataが未指定の場合は空のmapを設定する。
func NewEntry(taskID string, actor model.Actor, change Change, now time.Time) (*model.HistoryEntry, error) {
	if taskID == "" {
		return nil, fmt.Errorf("history entry requires task ID")
	}
	if actor.UserID == "" || actor.Name == "" {
		return nil, fmt.Errorf("history entry requires actor ID and name")
	}

	metadata := change.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return &model.HistoryEntry{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		UserID:    actor.UserID,
		UserName:  actor.Name,
		Action:    change.Action,
		OldStatus: change.OldStatus,
		NewStatus: change.NewStatus,
		Note:      change.Note,
		Timestamp: now,
		Metadata:  metadata,
	}, nil
}

// Recorder は履歴エントリを追記する。
// 呼び出し側が渡したリポジトリ（通常はトランザクションに束縛されたもの）に書き込む。
type Recorder struct {
	now func() time.Time
}

// NewRecorder はRecorderを生成する。
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now}
}

// Record は1件以上の変更を同一時刻で追記する。
// 途中で失敗した場合はそのエラーを返し、ロールバックは呼び出し側のトランザクションに任せる。
func (r *Recorder) Record(ctx context.Context, repo repository.HistoryRepository, taskID string, actor model.Actor, changes ...Change) ([]*model.HistoryEntry, error) {
	now := r.now()
	entries := make([]*model.HistoryEntry, 0, len(changes))
	for _, c := range changes {
		entry, err := NewEntry(taskID, actor, c, now)
		if err != nil {
			return nil, err
		}
		if err := repo.Append(ctx, entry); err != nil {
			return nil, fmt.Errorf("failed to record %s: %w", c.Action, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
