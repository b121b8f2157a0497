package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/taskboard/internal/model"
)

// PostgresHistoryRepo はPostgreSQLを使用したタスク履歴リポジトリ。
type PostgresHistoryRepo struct {
	db DBTX
}

// NewPostgresHistoryRepo はPostgresHistoryRepoを生成する。
func NewPostgresHistoryRepo(db DBTX) *PostgresHistoryRepo {
	return &PostgresHistoryRepo{db: db}
}

// Append は履歴エントリを追記する。
// 空のold_status/new_status/noteはNULLとして保存する。
func (r *PostgresHistoryRepo) Append(ctx context.Context, e *model.HistoryEntry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	b, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal history metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO task_history (id, task_id, user_id, user_name, action, old_status, new_status, note, timestamp, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.TaskID, e.UserID, e.UserName, e.Action,
		nullString(string(e.OldStatus)), nullString(string(e.NewStatus)), nullString(e.Note),
		e.Timestamp, b,
	)
	if err != nil {
		return fmt.Errorf("failed to append history entry: %w", err)
	}
	return nil
}

// ListByTask はタスクの履歴を新しい順で返す。
func (r *PostgresHistoryRepo) ListByTask(ctx context.Context, taskID string) ([]*model.HistoryEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, task_id, user_id, user_name, action, old_status, new_status, note, timestamp, metadata
		 FROM task_history
		 WHERE task_id = $1
		 ORDER BY timestamp DESC, id DESC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []*model.HistoryEntry
	for rows.Next() {
		e := &model.HistoryEntry{}
		var (
			oldStatus, newStatus, note sql.NullString
			metadata                   []byte
		)
		if err := rows.Scan(
			&e.ID, &e.TaskID, &e.UserID, &e.UserName, &e.Action,
			&oldStatus, &newStatus, &note, &e.Timestamp, &metadata,
		); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		e.OldStatus = model.TaskStatus(oldStatus.String)
		e.NewStatus = model.TaskStatus(newStatus.String)
		e.Note = note.String
		e.Metadata = map[string]any{}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}
	return entries, nil
}

// compile-time interface check
var _ HistoryRepository = (*PostgresHistoryRepo)(nil)
