package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/taskboard/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db DBTX
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db DBTX) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

const notificationColumns = `id, user_id, type, title, message, task_id, read, read_at, timestamp, updated_at`

// Create は通知を作成する。一意制約で重複した場合はfalseを返す。
func (r *PostgresNotificationRepo) Create(ctx context.Context, n *model.Notification) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT DO NOTHING`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, nullString(n.TaskID),
		n.Read, n.ReadAt, n.Timestamp, n.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create notification: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// FindByID は指定IDの通知を取得する。見つからない場合はnilを返す。
func (r *PostgresNotificationRepo) FindByID(ctx context.Context, id string) (*model.Notification, error) {
	n, err := scanNotification(r.db.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find notification: %w", err)
	}
	return n, nil
}

// ListByUser はユーザー宛ての通知を時刻の降順、同時刻では未読を先に返す。
func (r *PostgresNotificationRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE user_id = $1
		 ORDER BY timestamp DESC, read ASC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return notifications, nil
}

// MarkRead は本人宛ての通知を既読にする。対象がなければnilを返す。
// 既読済みの通知に対しては read_at を変更せずにそのまま返す。
func (r *PostgresNotificationRepo) MarkRead(ctx context.Context, id, userID string, at time.Time) (*model.Notification, error) {
	n, err := scanNotification(r.db.QueryRowContext(ctx,
		`UPDATE notifications
		 SET read = true,
		     read_at = COALESCE(read_at, $3),
		     updated_at = CASE WHEN read THEN updated_at ELSE $3 END
		 WHERE id = $1 AND user_id = $2
		 RETURNING `+notificationColumns,
		id, userID, at,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark notification read: %w", err)
	}
	return n, nil
}

// MarkAllRead はユーザーの未読通知を1回のUPDATEで既読にし、更新件数を返す。
func (r *PostgresNotificationRepo) MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET read = true, read_at = $2, updated_at = $2
		 WHERE user_id = $1 AND read = false`,
		userID, at,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// CountUnread は未読件数を返す。
func (r *PostgresNotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM notifications WHERE user_id = $1 AND read = false`,
		userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return n, nil
}

// ExistsSince はsince以降に同じ種別の通知がタスクについて作られているかを返す。
func (r *PostgresNotificationRepo) ExistsSince(ctx context.Context, userID, taskID string, typ model.NotificationType, since time.Time) (bool, error) {
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM notifications
		   WHERE user_id = $1 AND task_id = $2 AND type = $3 AND timestamp >= $4
		 )`,
		userID, taskID, typ, since,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check notification: %w", err)
	}
	return exists, nil
}

func scanNotification(s rowScanner) (*model.Notification, error) {
	n := &model.Notification{}
	var (
		taskID sql.NullString
		readAt sql.NullTime
	)
	if err := s.Scan(
		&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &taskID,
		&n.Read, &readAt, &n.Timestamp, &n.UpdatedAt,
	); err != nil {
		return nil, err
	}
	n.TaskID = taskID.String
	if readAt.Valid {
		at := readAt.Time
		n.ReadAt = &at
	}
	return n, nil
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
