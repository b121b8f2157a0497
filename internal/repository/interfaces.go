// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/taskboard/internal/model"
)

// DBTX は *sql.DB と *sql.Tx の共通部分。
// リポジトリはどちらを渡されても同じように動作する。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// AccountRepository は認証アカウントの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
	// 大文字小文字は区別しない。
	FindByEmail(ctx context.Context, email string) (*model.Account, error)

	// Create はアカウントを作成する。
	Create(ctx context.Context, account *model.Account) error

	// UpdateClaims はカスタムクレームを置き換える。
	UpdateClaims(ctx context.Context, id string, claims model.Claims) error

	// SetTokensValidAfter はこの時刻より前に発行されたトークンを無効にする。
	SetTokensValidAfter(ctx context.Context, id string, at time.Time) error
}

// ProfileRepository はユーザープロフィールの永続化インターフェース。
type ProfileRepository interface {
	// FindByUserID はユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
	FindByUserID(ctx context.Context, userID string) (*model.Profile, error)

	// FindByUserIDs は複数ユーザーのプロフィールをまとめて取得する。
	// 存在しないIDは結果に含まれない。
	FindByUserIDs(ctx context.Context, userIDs []string) ([]*model.Profile, error)

	// Create はプロフィールを作成する。同一ユーザーのプロフィールが既にある場合は何もしない。
	Create(ctx context.Context, profile *model.Profile) error

	// Upsert はプロフィールを作成、または名前・メール・ロールを上書きする。
	Upsert(ctx context.Context, profile *model.Profile) error

	// UpdateRole はロールを更新する。
	UpdateRole(ctx context.Context, userID string, role model.Role) error

	// UpdateName は表示名を更新する。
	UpdateName(ctx context.Context, userID, name string) error

	// List は全プロフィールを名前順で返す。
	List(ctx context.Context) ([]*model.Profile, error)

	// ListByRole は指定ロールのプロフィールを返す。
	ListByRole(ctx context.Context, role model.Role) ([]*model.Profile, error)

	// Count はプロフィール数を返す。
	Count(ctx context.Context) (int, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除し、削除件数を返す。
	DeleteByUserID(ctx context.Context, userID string) (int64, error)
}

// TaskFilter はタスク一覧の絞り込み条件。ゼロ値は条件なし。
type TaskFilter struct {
	Assignee string
	Statuses []model.TaskStatus
}

// TaskRepository はタスクの永続化インターフェース。
type TaskRepository interface {
	// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Task, error)

	// FindByIDForUpdate はタスクを行ロック付きで取得する。
	// トランザクション内でのみ意味を持つ。見つからない場合はnilを返す。
	FindByIDForUpdate(ctx context.Context, id string) (*model.Task, error)

	// Create はタスクを作成する。
	Create(ctx context.Context, task *model.Task) error

	// Update はタスクの全フィールドを上書きする。
	Update(ctx context.Context, task *model.Task) error

	// List は条件に合うタスクを期限日の昇順で返す。
	List(ctx context.Context, filter TaskFilter) ([]*model.Task, error)

	// ListOverdue は期限日がtodayより前で未完了のタスクを返す。
	ListOverdue(ctx context.Context, today time.Time) ([]*model.Task, error)

	// CountsByAssignee は担当者ごとの進行中件数と完了件数を返す。
	CountsByAssignee(ctx context.Context) (map[string]model.MemberTaskCounts, error)

	// CountByStatus は状態ごとのタスク件数を返す。
	CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error)
}

// HistoryRepository はタスク履歴の永続化インターフェース。
// 追記のみを提供し、更新・削除は持たない。
type HistoryRepository interface {
	// Append は履歴エントリを追記する。
	Append(ctx context.Context, entry *model.HistoryEntry) error

	// ListByTask はタスクの履歴を新しい順で返す。
	ListByTask(ctx context.Context, taskID string) ([]*model.HistoryEntry, error)
}

// NotificationRepository は通知の永続化インターフェース。
type NotificationRepository interface {
	// Create は通知を作成する。一意制約で重複した場合はfalseを返す。
	Create(ctx context.Context, notification *model.Notification) (bool, error)

	// FindByID は指定IDの通知を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Notification, error)

	// ListByUser はユーザー宛ての通知を時刻の降順、同時刻では未読を先に返す。
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error)

	// MarkRead は本人宛ての通知を既読にする。対象がなければnilを返す。
	MarkRead(ctx context.Context, id, userID string, at time.Time) (*model.Notification, error)

	// MarkAllRead はユーザーの未読通知を1回のUPDATEで既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int64, error)

	// CountUnread は未読件数を返す。
	CountUnread(ctx context.Context, userID string) (int, error)

	// ExistsSince はsince以降に同じ種別の通知がタスクについて作られているかを返す。
	ExistsSince(ctx context.Context, userID, taskID string, typ model.NotificationType, since time.Time) (bool, error)
}

// TxRepos はトランザクションに束縛されたリポジトリ群。
type TxRepos struct {
	Tasks         TaskRepository
	History       HistoryRepository
	Profiles      ProfileRepository
	Notifications NotificationRepository
}

// TxRunner は複数のリポジトリ操作を1トランザクションで実行する。
// fnがエラーを返した場合はロールバックされる。
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, repos TxRepos) error) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
