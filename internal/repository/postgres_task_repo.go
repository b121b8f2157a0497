package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hitoshi/taskboard/internal/model"
	"github.com/lib/pq"
)

// PostgresTaskRepo はPostgreSQLを使用したタスクリポジトリ。
type PostgresTaskRepo struct {
	db DBTX
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db DBTX) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

const (
	taskColumns = `id, title, description, assignees, status, due_date, file_path, completion_note,
		created_by, approved_by, approved_at, created_at, updated_at`

	dueDateLayout = "2006-01-02"
)

// rowScanner は *sql.Row と *sql.Rows の共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
func (r *PostgresTaskRepo) FindByID(ctx context.Context, id string) (*model.Task, error) {
	return r.findOne(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
}

// FindByIDForUpdate はタスクを行ロック付きで取得する。見つからない場合はnilを返す。
// 同一タスクへの並行した状態遷移はこのロックで直列化される。
func (r *PostgresTaskRepo) FindByIDForUpdate(ctx context.Context, id string) (*model.Task, error) {
	return r.findOne(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresTaskRepo) findOne(ctx context.Context, query, id string) (*model.Task, error) {
	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find task: %w", err)
	}
	return task, nil
}

// Create はタスクを作成する。
func (r *PostgresTaskRepo) Create(ctx context.Context, t *model.Task) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Title, t.Description, assigneesArray(t.Assignees), t.Status,
		t.DueDate.Format(dueDateLayout), nullString(t.FilePath), nullString(t.CompletionNote),
		t.CreatedBy, nullString(t.ApprovedBy), t.ApprovedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// Update はタスクの全フィールドを上書きする。
func (r *PostgresTaskRepo) Update(ctx context.Context, t *model.Task) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET
			title = $2, description = $3, assignees = $4, status = $5, due_date = $6,
			file_path = $7, completion_note = $8, approved_by = $9, approved_at = $10, updated_at = $11
		 WHERE id = $1`,
		t.ID, t.Title, t.Description, assigneesArray(t.Assignees), t.Status,
		t.DueDate.Format(dueDateLayout), nullString(t.FilePath), nullString(t.CompletionNote),
		nullString(t.ApprovedBy), t.ApprovedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return requireOneRow(result, "task", t.ID)
}

// List は条件に合うタスクを期限日の昇順で返す。
func (r *PostgresTaskRepo) List(ctx context.Context, filter TaskFilter) ([]*model.Task, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Assignee != "" {
		args = append(args, filter.Assignee)
		conds = append(conds, fmt.Sprintf("$%d = ANY(assignees)", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY due_date ASC, created_at ASC`

	return r.query(ctx, query, args...)
}

// ListOverdue は期限日がtodayより前で未完了のタスクを返す。
func (r *PostgresTaskRepo) ListOverdue(ctx context.Context, today time.Time) ([]*model.Task, error) {
	return r.query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE due_date < $1 AND status <> 'completed'
		 ORDER BY due_date ASC`,
		today.Format(dueDateLayout),
	)
}

// CountsByAssignee は担当者ごとの進行中件数と完了件数を返す。
// 承認待ちは完了側に数える。
func (r *PostgresTaskRepo) CountsByAssignee(ctx context.Context) (map[string]model.MemberTaskCounts, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT a.user_id,
		        count(*) FILTER (WHERE t.status IN ('todo', 'in_progress')),
		        count(*) FILTER (WHERE t.status IN ('pending_approval', 'completed'))
		 FROM tasks t CROSS JOIN LATERAL unnest(t.assignees) AS a(user_id)
		 GROUP BY a.user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by assignee: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]model.MemberTaskCounts)
	for rows.Next() {
		var (
			userID string
			c      model.MemberTaskCounts
		)
		if err := rows.Scan(&userID, &c.Active, &c.Completed); err != nil {
			return nil, fmt.Errorf("failed to scan task counts: %w", err)
		}
		counts[userID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task counts: %w", err)
	}
	return counts, nil
}

// CountByStatus は状態ごとのタスク件数を返す。
func (r *PostgresTaskRepo) CountByStatus(ctx context.Context) (map[model.TaskStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.TaskStatus]int)
	for rows.Next() {
		var (
			status model.TaskStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate status counts: %w", err)
	}
	return counts, nil
}

func (r *PostgresTaskRepo) query(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(s rowScanner) (*model.Task, error) {
	t := &model.Task{}
	var (
		assignees      pq.StringArray
		filePath       sql.NullString
		completionNote sql.NullString
		approvedBy     sql.NullString
		approvedAt     sql.NullTime
	)
	if err := s.Scan(
		&t.ID, &t.Title, &t.Description, &assignees, &t.Status, &t.DueDate,
		&filePath, &completionNote, &t.CreatedBy, &approvedBy, &approvedAt,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}

	t.Assignees = []string(assignees)
	if t.Assignees == nil {
		t.Assignees = []string{}
	}
	t.DueDate = time.Date(t.DueDate.Year(), t.DueDate.Month(), t.DueDate.Day(), 0, 0, 0, 0, time.UTC)
	t.FilePath = filePath.String
	t.CompletionNote = completionNote.String
	t.ApprovedBy = approvedBy.String
	if approvedAt.Valid {
		at := approvedAt.Time
		t.ApprovedAt = &at
	}
	return t, nil
}

// assigneesArray はNOT NULL列に渡すため、nilでも空配列を返す。
func assigneesArray(assignees []string) pq.StringArray {
	if assignees == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(assignees)
}

// nullString は空文字列をSQL NULLに変換する。
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// compile-time interface check
var _ TaskRepository = (*PostgresTaskRepo)(nil)
