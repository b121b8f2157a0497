package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/taskboard/internal/model"
	"github.com/lib/pq"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db DBTX
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db DBTX) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

const profileColumns = `id, user_id, email, name, role, created_at, updated_at`

// FindByUserID はユーザーIDでプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByUserID(ctx context.Context, userID string) (*model.Profile, error) {
	p := &model.Profile{}
	err := r.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id = $1`,
		userID,
	).Scan(&p.ID, &p.UserID, &p.Email, &p.Name, &p.Role, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile: %w", err)
	}
	return p, nil
}

// FindByUserIDs は複数ユーザーのプロフィールをまとめて取得する。
func (r *PostgresProfileRepo) FindByUserIDs(ctx context.Context, userIDs []string) ([]*model.Profile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return r.query(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE user_id::text = ANY($1)`,
		pq.Array(userIDs),
	)
}

// stampProfile は未設定の作成・更新時刻を現在時刻で埋める。
func stampProfile(p *model.Profile) {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = now
	}
}

// Create はプロフィールを作成する。同一ユーザーのプロフィールが既にある場合は何もしない。
func (r *PostgresProfileRepo) Create(ctx context.Context, p *model.Profile) error {
	stampProfile(p)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, user_id, email, name, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO NOTHING`,
		p.ID, p.UserID, p.Email, p.Name, p.Role, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create profile: %w", err)
	}
	return nil
}

// Upsert はプロフィールを作成、または名前・メール・ロールを上書きする。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, p *model.Profile) error {
	stampProfile(p)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, user_id, email, name, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id) DO UPDATE
		 SET email = EXCLUDED.email, name = EXCLUDED.name, role = EXCLUDED.role, updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.Email, p.Name, p.Role, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// UpdateRole はロールを更新する。
func (r *PostgresProfileRepo) UpdateRole(ctx context.Context, userID string, role model.Role) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET role = $2, updated_at = now() WHERE user_id = $1`,
		userID, role,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile role: %w", err)
	}
	return requireOneRow(result, "profile", userID)
}

// UpdateName は表示名を更新する。
func (r *PostgresProfileRepo) UpdateName(ctx context.Context, userID, name string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE profiles SET name = $2, updated_at = now() WHERE user_id = $1`,
		userID, name,
	)
	if err != nil {
		return fmt.Errorf("failed to update profile name: %w", err)
	}
	return requireOneRow(result, "profile", userID)
}

// List は全プロフィールを名前順で返す。
func (r *PostgresProfileRepo) List(ctx context.Context) ([]*model.Profile, error) {
	return r.query(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY name, user_id`)
}

// ListByRole は指定ロールのプロフィールを返す。
func (r *PostgresProfileRepo) ListByRole(ctx context.Context, role model.Role) ([]*model.Profile, error) {
	return r.query(ctx,
		`SELECT `+profileColumns+` FROM profiles WHERE role = $1 ORDER BY name, user_id`,
		role,
	)
}

// Count はプロフィール数を返す。
func (r *PostgresProfileRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM profiles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count profiles: %w", err)
	}
	return n, nil
}

func (r *PostgresProfileRepo) query(ctx context.Context, query string, args ...any) ([]*model.Profile, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []*model.Profile
	for rows.Next() {
		p := &model.Profile{}
		if err := rows.Scan(&p.ID, &p.UserID, &p.Email, &p.Name, &p.Role, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan profile: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profiles: %w", err)
	}
	return profiles, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
