package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/taskboard/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用したアカウントリポジトリ。
type PostgresAccountRepo struct {
	db DBTX
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db DBTX) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

const accountColumns = `id, email, password_hash, display_name, claims, tokens_valid_after, created_at, updated_at`

// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByID(ctx context.Context, id string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`,
		id,
	)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by ID: %w", err)
	}
	return account, nil
}

// FindByEmail はメールアドレスでアカウントを検索する。見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE lower(email) = lower($1)`,
		email,
	)
	account, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account by email: %w", err)
	}
	return account, nil
}

// Create はアカウントを作成する。
func (r *PostgresAccountRepo) Create(ctx context.Context, account *model.Account) error {
	claims, err := json.Marshal(account.Claims)
	if err != nil {
		return fmt.Errorf("failed to marshal claims: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, password_hash, display_name, claims, tokens_valid_after, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, account.Email, account.PasswordHash, account.DisplayName,
		claims, account.TokensValidAfter, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// UpdateClaims はカスタムクレームを置き換える。
func (r *PostgresAccountRepo) UpdateClaims(ctx context.Context, id string, claims model.Claims) error {
	b, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("failed to marshal claims: %w", err)
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET claims = $2, updated_at = now() WHERE id = $1`,
		id, b,
	)
	if err != nil {
		return fmt.Errorf("failed to update claims: %w", err)
	}
	return requireOneRow(result, "account", id)
}

// SetTokensValidAfter はこの時刻より前に発行されたトークンを無効にする。
func (r *PostgresAccountRepo) SetTokensValidAfter(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET tokens_valid_after = $2, updated_at = now() WHERE id = $1`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke tokens: %w", err)
	}
	return requireOneRow(result, "account", id)
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	a := &model.Account{}
	var claims []byte
	if err := row.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &a.DisplayName,
		&claims, &a.TokensValidAfter, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &a.Claims); err != nil {
			return nil, fmt.Errorf("failed to unmarshal claims: %w", err)
		}
	}
	return a, nil
}

// requireOneRow は更新対象が存在しなかった場合にエラーを返す。
func requireOneRow(result sql.Result, kind, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s not found: %s", kind, id)
	}
	return nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
