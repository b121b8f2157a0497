package repository

import (
	"context"
	"fmt"
)

// PostgresTxRunner はsql.DBのトランザクションでTxReposを束縛して実行する。
type PostgresTxRunner struct {
	db TxBeginner
}

// NewPostgresTxRunner はPostgresTxRunnerを生成する。
func NewPostgresTxRunner(db TxBeginner) *PostgresTxRunner {
	return &PostgresTxRunner{db: db}
}

// RunInTx はfnを1トランザクション内で実行する。
// fnがエラーを返すとロールバックし、そのエラーをそのまま返す。
func (r *PostgresTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context, repos TxRepos) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	repos := TxRepos{
		Tasks:         NewPostgresTaskRepo(tx),
		History:       NewPostgresHistoryRepo(tx),
		Profiles:      NewPostgresProfileRepo(tx),
		Notifications: NewPostgresNotificationRepo(tx),
	}
	if err := fn(ctx, repos); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ TxRunner = (*PostgresTxRunner)(nil)
