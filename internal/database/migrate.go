// Package database はPostgreSQL接続とスキーマのマイグレーションを扱う。
// スキーマはmigrations/配下のSQLとしてバイナリに埋め込まれる。
package database

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrSchemaOutdated はDBのスキーマが埋め込まれたマイグレーションより古いことを示す。
var ErrSchemaOutdated = errors.New("database schema is outdated")

// ErrSchemaDirty は途中で失敗したマイグレーションが残っていることを示す。
var ErrSchemaDirty = errors.New("database schema is dirty")

func withMigrator(databaseURL string, fn func(m *migrate.Migrate) error) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()
	return fn(m)
}

// RunMigrations は未適用のマイグレーションをすべて適用する。最新なら何もしない。
func RunMigrations(databaseURL string) error {
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
		return nil
	})
}

// RollbackMigrations は指定ステップ数だけマイグレーションを巻き戻す。
func RollbackMigrations(databaseURL string, steps int) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive: %d", steps)
	}
	return withMigrator(databaseURL, func(m *migrate.Migrate) error {
		if err := m.Steps(-steps); err != nil {
			return fmt.Errorf("failed to roll back %d migration(s): %w", steps, err)
		}
		return nil
	})
}

// MigrationVersion は適用済みのスキーマバージョンとdirtyフラグを返す。未適用なら0。
func MigrationVersion(databaseURL string) (version uint, dirty bool, err error) {
	err = withMigrator(databaseURL, func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			version, dirty = 0, false
			return nil
		}
		if verr != nil {
			return fmt.Errorf("failed to read schema version: %w", verr)
		}
		return nil
	})
	return version, dirty, err
}

// LatestVersion は埋め込まれたマイグレーションの最大バージョンを返す。
func LatestVersion() (uint, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("failed to list embedded migrations: %w", err)
	}
	var latest uint
	for _, e := range entries {
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid migration file name %q: %w", e.Name(), err)
		}
		latest = max(latest, uint(v))
	}
	return latest, nil
}

// CheckSchema は適用済みスキーマが埋め込みマイグレーションの最新版と一致するか確認する。
// serveとworkerは起動前にこれを呼び、migrate未実行のDBでは起動しない。
func CheckSchema(databaseURL string) error {
	latest, err := LatestVersion()
	if err != nil {
		return err
	}
	version, dirty, err := MigrationVersion(databaseURL)
	if err != nil {
		return err
	}
	return compareSchema(version, dirty, latest)
}

func compareSchema(version uint, dirty bool, latest uint) error {
	if dirty {
		return fmt.Errorf("%w: version %d", ErrSchemaDirty, version)
	}
	if version < latest {
		return fmt.Errorf("%w: version %d, want %d", ErrSchemaOutdated, version, latest)
	}
	return nil
}
