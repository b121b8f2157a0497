package database

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestOpenWithPool_AppliesLimits(t *testing.T) {
	tests := []struct {
		name     string
		pool     PoolConfig
		wantOpen int
	}{
		{"api", APIPoolConfig(), 25},
		{"worker with 4 scanners", WorkerPoolConfig(4), 6},
		{"worker with zero concurrency", WorkerPoolConfig(0), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, err := OpenWithPool("postgres://taskboard@localhost:5432/taskboard?sslmode=disable", tt.pool)
			if err != nil {
				t.Fatalf("OpenWithPool returned unexpected error: %v", err)
			}
			defer db.Close()

			if got := db.Stats().MaxOpenConnections; got != tt.wantOpen {
				t.Errorf("MaxOpenConnections = %d, want %d", got, tt.wantOpen)
			}
		})
	}
}

// 到達できないDBではConnectがエラーを返し、プールを残さない。
func TestConnect_UnreachableDatabase(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	db, err := Connect(ctx, "postgres://taskboard@127.0.0.1:1/taskboard?sslmode=disable&connect_timeout=1", APIPoolConfig())
	if err == nil {
		db.Close()
		t.Fatal("expected error for unreachable database")
	}
	if db != nil {
		t.Error("db should be nil on failure")
	}
}

func TestLatestVersion_MatchesEmbeddedMigrations(t *testing.T) {
	v, err := LatestVersion()
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if v != 1 {
		t.Errorf("LatestVersion() = %d, want 1", v)
	}
}

func TestCompareSchema(t *testing.T) {
	tests := []struct {
		name    string
		version uint
		dirty   bool
		wantErr error
	}{
		{"up to date", 3, false, nil},
		{"ahead after newer deploy rolled back", 4, false, nil},
		{"behind", 2, false, ErrSchemaOutdated},
		{"never migrated", 0, false, ErrSchemaOutdated},
		{"dirty", 3, true, ErrSchemaDirty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := compareSchema(tt.version, tt.dirty, 3)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("compareSchema() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
