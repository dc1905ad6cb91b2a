// Package testutil provides shared test fixtures: throwaway migrated
// databases and deterministic fakes.
package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/casewatch/casewatch/internal/store"
)

// OpenCoreDB opens a fresh migrated core database in a temp dir.
func OpenCoreDB(t *testing.T) *sql.DB {
	t.Helper()
	return openMigrated(t, "core.db", store.MigrateCore)
}

// OpenQueueDB opens a fresh migrated queue database in a temp dir.
func OpenQueueDB(t *testing.T) *sql.DB {
	t.Helper()
	return openMigrated(t, "queue.db", store.MigrateQueue)
}

func openMigrated(t *testing.T, name string, migrate func(*sql.DB) error) *sql.DB {
	t.Helper()
	db, err := store.OpenDB(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	t.Cleanup(func() { db.Close() })
	if err := migrate(db); err != nil {
		t.Fatalf("migrate %s: %v", name, err)
	}
	return db
}
