package database

import (
	"path/filepath"
	"testing"

	"command-relay/internal/store/storetest"
)

// testDB creates a temporary SQLite database for testing.
func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "relay.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSQLiteRepository(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Repo {
		return testDB(t)
	})
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema: %v", err)
	}
}

func TestInMemoryDSN(t *testing.T) {
	db, err := New(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
}
