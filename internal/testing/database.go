// Package testing provides shared test helpers.
package testing

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rogersg17/demoApp-sub002/db"
)

var memCounter atomic.Int64

// CreateTestDB creates a migrated in-memory SQLite database.
// Each call gets its own shared-cache database so pooled connections see the
// same data. Cleanup is registered via t.Cleanup().
func CreateTestDB(t *testing.T) *sql.DB {
	t.Helper()

	name := fmt.Sprintf("file:testorch_%d?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000",
		memCounter.Add(1))
	conn, err := sql.Open("sqlite3", name)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	// Shared-cache memory databases lock at table level; one connection keeps
	// concurrent tests free of SQLITE_LOCKED.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("Failed to enable foreign keys: %v", err)
	}

	if err := db.Migrate(conn, nil); err != nil {
		t.Fatalf("Failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		conn.Close()
	})

	return conn
}
