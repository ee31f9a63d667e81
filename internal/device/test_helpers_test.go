package device

import (
	"database/sql"
	"os"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// testDB creates a temporary SQLite database with the device schema applied.
// The database file is cleaned up when the test completes.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	// Use a temp file so WAL mode works (in-memory doesn't support it)
	f, err := os.CreateTemp("", "device-test-*.db")
	if err != nil {
		t.Fatalf("creating temp db: %v", err)
	}
	dbPath := f.Name()
	f.Close()
	t.Cleanup(func() { os.Remove(dbPath) })

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=ON")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schemaSQL := `
		CREATE TABLE users (
			id            TEXT PRIMARY KEY,
			roll_no       TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL,
			email         TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role          TEXT NOT NULL DEFAULT 'student',
			is_active     INTEGER NOT NULL DEFAULT 1,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		) STRICT;

		CREATE TABLE devices (
			id               TEXT PRIMARY KEY,
			owner_id         TEXT NOT NULL,
			model            TEXT NOT NULL DEFAULT 'Unknown Device',
			os_version       TEXT NOT NULL DEFAULT 'Unknown OS',
			app_version      TEXT NOT NULL DEFAULT '1.0.0',
			compliant        INTEGER NOT NULL DEFAULT 1,
			admin_locked     INTEGER NOT NULL DEFAULT 0,
			lock_reason      TEXT,
			geofence_status  TEXT NOT NULL DEFAULT 'inside',
			violations       TEXT NOT NULL DEFAULT '[]',
			last_latitude    REAL,
			last_longitude   REAL,
			last_location_at TEXT,
			last_seen        TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			FOREIGN KEY (owner_id) REFERENCES users(id) ON DELETE CASCADE
		) STRICT;

		CREATE INDEX idx_devices_owner ON devices(owner_id);
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("applying device schema: %v", err)
	}

	return db
}

// seedTestUser inserts a user row so device foreign keys resolve.
func seedTestUser(t *testing.T, db *sql.DB, id string) {
	t.Helper()

	_, err := db.Exec(`
		INSERT INTO users (id, roll_no, name, email, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'x', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`,
		id, "roll-"+id, "Test User "+id, id+"@example.com",
	)
	if err != nil {
		t.Fatalf("seeding test user %s: %v", id, err)
	}
}
