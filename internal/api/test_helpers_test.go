package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Constyk20/secureguard-backend/internal/audit"
	"github.com/Constyk20/secureguard-backend/internal/auth"
	"github.com/Constyk20/secureguard-backend/internal/device"
	"github.com/Constyk20/secureguard-backend/internal/enforce"
	"github.com/Constyk20/secureguard-backend/internal/infrastructure/config"
	"github.com/Constyk20/secureguard-backend/internal/infrastructure/logging"
	"github.com/Constyk20/secureguard-backend/internal/policy"
	"github.com/Constyk20/secureguard-backend/internal/session"
)

const testJWTSecret = "test-secret-0123456789abcdef0123456789abcdef"

// testHarness bundles a fully wired API server over a temp database.
type testHarness struct {
	router   http.Handler
	server   *Server
	db       *sql.DB
	users    *auth.UserRepository
	devices  device.Repository
	ledger   audit.Repository
	sessions *session.Manager
}

// testDB creates a temporary SQLite database with the full schema applied.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	f, err := os.CreateTemp("", "api-test-*.db")
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

		CREATE TABLE audit_logs (
			id          TEXT PRIMARY KEY,
			action      TEXT NOT NULL,
			actor_id    TEXT,
			device_id   TEXT NOT NULL,
			reason      TEXT NOT NULL DEFAULT '',
			origin_addr TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL
		) STRICT;

		CREATE INDEX idx_devices_owner ON devices(owner_id);
		CREATE INDEX idx_audit_logs_device ON audit_logs(device_id);
	`
	if _, err := db.Exec(schemaSQL); err != nil {
		t.Fatalf("applying schema: %v", err)
	}

	return db
}

// newTestHarness wires a server exactly as main does, over a temp database.
// The geofence is centred on Greenwich with a 500 m radius.
func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	db := testDB(t)
	logger := logging.New(config.LoggingConfig{Level: "error", Format: "text"}, "test")

	users := auth.NewUserRepository(db)
	devices := device.NewSQLiteRepository(db)
	ledger := audit.NewSQLiteRepository(db)
	sessions := session.NewManager()
	evaluator := policy.NewEvaluator(policy.Geofence{
		Latitude:     51.4778,
		Longitude:    -0.0015,
		RadiusMeters: 500,
	})
	dispatcher := enforce.NewDispatcher(devices, ledger, evaluator, sessions, logger, enforce.PingConfig{
		DefaultDuration: 50 * time.Millisecond,
		MaxDuration:     200 * time.Millisecond,
	})

	server, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Port: 0},
		WS:     config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testJWTSecret, AccessTokenTTL: 60},
		},
		Logger:     logger,
		Users:      users,
		Devices:    devices,
		Ledger:     ledger,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	return &testHarness{
		router:   server.buildRouter(),
		server:   server,
		db:       db,
		users:    users,
		devices:  devices,
		ledger:   ledger,
		sessions: sessions,
	}
}

// do performs a request against the router and returns the recorder.
func (h *testHarness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshalling request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

// decode unmarshals the recorder body into v.
func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

// registerUser creates an account through the API and returns its token
// and user ID.
func (h *testHarness) registerUser(t *testing.T, rollNo, role string) (token, userID string) {
	t.Helper()

	// Admins cannot be minted through self-service registration, so
	// promote directly in the database after registering.
	rec := h.do(t, http.MethodPost, "/api/v1/auth/register", "", map[string]any{
		"roll_no":  rollNo,
		"name":     "Test " + rollNo,
		"email":    rollNo + "@example.com",
		"password": "password123",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("registering %s: status %d body %s", rollNo, rec.Code, rec.Body.String())
	}

	var resp authResponse
	decode(t, rec, &resp)

	if role == string(auth.RoleAdmin) {
		if _, err := h.db.Exec(`UPDATE users SET role = 'admin' WHERE id = ?`, resp.User.ID); err != nil {
			t.Fatalf("promoting %s to admin: %v", rollNo, err)
		}
		// Re-login so the token carries the admin role.
		rec = h.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]any{
			"roll_no":  rollNo,
			"password": "password123",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("re-login as admin %s: status %d", rollNo, rec.Code)
		}
		decode(t, rec, &resp)
	}

	return resp.Token, resp.User.ID
}

// enrollDevice enrolls a device through the API for the given token.
func (h *testHarness) enrollDevice(t *testing.T, token, deviceID string) {
	t.Helper()

	rec := h.do(t, http.MethodPost, "/api/v1/devices/enroll", token, map[string]any{
		"device_id": deviceID,
		"model":     "Pixel 8",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("enrolling %s: status %d body %s", deviceID, rec.Code, rec.Body.String())
	}
}
