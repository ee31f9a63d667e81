// Package audit provides the append-only enforcement audit ledger.
//
// Every enforcement action (automatic lock, admin lock/unlock, wipe,
// enrollment) is recorded here. Entries are never updated or deleted;
// the ledger is the accountability record for actions taken against
// student devices.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Enforcement actions recorded in the ledger.
const (
	ActionAutoLock         = "AUTO_LOCK"
	ActionAdminLock        = "ADMIN_LOCK"
	ActionAdminUnlock      = "ADMIN_UNLOCK"
	ActionDeviceWipe       = "DEVICE_WIPE"
	ActionDeviceRegistered = "DEVICE_REGISTERED"
)

// Entry represents a single audit ledger entry.
type Entry struct {
	ID       string `json:"id"`
	Action   string `json:"action"`
	DeviceID string `json:"device_id"`

	// ActorID is the admin who triggered the action. Empty for
	// system-originated actions such as automatic locks.
	ActorID string `json:"actor_id,omitempty"`

	// Reason records why the action was taken.
	Reason string `json:"reason,omitempty"`

	// OriginAddr is the remote address the action originated from.
	OriginAddr string `json:"origin_addr,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Filter controls which audit entries to return.
type Filter struct {
	Action   string // optional: filter by action
	DeviceID string // optional: filter by device
	Limit    int    // default 50, max 200
	Offset   int    // pagination offset
}

// ListResult contains the paginated audit entry results.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the interface for audit ledger operations.
// There is deliberately no update or delete.
type Repository interface {
	Append(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores audit entries in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new audit ledger repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Append inserts a new audit entry. The ID and CreatedAt are generated
// if empty. Failures are returned to the caller: enforcement code
// decides whether the action proceeds without its audit record.
func (r *SQLiteRepository) Append(ctx context.Context, entry *Entry) error {
	if entry.ID == "" {
		entry.ID = "aud-" + uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, action, actor_id, device_id, reason, origin_addr, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action,
		nullableString(entry.ActorID),
		entry.DeviceID, entry.Reason, entry.OriginAddr,
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}

	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns audit entries matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 { //nolint:mnd // max page size for audit queries
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM audit_logs %s", where) //nolint:gosec // WHERE built from parameterised conditions, not user input
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting audit entries: %w", err)
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		"SELECT id, action, actor_id, device_id, reason, origin_addr, created_at FROM audit_logs %s ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var actorID sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.Action, &actorID, &e.DeviceID,
			&e.Reason, &e.OriginAddr, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		if actorID.Valid {
			e.ActorID = actorID.String
		}

		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing audit timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}
