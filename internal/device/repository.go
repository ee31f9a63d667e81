package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// deviceColumns is the column list shared by every device SELECT.
const deviceColumns = `id, owner_id, model, os_version, app_version,
	compliant, admin_locked, lock_reason, geofence_status, violations,
	last_latitude, last_longitude, last_location_at,
	last_seen, created_at, updated_at`

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// GetByOwner retrieves all devices enrolled by a user.
	GetByOwner(ctx context.Context, ownerID string) ([]Device, error)

	// List retrieves all devices, most recently seen first.
	List(ctx context.Context) ([]Device, error)

	// Enroll registers a device, or refreshes its metadata if the same
	// owner enrolls it again. Returns created=true only when a new row
	// was inserted. Returns ErrOwnershipConflict if the device ID is
	// already registered to a different user.
	Enroll(ctx context.Context, e Enrollment) (dev *Device, created bool, err error)

	// ApplyComplianceResult evaluates and applies a compliance outcome in
	// a single transaction. The eval callback receives the device's stored
	// geofence status from inside the transaction, so a report without a
	// location carries the prior status forward without a window for a
	// concurrent write to slip between read and update. The returned
	// wasCompliant is the state the update replaced, letting the caller
	// detect a compliant-to-non-compliant transition.
	//
	// It never touches admin_locked, and while an admin lock is active it
	// leaves lock_reason alone too. Returns ErrOwnershipMismatch if
	// ownerID does not own the device.
	ApplyComplianceResult(ctx context.Context, id, ownerID string, eval func(lastGeofence GeofenceStatus) ComplianceUpdate) (dev *Device, wasCompliant bool, err error)

	// RecordLocation stores a location fix reported outside a compliance
	// report, bumping last_seen as well.
	RecordLocation(ctx context.Context, id string, latitude, longitude float64) error

	// SetAdminLock sets or clears the operator lock and its reason.
	SetAdminLock(ctx context.Context, id string, locked bool, reason string) (*Device, error)

	// TouchLastSeen bumps the device's last_seen timestamp.
	TouchLastSeen(ctx context.Context, id string) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	dev, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return dev, nil
}

// GetByOwner retrieves all devices enrolled by a user.
func (r *SQLiteRepository) GetByOwner(ctx context.Context, ownerID string) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE owner_id = ? ORDER BY last_seen DESC`
	return r.queryDevices(ctx, query, ownerID)
}

// List retrieves all devices, most recently seen first.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY last_seen DESC`
	return r.queryDevices(ctx, query)
}

// Enroll registers a device, or refreshes its metadata if re-enrolled
// by the same owner. The existence check, ownership check, and write
// run in one transaction so concurrent enrollments of the same ID
// cannot race past each other.
func (r *SQLiteRepository) Enroll(ctx context.Context, e Enrollment) (*Device, bool, error) {
	if e.DeviceID == "" || e.OwnerID == "" {
		return nil, false, fmt.Errorf("%w: device id and owner id are required", ErrInvalidDevice)
	}

	// Apply metadata defaults
	if e.Model == "" {
		e.Model = DefaultModel
	}
	if e.OSVersion == "" {
		e.OSVersion = DefaultOSVersion
	}
	if e.AppVersion == "" {
		e.AppVersion = DefaultAppVersion
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var existingOwner string
	err = tx.QueryRowContext(ctx,
		"SELECT owner_id FROM devices WHERE id = ?", e.DeviceID,
	).Scan(&existingOwner)

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	created := false

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// New device: insert with compliant defaults.
		_, err = tx.ExecContext(ctx, `
			INSERT INTO devices (
				id, owner_id, model, os_version, app_version,
				compliant, admin_locked, geofence_status, violations,
				last_seen, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, 1, 0, ?, '[]', ?, ?, ?)`,
			e.DeviceID, e.OwnerID, e.Model, e.OSVersion, e.AppVersion,
			string(GeofenceInside), nowStr, nowStr, nowStr,
		)
		if err != nil {
			return nil, false, fmt.Errorf("inserting device: %w", err)
		}
		created = true

	case err != nil:
		return nil, false, fmt.Errorf("checking existing device: %w", err)

	case existingOwner != e.OwnerID:
		return nil, false, ErrOwnershipConflict

	default:
		// Re-enrollment by the same owner refreshes metadata only.
		// Compliance and lock state are preserved so a device cannot
		// clear a lock by re-enrolling.
		_, err = tx.ExecContext(ctx, `
			UPDATE devices
			SET model = ?, os_version = ?, app_version = ?, last_seen = ?, updated_at = ?
			WHERE id = ?`,
			e.Model, e.OSVersion, e.AppVersion, nowStr, nowStr, e.DeviceID,
		)
		if err != nil {
			return nil, false, fmt.Errorf("refreshing device: %w", err)
		}
	}

	dev, err := r.getByIDTx(ctx, tx, e.DeviceID)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing enrollment: %w", err)
	}
	return dev, created, nil
}

// ApplyComplianceResult evaluates and applies a compliance outcome
// atomically.
//
// The prior state read, the eval callback, and the write all happen in
// the same transaction, so the geofence status handed to eval and the
// returned wasCompliant value are exactly the state this update
// replaced. admin_locked is deliberately absent from the UPDATE, and
// lock_reason is preserved while an admin lock is active so a
// compliance report cannot rewrite an operator's stated reason.
func (r *SQLiteRepository) ApplyComplianceResult(ctx context.Context, id, ownerID string, eval func(lastGeofence GeofenceStatus) ComplianceUpdate) (*Device, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var owner string
	var compliantInt int
	var geofence string
	err = tx.QueryRowContext(ctx,
		"SELECT owner_id, compliant, geofence_status FROM devices WHERE id = ?", id,
	).Scan(&owner, &compliantInt, &geofence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, ErrDeviceNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading device state: %w", err)
	}
	if ownerID != "" && owner != ownerID {
		return nil, false, ErrOwnershipMismatch
	}
	wasCompliant := compliantInt != 0

	u := eval(GeofenceStatus(geofence))

	violations := u.Violations
	if violations == nil {
		violations = []string{}
	}
	violationsJSON, err := json.Marshal(violations)
	if err != nil {
		return nil, false, fmt.Errorf("marshalling violations: %w", err)
	}

	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339)

	// lock_reason belongs to the operator while admin_locked is set.
	if u.Latitude != nil && u.Longitude != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE devices
			SET compliant = ?, violations = ?, geofence_status = ?,
			    lock_reason = CASE WHEN admin_locked = 1 THEN lock_reason ELSE ? END,
			    last_latitude = ?, last_longitude = ?, last_location_at = ?,
			    last_seen = ?, updated_at = ?
			WHERE id = ?`,
			boolToInt(u.Compliant), string(violationsJSON), string(u.GeofenceStatus),
			nullableString(u.LockReason),
			*u.Latitude, *u.Longitude, nowStr,
			nowStr, nowStr, id,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE devices
			SET compliant = ?, violations = ?, geofence_status = ?,
			    lock_reason = CASE WHEN admin_locked = 1 THEN lock_reason ELSE ? END,
			    last_seen = ?, updated_at = ?
			WHERE id = ?`,
			boolToInt(u.Compliant), string(violationsJSON), string(u.GeofenceStatus),
			nullableString(u.LockReason),
			nowStr, nowStr, id,
		)
	}
	if err != nil {
		return nil, false, fmt.Errorf("applying compliance result: %w", err)
	}

	dev, err := r.getByIDTx(ctx, tx, id)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("committing compliance result: %w", err)
	}
	return dev, wasCompliant, nil
}

// SetAdminLock sets or clears the operator lock. Compliance fields are
// untouched so unlocking cannot mask an active violation.
func (r *SQLiteRepository) SetAdminLock(ctx context.Context, id string, locked bool, reason string) (*Device, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	var reasonVal sql.NullString
	if locked && reason != "" {
		reasonVal = sql.NullString{String: reason, Valid: true}
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET admin_locked = ?, lock_reason = ?, updated_at = ?
		WHERE id = ?`,
		boolToInt(locked), reasonVal, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("setting admin lock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrDeviceNotFound
	}

	return r.GetByID(ctx, id)
}

// RecordLocation stores a location fix reported outside a compliance
// report, such as the position attached to a find-my-device response.
// Compliance and geofence state are untouched; the next compliance
// report owns those.
func (r *SQLiteRepository) RecordLocation(ctx context.Context, id string, latitude, longitude float64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices
		SET last_latitude = ?, last_longitude = ?, last_location_at = ?,
		    last_seen = ?, updated_at = ?
		WHERE id = ?`,
		latitude, longitude, now, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("recording location: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// TouchLastSeen bumps the device's last_seen timestamp.
func (r *SQLiteRepository) TouchLastSeen(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		"UPDATE devices SET last_seen = ?, updated_at = ? WHERE id = ?",
		now, now, id,
	)
	if err != nil {
		return fmt.Errorf("touching last_seen: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// getByIDTx retrieves a device within an open transaction.
func (r *SQLiteRepository) getByIDTx(ctx context.Context, tx *sql.Tx, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`
	row := tx.QueryRowContext(ctx, query, id)
	dev, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return dev, nil
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *dev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a row or rows result into a Device.
func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var compliant, adminLocked int
	var lockReason sql.NullString
	var geofenceStatus string
	var violationsJSON string
	var lastLatitude, lastLongitude sql.NullFloat64
	var lastLocationAt sql.NullString
	var lastSeen, createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.OwnerID,
		&d.Model,
		&d.OSVersion,
		&d.AppVersion,
		&compliant,
		&adminLocked,
		&lockReason,
		&geofenceStatus,
		&violationsJSON,
		&lastLatitude,
		&lastLongitude,
		&lastLocationAt,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Compliant = compliant != 0
	d.AdminLocked = adminLocked != 0
	d.GeofenceStatus = GeofenceStatus(geofenceStatus)

	if lockReason.Valid {
		d.LockReason = &lockReason.String
	}
	if lastLatitude.Valid {
		d.LastLatitude = &lastLatitude.Float64
	}
	if lastLongitude.Valid {
		d.LastLongitude = &lastLongitude.Float64
	}
	if lastLocationAt.Valid {
		t, err := time.Parse(time.RFC3339, lastLocationAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_location_at: %w", err)
		}
		d.LastLocationAt = &t
	}

	if err := json.Unmarshal([]byte(violationsJSON), &d.Violations); err != nil {
		return nil, fmt.Errorf("unmarshalling violations: %w", err)
	}
	if d.Violations == nil {
		d.Violations = []string{}
	}

	var parseErr error
	d.LastSeen, parseErr = time.Parse(time.RFC3339, lastSeen)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing last_seen: %w", parseErr)
	}
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &d, nil
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
