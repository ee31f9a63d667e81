package device

import "time"

// Default metadata values applied when a device enrolls without
// reporting its own details.
const (
	DefaultModel      = "Unknown Device"
	DefaultOSVersion  = "Unknown OS"
	DefaultAppVersion = "1.0.0"
)

// OnlineWindow is how recently a device must have been seen to be
// considered online. Presence is derived from last_seen rather than
// stored, so a crashed device naturally ages out.
const OnlineWindow = 5 * time.Minute

// GeofenceStatus indicates whether a device's last known position was
// inside or outside the configured geofence.
type GeofenceStatus string

// Geofence status values.
const (
	GeofenceInside  GeofenceStatus = "inside"
	GeofenceOutside GeofenceStatus = "outside"
)

// Device represents an enrolled managed device.
//
// The lock state is split in two: AdminLocked is an explicit operator
// hold, Compliant reflects the latest policy evaluation. The lock a
// device actually experiences is derived via EffectiveLock and is
// never stored.
type Device struct {
	// ID is the client-generated device identifier (unique per device).
	ID string `json:"id"`

	// OwnerID is the user that enrolled this device.
	OwnerID string `json:"owner_id"`

	// Metadata reported by the device at enrollment.
	Model      string `json:"model"`
	OSVersion  string `json:"os_version"`
	AppVersion string `json:"app_version"`

	// Compliant reflects the most recent policy evaluation.
	Compliant bool `json:"compliant"`

	// AdminLocked is an explicit operator lock. It is only ever changed
	// by admin lock/unlock operations, never by compliance reporting.
	AdminLocked bool `json:"admin_locked"`

	// LockReason is the reason attached to the current lock, if any.
	LockReason *string `json:"lock_reason,omitempty"`

	// GeofenceStatus is the status from the last report that included
	// a location (carried forward when location is omitted).
	GeofenceStatus GeofenceStatus `json:"geofence_status"`

	// Violations is the violation snapshot from the latest report.
	// It replaces the previous snapshot entirely, never accumulates.
	Violations []string `json:"violations"`

	// Last known position, if the device has ever reported one.
	LastLatitude   *float64   `json:"last_latitude,omitempty"`
	LastLongitude  *float64   `json:"last_longitude,omitempty"`
	LastLocationAt *time.Time `json:"last_location_at,omitempty"`

	// LastSeen is updated on every report, heartbeat, and session bind.
	LastSeen time.Time `json:"last_seen"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveLock reports whether the device should currently be locked.
// A device is locked if an admin locked it OR it is non-compliant.
// This is always derived, never persisted, so the two lock sources
// cannot drift out of sync.
func (d *Device) EffectiveLock() bool {
	return d.AdminLocked || !d.Compliant
}

// Online reports whether the device has been seen within OnlineWindow.
func (d *Device) Online(now time.Time) bool {
	return now.Sub(d.LastSeen) < OnlineWindow
}

// Enrollment carries the device-reported metadata for Enroll.
// Empty fields fall back to the package defaults.
type Enrollment struct {
	DeviceID   string
	OwnerID    string
	Model      string
	OSVersion  string
	AppVersion string
}

// ComplianceUpdate carries the outcome of a policy evaluation to be
// applied to a device in a single transaction.
type ComplianceUpdate struct {
	// Compliant is the evaluated compliance verdict.
	Compliant bool

	// Violations is the full violation snapshot for this report.
	Violations []string

	// GeofenceStatus is the evaluated geofence status.
	GeofenceStatus GeofenceStatus

	// Latitude/Longitude are set when the report included a location.
	// When nil the stored position is left untouched.
	Latitude  *float64
	Longitude *float64

	// LockReason is set when the update locks the device (nil clears
	// the reason only if the device becomes compliant and unlocked).
	LockReason *string
}
