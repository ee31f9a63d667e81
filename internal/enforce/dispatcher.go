// Package enforce orchestrates enforcement actions against devices.
//
// The dispatcher ties the registry, policy evaluator, session manager,
// and audit ledger together. Registry writes are authoritative; pushes
// to live sessions are best-effort, since an offline device reconciles
// against stored state on its next report.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Constyk20/secureguard-backend/internal/audit"
	"github.com/Constyk20/secureguard-backend/internal/device"
	"github.com/Constyk20/secureguard-backend/internal/infrastructure/logging"
	"github.com/Constyk20/secureguard-backend/internal/policy"
	"github.com/Constyk20/secureguard-backend/internal/session"
)

// Sentinel errors for enforcement operations.
var (
	// ErrDeviceOffline is returned when an action needs a live session
	// and the device has none.
	ErrDeviceOffline = errors.New("enforce: device has no live session")

	// ErrAuditWrite is returned when an enforcement action could not be
	// recorded in the audit ledger. Depending on the action the state
	// change may already have been applied; see each method.
	ErrAuditWrite = errors.New("enforce: audit write failed")
)

// Command message types pushed to device sessions.
const (
	MsgEnforceLock  = "enforce-lock"
	MsgUnlockDevice = "unlock-device"
	MsgPingDevice   = "ping-device"
	MsgEnforceWipe  = "enforce-wipe"
)

// LockCommand tells a device to lock itself.
type LockCommand struct {
	Type       string   `json:"type"`
	Reason     string   `json:"reason"`
	Violations []string `json:"violations"`
	Timestamp  string   `json:"timestamp"`
}

// UnlockCommand tells a device to release its lock.
type UnlockCommand struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

// PingCommand toggles the find-my-device indicator.
type PingCommand struct {
	Type       string `json:"type"`
	ShouldPing bool   `json:"should_ping"`
	Timestamp  string `json:"timestamp"`
}

// WipeCommand tells a device to factory reset.
type WipeCommand struct {
	Type      string `json:"type"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

// Report is a compliance report submitted by a device.
type Report struct {
	// Compliant is the client's own verdict. The server may override it
	// to non-compliant but never to compliant.
	Compliant bool

	// Violations detected by the client.
	Violations []string

	// Location is the reported position, nil when omitted.
	Location *policy.Location
}

// Outcome is the result of processing a compliance report.
type Outcome struct {
	// Device is the registry state after the report was applied.
	Device *device.Device

	// Result is the policy evaluation for this report.
	Result policy.Result

	// Locked reports whether this report triggered an automatic lock
	// (the compliant-to-non-compliant edge).
	Locked bool
}

// PingConfig bounds the ping indicator duration.
type PingConfig struct {
	DefaultDuration time.Duration
	MaxDuration     time.Duration
}

// activePing tracks a running ping so a later request can supersede it.
type activePing struct {
	sessionID string
	cancel    chan struct{}
}

// Dispatcher executes enforcement actions.
type Dispatcher struct {
	devices   device.Repository
	ledger    audit.Repository
	evaluator *policy.Evaluator
	sessions  *session.Manager
	logger    *logging.Logger
	pingCfg   PingConfig

	pingMu sync.Mutex
	pings  map[string]*activePing // deviceID -> active ping
}

// NewDispatcher creates a dispatcher wired to its collaborators.
func NewDispatcher(
	devices device.Repository,
	ledger audit.Repository,
	evaluator *policy.Evaluator,
	sessions *session.Manager,
	logger *logging.Logger,
	pingCfg PingConfig,
) *Dispatcher {
	if pingCfg.DefaultDuration <= 0 {
		pingCfg.DefaultDuration = 30 * time.Second
	}
	if pingCfg.MaxDuration < pingCfg.DefaultDuration {
		pingCfg.MaxDuration = pingCfg.DefaultDuration
	}
	return &Dispatcher{
		devices:   devices,
		ledger:    ledger,
		evaluator: evaluator,
		sessions:  sessions,
		logger:    logger.With("component", "enforce"),
		pingCfg:   pingCfg,
		pings:     make(map[string]*activePing),
	}
}

// Enroll registers a device for a user. A DEVICE_REGISTERED audit entry
// is appended only when a new device row was actually created, so
// reconnecting devices do not flood the ledger.
//
// If the audit write fails the enrollment still stands and the error
// wraps ErrAuditWrite.
func (d *Dispatcher) Enroll(ctx context.Context, e device.Enrollment, originAddr string) (*device.Device, error) {
	dev, created, err := d.devices.Enroll(ctx, e)
	if err != nil {
		return nil, err
	}

	if created {
		entry := &audit.Entry{
			Action:     audit.ActionDeviceRegistered,
			DeviceID:   dev.ID,
			ActorID:    e.OwnerID,
			Reason:     fmt.Sprintf("device enrolled: %s", dev.Model),
			OriginAddr: originAddr,
		}
		if err := d.ledger.Append(ctx, entry); err != nil {
			d.logger.Error("audit write failed for enrollment", "device_id", dev.ID, "error", err)
			return dev, fmt.Errorf("%w: %w", ErrAuditWrite, err)
		}
		d.logger.Info("device enrolled", "device_id", dev.ID, "owner_id", dev.OwnerID)
	}

	return dev, nil
}

// ReportCompliance evaluates a device report and applies the verdict.
//
// An AUTO_LOCK audit entry is appended only on the transition from
// compliant to non-compliant; repeated non-compliant reports update the
// violation snapshot without new ledger entries. When the transition
// fires, an enforce-lock command is pushed to the live session on a
// best-effort basis.
//
// If the audit write fails the registry mutation stands: the returned
// Outcome is valid and the error wraps ErrAuditWrite.
func (d *Dispatcher) ReportCompliance(ctx context.Context, deviceID, ownerID string, report Report) (*Outcome, error) {
	// Evaluation runs inside the registry transaction: a report without a
	// location derives its geofence verdict from the row it is about to
	// update, not from a stale read taken beforehand.
	var result policy.Result
	var lockReason string

	updated, wasCompliant, err := d.devices.ApplyComplianceResult(ctx, deviceID, ownerID,
		func(lastGeofence device.GeofenceStatus) device.ComplianceUpdate {
			result = d.evaluator.Evaluate(policy.Observation{
				Location:     report.Location,
				Violations:   report.Violations,
				LastGeofence: lastGeofence,
			})

			// The client may claim compliance, but the server verdict
			// wins whenever it is stricter.
			compliant := result.Compliant && report.Compliant

			u := device.ComplianceUpdate{
				Compliant:      compliant,
				Violations:     result.Violations,
				GeofenceStatus: result.Geofence,
			}
			if !compliant {
				lockReason = result.LockReason()
				if lockReason == "" {
					lockReason = "device reported non-compliant"
				}
				u.LockReason = &lockReason
			}
			if report.Location != nil {
				u.Latitude = &report.Location.Latitude
				u.Longitude = &report.Location.Longitude
			}
			return u
		})
	if err != nil {
		return nil, err
	}

	compliant := result.Compliant && report.Compliant

	outcome := &Outcome{
		Device: updated,
		Result: result,
		Locked: wasCompliant && !compliant,
	}

	if !outcome.Locked {
		return outcome, nil
	}

	// Transition edge: record and push.
	reason := lockReason

	var auditErr error
	entry := &audit.Entry{
		Action:   audit.ActionAutoLock,
		DeviceID: deviceID,
		Reason:   reason,
	}
	if err := d.ledger.Append(ctx, entry); err != nil {
		d.logger.Error("audit write failed for auto lock", "device_id", deviceID, "error", err)
		auditErr = fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}

	d.pushLock(deviceID, reason, result.Violations)
	d.logger.Warn("device auto-locked",
		"device_id", deviceID,
		"violations", result.Violations,
	)

	return outcome, auditErr
}

// AdminLock applies an explicit operator lock.
//
// The registry write happens first; the ADMIN_LOCK audit entry and the
// push follow. An audit failure surfaces as ErrAuditWrite with the
// lock already applied.
func (d *Dispatcher) AdminLock(ctx context.Context, deviceID, actorID, reason, originAddr string) (*device.Device, error) {
	if reason == "" {
		reason = "locked by administrator"
	}

	dev, err := d.devices.SetAdminLock(ctx, deviceID, true, reason)
	if err != nil {
		return nil, err
	}

	var auditErr error
	entry := &audit.Entry{
		Action:     audit.ActionAdminLock,
		DeviceID:   deviceID,
		ActorID:    actorID,
		Reason:     reason,
		OriginAddr: originAddr,
	}
	if err := d.ledger.Append(ctx, entry); err != nil {
		d.logger.Error("audit write failed for admin lock", "device_id", deviceID, "error", err)
		auditErr = fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}

	d.pushLock(deviceID, reason, dev.Violations)
	d.logger.Info("admin lock applied", "device_id", deviceID, "actor_id", actorID)

	return dev, auditErr
}

// AdminUnlock clears the operator lock.
//
// The unlock-device command is pushed only when the device's effective
// lock actually cleared; a device still held by a policy violation
// stays locked and is not told otherwise.
func (d *Dispatcher) AdminUnlock(ctx context.Context, deviceID, actorID, originAddr string) (*device.Device, error) {
	dev, err := d.devices.SetAdminLock(ctx, deviceID, false, "")
	if err != nil {
		return nil, err
	}

	var auditErr error
	entry := &audit.Entry{
		Action:     audit.ActionAdminUnlock,
		DeviceID:   deviceID,
		ActorID:    actorID,
		OriginAddr: originAddr,
	}
	if err := d.ledger.Append(ctx, entry); err != nil {
		d.logger.Error("audit write failed for admin unlock", "device_id", deviceID, "error", err)
		auditErr = fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}

	if !dev.EffectiveLock() {
		cmd := UnlockCommand{
			Type:      MsgUnlockDevice,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		}
		if err := d.sessions.Send(deviceID, cmd); err != nil && !errors.Is(err, session.ErrNoSession) {
			d.logger.Warn("unlock push failed", "device_id", deviceID, "error", err)
		}
	}
	d.logger.Info("admin lock cleared", "device_id", deviceID, "actor_id", actorID)

	return dev, auditErr
}

// PingDevice makes a device play its find-my-device indicator for the
// given duration. It requires a live session: there is nothing to ping
// on an offline device, so ErrDeviceOffline is returned instead of
// queuing. Pings are transient and deliberately not audited.
func (d *Dispatcher) PingDevice(ctx context.Context, deviceID string, duration time.Duration) error {
	if duration <= 0 {
		duration = d.pingCfg.DefaultDuration
	}
	if duration > d.pingCfg.MaxDuration {
		duration = d.pingCfg.MaxDuration
	}

	s := d.sessions.Get(deviceID)
	if s == nil {
		return ErrDeviceOffline
	}

	cmd := PingCommand{
		Type:       MsgPingDevice,
		ShouldPing: true,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := d.sessions.Send(deviceID, cmd); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return ErrDeviceOffline
		}
		return fmt.Errorf("pushing ping command: %w", err)
	}

	// Replace any running ping timer so overlapping pings do not race
	// each other's stop messages.
	cancel := make(chan struct{})
	d.pingMu.Lock()
	if prev, ok := d.pings[deviceID]; ok {
		close(prev.cancel)
	}
	d.pings[deviceID] = &activePing{sessionID: s.ID, cancel: cancel}
	d.pingMu.Unlock()

	go d.stopPingAfter(deviceID, s.ID, duration, cancel)

	d.logger.Info("ping started", "device_id", deviceID, "duration", duration)
	return nil
}

// stopPingAfter sends the stop message once the duration elapses,
// unless the ping was superseded or the device reconnected under a new
// session in the meantime.
func (d *Dispatcher) stopPingAfter(deviceID, sessionID string, duration time.Duration, cancel <-chan struct{}) {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-cancel:
		return
	case <-timer.C:
	}

	d.pingMu.Lock()
	if p, ok := d.pings[deviceID]; ok && p.sessionID == sessionID {
		delete(d.pings, deviceID)
	}
	d.pingMu.Unlock()

	// Only the original session gets the stop message. A device that
	// reconnected mid-ping starts clean.
	s := d.sessions.Get(deviceID)
	if s == nil || s.ID != sessionID {
		return
	}

	cmd := PingCommand{
		Type:       MsgPingDevice,
		ShouldPing: false,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := d.sessions.Send(deviceID, cmd); err != nil && !errors.Is(err, session.ErrNoSession) {
		d.logger.Warn("ping stop push failed", "device_id", deviceID, "error", err)
	}
}

// WipeDevice removes a device after pushing a factory-reset command.
//
// The DEVICE_WIPE audit entry is written BEFORE anything destructive
// happens: if the ledger cannot record the wipe, the wipe does not
// proceed. Wipes must never be unaccounted for.
func (d *Dispatcher) WipeDevice(ctx context.Context, deviceID, actorID, reason, originAddr string) error {
	if _, err := d.devices.GetByID(ctx, deviceID); err != nil {
		return err
	}

	if reason == "" {
		reason = "wiped by administrator"
	}

	entry := &audit.Entry{
		Action:     audit.ActionDeviceWipe,
		DeviceID:   deviceID,
		ActorID:    actorID,
		Reason:     reason,
		OriginAddr: originAddr,
	}
	if err := d.ledger.Append(ctx, entry); err != nil {
		d.logger.Error("audit write failed for wipe, aborting", "device_id", deviceID, "error", err)
		return fmt.Errorf("%w: %w", ErrAuditWrite, err)
	}

	cmd := WipeCommand{
		Type:      MsgEnforceWipe,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := d.sessions.Send(deviceID, cmd); err != nil && !errors.Is(err, session.ErrNoSession) {
		d.logger.Warn("wipe push failed", "device_id", deviceID, "error", err)
	}

	if err := d.devices.Delete(ctx, deviceID); err != nil {
		return fmt.Errorf("removing wiped device: %w", err)
	}

	d.logger.Warn("device wiped", "device_id", deviceID, "actor_id", actorID, "reason", reason)
	return nil
}

// Heartbeat bumps the device's liveness timestamp.
func (d *Dispatcher) Heartbeat(ctx context.Context, deviceID string) error {
	return d.devices.TouchLastSeen(ctx, deviceID)
}

// PingResponse handles a device acknowledging the find-my-device
// indicator. A position attached to the acknowledgement is stored as
// the device's last known location; without one the response still
// counts as a liveness signal. Not audited, like the ping itself.
func (d *Dispatcher) PingResponse(ctx context.Context, deviceID string, loc *policy.Location) error {
	if loc == nil {
		return d.devices.TouchLastSeen(ctx, deviceID)
	}
	return d.devices.RecordLocation(ctx, deviceID, loc.Latitude, loc.Longitude)
}

// pushLock pushes an enforce-lock command to a live session, ignoring
// the offline case.
func (d *Dispatcher) pushLock(deviceID, reason string, violations []string) {
	if violations == nil {
		violations = []string{}
	}
	cmd := LockCommand{
		Type:       MsgEnforceLock,
		Reason:     reason,
		Violations: violations,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if err := d.sessions.Send(deviceID, cmd); err != nil && !errors.Is(err, session.ErrNoSession) {
		d.logger.Warn("lock push failed", "device_id", deviceID, "error", err)
	}
}
