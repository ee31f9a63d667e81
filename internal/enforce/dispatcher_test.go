package enforce

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Constyk20/secureguard-backend/internal/audit"
	"github.com/Constyk20/secureguard-backend/internal/device"
	"github.com/Constyk20/secureguard-backend/internal/infrastructure/logging"
	"github.com/Constyk20/secureguard-backend/internal/policy"
	"github.com/Constyk20/secureguard-backend/internal/session"
)

// mockDeviceRepo is an in-memory device.Repository.
type mockDeviceRepo struct {
	mu      sync.Mutex
	devices map[string]*device.Device
}

func newMockDeviceRepo() *mockDeviceRepo {
	return &mockDeviceRepo{devices: make(map[string]*device.Device)}
}

func (m *mockDeviceRepo) seed(d *device.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Violations == nil {
		d.Violations = []string{}
	}
	if d.GeofenceStatus == "" {
		d.GeofenceStatus = device.GeofenceInside
	}
	m.devices[d.ID] = d
}

func (m *mockDeviceRepo) GetByID(_ context.Context, id string) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	copied := *d
	return &copied, nil
}

func (m *mockDeviceRepo) GetByOwner(_ context.Context, ownerID string) ([]device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []device.Device
	for _, d := range m.devices {
		if d.OwnerID == ownerID {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (m *mockDeviceRepo) List(_ context.Context) ([]device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []device.Device
	for _, d := range m.devices {
		out = append(out, *d)
	}
	return out, nil
}

func (m *mockDeviceRepo) Enroll(_ context.Context, e device.Enrollment) (*device.Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.devices[e.DeviceID]; ok {
		if existing.OwnerID != e.OwnerID {
			return nil, false, device.ErrOwnershipConflict
		}
		copied := *existing
		return &copied, false, nil
	}
	d := &device.Device{
		ID: e.DeviceID, OwnerID: e.OwnerID,
		Model: e.Model, OSVersion: e.OSVersion, AppVersion: e.AppVersion,
		Compliant: true, GeofenceStatus: device.GeofenceInside,
		Violations: []string{}, LastSeen: time.Now().UTC(),
	}
	m.devices[e.DeviceID] = d
	copied := *d
	return &copied, true, nil
}

func (m *mockDeviceRepo) ApplyComplianceResult(_ context.Context, id, ownerID string, eval func(device.GeofenceStatus) device.ComplianceUpdate) (*device.Device, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, false, device.ErrDeviceNotFound
	}
	if ownerID != "" && d.OwnerID != ownerID {
		return nil, false, device.ErrOwnershipMismatch
	}
	wasCompliant := d.Compliant
	u := eval(d.GeofenceStatus)
	d.Compliant = u.Compliant
	d.Violations = u.Violations
	d.GeofenceStatus = u.GeofenceStatus
	if !d.AdminLocked {
		d.LockReason = u.LockReason
	}
	if u.Latitude != nil && u.Longitude != nil {
		now := time.Now().UTC()
		d.LastLatitude = u.Latitude
		d.LastLongitude = u.Longitude
		d.LastLocationAt = &now
	}
	d.LastSeen = time.Now().UTC()
	copied := *d
	return &copied, wasCompliant, nil
}

func (m *mockDeviceRepo) RecordLocation(_ context.Context, id string, latitude, longitude float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	now := time.Now().UTC()
	d.LastLatitude = &latitude
	d.LastLongitude = &longitude
	d.LastLocationAt = &now
	d.LastSeen = now
	return nil
}

func (m *mockDeviceRepo) SetAdminLock(_ context.Context, id string, locked bool, reason string) (*device.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	d.AdminLocked = locked
	if locked && reason != "" {
		d.LockReason = &reason
	} else if !locked {
		d.LockReason = nil
	}
	copied := *d
	return &copied, nil
}

func (m *mockDeviceRepo) TouchLastSeen(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return device.ErrDeviceNotFound
	}
	d.LastSeen = time.Now().UTC()
	return nil
}

func (m *mockDeviceRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return device.ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

// mockLedger records appended audit entries, optionally failing.
type mockLedger struct {
	mu        sync.Mutex
	entries   []audit.Entry
	appendErr error
}

func (m *mockLedger) Append(_ context.Context, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *mockLedger) List(_ context.Context, _ audit.Filter) (*audit.ListResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &audit.ListResult{Entries: m.entries, Total: len(m.entries)}, nil
}

func (m *mockLedger) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

// fakeConn records pushed command messages.
type fakeConn struct {
	mu       sync.Mutex
	messages []any
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, v)
	return nil
}

func (c *fakeConn) Close() error { return nil }

func (c *fakeConn) lastMessage() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

var testFence = policy.Geofence{Latitude: 28.6139, Longitude: 77.2090, RadiusMeters: 500}

func newTestDispatcher(repo *mockDeviceRepo, ledger *mockLedger, sessions *session.Manager) *Dispatcher {
	return NewDispatcher(
		repo, ledger,
		policy.NewEvaluator(testFence),
		sessions,
		logging.Default(),
		PingConfig{DefaultDuration: 50 * time.Millisecond, MaxDuration: 200 * time.Millisecond},
	)
}

func TestReportComplianceAutoLocksOnEdgeOnly(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: true})
	ledger := &mockLedger{}
	sessions := session.NewManager()
	d := newTestDispatcher(repo, ledger, sessions)

	report := Report{Compliant: false, Violations: []string{"developer_mode_enabled"}}

	outcome, err := d.ReportCompliance(context.Background(), "dev-1", "user-1", report)
	if err != nil {
		t.Fatalf("ReportCompliance: %v", err)
	}
	if !outcome.Locked {
		t.Error("first non-compliant report should trigger the lock edge")
	}
	if got := ledger.actions(); len(got) != 1 || got[0] != audit.ActionAutoLock {
		t.Errorf("ledger = %v, want one AUTO_LOCK", got)
	}

	// Same verdict again: no new audit entry.
	outcome, err = d.ReportCompliance(context.Background(), "dev-1", "user-1", report)
	if err != nil {
		t.Fatalf("second ReportCompliance: %v", err)
	}
	if outcome.Locked {
		t.Error("repeated non-compliant report must not re-trigger the edge")
	}
	if got := ledger.actions(); len(got) != 1 {
		t.Errorf("ledger has %d entries after repeat report, want 1", len(got))
	}
}

func TestReportComplianceServerVerdictWins(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: true})
	d := newTestDispatcher(repo, &mockLedger{}, session.NewManager())

	// Client claims compliance while reporting a position far outside
	// the fence.
	outcome, err := d.ReportCompliance(context.Background(), "dev-1", "user-1", Report{
		Compliant: true,
		Location:  &policy.Location{Latitude: 28.70, Longitude: 77.2090},
	})
	if err != nil {
		t.Fatalf("ReportCompliance: %v", err)
	}
	if outcome.Device.Compliant {
		t.Error("server must override the client's compliant claim outside the fence")
	}
	if outcome.Device.GeofenceStatus != device.GeofenceOutside {
		t.Errorf("geofence status = %q, want outside", outcome.Device.GeofenceStatus)
	}
}

func TestReportComplianceNoLocationCarriesStoredGeofence(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{
		ID: "dev-1", OwnerID: "user-1",
		Compliant: false, GeofenceStatus: device.GeofenceOutside,
	})
	d := newTestDispatcher(repo, &mockLedger{}, session.NewManager())

	// No location and a clean client verdict: the verdict still derives
	// from the geofence status stored in the registry row.
	outcome, err := d.ReportCompliance(context.Background(), "dev-1", "user-1", Report{Compliant: true})
	if err != nil {
		t.Fatalf("ReportCompliance: %v", err)
	}
	if outcome.Device.GeofenceStatus != device.GeofenceOutside {
		t.Errorf("geofence status = %q, want carried-forward outside", outcome.Device.GeofenceStatus)
	}
	if outcome.Device.Compliant {
		t.Error("device outside the fence must stay non-compliant without a fresh location")
	}
}

func TestReportCompliancePushesLockToLiveSession(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: true})
	sessions := session.NewManager()
	conn := &fakeConn{}
	sessions.Bind("dev-1", "user-1", conn)
	d := newTestDispatcher(repo, &mockLedger{}, sessions)

	_, err := d.ReportCompliance(context.Background(), "dev-1", "user-1", Report{
		Compliant:  false,
		Violations: []string{"rooted_device"},
	})
	if err != nil {
		t.Fatalf("ReportCompliance: %v", err)
	}

	cmd, ok := conn.lastMessage().(LockCommand)
	if !ok {
		t.Fatalf("pushed message = %T, want LockCommand", conn.lastMessage())
	}
	if cmd.Type != MsgEnforceLock {
		t.Errorf("type = %q, want %q", cmd.Type, MsgEnforceLock)
	}
	if len(cmd.Violations) != 1 || cmd.Violations[0] != "rooted_device" {
		t.Errorf("violations = %v, want [rooted_device]", cmd.Violations)
	}
}

func TestReportComplianceSurfacesAuditFailureButKeepsMutation(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: true})
	ledger := &mockLedger{appendErr: errors.New("disk full")}
	d := newTestDispatcher(repo, ledger, session.NewManager())

	outcome, err := d.ReportCompliance(context.Background(), "dev-1", "user-1", Report{
		Compliant: false, Violations: []string{"x"},
	})
	if !errors.Is(err, ErrAuditWrite) {
		t.Fatalf("err = %v, want ErrAuditWrite", err)
	}
	if outcome == nil || outcome.Device.Compliant {
		t.Error("registry mutation must stand despite the audit failure")
	}
}

func TestAdminLockAndUnlock(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: true})
	ledger := &mockLedger{}
	sessions := session.NewManager()
	conn := &fakeConn{}
	sessions.Bind("dev-1", "user-1", conn)
	d := newTestDispatcher(repo, ledger, sessions)

	dev, err := d.AdminLock(context.Background(), "dev-1", "admin-1", "exam in progress", "10.0.0.1")
	if err != nil {
		t.Fatalf("AdminLock: %v", err)
	}
	if !dev.AdminLocked || !dev.EffectiveLock() {
		t.Error("device should be admin locked")
	}
	if _, ok := conn.lastMessage().(LockCommand); !ok {
		t.Errorf("pushed message = %T, want LockCommand", conn.lastMessage())
	}

	dev, err = d.AdminUnlock(context.Background(), "dev-1", "admin-1", "10.0.0.1")
	if err != nil {
		t.Fatalf("AdminUnlock: %v", err)
	}
	if dev.AdminLocked {
		t.Error("device should be unlocked")
	}
	if _, ok := conn.lastMessage().(UnlockCommand); !ok {
		t.Errorf("pushed message = %T, want UnlockCommand", conn.lastMessage())
	}

	want := []string{audit.ActionAdminLock, audit.ActionAdminUnlock}
	got := ledger.actions()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("ledger = %v, want %v", got, want)
	}
}

func TestAdminUnlockDoesNotPushWhileStillNonCompliant(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: false, AdminLocked: true})
	sessions := session.NewManager()
	conn := &fakeConn{}
	sessions.Bind("dev-1", "user-1", conn)
	d := newTestDispatcher(repo, &mockLedger{}, sessions)

	dev, err := d.AdminUnlock(context.Background(), "dev-1", "admin-1", "")
	if err != nil {
		t.Fatalf("AdminUnlock: %v", err)
	}
	if !dev.EffectiveLock() {
		t.Error("non-compliant device should stay effectively locked")
	}
	if conn.lastMessage() != nil {
		t.Errorf("no unlock should be pushed while the policy lock holds, got %v", conn.lastMessage())
	}
}

func TestPingDeviceRequiresLiveSession(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: true})
	ledger := &mockLedger{}
	d := newTestDispatcher(repo, ledger, session.NewManager())

	err := d.PingDevice(context.Background(), "dev-1", 0)
	if !errors.Is(err, ErrDeviceOffline) {
		t.Errorf("err = %v, want ErrDeviceOffline", err)
	}
	if len(ledger.actions()) != 0 {
		t.Error("pings must not be audited")
	}
}

func TestPingDeviceStartsAndStops(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: true})
	sessions := session.NewManager()
	conn := &fakeConn{}
	sessions.Bind("dev-1", "user-1", conn)
	d := newTestDispatcher(repo, &mockLedger{}, sessions)

	if err := d.PingDevice(context.Background(), "dev-1", 50*time.Millisecond); err != nil {
		t.Fatalf("PingDevice: %v", err)
	}

	start, ok := conn.lastMessage().(PingCommand)
	if !ok || !start.ShouldPing {
		t.Fatalf("first push = %v, want ShouldPing=true", conn.lastMessage())
	}

	// Wait for the auto-stop.
	deadline := time.After(time.Second)
	for {
		if cmd, ok := conn.lastMessage().(PingCommand); ok && !cmd.ShouldPing {
			return
		}
		select {
		case <-deadline:
			t.Fatal("ping auto-stop never arrived")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPingStopSkipsReconnectedSession(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: true})
	sessions := session.NewManager()
	oldConn := &fakeConn{}
	sessions.Bind("dev-1", "user-1", oldConn)
	d := newTestDispatcher(repo, &mockLedger{}, sessions)

	if err := d.PingDevice(context.Background(), "dev-1", 30*time.Millisecond); err != nil {
		t.Fatalf("PingDevice: %v", err)
	}

	// Device reconnects before the stop fires.
	newConn := &fakeConn{}
	sessions.Bind("dev-1", "user-1", newConn)

	time.Sleep(100 * time.Millisecond)

	// The fresh session must not receive a stray stop message.
	if newConn.lastMessage() != nil {
		t.Errorf("reconnected session received %v, want nothing", newConn.lastMessage())
	}
}

func TestWipeDeviceAuditsBeforeDestruction(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: true})
	ledger := &mockLedger{appendErr: errors.New("ledger offline")}
	d := newTestDispatcher(repo, ledger, session.NewManager())

	err := d.WipeDevice(context.Background(), "dev-1", "admin-1", "stolen", "10.0.0.1")
	if !errors.Is(err, ErrAuditWrite) {
		t.Fatalf("err = %v, want ErrAuditWrite", err)
	}

	// The wipe must have been aborted: the device still exists.
	if _, err := repo.GetByID(context.Background(), "dev-1"); err != nil {
		t.Error("device must survive when the wipe audit cannot be written")
	}
}

func TestWipeDeviceRemovesDeviceAndPushesCommand(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: true})
	ledger := &mockLedger{}
	sessions := session.NewManager()
	conn := &fakeConn{}
	sessions.Bind("dev-1", "user-1", conn)
	d := newTestDispatcher(repo, ledger, sessions)

	if err := d.WipeDevice(context.Background(), "dev-1", "admin-1", "stolen", ""); err != nil {
		t.Fatalf("WipeDevice: %v", err)
	}

	if _, err := repo.GetByID(context.Background(), "dev-1"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Error("device should be removed after wipe")
	}
	if cmd, ok := conn.lastMessage().(WipeCommand); !ok || cmd.Type != MsgEnforceWipe {
		t.Errorf("pushed message = %v, want WipeCommand", conn.lastMessage())
	}
	if got := ledger.actions(); len(got) != 1 || got[0] != audit.ActionDeviceWipe {
		t.Errorf("ledger = %v, want one DEVICE_WIPE", got)
	}
}

func TestPingResponseStoresReportedLocation(t *testing.T) {
	repo := newMockDeviceRepo()
	repo.seed(&device.Device{ID: "dev-1", OwnerID: "user-1", Compliant: true})
	ledger := &mockLedger{}
	d := newTestDispatcher(repo, ledger, session.NewManager())

	loc := &policy.Location{Latitude: 28.6140, Longitude: 77.2091}
	if err := d.PingResponse(context.Background(), "dev-1", loc); err != nil {
		t.Fatalf("PingResponse: %v", err)
	}

	dev, err := repo.GetByID(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if dev.LastLatitude == nil || *dev.LastLatitude != loc.Latitude {
		t.Errorf("last_latitude = %v, want %v", dev.LastLatitude, loc.Latitude)
	}
	if dev.LastLocationAt == nil {
		t.Error("last_location_at should be set from the ping response")
	}
	if len(ledger.actions()) != 0 {
		t.Error("ping responses must not be audited")
	}

	// Without a position the response is only a liveness signal.
	before := dev.LastSeen
	time.Sleep(5 * time.Millisecond)
	if err := d.PingResponse(context.Background(), "dev-1", nil); err != nil {
		t.Fatalf("PingResponse without location: %v", err)
	}
	dev, err = repo.GetByID(context.Background(), "dev-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if !dev.LastSeen.After(before) {
		t.Error("location-less ping response should still bump last_seen")
	}
	if *dev.LastLatitude != loc.Latitude {
		t.Error("location-less ping response must not disturb the stored position")
	}
}

func TestEnrollAuditsOnlyOnCreation(t *testing.T) {
	repo := newMockDeviceRepo()
	ledger := &mockLedger{}
	d := newTestDispatcher(repo, ledger, session.NewManager())

	e := device.Enrollment{DeviceID: "dev-1", OwnerID: "user-1", Model: "Pixel 8"}
	if _, err := d.Enroll(context.Background(), e, "10.0.0.1"); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if _, err := d.Enroll(context.Background(), e, "10.0.0.1"); err != nil {
		t.Fatalf("re-Enroll: %v", err)
	}

	if got := ledger.actions(); len(got) != 1 || got[0] != audit.ActionDeviceRegistered {
		t.Errorf("ledger = %v, want one DEVICE_REGISTERED", got)
	}
}
