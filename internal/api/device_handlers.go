package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Constyk20/secureguard-backend/internal/auth"
	"github.com/Constyk20/secureguard-backend/internal/device"
	"github.com/Constyk20/secureguard-backend/internal/enforce"
	"github.com/Constyk20/secureguard-backend/internal/policy"
)

// enrollRequest is the payload for POST /devices/enroll.
type enrollRequest struct {
	DeviceID   string `json:"device_id"`
	Model      string `json:"model,omitempty"`
	OSVersion  string `json:"os_version,omitempty"`
	AppVersion string `json:"app_version,omitempty"`
}

// reportRequest is the payload for POST /devices/report.
type reportRequest struct {
	DeviceID   string           `json:"device_id"`
	Compliant  bool             `json:"compliant"`
	Violations []string         `json:"violations,omitempty"`
	Location   *policy.Location `json:"location,omitempty"`
}

// deviceStatusView is the device representation returned to clients.
// Effective lock and online presence are derived fields, computed at
// read time.
type deviceStatusView struct {
	device.Device
	EffectiveLock bool `json:"effective_lock"`
	Online        bool `json:"online"`
}

// statusView derives the read-time fields for a device.
func statusView(d *device.Device) deviceStatusView {
	return deviceStatusView{
		Device:        *d,
		EffectiveLock: d.EffectiveLock(),
		Online:        d.Online(time.Now().UTC()),
	}
}

// handleEnrollDevice registers a device for the authenticated user.
func (s *Server) handleEnrollDevice(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "device_id is required")
		return
	}

	dev, err := s.dispatcher.Enroll(r.Context(), device.Enrollment{
		DeviceID:   req.DeviceID,
		OwnerID:    claims.Subject,
		Model:      req.Model,
		OSVersion:  req.OSVersion,
		AppVersion: req.AppVersion,
	}, r.RemoteAddr)
	if err != nil {
		switch {
		case errors.Is(err, device.ErrOwnershipConflict):
			writeError(w, http.StatusConflict, ErrCodeConflict, "device is enrolled to another user")
		case errors.Is(err, enforce.ErrAuditWrite):
			// Enrollment stands, the ledger write did not.
			writeError(w, http.StatusInternalServerError, ErrCodeAuditWrite, "device enrolled but audit write failed")
		default:
			s.logger.Error("enrolling device", "error", err)
			writeInternalError(w, "enrollment failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, statusView(dev))
}

// handleComplianceReport processes a compliance report over HTTP.
// Devices normally report over the WebSocket channel; this endpoint
// covers clients between socket connections.
func (s *Server) handleComplianceReport(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req reportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "device_id is required")
		return
	}

	outcome, err := s.dispatcher.ReportCompliance(r.Context(), req.DeviceID, claims.Subject, enforce.Report{
		Compliant:  req.Compliant,
		Violations: req.Violations,
		Location:   req.Location,
	})
	if err != nil && !errors.Is(err, enforce.ErrAuditWrite) {
		switch {
		case errors.Is(err, device.ErrDeviceNotFound):
			writeNotFound(w, "device not found")
		case errors.Is(err, device.ErrOwnershipMismatch):
			writeForbidden(w, "device belongs to another user")
		default:
			s.logger.Error("processing compliance report", "error", err)
			writeInternalError(w, "report processing failed")
		}
		return
	}
	if errors.Is(err, enforce.ErrAuditWrite) {
		writeError(w, http.StatusInternalServerError, ErrCodeAuditWrite, "report applied but audit write failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device": statusView(outcome.Device),
		"locked": outcome.Locked,
	})
}

// handleOwnDeviceStatus lists the authenticated user's devices.
func (s *Server) handleOwnDeviceStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	devices, err := s.devices.GetByOwner(r.Context(), claims.Subject)
	if err != nil {
		s.logger.Error("listing own devices", "error", err)
		writeInternalError(w, "listing devices failed")
		return
	}

	views := make([]deviceStatusView, 0, len(devices))
	for i := range devices {
		views = append(views, statusView(&devices[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": views})
}

// handleDeviceStatus returns one device's status. Students may only
// view their own devices; admins may view any.
func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	id := chi.URLParam(r, "id")

	dev, err := s.devices.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, device.ErrDeviceNotFound) {
			writeNotFound(w, "device not found")
			return
		}
		s.logger.Error("fetching device", "error", err)
		writeInternalError(w, "fetching device failed")
		return
	}

	if claims.Role != auth.RoleAdmin && dev.OwnerID != claims.Subject {
		writeForbidden(w, "device belongs to another user")
		return
	}

	writeJSON(w, http.StatusOK, statusView(dev))
}
