package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Constyk20/secureguard-backend/internal/audit"
	"github.com/Constyk20/secureguard-backend/internal/device"
	"github.com/Constyk20/secureguard-backend/internal/enforce"
)

// lockRequest is the payload for POST /admin/devices/{id}/lock and wipe.
type lockRequest struct {
	Reason string `json:"reason,omitempty"`
}

// pingRequest is the payload for POST /admin/devices/{id}/ping.
type pingRequest struct {
	DurationSeconds int `json:"duration_seconds,omitempty"`
}

// handleAdminListDevices returns the whole fleet with derived status.
func (s *Server) handleAdminListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices", "error", err)
		writeInternalError(w, "listing devices failed")
		return
	}

	views := make([]deviceStatusView, 0, len(devices))
	for i := range devices {
		views = append(views, statusView(&devices[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": views,
		"total":   len(views),
	})
}

// handleAdminStats returns fleet-wide summary counters.
func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.List(r.Context())
	if err != nil {
		s.logger.Error("listing devices for stats", "error", err)
		writeInternalError(w, "computing stats failed")
		return
	}

	now := time.Now().UTC()
	var online, locked, nonCompliant int
	for i := range devices {
		d := &devices[i]
		if d.Online(now) {
			online++
		}
		if d.EffectiveLock() {
			locked++
		}
		if !d.Compliant {
			nonCompliant++
		}
	}

	userCount, err := s.users.Count(r.Context())
	if err != nil {
		s.logger.Error("counting users", "error", err)
		writeInternalError(w, "computing stats failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_devices":  len(devices),
		"online_devices": online,
		"locked_devices": locked,
		"non_compliant":  nonCompliant,
		"live_sessions":  s.sessions.Count(),
		"total_users":    userCount,
	})
}

// handleAdminAuditLogs returns the audit ledger, newest first.
func (s *Server) handleAdminAuditLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		Action:   q.Get("action"),
		DeviceID: q.Get("device_id"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries", "error", err)
		writeInternalError(w, "listing audit entries failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleAdminLock applies an operator lock to a device.
func (s *Server) handleAdminLock(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req lockRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // empty body means default reason
	}

	dev, err := s.dispatcher.AdminLock(r.Context(), id, claims.Subject, req.Reason, r.RemoteAddr)
	if err != nil && !errors.Is(err, enforce.ErrAuditWrite) {
		s.writeDeviceError(w, err, "locking device")
		return
	}
	if errors.Is(err, enforce.ErrAuditWrite) {
		writeError(w, http.StatusInternalServerError, ErrCodeAuditWrite, "device locked but audit write failed")
		return
	}

	writeJSON(w, http.StatusOK, statusView(dev))
}

// handleAdminUnlock clears the operator lock on a device.
func (s *Server) handleAdminUnlock(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	id := chi.URLParam(r, "id")

	dev, err := s.dispatcher.AdminUnlock(r.Context(), id, claims.Subject, r.RemoteAddr)
	if err != nil && !errors.Is(err, enforce.ErrAuditWrite) {
		s.writeDeviceError(w, err, "unlocking device")
		return
	}
	if errors.Is(err, enforce.ErrAuditWrite) {
		writeError(w, http.StatusInternalServerError, ErrCodeAuditWrite, "device unlocked but audit write failed")
		return
	}

	writeJSON(w, http.StatusOK, statusView(dev))
}

// handleAdminPing starts the find-my-device indicator on a device.
func (s *Server) handleAdminPing(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req pingRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // empty body means default duration
	}

	err := s.dispatcher.PingDevice(r.Context(), id, time.Duration(req.DurationSeconds)*time.Second)
	if err != nil {
		if errors.Is(err, enforce.ErrDeviceOffline) {
			writeError(w, http.StatusConflict, ErrCodeDeviceOffline, "device has no live session")
			return
		}
		s.writeDeviceError(w, err, "pinging device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"pinging": true})
}

// handleAdminWipe pushes a factory-reset command and removes the device.
func (s *Server) handleAdminWipe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	id := chi.URLParam(r, "id")

	var req lockRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck // empty body means default reason
	}

	err := s.dispatcher.WipeDevice(r.Context(), id, claims.Subject, req.Reason, r.RemoteAddr)
	if err != nil {
		if errors.Is(err, enforce.ErrAuditWrite) {
			// The wipe was aborted: wipes are never performed unaccounted.
			writeError(w, http.StatusInternalServerError, ErrCodeAuditWrite, "wipe aborted: audit write failed")
			return
		}
		s.writeDeviceError(w, err, "wiping device")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"wiped": true})
}

// writeDeviceError maps common device errors to HTTP responses.
func (s *Server) writeDeviceError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, device.ErrDeviceNotFound) {
		writeNotFound(w, "device not found")
		return
	}
	s.logger.Error(op, "error", err)
	writeInternalError(w, op+" failed")
}
