package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/iot-gateway/internal/account"
	"github.com/nerrad567/iot-gateway/internal/telemetry"
)

// deviceView is a device record plus the latest readings seen by this
// gateway since it started.
type deviceView struct {
	*account.Device
	Latest map[string]telemetry.Reading `json:"latest,omitempty"`
}

// handleListDevices returns the caller's devices.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListDevices(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.logger.Error("listing devices failed", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}
	for i := range devices {
		s.overlayLiveness(&devices[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

// handleGetDevice returns one of the caller's devices.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device store not configured")
		return
	}

	dev, err := s.store.GetDevice(r.Context(), id)
	if errors.Is(err, account.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeDeviceUnknown, "device not found")
		return
	}
	if err != nil {
		s.logger.Error("getting device failed", "device_id", id, "error", err)
		writeInternalError(w, "failed to get device")
		return
	}
	if dev.OwnerID != userIDFromContext(r.Context()) {
		writeForbidden(w, "device belongs to another user")
		return
	}

	s.overlayLiveness(dev)
	view := deviceView{Device: dev}
	if s.latest != nil {
		view.Latest, _ = s.latest.Get(dev.ID)
	}
	writeJSON(w, http.StatusOK, view)
}

// handleRefreshDevice drops the cached ownership of a device so a change
// made in the account store is seen immediately.
func (s *Server) handleRefreshDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.devices.Invalidate(id)

	owner, err := s.devices.ResolveOwner(r.Context(), id)
	if errors.Is(err, account.ErrDeviceNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeDeviceUnknown, "device not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "ownership lookup failed")
		return
	}
	if owner != userIDFromContext(r.Context()) {
		writeForbidden(w, "device belongs to another user")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// overlayLiveness reports a device as online when the gateway has seen it
// more recently than the store's last flushed mark.
func (s *Server) overlayLiveness(d *account.Device) {
	seen, ok := s.devices.LastSeen(d.ID)
	if !ok {
		return
	}
	if d.LastSeenAt == nil || seen.After(*d.LastSeenAt) {
		d.LastSeenAt = &seen
		d.Status = account.StatusOnline
	}
}
