package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/iot-gateway/internal/audit"
)

// handleListAudit returns the caller's history events, newest first.
//
// Query parameters:
//   - event_type: filter by event type (COMMAND_CREATE, COMMAND_DENIED, ...)
//   - device_id: filter by device
//   - limit: page size (default 50, max 200)
//   - offset: page offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "audit log not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		EventType:   q.Get("event_type"),
		DeviceID:    q.Get("device_id"),
		PerformerID: userIDFromContext(r.Context()),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	result, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit events failed", "error", err)
		writeInternalError(w, "failed to list audit events")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
