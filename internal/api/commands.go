package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/nerrad567/iot-gateway/internal/command"
)

// commandRequest is the request body for POST /devices/{id}/commands.
type commandRequest struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}

// handleSendCommand dispatches a command to one of the caller's devices.
//
//	202 {"correlation_id": "...", "status": "accepted"}
//	403 forbidden, 404 device_unknown, 503 transport_unavailable
func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, "action is required")
		return
	}

	userID := userIDFromContext(r.Context())
	result, err := s.commands.Dispatch(r.Context(), userID, deviceID, req.Action, req.Params)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, result)
	case errors.Is(err, command.ErrForbidden):
		writeForbidden(w, "device belongs to another user")
	case errors.Is(err, command.ErrDeviceUnknown):
		writeError(w, http.StatusNotFound, ErrCodeDeviceUnknown, "device not found")
	case errors.Is(err, command.ErrTransportUnavailable):
		writeError(w, http.StatusServiceUnavailable, ErrCodeTransportUnavailable, "device broker unavailable, retry later")
	case errors.Is(err, command.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		s.logger.Error("command dispatch failed",
			"device_id", deviceID,
			"user_id", userID,
			"error", err,
		)
		writeInternalError(w, "failed to dispatch command")
	}
}

// handleGetCommand returns a command log entry created by the caller.
func (s *Server) handleGetCommand(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.commands.Get(r.Context(), userIDFromContext(r.Context()), id)
	if errors.Is(err, command.ErrCommandNotFound) {
		writeNotFound(w, "command not found")
		return
	}
	if err != nil {
		s.logger.Error("getting command failed", "correlation_id", id, "error", err)
		writeInternalError(w, "failed to get command")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
