package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/nerrad567/iot-gateway/internal/auth"
)

// loginRequest is the request body for POST /auth/login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// handleLogin authenticates a user and returns a JWT access token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	token, err := s.auth.Login(r.Context(), req.Email, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeUnauthorized(w, "invalid credentials")
		return
	}
	if err != nil {
		s.logger.Error("login failed", "error", err)
		writeInternalError(w, "failed to authenticate")
		return
	}

	writeJSON(w, http.StatusOK, token)
}

// handleWSTicket issues a single-use push ticket so the client can open the
// push channel without putting its JWT in the URL.
func (s *Server) handleWSTicket(w http.ResponseWriter, r *http.Request) {
	ticket, ttl, err := s.auth.IssueTicket(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.logger.Error("issuing push ticket failed", "error", err)
		writeInternalError(w, "failed to issue ticket")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ttl.Seconds()),
	})
}

// handleLogout closes the caller's push connections. Access tokens are
// stateless and simply expire.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	closed := s.push.CloseUser(userIDFromContext(r.Context()))
	writeJSON(w, http.StatusOK, map[string]any{"closed_connections": closed})
}
