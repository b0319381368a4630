package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/nerrad567/iot-gateway/internal/push"
)

// wsWriteTimeout bounds a single frame write to a push client.
const wsWriteTimeout = 10 * time.Second

// handleWebSocket upgrades the request and hands the connection to the push
// manager. The credential is a ticket from POST /auth/ws-ticket or, for
// clients that cannot make that call first, the JWT itself.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	credential := r.URL.Query().Get("ticket")
	if credential == "" {
		credential = r.URL.Query().Get("token")
	}
	if credential == "" {
		if token, ok := bearerToken(r); ok {
			credential = token
		}
	}
	if credential == "" {
		writeUnauthorized(w, "ticket or token query parameter is required")
		return
	}

	conn, err := push.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	transport := push.NewWebSocketTransport(conn, int64(s.wsCfg.MaxMessageSize), wsWriteTimeout)
	c, err := s.push.Accept(r.Context(), transport, credential)
	if err != nil {
		if !errors.Is(err, push.ErrUnauthenticated) {
			s.logger.Warn("push connection refused", "error", err)
		}
		return
	}

	s.logger.Debug("push connection opened",
		"conn_id", c.ID(),
		"user_id", c.UserID(),
		"path", r.URL.Path,
	)
}
