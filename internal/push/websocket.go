package push

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const defaultWriteTimeout = 10 * time.Second

// Upgrader is the gorilla upgrader used for push endpoints. Origin checks
// are left to the CORS layer in front of the API.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocketTransport adapts a gorilla websocket connection. Only the
// writer pump writes to it and only the reader pump reads from it.
func NewWebSocketTransport(conn *websocket.Conn, maxMessageSize int64, writeTimeout time.Duration) Transport {
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)) //nolint:errcheck // best effort
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) WritePing() error {
	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)) //nolint:errcheck // best effort
	return t.conn.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) SetPongHandler(fn func()) {
	t.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (t *wsTransport) Close(reason error) error {
	code, text := closeCode(reason)
	msg := websocket.FormatCloseMessage(code, text)
	t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck // peer may be gone
	return t.conn.Close()
}

// closeCode maps a close reason to a websocket close code and text.
func closeCode(reason error) (int, string) {
	switch {
	case reason == nil, errors.Is(reason, ErrClosed):
		return websocket.CloseGoingAway, "server closing"
	case errors.Is(reason, ErrUnauthenticated):
		return websocket.ClosePolicyViolation, "unauthenticated"
	case errors.Is(reason, ErrBackpressure):
		return websocket.CloseTryAgainLater, "slow consumer"
	case errors.Is(reason, ErrHeartbeatTimeout):
		return websocket.CloseGoingAway, "heartbeat timeout"
	case websocket.IsCloseError(reason, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return websocket.CloseNormalClosure, ""
	default:
		return websocket.CloseInternalServerErr, ""
	}
}
