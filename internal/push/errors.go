package push

import (
	"errors"

	"github.com/nerrad567/iot-gateway/internal/subscriber"
)

var (
	// ErrBackpressure is the close reason for a connection whose outbound
	// queue overflowed.
	ErrBackpressure = subscriber.ErrBackpressure

	// ErrHeartbeatTimeout is the close reason for a silent peer.
	ErrHeartbeatTimeout = errors.New("push: heartbeat timeout")

	// ErrUnauthenticated is returned by Accept when the credential is
	// rejected. The connection is closed and never registered.
	ErrUnauthenticated = errors.New("push: unauthenticated")

	// ErrClosed is the close reason when the server ends a connection
	// (session revoked or shutdown).
	ErrClosed = errors.New("push: closed by server")
)
