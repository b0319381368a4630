package push

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/iot-gateway/internal/metrics"
	"github.com/nerrad567/iot-gateway/internal/subscriber"
)

const (
	defaultSendQueueSize = 256
	defaultPingInterval  = 30 * time.Second
	defaultPongTimeout   = 10 * time.Second
)

// Logger defines the logging interface used by the Manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Verifier turns a client credential into a user id.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// Directory is where streaming connections are published for fan-out.
type Directory interface {
	Add(userID string, c subscriber.Conn)
	Remove(userID string, c subscriber.Conn) bool
}

// Options configures the Manager. Zero values take defaults.
type Options struct {
	SendQueueSize int
	PingInterval  time.Duration
	PongTimeout   time.Duration
}

// Manager authenticates push connections, publishes them to the
// subscriber directory and runs their pumps.
type Manager struct {
	verifier Verifier
	dir      Directory
	opts     Options
	logger   Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	conns    map[string]*Connection
	isClosed bool

	accepted          atomic.Int64
	rejected          atomic.Int64
	backpressureDrops atomic.Int64
	heartbeatTimeouts atomic.Int64
}

// NewManager creates a connection manager.
func NewManager(verifier Verifier, dir Directory, opts Options) *Manager {
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaultSendQueueSize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaultPongTimeout
	}
	return &Manager{
		verifier: verifier,
		dir:      dir,
		opts:     opts,
		logger:   noopLogger{},
		conns:    make(map[string]*Connection),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// SetMetrics attaches Prometheus collectors. Nil disables them.
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// Accept verifies credential and, on success, registers t as a streaming
// connection for the resulting user. On failure the transport is closed
// with ErrUnauthenticated and nothing is registered.
func (m *Manager) Accept(ctx context.Context, t Transport, credential string) (*Connection, error) {
	if m.verifier == nil {
		return m.reject(t, errors.New("no verifier configured"))
	}
	userID, err := m.verifier.Verify(ctx, credential)
	if err != nil {
		return m.reject(t, err)
	}
	if userID == "" {
		return m.reject(t, errors.New("empty user id"))
	}
	return m.Register(ctx, userID, t)
}

func (m *Manager) reject(t Transport, cause error) (*Connection, error) {
	m.rejected.Add(1)
	t.Close(ErrUnauthenticated) //nolint:errcheck // best effort
	m.logger.Debug("push connection rejected", "error", cause)
	return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, cause)
}

// Register attaches an already authenticated transport to userID, adds it
// to the directory and starts its pumps.
func (m *Manager) Register(_ context.Context, userID string, t Transport) (*Connection, error) {
	c := newConnection(uuid.NewString(), t, m.opts.SendQueueSize, m)
	c.userID = userID
	c.state.Store(int32(StateAuthenticated))

	m.mu.Lock()
	if m.isClosed {
		m.mu.Unlock()
		c.Close(ErrClosed)
		return nil, ErrClosed
	}
	m.conns[c.id] = c
	c.streaming = true
	c.state.Store(int32(StateStreaming))
	t.SetPongHandler(c.touch)
	// Added under m.mu: a connection in m.conns is always in the directory
	// until detach removes it from both.
	m.dir.Add(userID, c)
	m.mu.Unlock()

	m.accepted.Add(1)
	m.metrics.ConnectionOpened()
	m.logger.Debug("push connection streaming", "conn_id", c.id, "user_id", userID)

	go c.writePump(m.opts.PingInterval, m.opts.PingInterval+m.opts.PongTimeout)
	go c.readPump()
	return c, nil
}

// detach is called once per connection when it starts closing.
func (m *Manager) detach(c *Connection) {
	if c.userID != "" {
		m.dir.Remove(c.userID, c)
	}
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()

	if !c.streaming {
		return
	}
	m.metrics.ConnectionClosed()
	switch err := c.Err(); {
	case errors.Is(err, ErrBackpressure):
		m.backpressureDrops.Add(1)
		m.metrics.IncBackpressureDrop()
		m.logger.Warn("push connection dropped: outbound queue full",
			"conn_id", c.id, "user_id", c.userID)
	case errors.Is(err, ErrHeartbeatTimeout):
		m.heartbeatTimeouts.Add(1)
		m.metrics.IncHeartbeatTimeout()
		m.logger.Info("push connection heartbeat timeout",
			"conn_id", c.id, "user_id", c.userID)
	default:
		m.logger.Debug("push connection closing",
			"conn_id", c.id, "user_id", c.userID, "reason", err)
	}
}

// closed is called once the transport has been torn down.
func (m *Manager) closed(c *Connection) {
	m.logger.Debug("push connection closed",
		"conn_id", c.id, "duration", time.Since(c.openedAt).String())
}

// CloseUser closes every connection of userID and returns how many were
// closed.
func (m *Manager) CloseUser(userID string) int {
	var victims []*Connection
	m.mu.Lock()
	for _, c := range m.conns {
		if c.userID == userID {
			victims = append(victims, c)
		}
	}
	m.mu.Unlock()

	for _, c := range victims {
		c.Close(ErrClosed)
	}
	return len(victims)
}

// Count returns the number of open connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Shutdown refuses new connections, closes every open one and waits for
// them to reach StateClosed or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.isClosed = true
	victims := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		victims = append(victims, c)
	}
	m.mu.Unlock()

	for _, c := range victims {
		c.Close(ErrClosed)
	}
	for _, c := range victims {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Stats holds connection counters.
type Stats struct {
	Open              int   `json:"open"`
	Accepted          int64 `json:"accepted"`
	Rejected          int64 `json:"rejected"`
	BackpressureDrops int64 `json:"backpressure_drops"`
	HeartbeatTimeouts int64 `json:"heartbeat_timeouts"`
}

// GetStats returns connection counters.
func (m *Manager) GetStats() Stats {
	return Stats{
		Open:              m.Count(),
		Accepted:          m.accepted.Load(),
		Rejected:          m.rejected.Load(),
		BackpressureDrops: m.backpressureDrops.Load(),
		HeartbeatTimeouts: m.heartbeatTimeouts.Load(),
	}
}
