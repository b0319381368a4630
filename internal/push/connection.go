package push

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
)

// State is a connection lifecycle state.
type State int32

// Connection states.
const (
	StateConnecting State = iota
	StateAuthenticated
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is a message-oriented, full-duplex channel to one client.
type Transport interface {
	// ReadMessage blocks until the next application message arrives or the
	// transport fails or closes.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one application message.
	WriteMessage(data []byte) error
	// WritePing sends a heartbeat ping.
	WritePing() error
	// SetPongHandler registers fn to run when the peer answers a ping.
	SetPongHandler(fn func())
	// Close ends the transport, telling the peer why when possible.
	Close(reason error) error
}

// Inbound application messages.
const (
	msgTypePing = "ping"
	msgTypePong = "pong"
)

var pongMessage = []byte(`{"type":"pong"}`)

type inboundMessage struct {
	Type string `json:"type"`
}

// Connection is one push connection. It implements subscriber.Conn.
type Connection struct {
	id        string
	userID    string
	transport Transport
	mgr       *Manager

	queue   chan []byte
	closing chan struct{}
	done    chan struct{}

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos
	openedAt     time.Time
	streaming    bool // set once by the manager before pumps start

	closeOnce sync.Once
	mu        sync.Mutex
	reason    error
}

func newConnection(id string, t Transport, queueSize int, mgr *Manager) *Connection {
	c := &Connection{
		id:        id,
		transport: t,
		mgr:       mgr,
		queue:     make(chan []byte, queueSize),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		openedAt:  time.Now(),
	}
	c.state.Store(int32(StateConnecting))
	c.touch()
	return c
}

// ID returns the connection id.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user, or "" before authentication.
func (c *Connection) UserID() string { return c.userID }

// State returns the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Done is closed once the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Err returns the close reason, or nil while open.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Enqueue offers msg to the outbound queue without blocking. It reports
// false when the queue is full or the connection is closing.
func (c *Connection) Enqueue(msg []byte) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.queue <- msg:
		return true
	default:
		return false
	}
}

// QueueLen returns the number of messages waiting to be written.
func (c *Connection) QueueLen() int { return len(c.queue) }

// Close moves the connection to Closing, removes it from the subscriber
// directory, and lets the writer tear the transport down. It never blocks
// on the network and is safe to call any number of times from any
// goroutine.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()

		c.state.Store(int32(StateClosing))
		c.mgr.detach(c)
		close(c.closing)

		if !c.streaming {
			// No writer goroutine to finish the job.
			c.finish()
		}
	})
}

// finish closes the transport and marks the connection Closed.
func (c *Connection) finish() {
	c.transport.Close(c.Err()) //nolint:errcheck // peer may already be gone
	c.state.Store(int32(StateClosed))
	c.mgr.closed(c)
	close(c.done)
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Connection) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

// readPump consumes inbound messages until the transport fails.
func (c *Connection) readPump() {
	for {
		data, err := c.transport.ReadMessage()
		if err != nil {
			c.Close(err)
			return
		}
		c.touch()
		c.handleMessage(data)
	}
}

func (c *Connection) handleMessage(data []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Type == msgTypePing {
		c.Enqueue(pongMessage)
	}
}

// writePump drains the queue and runs the heartbeat. It owns transport
// teardown once the connection is streaming.
func (c *Connection) writePump(pingInterval, heartbeatTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.finish()
	}()

	for {
		select {
		case <-c.closing:
			return
		case msg := <-c.queue:
			if err := c.transport.WriteMessage(msg); err != nil {
				c.Close(err)
				return
			}
		case now := <-ticker.C:
			if c.idleFor(now) > heartbeatTimeout {
				c.Close(ErrHeartbeatTimeout)
				return
			}
			if err := c.transport.WritePing(); err != nil {
				c.Close(err)
				return
			}
		}
	}
}
