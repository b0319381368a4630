// Package subscriber maps users to their live push connections and fans
// telemetry envelopes out to them.
//
// The directory is split into buckets keyed by a hash of the user id. Each
// bucket has its own lock, so fan-out for one user never waits on
// registrations for users in other buckets.
package subscriber

import (
	"errors"
	"hash/fnv"
	"sync"
)

const bucketCount = 64

// ErrBackpressure is passed to Conn.Close when a connection's outbound
// queue rejects a message during fan-out.
var ErrBackpressure = errors.New("subscriber: outbound queue full")

// Conn is a push connection as seen by the directory.
type Conn interface {
	// ID uniquely identifies the connection.
	ID() string
	// Enqueue offers msg to the connection's outbound queue without
	// blocking. It reports false when the queue is full or closed.
	Enqueue(msg []byte) bool
	// Close terminates the connection with the given reason.
	Close(reason error)
}

type bucket struct {
	mu    sync.RWMutex
	users map[string]map[string]Conn // user id -> conn id -> conn
}

// Directory tracks which connections belong to which user.
type Directory struct {
	buckets [bucketCount]*bucket
	onEvict func(userID string, c Conn)
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	d := &Directory{}
	for i := range d.buckets {
		d.buckets[i] = &bucket{users: make(map[string]map[string]Conn)}
	}
	return d
}

// OnEvict registers a hook called after a connection is removed for
// backpressure. Must be set before the directory is shared.
func (d *Directory) OnEvict(fn func(userID string, c Conn)) {
	d.onEvict = fn
}

func (d *Directory) bucketFor(userID string) *bucket {
	h := fnv.New32a()
	h.Write([]byte(userID)) //nolint:errcheck // hash.Hash never returns an error
	return d.buckets[h.Sum32()%bucketCount]
}

// Add registers c under userID. Adding the same connection twice is a no-op.
func (d *Directory) Add(userID string, c Conn) {
	b := d.bucketFor(userID)
	b.mu.Lock()
	conns, ok := b.users[userID]
	if !ok {
		conns = make(map[string]Conn)
		b.users[userID] = conns
	}
	conns[c.ID()] = c
	b.mu.Unlock()
}

// Remove unregisters c from userID. It reports whether c was present, so
// repeated removals are harmless and counts stay exact.
func (d *Directory) Remove(userID string, c Conn) bool {
	b := d.bucketFor(userID)
	b.mu.Lock()
	defer b.mu.Unlock()

	conns, ok := b.users[userID]
	if !ok {
		return false
	}
	if _, ok := conns[c.ID()]; !ok {
		return false
	}
	delete(conns, c.ID())
	if len(conns) == 0 {
		delete(b.users, userID)
	}
	return true
}

// Fanout offers msg to every connection of userID and returns how many
// accepted it. Connections whose queue is full are removed and closed with
// ErrBackpressure; their siblings are not delayed.
func (d *Directory) Fanout(userID string, msg []byte) int {
	conns := d.Connections(userID)
	if len(conns) == 0 {
		return 0
	}

	delivered := 0
	var rejected []Conn
	for _, c := range conns {
		if c.Enqueue(msg) {
			delivered++
			continue
		}
		rejected = append(rejected, c)
	}

	for _, c := range rejected {
		if d.Remove(userID, c) {
			c.Close(ErrBackpressure)
			if d.onEvict != nil {
				d.onEvict(userID, c)
			}
		}
	}
	return delivered
}

// Connections returns a snapshot of userID's connections.
func (d *Directory) Connections(userID string) []Conn {
	b := d.bucketFor(userID)
	b.mu.RLock()
	defer b.mu.RUnlock()

	conns := b.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Conn, 0, len(conns))
	for _, c := range conns {
		out = append(out, c)
	}
	return out
}

// Count returns the number of connections registered for userID.
func (d *Directory) Count(userID string) int {
	b := d.bucketFor(userID)
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.users[userID])
}

// Total returns the number of registered connections across all users.
func (d *Directory) Total() int {
	total := 0
	for _, b := range d.buckets {
		b.mu.RLock()
		for _, conns := range b.users {
			total += len(conns)
		}
		b.mu.RUnlock()
	}
	return total
}

// Users returns the number of users with at least one connection.
func (d *Directory) Users() int {
	n := 0
	for _, b := range d.buckets {
		b.mu.RLock()
		n += len(b.users)
		b.mu.RUnlock()
	}
	return n
}
