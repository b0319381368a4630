package device

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nerrad567/iot-gateway/internal/account"
)

const (
	shardCount = 32

	defaultCacheTTL      = 60 * time.Second
	defaultMissTTL       = 30 * time.Second
	defaultLookupTimeout = 2 * time.Second
	defaultFlushInterval = 5 * time.Second
	defaultMaxPending    = 4096 // per shard
)

// Logger defines the logging interface used by the Registry.
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

// Store is the subset of account.Store the registry reads and writes.
type Store interface {
	GetDevice(ctx context.Context, id string) (*account.Device, error)
	ListDevices(ctx context.Context, userID string) ([]account.Device, error)
	MarkSeen(ctx context.Context, id string, ts time.Time) error
}

// Options configures cache lifetimes and the liveness flusher.
// Zero values take defaults.
type Options struct {
	CacheTTL      time.Duration
	MissTTL       time.Duration
	LookupTimeout time.Duration
	FlushInterval time.Duration
	MaxPending    int
}

func (o *Options) applyDefaults() {
	if o.CacheTTL <= 0 {
		o.CacheTTL = defaultCacheTTL
	}
	if o.MissTTL <= 0 {
		o.MissTTL = defaultMissTTL
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = defaultLookupTimeout
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = defaultFlushInterval
	}
	if o.MaxPending <= 0 {
		o.MaxPending = defaultMaxPending
	}
}

type entry struct {
	ownerID  string
	found    bool
	expires  time.Time
	lastSeen time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
	pending map[string]time.Time
	// gen is bumped by Invalidate. A lookup started under an older gen
	// must not write its result back.
	gen uint64
}

// Registry resolves device ownership through a sharded TTL cache in front
// of the account store.
//
// All public methods are thread-safe.
type Registry struct {
	store  Store
	opts   Options
	shards [shardCount]*shard
	group  singleflight.Group
	logger Logger
	now    func() time.Time

	hits     atomic.Int64
	misses   atomic.Int64
	lookups  atomic.Int64
	dropped  atomic.Int64
	flushed  atomic.Int64
	flushErr atomic.Int64
	evicted  atomic.Int64
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, opts Options) *Registry {
	opts.applyDefaults()
	r := &Registry{
		store:  store,
		opts:   opts,
		logger: noopLogger{},
		now:    time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{
			entries: make(map[string]*entry),
			pending: make(map[string]time.Time),
		}
	}
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

func shardIndex(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id)) //nolint:errcheck // hash.Hash never returns an error
	return int(h.Sum32() % shardCount)
}

func (r *Registry) shardFor(id string) *shard {
	return r.shards[shardIndex(id)]
}

func (s *shard) generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// ResolveOwner returns the id of the user owning deviceID, or
// ErrDeviceNotFound if the device is not registered.
func (r *Registry) ResolveOwner(ctx context.Context, deviceID string) (string, error) {
	s := r.shardFor(deviceID)
	now := r.now()

	s.mu.RLock()
	e, ok := s.entries[deviceID]
	var owner string
	var found, fresh bool
	if ok {
		owner, found, fresh = e.ownerID, e.found, now.Before(e.expires)
	}
	s.mu.RUnlock()

	if fresh {
		r.hits.Add(1)
		if !found {
			return "", ErrDeviceNotFound
		}
		return owner, nil
	}

	r.misses.Add(1)
	return r.fill(ctx, deviceID)
}

// fill loads one device from the store. Concurrent fills for the same id
// share a single query; the caller may give up early through ctx without
// cancelling the shared query. A result that raced with Invalidate is
// returned to its callers but not cached.
func (r *Registry) fill(ctx context.Context, deviceID string) (string, error) {
	ch := r.group.DoChan(deviceID, func() (any, error) {
		r.lookups.Add(1)
		gen := r.shardFor(deviceID).generation()
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.LookupTimeout)
		defer cancel()

		d, err := r.store.GetDevice(lookupCtx, deviceID)
		switch {
		case errors.Is(err, account.ErrDeviceNotFound):
			r.storeMiss(deviceID, gen)
			return "", ErrDeviceNotFound
		case err != nil:
			return "", fmt.Errorf("looking up device %s: %w", deviceID, err)
		}
		r.storeOwner(deviceID, d.OwnerID, gen)
		return d.OwnerID, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil //nolint:forcetypeassert // fill only returns strings
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Registry) storeOwner(deviceID, ownerID string, gen uint64) {
	s := r.shardFor(deviceID)
	expires := r.now().Add(r.opts.CacheTTL)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if e, ok := s.entries[deviceID]; ok {
		e.ownerID, e.found, e.expires = ownerID, true, expires
	} else {
		s.entries[deviceID] = &entry{ownerID: ownerID, found: true, expires: expires}
	}
	s.mu.Unlock()
}

// storeMiss negative-caches deviceID. The warning is logged only when a new
// miss window opens.
func (r *Registry) storeMiss(deviceID string, gen uint64) {
	s := r.shardFor(deviceID)
	now := r.now()

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	e, ok := s.entries[deviceID]
	opened := !ok || e.found || !now.Before(e.expires)
	if ok {
		e.ownerID, e.found, e.expires = "", false, now.Add(r.opts.MissTTL)
	} else {
		s.entries[deviceID] = &entry{expires: now.Add(r.opts.MissTTL)}
	}
	s.mu.Unlock()

	if opened {
		r.logger.Warn("telemetry from unregistered device, dropping",
			"device_id", deviceID,
			"suppress_for", r.opts.MissTTL.String(),
		)
	}
}

// IsOwnedBy reports whether userID owns deviceID. It returns
// ErrDeviceNotFound for unregistered devices so callers can tell
// "not yours" from "does not exist".
func (r *Registry) IsOwnedBy(ctx context.Context, deviceID, userID string) (bool, error) {
	owner, err := r.ResolveOwner(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return owner == userID, nil
}

// Invalidate drops any cached result for deviceID. Lookups already in
// flight do not write their result back.
func (r *Registry) Invalidate(deviceID string) {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	delete(s.entries, deviceID)
	s.gen++
	s.mu.Unlock()
	r.group.Forget(deviceID)
}

// TouchLiveness records that deviceID was active at ts. It never blocks on
// I/O and never fails; when the shard's pending set is full the mark is
// dropped.
func (r *Registry) TouchLiveness(deviceID string, ts time.Time) {
	s := r.shardFor(deviceID)

	s.mu.Lock()
	if e, ok := s.entries[deviceID]; ok && ts.After(e.lastSeen) {
		e.lastSeen = ts
	}
	if prev, ok := s.pending[deviceID]; ok {
		if ts.After(prev) {
			s.pending[deviceID] = ts
		}
	} else if len(s.pending) < r.opts.MaxPending {
		s.pending[deviceID] = ts
	} else {
		r.dropped.Add(1)
	}
	s.mu.Unlock()
}

// LastSeen returns the last activity time recorded in memory for deviceID.
func (r *Registry) LastSeen(deviceID string) (time.Time, bool) {
	s := r.shardFor(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[deviceID]
	if !ok || e.lastSeen.IsZero() {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

// Run flushes liveness marks every FlushInterval until ctx is cancelled,
// then performs a final flush.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.LookupTimeout)
			r.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			r.Flush(ctx)
			r.Sweep()
		}
	}
}

// Flush writes every pending liveness mark to the store. Failures are
// logged and the marks are discarded.
func (r *Registry) Flush(ctx context.Context) {
	for _, s := range r.shards {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			continue
		}
		batch := s.pending
		s.pending = make(map[string]time.Time, len(batch))
		s.mu.Unlock()

		for id, ts := range batch {
			if err := r.store.MarkSeen(ctx, id, ts); err != nil {
				r.flushErr.Add(1)
				r.logger.Debug("liveness write failed", "device_id", id, "error", err)
				continue
			}
			r.flushed.Add(1)
		}
	}
}

// Sweep drops expired entries that have no liveness mark waiting to be
// flushed, and returns how many were removed. Run calls it after every
// flush, so the cache only holds devices seen within the last TTL.
func (r *Registry) Sweep() int {
	now := r.now()
	removed := 0
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.entries {
			if now.Before(e.expires) {
				continue
			}
			if _, ok := s.pending[id]; ok {
				continue
			}
			delete(s.entries, id)
			removed++
		}
		s.mu.Unlock()
	}
	r.evicted.Add(int64(removed))
	return removed
}

// ListDevices returns the devices owned by userID and refreshes their
// cached ownership.
func (r *Registry) ListDevices(ctx context.Context, userID string) ([]account.Device, error) {
	var gens [shardCount]uint64
	for i, s := range r.shards {
		gens[i] = s.generation()
	}

	devices, err := r.store.ListDevices(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	for i := range devices {
		id := devices[i].ID
		r.storeOwner(id, devices[i].OwnerID, gens[shardIndex(id)])
	}
	return devices, nil
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	Entries         int   `json:"entries"`
	NegativeEntries int   `json:"negative_entries"`
	PendingMarks    int   `json:"pending_marks"`
	Hits            int64 `json:"hits"`
	Misses          int64 `json:"misses"`
	StoreLookups    int64 `json:"store_lookups"`
	MarksDropped    int64 `json:"marks_dropped"`
	MarksFlushed    int64 `json:"marks_flushed"`
	FlushErrors     int64 `json:"flush_errors"`
	Evicted         int64 `json:"evicted"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	stats := Stats{
		Hits:         r.hits.Load(),
		Misses:       r.misses.Load(),
		StoreLookups: r.lookups.Load(),
		MarksDropped: r.dropped.Load(),
		MarksFlushed: r.flushed.Load(),
		FlushErrors:  r.flushErr.Load(),
		Evicted:      r.evicted.Load(),
	}
	for _, s := range r.shards {
		s.mu.RLock()
		stats.Entries += len(s.entries)
		for _, e := range s.entries {
			if !e.found {
				stats.NegativeEntries++
			}
		}
		stats.PendingMarks += len(s.pending)
		s.mu.RUnlock()
	}
	return stats
}
