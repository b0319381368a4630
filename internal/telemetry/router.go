package telemetry

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/iot-gateway/internal/account"
	"github.com/nerrad567/iot-gateway/internal/metrics"
)

const (
	defaultWorkers          = 4
	defaultQueueSize        = 1024
	defaultHistoryQueueSize = 4096
	defaultLookupTimeout    = 2 * time.Second
	historyWriteTimeout     = 5 * time.Second

	// lookupWarnInterval spaces out warnings while the account store is
	// failing; the rest are counted in the next warning.
	lookupWarnInterval = 10 * time.Second
)

// Logger defines the logging interface used by the Router.
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

// OwnerResolver resolves device ownership and records activity.
type OwnerResolver interface {
	ResolveOwner(ctx context.Context, deviceID string) (string, error)
	TouchLiveness(deviceID string, ts time.Time)
}

// Fanout delivers an encoded envelope to every connection of a user.
type Fanout interface {
	Fanout(userID string, msg []byte) int
}

// HistorySink stores a copy of routed events.
type HistorySink interface {
	Record(ctx context.Context, ev Event) error
}

// Options configures the Router. Zero values take defaults.
type Options struct {
	// Workers is the number of ordered lanes. Events for one device always
	// use the same lane.
	Workers int
	// QueueSize bounds each lane.
	QueueSize int
	// HistoryQueueSize bounds the history hand-off.
	HistoryQueueSize int
	// LookupTimeout bounds one ownership lookup.
	LookupTimeout time.Duration
}

// Router resolves the owner of each event and fans the encoded envelope out
// to that owner's connections. Submit never blocks: a full lane drops the
// event and counts it.
type Router struct {
	owners  OwnerResolver
	fanout  Fanout
	history HistorySink
	opts    Options
	latest  *LatestReadings
	logger  Logger
	metrics *metrics.Metrics
	now     func() time.Time

	lanes     []chan Event
	historyCh chan Event

	routed       atomic.Int64
	dropped      atomic.Int64
	misses       atomic.Int64
	lookupErrors atomic.Int64
	delivered    atomic.Int64
	historyDrops atomic.Int64

	lastLookupWarn  atomic.Int64
	suppressedWarns atomic.Int64
}

// NewRouter creates a router. Call Run to start its workers.
func NewRouter(owners OwnerResolver, fanout Fanout, opts Options) *Router {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.HistoryQueueSize <= 0 {
		opts.HistoryQueueSize = defaultHistoryQueueSize
	}
	if opts.LookupTimeout <= 0 {
		opts.LookupTimeout = defaultLookupTimeout
	}

	r := &Router{
		owners: owners,
		fanout: fanout,
		opts:   opts,
		logger: noopLogger{},
		now:    time.Now,
		lanes:  make([]chan Event, opts.Workers),
	}
	for i := range r.lanes {
		r.lanes[i] = make(chan Event, opts.QueueSize)
	}
	return r
}

// SetLogger sets the logger for the router.
func (r *Router) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// SetMetrics attaches Prometheus collectors.
func (r *Router) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// SetHistory attaches a history sink. Must be called before Run.
func (r *Router) SetHistory(sink HistorySink) {
	r.history = sink
	if sink != nil && r.historyCh == nil {
		r.historyCh = make(chan Event, r.opts.HistoryQueueSize)
	}
}

// SetLatest attaches the latest-readings store fed by routed events.
// Must be called before Run.
func (r *Router) SetLatest(l *LatestReadings) {
	r.latest = l
}

func (r *Router) laneFor(deviceID string) chan Event {
	if len(r.lanes) == 1 {
		return r.lanes[0]
	}
	h := fnv.New32a()
	h.Write([]byte(deviceID))                      //nolint:errcheck // hash.Hash never returns an error
	return r.lanes[h.Sum32()%uint32(len(r.lanes))] //nolint:gosec // lane count is small and positive
}

// Submit hands ev to its lane. It reports false when the lane is full and
// the event was dropped.
func (r *Router) Submit(ev Event) bool {
	select {
	case r.laneFor(ev.DeviceID) <- ev:
		return true
	default:
		r.dropped.Add(1)
		r.metrics.IncRouterDrop()
		return false
	}
}

// Run starts the lane workers and blocks until ctx is cancelled and every
// worker has returned. Events still queued at cancellation are discarded.
func (r *Router) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, lane := range r.lanes {
		wg.Add(1)
		go func(lane chan Event) {
			defer wg.Done()
			r.work(ctx, lane)
		}(lane)
	}
	if r.historyCh != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.recordHistory(ctx)
		}()
	}

	r.logger.Info("telemetry router started", "workers", len(r.lanes), "queue_size", r.opts.QueueSize)
	wg.Wait()
	r.logger.Info("telemetry router stopped")
}

func (r *Router) work(ctx context.Context, lane chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-lane:
			r.Route(ctx, ev)
		}
	}
}

// Route processes one event synchronously: resolve owner, record liveness,
// encode once, fan out, then hand a copy to history.
func (r *Router) Route(ctx context.Context, ev Event) {
	lookupCtx, cancel := context.WithTimeout(ctx, r.opts.LookupTimeout)
	owner, err := r.owners.ResolveOwner(lookupCtx, ev.DeviceID)
	cancel()

	switch {
	case errors.Is(err, account.ErrDeviceNotFound):
		r.misses.Add(1)
		r.metrics.IncOwnershipMiss()
		if r.latest != nil {
			r.latest.Forget(ev.DeviceID)
		}
		return
	case err != nil:
		r.lookupErrors.Add(1)
		r.warnLookupFailure(ev.DeviceID, err)
		return
	}

	r.owners.TouchLiveness(ev.DeviceID, ev.ReceivedAt)
	if r.latest != nil {
		r.latest.Record(ev)
	}

	payload, err := Encode(ev)
	if err != nil {
		r.logger.Error("encoding envelope", "device_id", ev.DeviceID, "error", err)
		return
	}

	n := r.fanout.Fanout(owner, payload)
	r.routed.Add(1)
	r.delivered.Add(int64(n))
	r.metrics.AddDeliveries(n)

	if r.historyCh != nil {
		select {
		case r.historyCh <- ev:
		default:
			r.historyDrops.Add(1)
			r.metrics.IncHistoryDrop()
		}
	}
}

// warnLookupFailure logs at most one warning per lookupWarnInterval.
func (r *Router) warnLookupFailure(deviceID string, err error) {
	now := r.now().UnixNano()
	last := r.lastLookupWarn.Load()
	if last != 0 && now-last < int64(lookupWarnInterval) {
		r.suppressedWarns.Add(1)
		return
	}
	if !r.lastLookupWarn.CompareAndSwap(last, now) {
		r.suppressedWarns.Add(1)
		return
	}
	r.logger.Warn("ownership lookup failed, dropping telemetry",
		"device_id", deviceID,
		"error", err,
		"suppressed", r.suppressedWarns.Swap(0),
	)
}

func (r *Router) recordHistory(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.historyCh:
			writeCtx, cancel := context.WithTimeout(ctx, historyWriteTimeout)
			err := r.history.Record(writeCtx, ev)
			cancel()
			if err != nil {
				r.metrics.IncHistoryError()
				r.logger.Debug("history write failed", "device_id", ev.DeviceID, "error", err)
			}
		}
	}
}

// Stats holds router counters.
type Stats struct {
	Routed        int64 `json:"routed"`
	QueueDrops    int64 `json:"queue_drops"`
	OwnerMisses   int64 `json:"owner_misses"`
	LookupErrors  int64 `json:"lookup_errors"`
	Delivered     int64 `json:"delivered"`
	HistoryDrops  int64 `json:"history_drops"`
	QueuedNow     int   `json:"queued_now"`
	QueueCapacity int   `json:"queue_capacity"`
}

// GetStats returns current router statistics.
func (r *Router) GetStats() Stats {
	s := Stats{
		Routed:        r.routed.Load(),
		QueueDrops:    r.dropped.Load(),
		OwnerMisses:   r.misses.Load(),
		LookupErrors:  r.lookupErrors.Load(),
		Delivered:     r.delivered.Load(),
		HistoryDrops:  r.historyDrops.Load(),
		QueueCapacity: len(r.lanes) * r.opts.QueueSize,
	}
	for _, lane := range r.lanes {
		s.QueuedNow += len(lane)
	}
	return s
}
