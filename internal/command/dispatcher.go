package command

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/iot-gateway/internal/account"
	"github.com/nerrad567/iot-gateway/internal/audit"
	"github.com/nerrad567/iot-gateway/internal/broker"
	"github.com/nerrad567/iot-gateway/internal/metrics"
)

const defaultAckQueueSize = 256

// Logger defines the logging interface used by the Dispatcher.
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

// OwnershipChecker answers whether a user owns a device.
type OwnershipChecker interface {
	IsOwnedBy(ctx context.Context, deviceID, userID string) (bool, error)
}

// Publisher sends a command body to a device.
type Publisher interface {
	PublishCommand(ctx context.Context, deviceID string, payload []byte) error
}

// Auditor records history events.
type Auditor interface {
	Create(ctx context.Context, event *audit.Event) error
}

// Options configures the Dispatcher.
type Options struct {
	// PublishRetries is how many times a TransportUnavailable publish is
	// retried. Zero leaves retry to the caller.
	PublishRetries int
	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration
	// IncludeCorrelationID adds "correlation_id" to the command body.
	IncludeCorrelationID bool
	// AckQueueSize bounds acks handed over by SubmitAck. Defaults to 256.
	AckQueueSize int
}

// Dispatcher checks ownership and publishes commands.
type Dispatcher struct {
	owners    OwnershipChecker
	publisher Publisher
	repo      Repository
	auditor   Auditor
	opts      Options
	logger    Logger
	metrics   *metrics.Metrics
	newID     func() string
	now       func() time.Time

	acks       chan broker.Ack
	ackDrops   atomic.Int64
	ackHandled atomic.Int64
}

// NewDispatcher creates a dispatcher. repo and auditor may be nil.
func NewDispatcher(owners OwnershipChecker, publisher Publisher, repo Repository, auditor Auditor, opts Options) *Dispatcher {
	if opts.PublishRetries < 0 {
		opts.PublishRetries = 0
	}
	if opts.AckQueueSize <= 0 {
		opts.AckQueueSize = defaultAckQueueSize
	}
	return &Dispatcher{
		owners:    owners,
		publisher: publisher,
		repo:      repo,
		auditor:   auditor,
		opts:      opts,
		logger:    noopLogger{},
		newID:     uuid.NewString,
		now:       time.Now,
		acks:      make(chan broker.Ack, opts.AckQueueSize),
	}
}

// SetLogger sets the logger for the dispatcher.
func (d *Dispatcher) SetLogger(logger Logger) {
	if logger != nil {
		d.logger = logger
	}
}

// SetMetrics attaches Prometheus collectors.
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// Dispatch verifies that userID owns deviceID and, if so, publishes the
// command. The returned error is nil only for OutcomeAccepted; otherwise
// it matches ErrForbidden, ErrDeviceUnknown or ErrTransportUnavailable, or
// is an ownership lookup failure.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, deviceID, action string, params map[string]any) (Result, error) {
	if action == "" {
		return Result{}, ErrInvalidCommand
	}

	owned, err := d.owners.IsOwnedBy(ctx, deviceID, userID)
	switch {
	case errors.Is(err, account.ErrDeviceNotFound):
		d.deny(ctx, userID, deviceID, action, "device unknown")
		d.metrics.IncCommand(metrics.ResultDeviceUnknown)
		return Result{Outcome: OutcomeDeviceUnknown}, ErrDeviceUnknown
	case err != nil:
		return Result{}, fmt.Errorf("checking ownership of %s: %w", deviceID, err)
	case !owned:
		d.deny(ctx, userID, deviceID, action, "not owner")
		d.metrics.IncCommand(metrics.ResultForbidden)
		return Result{Outcome: OutcomeForbidden}, ErrForbidden
	}

	req := Request{
		CorrelationID: d.newID(),
		UserID:        userID,
		DeviceID:      deviceID,
		Action:        action,
		Params:        params,
		RequestedAt:   d.now().UTC(),
	}

	var bodyID string
	if d.opts.IncludeCorrelationID {
		bodyID = req.CorrelationID
	}
	payload, err := BuildPayload(action, params, bodyID)
	if err != nil {
		return Result{}, fmt.Errorf("encoding command: %w", err)
	}

	d.logCreate(ctx, req)

	if err := d.publish(ctx, deviceID, payload); err != nil {
		d.logFailure(ctx, req, err)
		d.metrics.IncCommand(metrics.ResultTransportUnavailable)
		if !errors.Is(err, ErrTransportUnavailable) {
			err = fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
		}
		return Result{Outcome: OutcomeTransportUnavailable, CorrelationID: req.CorrelationID}, err
	}

	d.logSent(ctx, req)
	d.metrics.IncCommand(metrics.ResultAccepted)
	d.logger.Info("command dispatched",
		"correlation_id", req.CorrelationID,
		"device_id", deviceID,
		"user_id", userID,
		"action", action,
	)
	return Result{Outcome: OutcomeAccepted, CorrelationID: req.CorrelationID}, nil
}

// publish applies the retry policy: only TransportUnavailable is retried.
func (d *Dispatcher) publish(ctx context.Context, deviceID string, payload []byte) error {
	var err error
	for attempt := 0; attempt <= d.opts.PublishRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrTransportUnavailable, ctx.Err())
			case <-time.After(d.opts.RetryBackoff):
			}
			d.logger.Debug("retrying command publish", "device_id", deviceID, "attempt", attempt)
		}
		err = d.publisher.PublishCommand(ctx, deviceID, payload)
		if err == nil || !errors.Is(err, ErrTransportUnavailable) {
			return err
		}
	}
	return err
}

func (d *Dispatcher) deny(ctx context.Context, userID, deviceID, action, reason string) {
	d.logger.Warn("command denied",
		"device_id", deviceID,
		"user_id", userID,
		"action", action,
		"reason", reason,
	)
	d.audit(ctx, &audit.Event{
		EventType:   audit.EventCommandDenied,
		Description: fmt.Sprintf("Command '%s' denied for device %s: %s", action, deviceID, reason),
		DeviceID:    deviceID,
		PerformerID: userID,
	})
}

func (d *Dispatcher) logCreate(ctx context.Context, req Request) {
	if d.repo == nil {
		return
	}
	rec := &Record{
		ID:          req.CorrelationID,
		DeviceID:    req.DeviceID,
		PerformerID: req.UserID,
		Action:      req.Action,
		Params:      req.Params,
		CreatedAt:   req.RequestedAt,
	}
	if err := d.repo.Create(ctx, rec); err != nil {
		d.logger.Error("recording command", "correlation_id", req.CorrelationID, "error", err)
	}
}

func (d *Dispatcher) logSent(ctx context.Context, req Request) {
	if d.repo != nil {
		if err := d.repo.MarkSent(ctx, req.CorrelationID, d.now()); err != nil {
			d.logger.Debug("marking command sent", "correlation_id", req.CorrelationID, "error", err)
		}
	}
	d.audit(ctx, &audit.Event{
		EventType:   audit.EventCommandCreate,
		Description: fmt.Sprintf("Command '%s' created for device %s", req.Action, req.DeviceID),
		DeviceID:    req.DeviceID,
		PerformerID: req.UserID,
		RelatedID:   req.CorrelationID,
		Details:     req.Params,
	})
}

func (d *Dispatcher) logFailure(ctx context.Context, req Request, cause error) {
	d.logger.Warn("command publish failed",
		"correlation_id", req.CorrelationID,
		"device_id", req.DeviceID,
		"error", cause,
	)
	if d.repo != nil {
		if err := d.repo.MarkFailed(ctx, req.CorrelationID, cause.Error()); err != nil {
			d.logger.Debug("marking command failed", "correlation_id", req.CorrelationID, "error", err)
		}
	}
	d.audit(ctx, &audit.Event{
		EventType:   audit.EventCommandFailed,
		Description: fmt.Sprintf("Command '%s' for device %s not delivered", req.Action, req.DeviceID),
		DeviceID:    req.DeviceID,
		PerformerID: req.UserID,
		RelatedID:   req.CorrelationID,
		Details:     map[string]any{"error": cause.Error()},
	})
}

func (d *Dispatcher) audit(ctx context.Context, event *audit.Event) {
	if d.auditor == nil {
		return
	}
	if err := d.auditor.Create(context.WithoutCancel(ctx), event); err != nil {
		d.logger.Error("writing audit event", "event_type", event.EventType, "error", err)
	}
}

// HandleAck applies a device acknowledgement to the command log.
// Acks for unknown or already settled commands, or from a device other than
// the command's target, are logged and ignored.
func (d *Dispatcher) HandleAck(ctx context.Context, ack broker.Ack) {
	d.metrics.IncCommandAck(ack.Status)

	status := StatusExecuted
	if ack.Status == broker.AckFailed {
		status = StatusFailed
	}

	if d.repo != nil {
		err := d.repo.MarkAcked(ctx, ack.CorrelationID, ack.DeviceID, status, ack.Error, d.now())
		if errors.Is(err, ErrCommandNotFound) {
			d.logger.Debug("ack for unknown, settled or foreign command",
				"correlation_id", ack.CorrelationID,
				"device_id", ack.DeviceID,
			)
			return
		}
		if err != nil {
			d.logger.Error("recording ack", "correlation_id", ack.CorrelationID, "error", err)
			return
		}
	}

	d.logger.Info("command acknowledged",
		"correlation_id", ack.CorrelationID,
		"device_id", ack.DeviceID,
		"status", ack.Status,
	)
	event := &audit.Event{
		EventType:   audit.EventCommandAcked,
		Description: fmt.Sprintf("Device %s executed command", ack.DeviceID),
		DeviceID:    ack.DeviceID,
		RelatedID:   ack.CorrelationID,
	}
	if status == StatusFailed {
		event.EventType = audit.EventCommandFailed
		event.Description = fmt.Sprintf("Device %s reported command failure", ack.DeviceID)
		event.Details = map[string]any{"error": ack.Error}
	}
	d.audit(ctx, event)
}

// SubmitAck queues ack for RunAcks without blocking. The broker delivers
// messages on a single goroutine, so the database writes happen elsewhere.
// It reports false when the queue is full and the ack was dropped.
func (d *Dispatcher) SubmitAck(ack broker.Ack) bool {
	select {
	case d.acks <- ack:
		return true
	default:
		d.ackDrops.Add(1)
		d.logger.Debug("ack queue full, dropping",
			"correlation_id", ack.CorrelationID,
			"device_id", ack.DeviceID,
		)
		return false
	}
}

// RunAcks applies queued acks until ctx is cancelled.
func (d *Dispatcher) RunAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-d.acks:
			d.HandleAck(ctx, ack)
			d.ackHandled.Add(1)
		}
	}
}

// AckStats holds ack queue counters.
type AckStats struct {
	Handled int64 `json:"handled"`
	Dropped int64 `json:"dropped"`
	Queued  int   `json:"queued"`
}

// GetAckStats returns ack queue counters.
func (d *Dispatcher) GetAckStats() AckStats {
	return AckStats{
		Handled: d.ackHandled.Load(),
		Dropped: d.ackDrops.Load(),
		Queued:  len(d.acks),
	}
}

// Get returns the command log entry for correlationID if userID performed it.
// Commands of other users report ErrCommandNotFound.
func (d *Dispatcher) Get(ctx context.Context, userID, correlationID string) (*Record, error) {
	if d.repo == nil {
		return nil, ErrCommandNotFound
	}
	rec, err := d.repo.Get(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	if rec.PerformerID != userID {
		return nil, ErrCommandNotFound
	}
	return rec, nil
}
