// Package broker adapts the MQTT session to the gateway's telemetry and
// command flows: it decodes device data messages into telemetry events and
// publishes commands on the per-device command topic.
package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/nerrad567/iot-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/iot-gateway/internal/metrics"
	"github.com/nerrad567/iot-gateway/internal/telemetry"
)

var (
	// ErrDecode is returned for data messages with a malformed topic or a
	// payload that is not a non-empty JSON object of numbers.
	ErrDecode = errors.New("broker: malformed telemetry message")

	// ErrTransportUnavailable is returned when the broker session is down
	// or a publish was not acknowledged.
	ErrTransportUnavailable = errors.New("broker: transport unavailable")

	// ErrInvalidDeviceID is returned for ids that cannot form a topic.
	ErrInvalidDeviceID = errors.New("broker: invalid device id")
)

// Client is the MQTT session used by the adapter.
type Client interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Logger defines the logging interface used by the Adapter.
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

// Adapter translates between MQTT messages and gateway types.
type Adapter struct {
	client  Client
	qos     byte
	topics  mqtt.Topics
	logger  Logger
	metrics *metrics.Metrics
	now     func() time.Time

	received     atomic.Int64
	decodeErrors atomic.Int64
}

// NewAdapter creates an adapter publishing and subscribing at qos.
func NewAdapter(client Client, qos byte) *Adapter {
	return &Adapter{
		client: client,
		qos:    qos,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger for the adapter.
func (a *Adapter) SetLogger(logger Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// SetMetrics attaches Prometheus collectors.
func (a *Adapter) SetMetrics(m *metrics.Metrics) {
	a.metrics = m
}

// SubscribeAll subscribes to every device's data topic and calls onEvent for
// each well-formed message. Malformed messages are counted and dropped.
// onEvent runs on the MQTT delivery goroutine and must not block.
func (a *Adapter) SubscribeAll(onEvent func(telemetry.Event)) error {
	topic := a.topics.AllDeviceData()
	err := a.client.Subscribe(topic, a.qos, func(topic string, payload []byte) error {
		a.received.Add(1)
		a.metrics.IncBrokerMessage()

		ev, err := Decode(topic, payload, a.now())
		if err != nil {
			a.decodeErrors.Add(1)
			a.metrics.IncDecodeError()
			a.logger.Debug("dropping malformed telemetry", "topic", topic, "error", err)
			return nil
		}
		onEvent(ev)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	a.logger.Info("subscribed to device telemetry", "topic", topic, "qos", a.qos)
	return nil
}

// Decode turns one data message into a telemetry event.
func Decode(topic string, payload []byte, receivedAt time.Time) (telemetry.Event, error) {
	deviceID, kind, ok := mqtt.ParseDeviceTopic(topic)
	if !ok || kind != mqtt.KindData {
		return telemetry.Event{}, fmt.Errorf("%w: unexpected topic %q", ErrDecode, topic)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return telemetry.Event{}, fmt.Errorf("%w: %v", ErrDecode, err) //nolint:errorlint // decode cause is informational
	}
	if len(raw) == 0 {
		return telemetry.Event{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	readings := make(map[string]json.Number, len(raw))
	for k, v := range raw {
		n, ok := numberLiteral(v)
		if !ok {
			return telemetry.Event{}, fmt.Errorf("%w: reading %q is not a number", ErrDecode, k)
		}
		readings[k] = n
	}

	return telemetry.Event{
		DeviceID:   deviceID,
		Readings:   readings,
		ReceivedAt: receivedAt.UTC(),
	}, nil
}

// numberLiteral accepts a bare JSON number that fits a float64. Quoted
// numbers are strings and are rejected.
func numberLiteral(raw json.RawMessage) (json.Number, bool) {
	lit := bytes.TrimSpace(raw)
	if len(lit) == 0 || (lit[0] != '-' && (lit[0] < '0' || lit[0] > '9')) {
		return "", false
	}
	n := json.Number(lit)
	if _, err := n.Float64(); err != nil {
		return "", false
	}
	return n, true
}

// PublishCommand publishes payload on the device's command topic. It returns
// ErrTransportUnavailable without publishing when the session is down, and
// wraps any publish failure in it.
func (a *Adapter) PublishCommand(ctx context.Context, deviceID string, payload []byte) error {
	if deviceID == "" || strings.ContainsAny(deviceID, "/+#") {
		return fmt.Errorf("%w: %q", ErrInvalidDeviceID, deviceID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.client.IsConnected() {
		return ErrTransportUnavailable
	}

	topic := a.topics.DeviceCommand(deviceID)
	if err := a.client.Publish(topic, payload, a.qos, false); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	a.logger.Debug("command published", "topic", topic, "bytes", len(payload))
	return nil
}

// IsConnected reports whether the broker session is up.
func (a *Adapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Stats holds adapter counters.
type Stats struct {
	Received     int64 `json:"received"`
	DecodeErrors int64 `json:"decode_errors"`
	Connected    bool  `json:"connected"`
	Reconnects   int64 `json:"reconnects"`
}

// GetStats returns current adapter statistics.
func (a *Adapter) GetStats() Stats {
	s := Stats{
		Received:     a.received.Load(),
		DecodeErrors: a.decodeErrors.Load(),
		Connected:    a.client.IsConnected(),
	}
	if rc, ok := a.client.(interface{ ReconnectAttempts() int64 }); ok {
		s.Reconnects = rc.ReconnectAttempts()
	}
	return s
}
