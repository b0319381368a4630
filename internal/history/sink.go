// Package history adapts the telemetry router's history hand-off to the
// configured stores: InfluxDB for time-series queries and Kafka for
// downstream consumers.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/iot-gateway/internal/telemetry"
)

// ReadingsWriter stores one device's readings at a point in time.
type ReadingsWriter interface {
	WriteReadings(deviceID string, readings map[string]float64, ts time.Time) error
}

// Emitter publishes a keyed record.
type Emitter interface {
	Emit(ctx context.Context, key, value []byte) error
}

// InfluxSink records events as InfluxDB points.
type InfluxSink struct {
	w ReadingsWriter
}

// NewInfluxSink wraps w.
func NewInfluxSink(w ReadingsWriter) *InfluxSink {
	return &InfluxSink{w: w}
}

// Record implements telemetry.HistorySink.
func (s *InfluxSink) Record(_ context.Context, ev telemetry.Event) error {
	return s.w.WriteReadings(ev.DeviceID, ev.Floats(), ev.ReceivedAt)
}

// KafkaSink publishes each event's push envelope keyed by device id, so a
// consumer sees exactly what subscribers saw.
type KafkaSink struct {
	e Emitter
}

// NewKafkaSink wraps e.
func NewKafkaSink(e Emitter) *KafkaSink {
	return &KafkaSink{e: e}
}

// Record implements telemetry.HistorySink.
func (s *KafkaSink) Record(ctx context.Context, ev telemetry.Event) error {
	value, err := telemetry.Encode(ev)
	if err != nil {
		return err
	}
	return s.e.Emit(ctx, []byte(ev.DeviceID), value)
}

// Multi records to every sink and joins their errors.
type Multi []telemetry.HistorySink

// Record implements telemetry.HistorySink.
func (m Multi) Record(ctx context.Context, ev telemetry.Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
