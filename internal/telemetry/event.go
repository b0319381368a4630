// Package telemetry routes device readings from the broker to the push
// connections of the device's owner.
package telemetry

import (
	"time"

	"github.com/goccy/go-json"
)

// TimestampLayout is the ISO-8601 form used in push envelopes.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Event is one decoded telemetry message. Readings keep the literal number
// text the device sent, so integers beyond float64 precision survive.
type Event struct {
	DeviceID   string
	Readings   map[string]json.Number
	ReceivedAt time.Time
}

// Floats returns the readings as float64 for numeric stores. Readings that
// do not parse are skipped.
func (ev Event) Floats() map[string]float64 {
	out := make(map[string]float64, len(ev.Readings))
	for k, n := range ev.Readings {
		f, err := n.Float64()
		if err != nil {
			continue
		}
		out[k] = f
	}
	return out
}

// Envelope is the message pushed to subscribers.
type Envelope struct {
	DeviceID  string                 `json:"device_id"`
	Data      map[string]json.Number `json:"data"`
	Timestamp string                 `json:"timestamp"`
}

// NewEnvelope builds the push envelope for ev.
func NewEnvelope(ev Event) Envelope {
	return Envelope{
		DeviceID:  ev.DeviceID,
		Data:      ev.Readings,
		Timestamp: ev.ReceivedAt.UTC().Format(TimestampLayout),
	}
}

// Encode returns the JSON push envelope for ev.
func Encode(ev Event) ([]byte, error) {
	return json.Marshal(NewEnvelope(ev))
}
