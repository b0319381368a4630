package telemetry

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Reading is the last value seen for one reading name.
type Reading struct {
	Value     json.Number `json:"value"`
	Timestamp string      `json:"timestamp"`
	at        time.Time
}

// LatestReadings keeps the most recent value of every reading per device,
// for the REST device view. The router records only events whose owner
// resolved, so the map is bounded by the registered devices that report.
type LatestReadings struct {
	mu      sync.RWMutex
	devices map[string]map[string]Reading
}

// NewLatestReadings creates an empty store.
func NewLatestReadings() *LatestReadings {
	return &LatestReadings{devices: make(map[string]map[string]Reading)}
}

// Record merges ev into the device's readings. A value older than the one
// held is ignored.
func (l *LatestReadings) Record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	readings, ok := l.devices[ev.DeviceID]
	if !ok {
		readings = make(map[string]Reading, len(ev.Readings))
		l.devices[ev.DeviceID] = readings
	}
	ts := ev.ReceivedAt.UTC()
	for name, v := range ev.Readings {
		if prev, ok := readings[name]; ok && prev.at.After(ts) {
			continue
		}
		readings[name] = Reading{Value: v, Timestamp: ts.Format(TimestampLayout), at: ts}
	}
}

// Get returns a copy of the device's latest readings.
func (l *LatestReadings) Get(deviceID string) (map[string]Reading, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	readings, ok := l.devices[deviceID]
	if !ok {
		return nil, false
	}
	out := make(map[string]Reading, len(readings))
	for k, v := range readings {
		out[k] = v
	}
	return out, true
}

// Forget drops everything held for deviceID.
func (l *LatestReadings) Forget(deviceID string) {
	l.mu.Lock()
	delete(l.devices, deviceID)
	l.mu.Unlock()
}

// Len returns the number of devices held.
func (l *LatestReadings) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.devices)
}
