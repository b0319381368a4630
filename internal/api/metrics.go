package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/iot-gateway/internal/broker"
	"github.com/nerrad567/iot-gateway/internal/command"
	"github.com/nerrad567/iot-gateway/internal/device"
	"github.com/nerrad567/iot-gateway/internal/push"
	"github.com/nerrad567/iot-gateway/internal/telemetry"
)

// SystemMetrics is the JSON summary served at /api/v1/metrics.
type SystemMetrics struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	Broker        *broker.Stats     `json:"broker,omitempty"`
	Router        *telemetry.Stats  `json:"router,omitempty"`
	Acks          *command.AckStats `json:"acks,omitempty"`
	Registry      device.Stats      `json:"registry"`
	Push          push.Stats        `json:"push"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// handleMetrics returns a JSON summary of the gateway's counters.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Registry: s.devices.GetStats(),
		Push:     s.push.GetStats(),
	}

	if s.broker != nil {
		st := s.broker.GetStats()
		m.Broker = &st
	}
	if s.router != nil {
		st := s.router.GetStats()
		m.Router = &st
	}
	if c, ok := s.commands.(interface{ GetAckStats() command.AckStats }); ok {
		st := c.GetAckStats()
		m.Acks = &st
	}

	writeJSON(w, http.StatusOK, m)
}
