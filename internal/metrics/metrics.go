// Package metrics holds the gateway's Prometheus collectors.
//
// A nil *Metrics is valid; every method is a no-op on it so components can be
// built in tests without a registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "iotgw"

// Command result labels.
const (
	ResultAccepted             = "accepted"
	ResultForbidden            = "forbidden"
	ResultDeviceUnknown        = "device_unknown"
	ResultTransportUnavailable = "transport_unavailable"
)

// Metrics groups every collector exported by the gateway.
type Metrics struct {
	BrokerMessages      prometheus.Counter
	DecodeErrors        prometheus.Counter
	RouterDrops         prometheus.Counter
	OwnershipMisses     prometheus.Counter
	FanoutDeliveries    prometheus.Counter
	BackpressureDrops   prometheus.Counter
	HistoryDrops        prometheus.Counter
	HistoryErrors       prometheus.Counter
	Commands            *prometheus.CounterVec
	CommandAcks         *prometheus.CounterVec
	PushConnections     prometheus.Gauge
	HeartbeatTimeouts   prometheus.Counter
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BrokerMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_messages_total",
			Help:      "Telemetry messages received from the broker.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Broker messages dropped because topic or payload was malformed.",
		}),
		RouterDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_queue_drops_total",
			Help:      "Telemetry events dropped because the router queue was full.",
		}),
		OwnershipMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ownership_misses_total",
			Help:      "Telemetry events from devices with no registered owner.",
		}),
		FanoutDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_deliveries_total",
			Help:      "Envelopes enqueued on push connections.",
		}),
		BackpressureDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backpressure_drops_total",
			Help:      "Push connections closed because their send queue was full.",
		}),
		HistoryDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_drops_total",
			Help:      "Telemetry events not copied to history because the queue was full.",
		}),
		HistoryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_errors_total",
			Help:      "History sink write failures.",
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Command dispatch results.",
		}, []string{"result"}),
		CommandAcks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_acks_total",
			Help:      "Device acknowledgements by status.",
		}, []string{"status"}),
		PushConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "push_connections",
			Help:      "Live push connections.",
		}),
		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Push connections closed for missing heartbeats.",
		}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.BrokerMessages,
			m.DecodeErrors,
			m.RouterDrops,
			m.OwnershipMisses,
			m.FanoutDeliveries,
			m.BackpressureDrops,
			m.HistoryDrops,
			m.HistoryErrors,
			m.Commands,
			m.CommandAcks,
			m.PushConnections,
			m.HeartbeatTimeouts,
			m.HTTPRequestDuration,
		)
	}
	return m
}

func (m *Metrics) IncBrokerMessage() {
	if m != nil {
		m.BrokerMessages.Inc()
	}
}

func (m *Metrics) IncDecodeError() {
	if m != nil {
		m.DecodeErrors.Inc()
	}
}

func (m *Metrics) IncRouterDrop() {
	if m != nil {
		m.RouterDrops.Inc()
	}
}

func (m *Metrics) IncOwnershipMiss() {
	if m != nil {
		m.OwnershipMisses.Inc()
	}
}

// AddDeliveries records n envelopes enqueued by one fan-out.
func (m *Metrics) AddDeliveries(n int) {
	if m != nil && n > 0 {
		m.FanoutDeliveries.Add(float64(n))
	}
}

func (m *Metrics) IncBackpressureDrop() {
	if m != nil {
		m.BackpressureDrops.Inc()
	}
}

func (m *Metrics) IncHistoryDrop() {
	if m != nil {
		m.HistoryDrops.Inc()
	}
}

func (m *Metrics) IncHistoryError() {
	if m != nil {
		m.HistoryErrors.Inc()
	}
}

// IncCommand records one dispatch outcome (see the Result* constants).
func (m *Metrics) IncCommand(result string) {
	if m != nil {
		m.Commands.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncCommandAck(status string) {
	if m != nil {
		m.CommandAcks.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.PushConnections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.PushConnections.Dec()
	}
}

func (m *Metrics) IncHeartbeatTimeout() {
	if m != nil {
		m.HeartbeatTimeouts.Inc()
	}
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route, status string, seconds float64) {
	if m != nil {
		m.HTTPRequestDuration.WithLabelValues(method, route, status).Observe(seconds)
	}
}
