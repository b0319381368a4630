package influxdb

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/iot-gateway/internal/infrastructure/config"
)

// testConfig matches the local development InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "iotgw-dev-token",
		Org:           "iotgw",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func skipIfNoInfluxDB(t *testing.T) *Client {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION") == "" {
		t.Skip("RUN_INTEGRATION not set, skipping InfluxDB test")
	}
	client, err := Connect(context.Background(), testConfig(), "gw-test")
	if err != nil {
		t.Skipf("InfluxDB not available: %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	if _, err := Connect(context.Background(), cfg, ""); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Connect(ctx, cfg, ""); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestNilClient(t *testing.T) {
	var c *Client
	if c.IsConnected() {
		t.Error("nil client reports connected")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
	if err := c.WriteReadings("d1", map[string]float64{"w": 1}, time.Now()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("WriteReadings() error = %v, want ErrNotConnected", err)
	}
}

func TestFlushInterval(t *testing.T) {
	tests := []struct {
		seconds int
		want    time.Duration
	}{
		{0, defaultFlushInterval},
		{-1, defaultFlushInterval},
		{5, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := flushInterval(config.InfluxDBConfig{FlushInterval: tt.seconds}); got != tt.want {
			t.Errorf("flushInterval(%d) = %v, want %v", tt.seconds, got, tt.want)
		}
	}
}

func TestReadingsPoint(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := readingsPoint("d1", map[string]float64{"weight": 50, "temp": 23.5}, ts)

	if p.Name() != MeasurementTelemetry {
		t.Errorf("Name() = %q, want %q", p.Name(), MeasurementTelemetry)
	}
	tags := p.TagList()
	if len(tags) != 1 || tags[0].Key != "device_id" || tags[0].Value != "d1" {
		t.Errorf("TagList() = %+v", tags)
	}
	fields := map[string]any{}
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	if fields["weight"] != 50.0 || fields["temp"] != 23.5 {
		t.Errorf("fields = %v", fields)
	}
	if !p.Time().Equal(ts) {
		t.Errorf("Time() = %v, want %v", p.Time(), ts)
	}
}

func TestWriteReadings_Integration(t *testing.T) {
	client := skipIfNoInfluxDB(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck() error = %v", err)
	}

	var writeErr atomic.Value
	client.SetOnError(func(err error) { writeErr.Store(err) })

	if err := client.WriteReadings("test-device", map[string]float64{"weight": 42}, time.Now()); err != nil {
		t.Fatalf("WriteReadings() error = %v", err)
	}
	client.Flush()
	time.Sleep(100 * time.Millisecond)

	if err := writeErr.Load(); err != nil {
		t.Errorf("async write error = %v", err)
	}
}

func TestClose_StopsWrites(t *testing.T) {
	client := skipIfNoInfluxDB(t)

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.WriteReadings("d1", map[string]float64{"w": 1}, time.Now()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("WriteReadings() after Close error = %v, want ErrNotConnected", err)
	}
}
