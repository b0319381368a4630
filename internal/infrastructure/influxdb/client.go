package influxdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"github.com/nerrad567/iot-gateway/internal/infrastructure/config"
)

const (
	connectTimeout = 10 * time.Second
	pingTimeout    = 5 * time.Second

	defaultBatchSize     = 500
	defaultFlushInterval = time.Second
)

// Client writes telemetry history to one InfluxDB bucket. Writes are
// batched by the library and never block; failures are reported through
// the SetOnError callback.
type Client struct {
	influx   influxdb2.Client
	writeAPI api.WriteAPI

	closed  atomic.Bool
	onError atomic.Pointer[func(error)]
	done    chan struct{}
}

// Connect pings the server and opens a batching writer. Every point is
// tagged gateway=gatewayID when gatewayID is set. It returns ErrDisabled
// when cfg.Enabled is false.
func Connect(ctx context.Context, cfg config.InfluxDBConfig, gatewayID string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	opts := influxdb2.DefaultOptions().
		SetBatchSize(uint(batch)).                                //nolint:gosec // positive
		SetFlushInterval(uint(flushInterval(cfg).Milliseconds())) //nolint:gosec // positive
	if gatewayID != "" {
		opts.AddDefaultTag("gateway", gatewayID)
	}
	influx := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	ok, err := influx.Ping(pingCtx)
	switch {
	case err != nil:
		influx.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	case !ok:
		influx.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	c := &Client{
		influx:   influx,
		writeAPI: influx.WriteAPI(cfg.Org, cfg.Bucket),
		done:     make(chan struct{}),
	}
	go c.forwardErrors(c.writeAPI.Errors())
	return c, nil
}

func flushInterval(cfg config.InfluxDBConfig) time.Duration {
	if cfg.FlushInterval <= 0 {
		return defaultFlushInterval
	}
	return time.Duration(cfg.FlushInterval) * time.Second
}

func (c *Client) forwardErrors(errs <-chan error) {
	for {
		select {
		case err := <-errs:
			if fn := c.onError.Load(); fn != nil {
				(*fn)(err)
			}
		case <-c.done:
			return
		}
	}
}

// Close flushes buffered points and releases the client. Later calls are
// no-ops.
func (c *Client) Close() error {
	if c == nil || c.influx == nil || !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.writeAPI.Flush()
	c.influx.Close()
	close(c.done)
	return nil
}

// HealthCheck pings the server.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	ok, err := c.influx.Ping(pingCtx)
	if err != nil {
		return fmt.Errorf("influxdb health check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("influxdb health check failed: server not healthy")
	}
	return nil
}

// IsConnected reports whether the client is open.
func (c *Client) IsConnected() bool {
	return c != nil && c.influx != nil && !c.closed.Load()
}

// SetOnError sets the callback for asynchronous write failures.
func (c *Client) SetOnError(fn func(err error)) {
	c.onError.Store(&fn)
}

// Flush forces buffered points out. No-op after Close.
func (c *Client) Flush() {
	if c.IsConnected() {
		c.writeAPI.Flush()
	}
}
