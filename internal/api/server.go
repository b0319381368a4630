package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/iot-gateway/internal/account"
	"github.com/nerrad567/iot-gateway/internal/audit"
	"github.com/nerrad567/iot-gateway/internal/auth"
	"github.com/nerrad567/iot-gateway/internal/broker"
	"github.com/nerrad567/iot-gateway/internal/command"
	"github.com/nerrad567/iot-gateway/internal/device"
	"github.com/nerrad567/iot-gateway/internal/infrastructure/config"
	"github.com/nerrad567/iot-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/iot-gateway/internal/metrics"
	"github.com/nerrad567/iot-gateway/internal/push"
	"github.com/nerrad567/iot-gateway/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Authenticator issues and checks user credentials.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*auth.Token, error)
	Authenticate(token string) (string, error)
	IssueTicket(ctx context.Context, userID string) (string, time.Duration, error)
}

// Devices is the ownership view of the device registry.
type Devices interface {
	ListDevices(ctx context.Context, userID string) ([]account.Device, error)
	ResolveOwner(ctx context.Context, deviceID string) (string, error)
	LastSeen(deviceID string) (time.Time, bool)
	Invalidate(deviceID string)
	GetStats() device.Stats
}

// DeviceStore reads single device records.
type DeviceStore interface {
	GetDevice(ctx context.Context, id string) (*account.Device, error)
}

// Commands dispatches commands and looks them up.
type Commands interface {
	Dispatch(ctx context.Context, userID, deviceID, action string, params map[string]any) (command.Result, error)
	Get(ctx context.Context, userID, correlationID string) (*command.Record, error)
}

// AuditLog lists history events.
type AuditLog interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// PushManager accepts push connections.
type PushManager interface {
	Accept(ctx context.Context, t push.Transport, credential string) (*push.Connection, error)
	CloseUser(userID string) int
	GetStats() push.Stats
}

// LatestReadings returns the last value of each reading a device sent.
type LatestReadings interface {
	Get(deviceID string) (map[string]telemetry.Reading, bool)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Auth     Authenticator
	Devices  Devices
	Store    DeviceStore
	Commands Commands
	Audit    AuditLog
	Push     PushManager
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Router   interface{ GetStats() telemetry.Stats }
	Broker   interface{ GetStats() broker.Stats }
	Latest   LatestReadings
	Health   map[string]HealthCheck
	Version  string
}

// Server is the HTTP API server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	auth      Authenticator
	devices   Devices
	store     DeviceStore
	commands  Commands
	audit     AuditLog
	push      PushManager
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	router    interface{ GetStats() telemetry.Stats }
	broker    interface{ GetStats() broker.Stats }
	latest    LatestReadings
	health    map[string]HealthCheck
	version   string
	startTime time.Time
	server    *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Commands == nil {
		return nil, fmt.Errorf("command dispatcher is required")
	}
	if deps.Push == nil {
		return nil, fmt.Errorf("push manager is required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		auth:      deps.Auth,
		devices:   deps.Devices,
		store:     deps.Store,
		commands:  deps.Commands,
		audit:     deps.Audit,
		push:      deps.Push,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		router:    deps.Router,
		broker:    deps.Broker,
		latest:    deps.Latest,
		health:    deps.Health,
		version:   deps.Version,
		startTime: time.Now(),
	}, nil
}

// Handler returns the fully wired HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections. Hijacked push connections
// are not tracked by net/http; the push manager closes those.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
