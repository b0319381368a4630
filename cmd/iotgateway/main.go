// IoT Gateway
//
// This is the main entry point for the realtime telemetry gateway. It
// ingests device telemetry from an MQTT broker, routes each reading to the
// owning user's open push connections and dispatches ownership-checked
// commands back to devices.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/iot-gateway/internal/account"
	"github.com/nerrad567/iot-gateway/internal/api"
	"github.com/nerrad567/iot-gateway/internal/audit"
	"github.com/nerrad567/iot-gateway/internal/auth"
	"github.com/nerrad567/iot-gateway/internal/broker"
	"github.com/nerrad567/iot-gateway/internal/command"
	"github.com/nerrad567/iot-gateway/internal/device"
	"github.com/nerrad567/iot-gateway/internal/history"
	"github.com/nerrad567/iot-gateway/internal/infrastructure/config"
	"github.com/nerrad567/iot-gateway/internal/infrastructure/database"
	"github.com/nerrad567/iot-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/iot-gateway/internal/infrastructure/kafka"
	"github.com/nerrad567/iot-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/iot-gateway/internal/infrastructure/mqtt"
	"github.com/nerrad567/iot-gateway/internal/metrics"
	"github.com/nerrad567/iot-gateway/internal/push"
	"github.com/nerrad567/iot-gateway/internal/subscriber"
	"github.com/nerrad567/iot-gateway/internal/telemetry"
	"github.com/nerrad567/iot-gateway/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	defaultSeedEmail  = "owner@localhost"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo,funlen // linear start-up sequence
	log := logging.Default()
	log.Info("starting IoT gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	// Local database: command log, audit history, sqlite account store
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	schemaVersion, err := db.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	log.Info("database migrations complete", "schema_version", schemaVersion)

	store, closeStore, err := account.Open(ctx, cfg.Accounts, db.DB)
	if err != nil {
		return fmt.Errorf("opening account store: %w", err)
	}
	defer func() {
		log.Info("closing account store")
		closeStore()
	}()
	log.Info("account store opened", "driver", cfg.Accounts.Driver)

	if local, ok := store.(*account.SQLiteStore); ok {
		if _, seedErr := auth.SeedOwner(ctx, local, getSeedEmail(), log); seedErr != nil {
			return fmt.Errorf("seeding owner account: %w", seedErr)
		}
	}

	registry := device.NewRegistry(store, device.Options{
		CacheTTL:      cfg.Accounts.CacheTTLDuration(),
		MissTTL:       cfg.Accounts.MissTTLDuration(),
		LookupTimeout: cfg.Accounts.LookupTimeoutDuration(),
		FlushInterval: cfg.Accounts.LivenessFlushDuration(),
	})
	registry.SetLogger(log.Component("registry"))

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttClient.ClientID(),
	)

	adapter := broker.NewAdapter(mqttClient, byte(cfg.MQTT.QoS)) //nolint:gosec // QoS validated to 0-2
	adapter.SetLogger(log.Component("broker"))
	adapter.SetMetrics(m)

	dir := subscriber.NewDirectory()
	dirLog := log.Component("subscriber")
	dir.OnEvict(func(userID string, c subscriber.Conn) {
		dirLog.Warn("evicted slow push connection", "user_id", userID, "conn_id", c.ID())
	})

	router := telemetry.NewRouter(registry, dir, telemetry.Options{
		Workers:          cfg.Telemetry.Workers,
		QueueSize:        cfg.Telemetry.QueueSize,
		HistoryQueueSize: cfg.Telemetry.HistoryQueueSize,
		LookupTimeout:    cfg.Accounts.LookupTimeoutDuration(),
	})
	router.SetLogger(log.Component("router"))
	router.SetMetrics(m)
	latest := telemetry.NewLatestReadings()
	router.SetLatest(latest)

	health := map[string]api.HealthCheck{
		"database": db.HealthCheck,
		"accounts": store.HealthCheck,
		"mqtt":     mqttClient.HealthCheck,
	}

	// History stores (optional)
	var sinks history.Multi
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Gateway.ID)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		sinks = append(sinks, history.NewInfluxSink(influxClient))
		health["influxdb"] = influxClient.HealthCheck
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	if cfg.Kafka.Enabled {
		producer, kafkaErr := kafka.NewProducer(cfg.Kafka)
		if kafkaErr != nil {
			return fmt.Errorf("creating Kafka producer: %w", kafkaErr)
		}
		defer func() {
			log.Info("closing Kafka producer")
			if closeErr := producer.Close(); closeErr != nil {
				log.Error("error closing Kafka producer", "error", closeErr)
			}
		}()
		sinks = append(sinks, history.NewKafkaSink(producer))
		log.Info("Kafka export enabled", "topic", cfg.Kafka.Topic, "brokers", cfg.Kafka.Brokers)
	}

	if len(sinks) > 0 {
		router.SetHistory(sinks)
	}

	dispatcher := command.NewDispatcher(registry, adapter,
		command.NewSQLiteRepository(db.DB),
		audit.NewSQLiteRepository(db.DB),
		command.Options{
			PublishRetries:       cfg.Command.PublishRetries,
			RetryBackoff:         cfg.Command.RetryBackoffDuration(),
			IncludeCorrelationID: cfg.Command.IncludeCorrelationID,
			AckQueueSize:         cfg.Command.AckQueueSize,
		},
	)
	dispatcher.SetLogger(log.Component("command"))
	dispatcher.SetMetrics(m)

	tickets, err := openTickets(ctx, cfg.Security.Tickets)
	if err != nil {
		return err
	}
	if closer, ok := tickets.(*auth.RedisTickets); ok {
		defer func() {
			log.Info("closing ticket store")
			if closeErr := closer.Close(); closeErr != nil {
				log.Error("error closing ticket store", "error", closeErr)
			}
		}()
		health["tickets"] = closer.HealthCheck
	}
	authSvc := auth.NewService(store, cfg.Security.JWT.Secret,
		time.Duration(cfg.Security.JWT.AccessTokenTTL)*time.Minute, tickets)

	pushMgr := push.NewManager(authSvc, dir, push.Options{
		SendQueueSize: cfg.WebSocket.SendQueueSize,
		PingInterval:  cfg.WebSocket.PingIntervalDuration(),
		PongTimeout:   time.Duration(cfg.WebSocket.PongTimeout) * time.Second,
	})
	pushMgr.SetLogger(log.Component("push"))
	pushMgr.SetMetrics(m)

	// Background loops stop when workCtx is cancelled, after the HTTP
	// server and push connections are gone.
	workCtx, stopWork := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWork()
	g, gctx := errgroup.WithContext(workCtx)
	g.Go(func() error {
		registry.Run(gctx)
		return nil
	})
	g.Go(func() error {
		router.Run(gctx)
		return nil
	})
	g.Go(func() error {
		dispatcher.RunAcks(gctx)
		return nil
	})

	if err := adapter.SubscribeAll(func(ev telemetry.Event) {
		router.Submit(ev)
	}); err != nil {
		stopWork()
		_ = g.Wait()
		return fmt.Errorf("subscribing to telemetry: %w", err)
	}
	if cfg.Command.SubscribeAcks {
		if err := adapter.SubscribeAcks(func(ack broker.Ack) {
			dispatcher.SubmitAck(ack)
		}); err != nil {
			stopWork()
			_ = g.Wait()
			return fmt.Errorf("subscribing to acks: %w", err)
		}
	}
	log.Info("telemetry routing started",
		"workers", cfg.Telemetry.Workers,
		"subscribe_acks", cfg.Command.SubscribeAcks,
	)

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log.Component("api"),
		Auth:     authSvc,
		Devices:  registry,
		Store:    store,
		Commands: dispatcher,
		Audit:    audit.NewSQLiteRepository(db.DB),
		Push:     pushMgr,
		Metrics:  m,
		Gatherer: reg,
		Router:   router,
		Broker:   adapter,
		Latest:   latest,
		Health:   health,
		Version:  version,
	})
	if err != nil {
		stopWork()
		_ = g.Wait()
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		stopWork()
		_ = g.Wait()
		return fmt.Errorf("starting API server: %w", err)
	}

	if err := healthCheck(ctx, health); err != nil {
		log.Warn("start-up health check failed", "error", err)
	} else {
		log.Info("all health checks passed")
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	if closeErr := server.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if shutdownErr := pushMgr.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("push connections did not close in time", "error", shutdownErr)
	}

	stopWork()
	if waitErr := g.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		log.Error("background worker failed", "error", waitErr)
	}

	log.Info("IoT gateway stopped")
	return nil
}

// openTickets returns the configured single-use ticket store.
func openTickets(ctx context.Context, cfg config.TicketsConfig) (auth.TicketStore, error) {
	ttl := cfg.TTLDuration()
	switch cfg.Backend {
	case "", "memory":
		return auth.NewMemoryTickets(ttl), nil
	case "redis":
		client, err := auth.ConnectRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connecting to ticket store: %w", err)
		}
		return auth.NewRedisTickets(client, ttl), nil
	default:
		return nil, fmt.Errorf("unknown ticket backend %q", cfg.Backend)
	}
}

// getConfigPath returns the configuration file path.
// Uses IOTGW_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("IOTGW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func getSeedEmail() string {
	if email := os.Getenv("IOTGW_SEED_EMAIL"); email != "" {
		return email
	}
	return defaultSeedEmail
}

// healthCheck runs every check and returns the first failure.
func healthCheck(ctx context.Context, checks map[string]api.HealthCheck) error {
	for name, check := range checks {
		if err := check(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
