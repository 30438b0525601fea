// MRS Core - Mobile Rack System task orchestration.
//
// This is the main entry point for the MRS Core service. It accepts pick and
// put tasks for storage locations, routes each to the bank that serves the
// location, and drives the bank's motorized racks so that at most one aisle
// per bank is ever open.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/mrs-core/migrations"

	"github.com/nerrad567/mrs-core/internal/api"
	"github.com/nerrad567/mrs-core/internal/gateway"
	"github.com/nerrad567/mrs-core/internal/infrastructure/config"
	"github.com/nerrad567/mrs-core/internal/infrastructure/database"
	"github.com/nerrad567/mrs-core/internal/infrastructure/distlock"
	"github.com/nerrad567/mrs-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/mrs-core/internal/infrastructure/logging"
	"github.com/nerrad567/mrs-core/internal/infrastructure/metrics"
	"github.com/nerrad567/mrs-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/mrs-core/internal/mrs"
	"github.com/nerrad567/mrs-core/internal/orchestrator"
	"github.com/nerrad567/mrs-core/internal/store"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the service together and blocks until ctx is cancelled.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting MRS Core",
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

	// Open database
	db, err := database.Open(database.Config{
		Driver:       cfg.Database.Driver,
		Path:         cfg.Database.Path,
		DSN:          cfg.Database.DSN,
		WALMode:      cfg.Database.WALMode,
		BusyTimeout:  cfg.Database.BusyTimeout,
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "driver", cfg.Database.Driver)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	st := store.New(db)
	if err := provision(ctx, cfg.Provisioning, st, log); err != nil {
		return err
	}

	var recorder *metrics.Metrics
	if cfg.Metrics.Enabled {
		recorder = metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace})
	}

	// Device gateway
	var (
		gw         gateway.Gateway
		mqttClient *mqtt.Client
	)
	switch cfg.Gateway.Mode {
	case config.GatewayMQTT:
		mqttClient, err = mqtt.Connect(cfg.MQTT)
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

		gw, err = gateway.NewBus(mqttClient, busConfig(cfg.Gateway, recorder), log.Component("gateway"))
		if err != nil {
			return fmt.Errorf("starting MQTT gateway: %w", err)
		}
	default:
		gw = gateway.NewSimulator(gateway.SimulatorConfig{
			OpenDelay:     time.Duration(cfg.Gateway.Simulator.OpenDelay) * time.Millisecond,
			CloseDelay:    time.Duration(cfg.Gateway.Simulator.CloseDelay) * time.Millisecond,
			BlockedAisles: cfg.Gateway.Simulator.BlockedAisles,
		})
		log.Warn("using simulated device gateway")
	}
	defer func() {
		if closeErr := gw.Close(); closeErr != nil {
			log.Error("error closing gateway", "error", closeErr)
		}
	}()

	// InfluxDB (optional)
	var telemetry orchestrator.Telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, connErr := influxdb.Connect(ctx, cfg.InfluxDB)
		if connErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", connErr)
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
		telemetry = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Redis sweep lock (optional)
	var locker orchestrator.Locker
	if cfg.Redis.Enabled {
		l, connErr := distlock.Connect(ctx, distlock.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      time.Duration(cfg.Redis.LockTTL) * time.Second,
		})
		if connErr != nil {
			return fmt.Errorf("connecting to Redis: %w", connErr)
		}
		defer func() {
			if closeErr := l.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		locker = l
		log.Info("Redis sweep lock enabled", "addr", cfg.Redis.Addr)
	}

	// The hub is created first so the engine can publish to it.
	hub := api.NewHub(cfg.WebSocket, log.Component("websocket"))

	deps := orchestrator.Deps{
		Store:     st,
		Gateway:   gw,
		Listener:  hub,
		Telemetry: telemetry,
		Locker:    locker,
		Logger:    log.Component("engine"),
	}
	if recorder != nil {
		deps.Recorder = recorder
	}
	engine, err := orchestrator.New(deps, orchestrator.Config{
		SessionIdle:      cfg.Engine.GetSessionIdle(),
		StaleActionAfter: cfg.Engine.GetStaleActionAfter(),
		SweepInterval:    cfg.Engine.GetSweepInterval(),
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	if err := engine.RefreshBoard(ctx); err != nil {
		return fmt.Errorf("loading bank board: %w", err)
	}

	go hub.Run(ctx)
	go func() {
		if runErr := engine.Run(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			log.Error("gateway event loop stopped", "error", runErr)
		}
	}()
	go func() {
		if runErr := engine.RunSweeper(ctx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			log.Error("sweeper stopped", "error", runErr)
		}
	}()

	apiDeps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Metrics:  cfg.Metrics,
		Logger:   log.Component("api"),
		Engine:   engine,
		Store:    st,
		DB:       db,
		Recorder: recorder,
		Hub:      hub,
		Version:  version,
	}
	if mqttClient != nil {
		apiDeps.MQTT = mqttClient
	}
	apiServer, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"gateway", cfg.Gateway.Mode,
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	// Deferred Close() calls run in reverse order: API, Redis, InfluxDB,
	// gateway, MQTT, database.
	log.Info("MRS Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses MRS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("MRS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// provision seeds banks, devices, aisles and locations from the seed file.
// Seeding is idempotent and never touches live device state.
func provision(ctx context.Context, cfg config.ProvisioningConfig, st *store.Store, log *logging.Logger) error {
	if cfg.File == "" {
		log.Info("no provisioning file configured")
		return nil
	}
	p, err := mrs.LoadProvisioning(cfg.File)
	if err != nil {
		return fmt.Errorf("loading provisioning: %w", err)
	}
	if err := mrs.Seed(ctx, st.Devices(), p); err != nil {
		return fmt.Errorf("seeding provisioning: %w", err)
	}
	log.Info("provisioning applied", "path", cfg.File, "banks", len(p.Banks))
	return nil
}

// busConfig converts the gateway settings and reports breaker transitions
// to the recorder.
func busConfig(cfg config.GatewayConfig, recorder *metrics.Metrics) gateway.BusConfig {
	bc := gateway.BusConfig{
		AckTimeout:     cfg.GetAckTimeout(),
		ActionTimeout:  cfg.GetActionTimeout(),
		SensorTimeout:  cfg.GetSensorTimeout(),
		BreakerTimeout: time.Duration(cfg.Breaker.OpenTimeout) * time.Second,
	}
	if cfg.Breaker.MaxFailures > 0 {
		bc.BreakerFailures = uint32(cfg.Breaker.MaxFailures)
	}
	if recorder != nil {
		bc.OnBreakerState = recorder.SetBreakerState
	}
	return bc
}

// healthCheck verifies infrastructure connections are healthy.
// mqttClient may be nil when the simulator gateway is in use.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	return nil
}
