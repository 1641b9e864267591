// Feeder Core - pet feeder client
//
// This is the main entry point of the feeder client. It restores the stored
// session, keeps the owner's device state live over the MQTT change feed,
// dispatches user actions and serves the local UI API.
//
// With bridge.enabled it also ingests device telemetry and feed results, so a
// single process plus a broker is a complete local installation.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nerrad567/feeder-core/internal/api"
	"github.com/nerrad567/feeder-core/internal/app"
	"github.com/nerrad567/feeder-core/internal/auth"
	"github.com/nerrad567/feeder-core/internal/bridge"
	"github.com/nerrad567/feeder-core/internal/command"
	"github.com/nerrad567/feeder-core/internal/device"
	"github.com/nerrad567/feeder-core/internal/feed"
	"github.com/nerrad567/feeder-core/internal/history"
	"github.com/nerrad567/feeder-core/internal/infrastructure/config"
	"github.com/nerrad567/feeder-core/internal/infrastructure/database"
	"github.com/nerrad567/feeder-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/feeder-core/internal/infrastructure/logging"
	"github.com/nerrad567/feeder-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
	"github.com/nerrad567/feeder-core/internal/notify"
	"github.com/nerrad567/feeder-core/internal/preference"
	"github.com/nerrad567/feeder-core/internal/schedule"
	"github.com/nerrad567/feeder-core/internal/session"
	"github.com/nerrad567/feeder-core/migrations"
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

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line flags.
type options struct {
	configPath  string
	envFile     string
	showVersion bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("feeder", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (default: $FEEDER_CONFIG or "+defaultConfigPath+")")
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration; missing is fine")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", extra[0])
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.showVersion {
		fmt.Printf("feeder %s (%s, %s)\n", version, commit, date)
		return nil
	}

	if err := loadEnvFile(opts.envFile); err != nil {
		return err
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting feeder core", "version", version, "commit", commit, "build_date", date)

	configPath := getConfigPath(opts.configPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
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
	if err := db.Migrate(ctx, migrations.Source()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT)
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
	mqttClient.SetOnConnect(func() { log.Info("MQTT reconnected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	influxClient, err := connectInflux(ctx, cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	policy := transportPolicy(cfg)
	bus := feed.NewBus(mqttClient, mqttClient.QoS(), policy, log.Component("feed"))

	profiles := auth.NewProfileRepository(db.DB, policy)
	devices := device.NewSQLiteRepository(db.DB, bus, policy)
	commands := command.NewSQLiteRepository(db.DB, bus, policy)
	schedules := schedule.NewSQLiteRepository(db.DB, bus, policy)
	events := history.NewSQLiteRepository(db.DB, bus, policy)
	prefs := preference.NewSQLiteStore(db.DB, policy)

	provider, err := auth.NewLocalProvider(profiles, cfg.Security.JWT.Secret, cfg.GetSessionTTL())
	if err != nil {
		return fmt.Errorf("creating identity provider: %w", err)
	}
	provider.SetLogger(log.Component("auth"))
	if _, err := auth.SeedAdmin(ctx, profiles, provider, cfg.Security.SeedAdminEmail, log.Logger); err != nil {
		return fmt.Errorf("seeding admin: %w", err)
	}

	var ingest *bridge.Bridge
	if cfg.Bridge.Enabled {
		ingest, err = startBridge(ctx, cfg, mqttClient, devices, commands, events, influxClient, log)
		if err != nil {
			return err
		}
		defer func() {
			log.Info("stopping bridge")
			ingest.Stop()
		}()
	} else {
		log.Info("telemetry bridge disabled")
	}

	sessions := session.NewStore(provider)
	sessions.SetLogger(log.Component("session"))
	center := notify.NewCenter(notify.Options{MaxItems: cfg.Notifications.MaxItems, Store: prefs})
	center.SetLogger(log.Component("notify"))

	client, err := app.New(app.Deps{
		Session:       sessions,
		Devices:       devices,
		Commands:      commands,
		Schedules:     schedules,
		History:       events,
		Notifications: center,
		Logger:        log.Component("app"),
	})
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("starting client: %w", err)
	}
	defer func() {
		log.Info("closing client")
		client.Close()
	}()

	apiDeps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Secret:   cfg.Security.JWT.Secret,
		Logger:   log.Component("api"),
		Client:   client,
		Sessions: provider,
		DB:       db.DB,
		MQTT:     mqttClient,
		Version:  version,
	}
	if ingest != nil {
		apiDeps.Bridge = ingest
	}
	server, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// loadEnvFile loads a dotenv file into the process environment without
// overriding variables that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// getConfigPath returns the configuration file path: the flag, then
// FEEDER_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv("FEEDER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// transportPolicy bounds every store and broker call. Callers add their own
// transient-error classifier.
func transportPolicy(cfg *config.Config) retry.Policy {
	return retry.Policy{
		Timeout:        cfg.GetTransportTimeout(),
		MaxRetries:     cfg.Transport.MaxRetries,
		InitialBackoff: cfg.GetInitialBackoff(),
		MaxBackoff:     cfg.GetMaxBackoff(),
	}
}

// connectInflux connects the optional telemetry sink. It returns nil when
// InfluxDB is disabled.
func connectInflux(ctx context.Context, cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "org", cfg.InfluxDB.Org, "bucket", cfg.InfluxDB.Bucket)
	return client, nil
}

// startBridge starts the in-process telemetry ingest.
func startBridge(
	ctx context.Context,
	cfg *config.Config,
	mqttClient *mqtt.Client,
	devices bridge.DeviceStore,
	commands bridge.CommandStore,
	events bridge.HistoryStore,
	influxClient *influxdb.Client,
	log *logging.Logger,
) (*bridge.Bridge, error) {
	opts := bridge.Options{
		Transport: mqttClient,
		Devices:   devices,
		Commands:  commands,
		History:   events,
		QoS:       mqttClient.QoS(),
		Logger:    log.Component("bridge"),
	}
	if influxClient != nil {
		opts.Metrics = influxClient
	}

	b, err := bridge.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}
	if err := b.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting bridge: %w", err)
	}
	log.Info("telemetry bridge started")
	return b, nil
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
