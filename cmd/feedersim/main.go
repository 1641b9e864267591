// Feeder Simulator
//
// feedersim stands in for a real feeder on local end-to-end runs. It watches
// the device's commands and schedules on the MQTT change feed and reports
// feed results and telemetry on the device topics, which the feeder's bridge
// ingests.
//
// Send SIGHUP to refill the hopper.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/nerrad567/feeder-core/internal/command"
	"github.com/nerrad567/feeder-core/internal/feed"
	"github.com/nerrad567/feeder-core/internal/infrastructure/config"
	"github.com/nerrad567/feeder-core/internal/infrastructure/database"
	"github.com/nerrad567/feeder-core/internal/infrastructure/logging"
	"github.com/nerrad567/feeder-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/feeder-core/internal/infrastructure/retry"
	"github.com/nerrad567/feeder-core/internal/schedule"
)

var version = "dev"

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

type options struct {
	configPath string
	envFile    string
	sim        Options
	interval   time.Duration
	seedFromDB bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("feedersim", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (default: $FEEDER_CONFIG or "+defaultConfigPath+")")
	flagSet.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before configuration; missing is fine")
	flagSet.StringVarP(&opts.sim.DeviceID, "device", "d", "", "ID of the device to simulate (required)")
	flagSet.IntVar(&opts.sim.Capacity, "capacity", 1000, "hopper capacity in grams")
	flagSet.IntVar(&opts.sim.FoodLevel, "food-level", 80, "starting fill in percent")
	flagSet.IntVar(&opts.sim.Battery, "battery", 100, "reported battery level in percent")
	flagSet.StringVar(&opts.sim.Firmware, "firmware", "sim-"+version, "reported firmware version")
	flagSet.DurationVar(&opts.sim.Dispense, "dispense", 2*time.Second, "time one feed takes")
	flagSet.DurationVar(&opts.interval, "interval", 30*time.Second, "telemetry and schedule check interval")
	flagSet.BoolVar(&opts.seedFromDB, "database", false, "load pending commands and schedules from the configured database at startup")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if opts.sim.DeviceID == "" {
		return options{}, errors.New("--device is required")
	}
	if opts.interval <= 0 {
		return options{}, errors.New("--interval must be positive")
	}
	return opts, nil
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	if opts.envFile != "" {
		if err := godotenv.Load(opts.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", opts.envFile, err)
		}
	}

	configPath := opts.configPath
	if configPath == "" {
		configPath = os.Getenv("FEEDER_CONFIG")
	}
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log := logging.New(cfg.Logging, version).With("device_id", opts.sim.DeviceID)

	// A distinct client ID keeps the broker from dropping the feeder's session.
	cfg.MQTT.Broker.ClientID = "feedersim-" + opts.sim.DeviceID
	mqttClient, err := mqtt.Connect(ctx, cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))

	sim, err := NewSimulator(mqttClient, opts.sim, log.Component("simulator"))
	if err != nil {
		return err
	}

	policy := retry.Policy{
		Timeout:        cfg.GetTransportTimeout(),
		MaxRetries:     cfg.Transport.MaxRetries,
		InitialBackoff: cfg.GetInitialBackoff(),
		MaxBackoff:     cfg.GetMaxBackoff(),
	}
	bus := feed.NewBus(mqttClient, mqttClient.QoS(), policy, log.Component("feed"))

	releaseCommands, err := feed.Rows(ctx, bus.Registry, command.DeviceKey(opts.sim.DeviceID), sim.OnCommand)
	if err != nil {
		return fmt.Errorf("watching commands: %w", err)
	}
	defer releaseCommands()
	releaseSchedules, err := feed.Rows(ctx, bus.Registry, schedule.DeviceKey(opts.sim.DeviceID), sim.OnSchedule)
	if err != nil {
		return fmt.Errorf("watching schedules: %w", err)
	}
	defer releaseSchedules()

	if opts.seedFromDB {
		if err := seedFromDatabase(ctx, cfg, policy, sim, opts.sim.DeviceID); err != nil {
			return err
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				sim.Refill()
				log.Info("hopper refilled")
			}
		}
	}()

	log.Info("feeder simulator running", "interval", opts.interval, "food_level", sim.FoodLevel())
	return sim.Run(ctx, opts.interval)
}

// seedFromDatabase queues commands and schedules that existed before the
// simulator subscribed.
func seedFromDatabase(ctx context.Context, cfg *config.Config, policy retry.Policy, sim *Simulator, deviceID string) error {
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	pending, err := command.NewSQLiteRepository(db.DB, nil, policy).ListPending(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("listing pending commands: %w", err)
	}
	for _, c := range pending {
		sim.OnCommand(feed.OpInsert, c)
	}

	schedules, err := schedule.NewSQLiteRepository(db.DB, nil, policy).ListByDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("listing schedules: %w", err)
	}
	for _, s := range schedules {
		sim.OnSchedule(feed.OpInsert, s)
	}
	return nil
}
