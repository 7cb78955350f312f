package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fleetsim/fleetsim/internal/command"
	"github.com/fleetsim/fleetsim/internal/config"
	"github.com/fleetsim/fleetsim/internal/history"
	"github.com/fleetsim/fleetsim/internal/logging"
	"github.com/fleetsim/fleetsim/internal/metering"
	"github.com/fleetsim/fleetsim/internal/scheduler"
	"github.com/fleetsim/fleetsim/internal/simulation"
	"github.com/fleetsim/fleetsim/internal/transport"
	"github.com/fleetsim/fleetsim/internal/websocket"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "fleetsim",
	Short:   "fleetsim - synthetic IoT telemetry load generator",
	Long:    `fleetsim emulates a fleet of devices publishing telemetry to a broker and takes start/stop commands over a control topic at runtime`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runSimulator()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("fleetsim %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSimulator() {
	// Baseline logger for early startup logs
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "fleetsim",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Re-initialize logging with configuration-driven settings
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "fleetsim",
	})

	log.Info().
		Str("broker_url", cfg.BrokerURL).
		Str("broker_user", cfg.BrokerUser).
		Str("broker_pass", config.Anonymize(cfg.BrokerPassword)).
		Str("broker_client_id", cfg.ClientID).
		Uint8("broker_qos", cfg.QoS).
		Int("capacity", cfg.Capacity).
		Time("sim_start_time", cfg.StartTime).
		Msg("Connecting to broker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := transport.New(transport.Config{
		URL:          cfg.BrokerURL,
		Username:     cfg.BrokerUser,
		Password:     cfg.BrokerPassword,
		ClientID:     cfg.ClientID,
		QoS:          cfg.QoS,
		DataTopic:    cfg.DataTopic,
		ControlTopic: cfg.ControlTopic,
		Capacity:     cfg.Capacity,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to broker")
	}
	defer conn.Close()

	sim := simulation.New(cfg.ClientID)
	mailbox := scheduler.NewMailbox()

	if err := conn.SubscribeCommands(ctx, func(payload string) {
		cmd, err := command.Parse(payload)
		if err != nil {
			log.Warn().Err(err).Str("payload", payload).Msg("Ignoring control message")
			return
		}
		log.Info().Str("command", cmd.Name).Msg("Control command received")
		mailbox.Send(cmd.Params)
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to subscribe to control topic")
	}

	meter := metering.New()
	observers := []scheduler.CycleObserver{meter}

	var store *history.Store
	if cfg.HistoryPath != "" {
		store, err = history.NewStore(history.DefaultConfig(cfg.HistoryPath))
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open history store")
		}
		observers = append(observers, store)
	}

	if cfg.MetricsAddr != "" {
		hub := websocket.NewHub()
		go hub.Run(ctx)
		observers = append(observers, hub)
		metering.StartServer(ctx, cfg.MetricsAddr, meter, map[string]http.Handler{
			"/ws": http.HandlerFunc(hub.HandleWebSocket),
		})
	}

	sched := scheduler.New(scheduler.Config{
		Simulation:     sim,
		Mailbox:        mailbox,
		Publisher:      conn,
		Observers:      observers,
		MaxConcurrency: cfg.Capacity,
		PublishQPS:     cfg.PublishQPS,
		MaxRuns:        cfg.Runs,
	})

	waitForStart(ctx, cfg.StartTime)

	log.Info().
		Int("sim_devices", cfg.Parameters.DeviceCount).
		Int("sim_data_points", cfg.Parameters.DataPointsPerDevice).
		Uint64("sim_seed", cfg.Parameters.Seed).
		Dur("sim_frequency", cfg.Parameters.CycleInterval).
		Int("sim_runs", cfg.Runs).
		Msg("Running the simulation")

	// The environment supplies the initial fleet configuration; the
	// control topic and the .env watcher replace it at runtime.
	mailbox.Send(cfg.Parameters)

	watcher, err := config.NewWatcher(config.DefaultEnvFile, cfg.Parameters, mailbox.Send)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create config watcher, .env changes will require restart")
	} else {
		if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sched.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	reloadChan := make(chan os.Signal, 1)

	// SIGTERM and SIGINT for shutdown
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	// SIGHUP for config reload
	signal.Notify(reloadChan, syscall.SIGHUP)

	var runErr error
loop:
	for {
		select {
		case <-reloadChan:
			log.Info().Msg("Received SIGHUP, reloading configuration")
			if watcher != nil {
				watcher.Reload()
			}

		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("Shutting down")
			cancel()
			runErr = <-errCh
			break loop

		case runErr = <-errCh:
			break loop
		}
	}

	if store != nil {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close history store")
		}
	}

	if runErr != nil {
		conn.Close()
		log.Fatal().Err(runErr).Msg("Simulator exited with failure")
	}

	log.Info().Msg("Simulator stopped")
}

// waitForStart blocks until the configured start instant so several
// instances can enter their first cycle together. A start time in the
// past begins immediately.
func waitForStart(ctx context.Context, start time.Time) {
	if start.IsZero() {
		return
	}

	delay := time.Until(start)
	if delay <= 0 {
		log.Warn().Time("sim_start_time", start).Msg("Configured start time already passed, starting now")
		return
	}

	log.Info().Time("sim_start_time", start).Dur("wait", delay).Msg("Waiting for coordinated start")
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
