// Package config loads fleet and broker settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/fleetsim/fleetsim/internal/simulation"
)

// DefaultEnvFile is the configuration file loaded from the working
// directory and watched for runtime changes.
const DefaultEnvFile = ".env"

// Config carries everything the process needs at startup. The fleet
// parameters can later be replaced at runtime through the control topic
// or by editing the watched .env file.
type Config struct {
	// Parameters is the initial fleet configuration.
	Parameters simulation.Parameters

	// Runs bounds the total number of publish cycles. Zero means run
	// until stopped.
	Runs int

	// StartTime delays the first cycle until the given instant, so
	// several instances can begin publishing together. Zero starts
	// immediately.
	StartTime time.Time

	// PublishQPS caps outbound publishes per second. Zero disables the
	// limiter.
	PublishQPS int

	BrokerURL      string
	BrokerUser     string
	BrokerPassword string

	// ClientID names this instance on the broker and prefixes every
	// device topic. Generated when not configured.
	ClientID string

	// QoS is the MQTT delivery guarantee for data and control topics.
	QoS byte

	DataTopic    string
	ControlTopic string

	// Capacity sizes the transport's in-flight queue and bounds how many
	// device publishes run concurrently.
	Capacity int

	// MetricsAddr is the listen address for the metrics and live view
	// endpoint. Empty disables the server.
	MetricsAddr string

	// HistoryPath is the SQLite database recording runs and cycles.
	// Empty disables history.
	HistoryPath string

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first without overriding variables that
// are already set. Malformed values are returned as errors so the caller
// can refuse to start.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded .env from working directory")
	}

	params, err := ParseParameters(os.Getenv)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Parameters:     params,
		BrokerURL:      getString("BROKER_URL", "mqtt://localhost:1883"),
		BrokerUser:     getString("BROKER_USER", "mqtt"),
		BrokerPassword: getString("BROKER_PASS", "pass"),
		ClientID:       getString("BROKER_CLIENT_ID", ""),
		DataTopic:      getString("BROKER_TOPIC", "telemetry"),
		ControlTopic:   getString("CONTROL_TOPIC", "control"),
		MetricsAddr:    getString("METRICS_ADDR", ""),
		HistoryPath:    getString("HISTORY_PATH", ""),
		LogLevel:       getString("LOG_LEVEL", "info"),
		LogFormat:      getString("LOG_FORMAT", "auto"),
	}

	if cfg.Runs, err = parseInt(os.Getenv, "SIM_RUNS", 0); err != nil {
		return nil, err
	}
	if cfg.PublishQPS, err = parseInt(os.Getenv, "SIM_PUBLISH_QPS", 0); err != nil {
		return nil, err
	}
	if cfg.Capacity, err = parseInt(os.Getenv, "CAPACITY", 1000); err != nil {
		return nil, err
	}

	qos, err := parseInt(os.Getenv, "BROKER_QOS", 1)
	if err != nil {
		return nil, err
	}
	if qos > 2 {
		return nil, fmt.Errorf("BROKER_QOS must be 0, 1 or 2, got %d", qos)
	}
	cfg.QoS = byte(qos)

	if raw := strings.TrimSpace(os.Getenv("SIM_START_TIME")); raw != "" {
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("parse SIM_START_TIME=%q: %w", raw, err)
		}
		cfg.StartTime = start
	}

	if cfg.ClientID == "" {
		cfg.ClientID = "fleetsim-" + uuid.NewString()[:8]
	}

	return cfg, nil
}

// ParseParameters derives fleet parameters from a key lookup, typically
// os.Getenv or a parsed .env map. Missing keys fall back to the defaults
// of a hundred devices with a hundred points each every second.
func ParseParameters(lookup func(string) string) (simulation.Parameters, error) {
	devices, err := parseInt(lookup, "SIM_DEVICES", 100)
	if err != nil {
		return simulation.Parameters{}, err
	}
	dataPoints, err := parseInt(lookup, "SIM_DATA_POINTS", 100)
	if err != nil {
		return simulation.Parameters{}, err
	}
	frequencySecs, err := parseInt(lookup, "SIM_FREQUENCY_SECS", 1)
	if err != nil {
		return simulation.Parameters{}, err
	}
	seed, err := parseUint64(lookup, "SIM_SEED", 0)
	if err != nil {
		return simulation.Parameters{}, err
	}

	return simulation.Parameters{
		DeviceCount:         devices,
		DataPointsPerDevice: dataPoints,
		CycleInterval:       time.Duration(frequencySecs) * time.Second,
		Seed:                seed,
	}, nil
}

// Anonymize masks a credential for logging, keeping only the first and
// last rune.
func Anonymize(s string) string {
	runes := []rune(s)
	if len(runes) == 0 {
		return "…"
	}
	return string(runes[0]) + "…" + string(runes[len(runes)-1])
}

func getString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseInt(lookup func(string) string, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(lookup(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative, got %d", key, v)
	}
	return v, nil
}

func parseUint64(lookup func(string) string, key string, fallback uint64) (uint64, error) {
	raw := strings.TrimSpace(lookup(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return v, nil
}
