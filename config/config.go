package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// StoreConfig selects and locates the durable backend.
type StoreConfig struct {
	// Backend is one of "memory", "bolt" or "sqlite".
	Backend string `yaml:"backend" env:"NEXUSSYNC_STORE_BACKEND"`
	// Path is the database file, unused by the memory backend.
	Path string `yaml:"path" env:"NEXUSSYNC_STORE_PATH"`
}

// EngineConfig holds sync engine tuning.
type EngineConfig struct {
	FlushDelay    string `yaml:"flush_delay" env:"NEXUSSYNC_ENGINE_FLUSH_DELAY"`
	FlushInterval string `yaml:"flush_interval" env:"NEXUSSYNC_ENGINE_FLUSH_INTERVAL"`
	// SchemaMode is "default", "strict" or "autoschema".
	SchemaMode string `yaml:"schema_mode" env:"NEXUSSYNC_ENGINE_SCHEMA_MODE"`
}

// RelayConfig configures the websocket relay server.
type RelayConfig struct {
	Enabled        bool   `yaml:"enabled" env:"NEXUSSYNC_RELAY_ENABLED"`
	ListenAddress  string `yaml:"listen_address" env:"NEXUSSYNC_RELAY_LISTEN_ADDRESS"`
	Path           string `yaml:"path" env:"NEXUSSYNC_RELAY_PATH"`
	PingInterval   string `yaml:"ping_interval" env:"NEXUSSYNC_RELAY_PING_INTERVAL"`
	PongTimeout    string `yaml:"pong_timeout" env:"NEXUSSYNC_RELAY_PONG_TIMEOUT"`
	WriteTimeout   string `yaml:"write_timeout" env:"NEXUSSYNC_RELAY_WRITE_TIMEOUT"`
	MaxMessageSize int64  `yaml:"max_message_size" env:"NEXUSSYNC_RELAY_MAX_MESSAGE_SIZE"`
}

// ChannelConfig configures the relay client used by the engine. An empty
// RelayURL leaves the engine without a cross-process channel.
type ChannelConfig struct {
	RelayURL       string `yaml:"relay_url" env:"NEXUSSYNC_CHANNEL_RELAY_URL"`
	ReconnectDelay string `yaml:"reconnect_delay" env:"NEXUSSYNC_CHANNEL_RECONNECT_DELAY"`
}

// SnapshotConfig holds snapshot export settings.
type SnapshotConfig struct {
	// Compression is one of "none", "snappy", "lz4" or "zstd".
	Compression string `yaml:"compression" env:"NEXUSSYNC_SNAPSHOT_COMPRESSION"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"NEXUSSYNC_LOG_LEVEL"`   // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output" env:"NEXUSSYNC_LOG_OUTPUT"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file" env:"NEXUSSYNC_LOG_FILE"`     // Path to the log file, used if output is "file"
}

// DebugConfig holds debugging-related configurations.
type DebugConfig struct {
	Enabled          bool   `yaml:"enabled" env:"NEXUSSYNC_DEBUG_ENABLED"`
	ListenAddress    string `yaml:"listen_address" env:"NEXUSSYNC_DEBUG_LISTEN_ADDRESS"`
	PProfEnabled     bool   `yaml:"pprof_enabled" env:"NEXUSSYNC_DEBUG_PPROF_ENABLED"`
	MetricsEnabled   bool   `yaml:"metrics_enabled" env:"NEXUSSYNC_DEBUG_METRICS_ENABLED"`
	MonitorUIEnabled bool   `yaml:"monitor_ui_enabled" env:"NEXUSSYNC_DEBUG_MONITOR_UI_ENABLED"`
}

// SelfMonitoringConfig controls the process-stats collector.
type SelfMonitoringConfig struct {
	Enabled      bool   `yaml:"enabled" env:"NEXUSSYNC_SELF_MONITORING_ENABLED"`
	Interval     string `yaml:"interval" env:"NEXUSSYNC_SELF_MONITORING_INTERVAL"`
	MetricPrefix string `yaml:"metric_prefix" env:"NEXUSSYNC_SELF_MONITORING_METRIC_PREFIX"`
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" env:"NEXUSSYNC_TRACING_ENABLED"`
	Endpoint string `yaml:"endpoint" env:"NEXUSSYNC_TRACING_ENDPOINT"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol" env:"NEXUSSYNC_TRACING_PROTOCOL"` // "grpc" or "http"
}

// Config is the top-level configuration struct.
type Config struct {
	Store          StoreConfig          `yaml:"store"`
	Engine         EngineConfig         `yaml:"engine"`
	Relay          RelayConfig          `yaml:"relay"`
	Channel        ChannelConfig        `yaml:"channel"`
	Snapshot       SnapshotConfig       `yaml:"snapshot"`
	Logging        LoggingConfig        `yaml:"logging"`
	Debug          DebugConfig          `yaml:"debug"`
	SelfMonitoring SelfMonitoringConfig `yaml:"self_monitoring"`
	Tracing        TracingConfig        `yaml:"tracing"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader, then overlays environment
// variables on top. Precedence is env over file over defaults.
// This is the core logic, separated for testability.
func Load(r io.Reader) (*Config, error) {
	// Set default values
	cfg := &Config{
		Store: StoreConfig{
			Backend: "memory",
			Path:    "./data/nexussync.db",
		},
		Engine: EngineConfig{
			FlushDelay:    "5ms",
			FlushInterval: "",
			SchemaMode:    "default",
		},
		Relay: RelayConfig{
			Enabled:        true,
			ListenAddress:  ":8077",
			Path:           "/relay",
			PingInterval:   "20s",
			PongTimeout:    "60s",
			WriteTimeout:   "5s",
			MaxMessageSize: 512,
		},
		Channel: ChannelConfig{
			RelayURL:       "",
			ReconnectDelay: "2s",
		},
		Snapshot: SnapshotConfig{
			Compression: "snappy",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "nexussync.log",
		},
		Debug: DebugConfig{
			Enabled:          true,
			ListenAddress:    "0.0.0.0:6060",
			PProfEnabled:     true,
			MetricsEnabled:   true,
			MonitorUIEnabled: true,
		},
		SelfMonitoring: SelfMonitoringConfig{
			Enabled:      true,
			Interval:     "15s",
			MetricPrefix: "__",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
	}

	// A nil reader behaves like an empty file: defaults plus env.
	if r != nil {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read config data: %w", err)
		}
		if len(data) > 0 {
			// Unmarshal YAML into the config struct, overwriting defaults
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config environment: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}
