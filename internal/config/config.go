package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix namespaces every environment variable the server reads.
const EnvPrefix = "DISCOSYNC_"

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	WebSocket WebSocketConfig `yaml:"websocket" envPrefix:"WEBSOCKET_"`
	Sync      SyncConfig      `yaml:"sync" envPrefix:"SYNC_"`
	Features  FeaturesConfig  `yaml:"features" envPrefix:"FEATURES_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`
}

// DatabaseConfig points at the sqlite collaborator store.
type DatabaseConfig struct {
	Path    string        `yaml:"path" env:"PATH"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// HTTPConfig controls the listener shared by the REST and socket endpoints.
type HTTPConfig struct {
	Host           string        `yaml:"host" env:"HOST"`
	Port           int           `yaml:"port" env:"PORT"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// WebSocketConfig tunes every socket: heartbeat, deadlines and the per-connection send buffer.
type WebSocketConfig struct {
	PingInterval time.Duration `yaml:"ping_interval" env:"PING_INTERVAL"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	BufferSize   int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// SyncConfig governs the session protocol.
type SyncConfig struct {
	// JoinTimeout bounds the wait for the first message on a session socket
	JoinTimeout time.Duration `yaml:"join_timeout" env:"JOIN_TIMEOUT"`
	// StrictJoin closes a socket whose first message is not JOIN; when false the
	// socket joins as an anonymous participant
	StrictJoin bool `yaml:"strict_join" env:"STRICT_JOIN"`
	// CommandRateLimit is the per-connection budget of messages per minute; 0 disables it
	CommandRateLimit int `yaml:"command_rate_limit" env:"COMMAND_RATE_LIMIT"`
}

// FeaturesConfig seeds the feature flags the first time the store is opened.
type FeaturesConfig struct {
	AudioServiceEnabled     bool `yaml:"audio_service_enabled" env:"AUDIO_SERVICE_ENABLED"`
	VideoServiceEnabled     bool `yaml:"video_service_enabled" env:"VIDEO_SERVICE_ENABLED"`
	StreamingServiceEnabled bool `yaml:"streaming_service_enabled" env:"STREAMING_SERVICE_ENABLED"`
}

// LoggingConfig selects the zerolog level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// TelemetryConfig enables OTLP/HTTP trace export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults; 10s join window matches
// deployed clients and the audio service starts enabled
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:    "./discosync.db",
			Timeout: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		WebSocket: WebSocketConfig{
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			BufferSize:   256,
		},
		Sync: SyncConfig{
			JoinTimeout:      10 * time.Second,
			StrictJoin:       true,
			CommandRateLimit: 600,
		},
		Features: FeaturesConfig{
			AudioServiceEnabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "discosync",
			SampleRatio: 1.0,
		},
	}
}

// Address is the listen address for the HTTP server.
func (c *Config) Address() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// FUNCTIONAL DISCOVERY: Comprehensive validation prevents invalid system configurations
// Critical for preventing runtime failures in production deployment
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}

	if c.Sync.JoinTimeout <= 0 {
		return fmt.Errorf("join timeout must be positive")
	}
	if c.Sync.CommandRateLimit < 0 {
		return fmt.Errorf("command rate limit cannot be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "trace", "debug", "info", "warn", "error", "disabled":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log format must be json or console, got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint is required when telemetry is enabled")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry sample ratio must be between 0 and 1")
	}
	if c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry service name cannot be empty")
	}

	return nil
}

// LoadFromEnv applies DISCOSYNC_* variables on top of the defaults.
// Variables that are not set leave the default untouched.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// LoadFromFile reads a YAML (or JSON) document on top of the defaults.
// Keys absent from the document keep their default value.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// FUNCTIONAL DISCOVERY: Configuration precedence: file > environment > defaults
// A file that was asked for but cannot be read is an error
func LoadConfigWithPrecedence(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
