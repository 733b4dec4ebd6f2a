package beeps

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the sync server.
type ServerConfig struct {
	// Bind is the host:port to listen on.
	Bind string `yaml:"bind"`

	// DatabaseURL locates the database (a path, file: URL, or sqlite://
	// URL).
	DatabaseURL string `yaml:"database_url"`

	// JWTSecret signs bearer tokens. Required.
	JWTSecret string `yaml:"jwt_secret"`

	// AllowRegistration gates POST /api/register.
	AllowRegistration bool `yaml:"allow_registration"`

	// RequestTimeout bounds each request handler.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// BodyLimit is the maximum accepted request body size in bytes.
	BodyLimit int64 `yaml:"body_limit"`

	// LogLevel is one of off, error, warn, info, debug, trace.
	LogLevel string `yaml:"log_level"`

	// Backup configures the optional S3 snapshot sweep.
	Backup BackupConfig `yaml:"backup"`
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Bind:           "0.0.0.0:3000",
		RequestTimeout: 30 * time.Second,
		BodyLimit:      10 * 1024 * 1024,
		LogLevel:       "info",
	}
}

// ReplicaConfig configures the client-side replica controller.
type ReplicaConfig struct {
	// StatePath is where the document is persisted between runs.
	StatePath string `yaml:"state_path"`

	// Server is the sync server base URL. Empty disables syncing.
	Server string `yaml:"server"`

	// Token is the bearer token from login or registration.
	Token string `yaml:"token"`

	// SyncInterval is how often to schedule, push, and pull.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// PromoteInterval is how often future pings are checked against the
	// wall clock and surfaced.
	PromoteInterval time.Duration `yaml:"promote_interval"`

	// Horizon is how far past now to schedule pings.
	Horizon time.Duration `yaml:"horizon"`

	// Watch opens a websocket to the server and syncs immediately when
	// other replicas push.
	Watch bool `yaml:"watch"`
}

// DefaultReplicaConfig returns the default replica configuration.
func DefaultReplicaConfig() ReplicaConfig {
	return ReplicaConfig{
		SyncInterval:    10 * time.Second,
		PromoteInterval: time.Second,
		Horizon:         time.Hour,
	}
}

// LoadServerConfig reads a YAML config file over the defaults.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadReplicaConfig reads a YAML config file over the defaults.
func LoadReplicaConfig(path string) (ReplicaConfig, error) {
	cfg := DefaultReplicaConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ParseLogLevel maps a --log-level value onto a slog level. "off"
// returns a level above anything slog emits; "trace" maps below debug.
func ParseLogLevel(level string) (slog.Level, error) {
	switch level {
	case "off":
		return slog.LevelError + 4, nil
	case "error":
		return slog.LevelError, nil
	case "warn":
		return slog.LevelWarn, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "trace":
		return slog.LevelDebug - 4, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", level)
	}
}
