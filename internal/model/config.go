package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// LocalConfig controls on-device storage.
type LocalConfig struct {
	// DBPath is the SQLite database file holding the local mirror and
	// pending-record queues.
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// RemoteConfig selects and configures the remote document store.
type RemoteConfig struct {
	// Backend is one of "mongo", "rest", or "memory".
	Backend string `mapstructure:"backend" yaml:"backend"`

	// URI is the MongoDB connection string for the mongo backend.
	URI string `mapstructure:"uri" yaml:"uri"`

	// Database is the MongoDB database name.
	Database string `mapstructure:"database" yaml:"database"`

	// BaseURL is the document API root for the rest backend.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// RequestsPerSecond caps client-side request rate for the rest backend.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// ConnectivityConfig controls the online/offline probe.
type ConnectivityConfig struct {
	// ProbeURL is fetched periodically; any 2xx response means online.
	ProbeURL string `mapstructure:"probe_url" yaml:"probe_url"`

	// IntervalSec is how often the probe runs.
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`
}

// SyncConfig controls retry pacing of record queues.
type SyncConfig struct {
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms" yaml:"backoff_initial_ms"`
	BackoffMaxSec    int     `mapstructure:"backoff_max_sec" yaml:"backoff_max_sec"`
	FlushesPerSecond float64 `mapstructure:"flushes_per_second" yaml:"flushes_per_second"`
}

// PinConfig controls PIN assignment.
type PinConfig struct {
	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`

	// RedisAddr enables cross-device PIN reservation when set.
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	ReserveTTLSec int    `mapstructure:"reserve_ttl_sec" yaml:"reserve_ttl_sec"`
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled" yaml:"enabled"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure" yaml:"insecure"`
}

// ServerConfig configures the document API server.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`

	// RequestsPerSecond and Burst limit document requests; zero disables
	// the limit.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Local        LocalConfig        `mapstructure:"local" yaml:"local"`
	Remote       RemoteConfig       `mapstructure:"remote" yaml:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	Pin          PinConfig          `mapstructure:"pin" yaml:"pin"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry" yaml:"telemetry"`
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
}

// configDir returns ~/.config/fieldsync, falling back to the working
// directory when the home directory is unknown.
func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "fieldsync")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/fieldsync/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		Local: LocalConfig{
			DBPath: filepath.Join(configDir(), "fieldsync.db"),
		},
		Remote: RemoteConfig{
			Backend:           "rest",
			Database:          "fieldsync",
			BaseURL:           "http://localhost:8080",
			RequestsPerSecond: 10,
		},
		Connectivity: ConnectivityConfig{
			ProbeURL:    "http://localhost:8080/healthz",
			IntervalSec: 15,
		},
		Sync: SyncConfig{
			BackoffInitialMs: 500,
			BackoffMaxSec:    300,
			FlushesPerSecond: 4,
		},
		Pin: PinConfig{
			MaxAttempts:   5,
			ReserveTTLSec: 86400,
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "localhost:4317",
		},
		Server: ServerConfig{
			Addr:              ":8080",
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultAppConfig()
	v.SetDefault("local.db_path", def.Local.DBPath)
	v.SetDefault("remote.backend", def.Remote.Backend)
	v.SetDefault("remote.database", def.Remote.Database)
	v.SetDefault("remote.base_url", def.Remote.BaseURL)
	v.SetDefault("remote.requests_per_second", def.Remote.RequestsPerSecond)
	v.SetDefault("connectivity.probe_url", def.Connectivity.ProbeURL)
	v.SetDefault("connectivity.interval_sec", def.Connectivity.IntervalSec)
	v.SetDefault("sync.backoff_initial_ms", def.Sync.BackoffInitialMs)
	v.SetDefault("sync.backoff_max_sec", def.Sync.BackoffMaxSec)
	v.SetDefault("sync.flushes_per_second", def.Sync.FlushesPerSecond)
	v.SetDefault("pin.max_attempts", def.Pin.MaxAttempts)
	v.SetDefault("pin.reserve_ttl_sec", def.Pin.ReserveTTLSec)
	v.SetDefault("telemetry.otlp_endpoint", def.Telemetry.OTLPEndpoint)
	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("server.requests_per_second", def.Server.RequestsPerSecond)
	v.SetDefault("server.burst", def.Server.Burst)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Pin.MaxAttempts <= 0 {
		cfg.Pin.MaxAttempts = def.Pin.MaxAttempts
	}
	if cfg.Connectivity.IntervalSec <= 0 {
		cfg.Connectivity.IntervalSec = def.Connectivity.IntervalSec
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("local", cfg.Local)
	v.Set("remote", cfg.Remote)
	v.Set("connectivity", cfg.Connectivity)
	v.Set("sync", cfg.Sync)
	v.Set("pin", cfg.Pin)
	v.Set("telemetry", cfg.Telemetry)
	v.Set("server", cfg.Server)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
