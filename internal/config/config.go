package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all server configuration
type Config struct {
	Server        ServerConfig        `toml:"server"`
	Store         StoreConfig         `toml:"store"`
	Scheduler     SchedulerConfig     `toml:"scheduler"`
	Lease         LeaseConfig         `toml:"lease"`
	Stats         StatsConfig         `toml:"stats"`
	Logging       LoggingConfig       `toml:"logging"`
	Tracing       TracingConfig       `toml:"tracing"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// ServerConfig holds the HTTP and websocket listener settings
type ServerConfig struct {
	Host              string   `toml:"host"`
	Port              int      `toml:"port"`
	WebSocketPath     string   `toml:"websocket_path"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects the run store backend
type StoreConfig struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path"`
}

// SchedulerConfig bounds the slices handed to workers
type SchedulerConfig struct {
	MaxSliceGames    int `toml:"max_slice_games"`
	GamesPerCore     int `toml:"games_per_core"`
	MinWorkerVersion int `toml:"min_worker_version"`
}

// LeaseConfig holds lease lifetime and sweep schedule
type LeaseConfig struct {
	TTL           Duration `toml:"ttl"`
	SweepSchedule string   `toml:"sweep_schedule"`
}

// StatsConfig selects the SPRT variance model
type StatsConfig struct {
	Model string `toml:"model"`
}

// LoggingConfig holds log output settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// TracingConfig toggles OpenTelemetry span export
type TracingConfig struct {
	Enabled bool `toml:"enabled"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host:              "127.0.0.1",
			Port:              8080,
			WebSocketPath:     "/ws",
			HeartbeatInterval: Duration{30 * time.Second},
			HeartbeatTimeout:  Duration{90 * time.Second},
		},
		Store: StoreConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join(home, ".fishqueue", "runs.db"),
		},
		Scheduler: SchedulerConfig{
			MaxSliceGames: 1000,
			GamesPerCore:  32,
		},
		Lease: LeaseConfig{
			TTL:           Duration{60 * time.Minute},
			SweepSchedule: "@every 1m",
		},
		Stats: StatsConfig{
			Model: "pentanomial",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.Store.Path = ExpandPath(cfg.Store.Path)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	default:
		return fmt.Errorf("store.driver %q: want %s or %s", c.Store.Driver, DriverMemory, DriverSQLite)
	}
	if c.Store.Driver == DriverSQLite && c.Store.Path == "" {
		return fmt.Errorf("store.path is required for the sqlite driver")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Lease.TTL.Duration <= 0 {
		return fmt.Errorf("lease.ttl must be positive")
	}
	if c.Scheduler.MaxSliceGames < 0 || c.Scheduler.GamesPerCore < 0 || c.Scheduler.MinWorkerVersion < 0 {
		return fmt.Errorf("scheduler limits must not be negative")
	}
	return nil
}

// Save writes the config as TOML, creating the directory if needed
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "fishqueue", "config.toml")
}

// Duration is a time.Duration written as "90s" or "1h" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration as a Go duration string
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
