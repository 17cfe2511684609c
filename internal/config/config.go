package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/h1v3-io/courier/pkg/protocol"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "COURIER"

// Config is the top-level courier configuration. It is built once at
// startup and passed to constructors; nothing reads it from globals.
type Config struct {
	DataDir     string            `json:"data_dir" envconfig:"DATA_DIR" default:"./data"`
	LogLevel    string            `json:"log_level" envconfig:"LOG_LEVEL" default:"info"`
	Store       StoreConfig       `json:"store" envconfig:"STORE"`
	Coordinates CoordinatesConfig `json:"coordinates" envconfig:"COORDS"`
	Queue       QueueConfig       `json:"queue" envconfig:"QUEUE"`
	Dispatch    DispatchConfig    `json:"dispatch" envconfig:"DISPATCH"`
	API         APIConfig         `json:"api" envconfig:"API"`
	Comms       CommsConfig       `json:"comms" envconfig:"COMMS"`

	// Webhooks maps endpoint names to their auth and routing. File and
	// platform config only.
	Webhooks map[string]WebhookConfig `json:"webhooks,omitempty" ignored:"true"`
}

// StoreConfig selects the queue persistence backend.
type StoreConfig struct {
	Driver string `json:"driver" envconfig:"DRIVER" default:"sqlite"` // "sqlite" or "postgres"
	DSN    string `json:"dsn,omitempty" envconfig:"DSN"`              // sqlite file path or postgres URL
}

// CoordinatesConfig locates coordinate sources and the accepted bounds.
type CoordinatesConfig struct {
	PrimaryPath string       `json:"primary_path" envconfig:"PRIMARY_PATH" default:"./config/coordinates.json"`
	BackupPath  string       `json:"backup_path" envconfig:"BACKUP_PATH" default:"./config/coordinates.backup.json"`
	EnvPrefix   string       `json:"env_prefix" envconfig:"ENV_PREFIX" default:"COURIER_AGENT_"`
	EnvCount    int          `json:"env_count" envconfig:"ENV_COUNT" default:"8"`
	Watch       bool         `json:"watch" envconfig:"WATCH" default:"true"`
	Bounds      BoundsConfig `json:"bounds" envconfig:"BOUNDS"`
}

// BoundsConfig is the multi-monitor rectangle; it is intentionally wider
// than any single screen.
type BoundsConfig struct {
	MinX int `json:"min_x" envconfig:"MIN_X" default:"-3000"`
	MaxX int `json:"max_x" envconfig:"MAX_X" default:"5000"`
	MinY int `json:"min_y" envconfig:"MIN_Y" default:"-1000"`
	MaxY int `json:"max_y" envconfig:"MAX_Y" default:"3000"`
}

// QueueConfig holds message defaults and maintenance schedules.
type QueueConfig struct {
	MaxAttempts     int      `json:"max_attempts" envconfig:"MAX_ATTEMPTS" default:"3"`
	TTL             Duration `json:"ttl" envconfig:"TTL" default:"24h"`
	CleanupSchedule string   `json:"cleanup_schedule" envconfig:"CLEANUP_SCHEDULE" default:"@every 1m"`
	PurgeAfter      Duration `json:"purge_after" envconfig:"PURGE_AFTER" default:"168h"`
}

// DispatchConfig tunes the injection loop.
type DispatchConfig struct {
	Timeout       Duration `json:"timeout" envconfig:"TIMEOUT" default:"10s"`
	PollInterval  Duration `json:"poll_interval" envconfig:"POLL_INTERVAL" default:"500ms"`
	BackoffBase   Duration `json:"backoff_base" envconfig:"BACKOFF_BASE" default:"2s"`
	BackoffMax    Duration `json:"backoff_max" envconfig:"BACKOFF_MAX" default:"1m"`
	DeviceLatency Duration `json:"device_latency" envconfig:"DEVICE_LATENCY" default:"50ms"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	Host string `json:"host" envconfig:"HOST" default:"0.0.0.0"`
	Port int    `json:"port" envconfig:"PORT" default:"8080"`
	Key  string `json:"api_key,omitempty" envconfig:"KEY"`
}

// CommsConfig enables delivery events over NATS. An empty URL disables it.
type CommsConfig struct {
	URL           string `json:"url,omitempty" envconfig:"URL"`
	Name          string `json:"name" envconfig:"NAME" default:"courier"`
	SubjectPrefix string `json:"subject_prefix" envconfig:"SUBJECT_PREFIX" default:"courier.delivery"`
}

// WebhookConfig configures one inbound webhook endpoint.
type WebhookConfig struct {
	Secret      string `json:"secret,omitempty"`       // HMAC-SHA256 key
	BearerToken string `json:"bearer_token,omitempty"` // used when Secret is empty
	Recipient   string `json:"recipient,omitempty"`    // default agent, "*" for broadcast
	Priority    string `json:"priority,omitempty"`
}

// Duration is a time.Duration that reads and writes strings like "1m30s"
// in both JSON and environment variables.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Defaults returns the configuration used when nothing overrides it. It
// matches the default tags read by LoadFromEnv.
func Defaults() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Store:    StoreConfig{Driver: "sqlite"},
		Coordinates: CoordinatesConfig{
			PrimaryPath: "./config/coordinates.json",
			BackupPath:  "./config/coordinates.backup.json",
			EnvPrefix:   "COURIER_AGENT_",
			EnvCount:    8,
			Watch:       true,
			Bounds:      BoundsConfig{MinX: -3000, MaxX: 5000, MinY: -1000, MaxY: 3000},
		},
		Queue: QueueConfig{
			MaxAttempts:     3,
			TTL:             Duration{24 * time.Hour},
			CleanupSchedule: "@every 1m",
			PurgeAfter:      Duration{168 * time.Hour},
		},
		Dispatch: DispatchConfig{
			Timeout:       Duration{10 * time.Second},
			PollInterval:  Duration{500 * time.Millisecond},
			BackoffBase:   Duration{2 * time.Second},
			BackoffMax:    Duration{time.Minute},
			DeviceLatency: Duration{50 * time.Millisecond},
		},
		API:   APIConfig{Host: "0.0.0.0", Port: 8080},
		Comms: CommsConfig{Name: "courier", SubjectPrefix: "courier.delivery"},
	}
}

// Load reads configuration from a JSON file. Fields absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds the config from COURIER_* environment variables.
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if c.DataDir == "" {
		errs = append(errs, "data_dir is required")
	}
	if _, ok := parseLevel(c.LogLevel); !ok {
		errs = append(errs, fmt.Sprintf("log_level %q must be one of debug, info, warn, error", c.LogLevel))
	}

	switch c.Store.Driver {
	case "sqlite":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, "store.dsn is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q must be sqlite or postgres", c.Store.Driver))
	}

	co := c.Coordinates
	if co.PrimaryPath == "" && co.BackupPath == "" && co.EnvCount <= 0 {
		errs = append(errs, "coordinates: at least one source (primary_path, backup_path, env_count) is required")
	}
	if co.EnvCount < 0 {
		errs = append(errs, "coordinates.env_count must not be negative")
	}
	if co.Bounds.MinX >= co.Bounds.MaxX {
		errs = append(errs, "coordinates.bounds: min_x must be below max_x")
	}
	if co.Bounds.MinY >= co.Bounds.MaxY {
		errs = append(errs, "coordinates.bounds: min_y must be below max_y")
	}

	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, "queue.max_attempts must be at least 1")
	}
	if c.Queue.TTL.Duration < 0 {
		errs = append(errs, "queue.ttl must not be negative")
	}
	if c.Queue.CleanupSchedule == "" {
		errs = append(errs, "queue.cleanup_schedule is required")
	}

	if c.Dispatch.Timeout.Duration <= 0 {
		errs = append(errs, "dispatch.timeout must be positive")
	}
	if c.Dispatch.PollInterval.Duration <= 0 {
		errs = append(errs, "dispatch.poll_interval must be positive")
	}
	if c.Dispatch.BackoffBase.Duration < 0 || c.Dispatch.BackoffMax.Duration < c.Dispatch.BackoffBase.Duration {
		errs = append(errs, "dispatch: backoff_base must be non-negative and not exceed backoff_max")
	}

	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}

	for name, wh := range c.Webhooks {
		if name == "" || strings.Contains(name, "/") {
			errs = append(errs, fmt.Sprintf("webhooks: invalid endpoint name %q", name))
		}
		if _, err := protocol.ParsePriority(wh.Priority); err != nil {
			errs = append(errs, fmt.Sprintf("webhooks.%s.priority: %v", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// QueueDSN returns the store DSN, defaulting the SQLite file into DataDir.
func (c *Config) QueueDSN() string {
	if c.Store.DSN != "" {
		return c.Store.DSN
	}
	return filepath.Join(c.DataDir, "queue.db")
}

// SlogLevel converts LogLevel for slog.HandlerOptions.
func (c *Config) SlogLevel() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
