package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

const validJSON = `{
  "data_dir": "/tmp/courier-test",
  "log_level": "debug",
  "store": {"driver": "sqlite"},
  "coordinates": {
    "primary_path": "/etc/courier/coordinates.json",
    "backup_path": "/etc/courier/coordinates.backup.json",
    "env_count": 4,
    "bounds": {"min_x": -1920, "max_x": 3840, "min_y": -200, "max_y": 2160}
  },
  "queue": {"max_attempts": 5, "ttl": "2h", "cleanup_schedule": "@every 30s"},
  "dispatch": {"timeout": "3s", "backoff_base": "250ms", "backoff_max": "5s"},
  "api": {"host": "127.0.0.1", "port": 9090, "api_key": "dashboard-key"},
  "comms": {"url": "nats://127.0.0.1:4222"}
}`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, validJSON))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DataDir != "/tmp/courier-test" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Coordinates.EnvCount != 4 {
		t.Errorf("env_count = %d", cfg.Coordinates.EnvCount)
	}
	if cfg.Coordinates.Bounds.MinX != -1920 || cfg.Coordinates.Bounds.MaxY != 2160 {
		t.Errorf("bounds = %+v", cfg.Coordinates.Bounds)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.TTL.Duration != 2*time.Hour {
		t.Errorf("ttl = %v", cfg.Queue.TTL)
	}
	if cfg.Dispatch.Timeout.Duration != 3*time.Second {
		t.Errorf("timeout = %v", cfg.Dispatch.Timeout)
	}
	if cfg.API.Port != 9090 || cfg.API.Key != "dashboard-key" {
		t.Errorf("api = %+v", cfg.API)
	}
	if cfg.Comms.URL != "nats://127.0.0.1:4222" {
		t.Errorf("comms.url = %q", cfg.Comms.URL)
	}
}

func TestLoad_KeepsDefaultsForMissingFields(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"data_dir": "/tmp/x"}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	def := Defaults()
	if cfg.Dispatch != def.Dispatch {
		t.Errorf("dispatch = %+v, want defaults %+v", cfg.Dispatch, def.Dispatch)
	}
	if cfg.Coordinates.Bounds != def.Coordinates.Bounds {
		t.Errorf("bounds = %+v", cfg.Coordinates.Bounds)
	}
	if cfg.Comms.SubjectPrefix != "courier.delivery" {
		t.Errorf("subject_prefix = %q", cfg.Comms.SubjectPrefix)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	_, err := Load(writeConfig(t, "{not json"))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, `{"dispatch": {"timeout": "soon"}}`))
	if err == nil {
		t.Fatal("expected error for bad duration")
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "postgres"
	cfg.Coordinates.Bounds.MinX = 10
	cfg.Coordinates.Bounds.MaxX = 10
	cfg.Queue.MaxAttempts = 0
	cfg.Dispatch.Timeout = Duration{}
	cfg.LogLevel = "chatty"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		"store.dsn is required",
		"min_x must be below max_x",
		"queue.max_attempts",
		"dispatch.timeout",
		"log_level",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error missing %q:\n%s", want, msg)
		}
	}
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := Defaults()
	cfg.Store.Driver = "bolt"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "store.driver") {
		t.Errorf("expected driver error, got %v", err)
	}
}

func TestDefaultsAreValid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadFromEnv_MatchesDefaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if !reflect.DeepEqual(cfg, Defaults()) {
		t.Errorf("env defaults diverge from Defaults():\n got  %+v\n want %+v", cfg, Defaults())
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("COURIER_DATA_DIR", "/var/lib/courier")
	t.Setenv("COURIER_STORE_DRIVER", "postgres")
	t.Setenv("COURIER_STORE_DSN", "postgres://courier@localhost/courier")
	t.Setenv("COURIER_COORDS_BOUNDS_MIN_X", "-2560")
	t.Setenv("COURIER_QUEUE_MAX_ATTEMPTS", "7")
	t.Setenv("COURIER_DISPATCH_TIMEOUT", "1500ms")
	t.Setenv("COURIER_API_PORT", "9191")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.DataDir != "/var/lib/courier" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Store.Driver != "postgres" || cfg.QueueDSN() != "postgres://courier@localhost/courier" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Coordinates.Bounds.MinX != -2560 {
		t.Errorf("min_x = %d", cfg.Coordinates.Bounds.MinX)
	}
	if cfg.Queue.MaxAttempts != 7 {
		t.Errorf("max_attempts = %d", cfg.Queue.MaxAttempts)
	}
	if cfg.Dispatch.Timeout.Duration != 1500*time.Millisecond {
		t.Errorf("timeout = %v", cfg.Dispatch.Timeout)
	}
	if cfg.API.Port != 9191 {
		t.Errorf("port = %d", cfg.API.Port)
	}
}

func TestQueueDSN_DefaultsIntoDataDir(t *testing.T) {
	cfg := Defaults()
	cfg.DataDir = "/srv/courier"
	if got := cfg.QueueDSN(); got != filepath.Join("/srv/courier", "queue.db") {
		t.Errorf("QueueDSN = %q", got)
	}
}

func TestLoad_Webhooks(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"webhooks": {
	  "ci": {"secret": "whsec", "recipient": "Agent-1", "priority": "high"},
	  "standup": {"bearer_token": "tok", "recipient": "*"}
	}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Webhooks) != 2 || cfg.Webhooks["ci"].Secret != "whsec" || cfg.Webhooks["standup"].Recipient != "*" {
		t.Errorf("webhooks = %+v", cfg.Webhooks)
	}

	_, err = Load(writeConfig(t, `{"webhooks": {"ci": {"priority": "asap"}}}`))
	if err == nil || !strings.Contains(err.Error(), "webhooks.ci.priority") {
		t.Errorf("expected priority error, got %v", err)
	}
}
