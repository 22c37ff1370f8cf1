package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/citytailor/internal/types"
)

var envVars = []string{
	"CITYTAILOR_CONFIG_PATH",
	"CITYTAILOR_DEV_MODE",
	"CITYTAILOR_PORT",
	"CITYTAILOR_READ_TIMEOUT",
	"CITYTAILOR_WRITE_TIMEOUT",
	"CITYTAILOR_SHUTDOWN_TIMEOUT",
	"CITYTAILOR_DB_PATH",
	"CITYTAILOR_API_KEY",
	"CITYTAILOR_LOG_LEVEL",
	"CITYTAILOR_LOG_FORMAT",
	"CITYTAILOR_BATCH_INTERVAL",
	"CITYTAILOR_WORKERS",
	"CITYTAILOR_CRITICAL_EVENTS",
	"CITYTAILOR_DRAIN_ON_SHUTDOWN",
	"CITYTAILOR_TIME_REFRESH_INTERVAL",
	"CITYTAILOR_WEATHER_REFRESH_INTERVAL",
	"CITYTAILOR_WEATHER_SEED",
	"CITYTAILOR_DEVICE_CLASS",
	"CITYTAILOR_CONNECTION_CLASS",
	"CITYTAILOR_TIMEZONE",
	"CITYTAILOR_CACHE_SIZE",
	"CITYTAILOR_SMOOTHING",
	"CITYTAILOR_STORE_TIMEOUT",
	"CITYTAILOR_RETRY_BACKOFF",
	"CITYTAILOR_DECAY_INTERVAL",
	"CITYTAILOR_DECAY_AMOUNT",
	"CITYTAILOR_RULE_NORMALIZATION",
	"CITYTAILOR_DEFAULT_LIMIT",
	"CITYTAILOR_MAX_LIMIT",
	"CITYTAILOR_BACKUP_INTERVAL",
	"CITYTAILOR_BACKUP_DIR",
	"CITYTAILOR_BACKUP_BUCKET",
	"CITYTAILOR_BACKUP_ENDPOINT",
	"CITYTAILOR_BACKUP_REGION",
	"CITYTAILOR_BACKUP_PREFIX",
	"CITYTAILOR_BACKUP_ACCESS_KEY",
	"CITYTAILOR_BACKUP_SECRET_KEY",
	"CITYTAILOR_BACKUP_USE_SSL",
}

// clearEnv blanks every config env var for the duration of the test.
// Empty values never override, so blank is equivalent to unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		t.Setenv(v, "")
	}
	t.Setenv("CITYTAILOR_CONFIG_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
}

func setDevModeEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CITYTAILOR_DEV_MODE", "true")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// dur converts Duration to time.Duration for comparison
func dur(d Duration) time.Duration {
	return time.Duration(d)
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Database.Path != "data/citytailor.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if dur(cfg.Learning.BatchInterval) != 5*time.Second {
		t.Errorf("Learning.BatchInterval = %v, want 5s", dur(cfg.Learning.BatchInterval))
	}
	if cfg.Learning.Workers != 4 || !cfg.Learning.DrainOnShutdown {
		t.Errorf("Learning = %+v", cfg.Learning)
	}
	want := []types.EventType{types.EventFavoriteAdded, types.EventStrongRejection, types.EventBookingCompleted}
	got := cfg.CriticalEventTypes()
	if len(got) != len(want) {
		t.Fatalf("CriticalEventTypes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CriticalEventTypes[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if dur(cfg.Context.TimeRefreshInterval) != time.Minute || dur(cfg.Context.WeatherRefreshInterval) != 30*time.Minute {
		t.Errorf("Context intervals = %+v", cfg.Context)
	}
	if cfg.Rules.CacheSize != 10000 || cfg.Rules.Smoothing != 0.5 {
		t.Errorf("Rules = %+v", cfg.Rules)
	}
	if dur(cfg.Rules.StoreTimeout) != 250*time.Millisecond || dur(cfg.Rules.RetryBackoff) != 50*time.Millisecond {
		t.Errorf("Rules timeouts = %v %v", dur(cfg.Rules.StoreTimeout), dur(cfg.Rules.RetryBackoff))
	}
	if cfg.Rules.IgnorePenalty != 0.4 || cfg.Rules.RejectionPenalty != 3.0 || cfg.Rules.SessionDecayRate != 0.1 {
		t.Errorf("Rules penalties = %+v", cfg.Rules)
	}
	if cfg.Scoring.RuleNormalization != 3.0 || cfg.Scoring.DefaultLimit != 5 || cfg.Scoring.MaxLimit != 50 {
		t.Errorf("Scoring = %+v", cfg.Scoring)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestLoad_ValidationFailsWithoutAPIKey(t *testing.T) {
	clearEnv(t)

	if _, err := Load(); err == nil {
		t.Error("Load() expected error when API key missing, got nil")
	}
}

func TestLoad_ValidationPassesWithAPIKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("CITYTAILOR_API_KEY", "test-api-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.APIKey != "test-api-key" {
		t.Errorf("Auth.APIKey = %q", cfg.Auth.APIKey)
	}
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	t.Setenv("CITYTAILOR_PORT", "9090")
	t.Setenv("CITYTAILOR_DB_PATH", "/custom/path.db")
	t.Setenv("CITYTAILOR_BATCH_INTERVAL", "2s")
	t.Setenv("CITYTAILOR_WORKERS", "8")
	t.Setenv("CITYTAILOR_CRITICAL_EVENTS", "favorite_added, itinerary_added")
	t.Setenv("CITYTAILOR_DRAIN_ON_SHUTDOWN", "false")
	t.Setenv("CITYTAILOR_WEATHER_SEED", "42")
	t.Setenv("CITYTAILOR_SMOOTHING", "0.25")
	t.Setenv("CITYTAILOR_STORE_TIMEOUT", "1s")
	t.Setenv("CITYTAILOR_MAX_LIMIT", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Database.Path != "/custom/path.db" {
		t.Errorf("server/db = %d %q", cfg.Server.Port, cfg.Database.Path)
	}
	if dur(cfg.Learning.BatchInterval) != 2*time.Second || cfg.Learning.Workers != 8 {
		t.Errorf("Learning = %+v", cfg.Learning)
	}
	if got := cfg.Learning.CriticalEvents; len(got) != 2 || got[1] != "itinerary_added" {
		t.Errorf("CriticalEvents = %v", got)
	}
	if cfg.Learning.DrainOnShutdown {
		t.Error("DrainOnShutdown should be false")
	}
	if cfg.Context.WeatherSeed != 42 {
		t.Errorf("WeatherSeed = %d", cfg.Context.WeatherSeed)
	}
	if cfg.Rules.Smoothing != 0.25 || dur(cfg.Rules.StoreTimeout) != time.Second {
		t.Errorf("Rules = %+v", cfg.Rules)
	}
	if cfg.Scoring.MaxLimit != 20 {
		t.Errorf("MaxLimit = %d", cfg.Scoring.MaxLimit)
	}
}

func TestLoad_UnparseableEnvKeepsDefault(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("CITYTAILOR_PORT", "eighty")
	t.Setenv("CITYTAILOR_BATCH_INTERVAL", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 || dur(cfg.Learning.BatchInterval) != 5*time.Second {
		t.Errorf("defaults lost: %d %v", cfg.Server.Port, dur(cfg.Learning.BatchInterval))
	}
}

func TestLoadFromFile_ValidYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	path := writeConfig(t, `
server:
  port: 9999
learning:
  batch_interval: 10s
  critical_events: [favorite_added]
  drain_on_shutdown: false
context:
  device_class: mobile
  screen_width: 390
  timezone: UTC
rules:
  decay_interval: 48h
  decay_amount: 0.1
scoring:
  default_limit: 8
log:
  level: warn
`)

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d", cfg.Server.Port)
	}
	if dur(cfg.Learning.BatchInterval) != 10*time.Second || len(cfg.Learning.CriticalEvents) != 1 || cfg.Learning.DrainOnShutdown {
		t.Errorf("Learning = %+v", cfg.Learning)
	}
	if cfg.Context.DeviceClass != "mobile" || cfg.Context.ScreenWidth != 390 {
		t.Errorf("Context = %+v", cfg.Context)
	}
	if dur(cfg.Rules.DecayInterval) != 48*time.Hour || cfg.Rules.DecayAmount != 0.1 {
		t.Errorf("Rules = %+v", cfg.Rules)
	}
	if cfg.Scoring.DefaultLimit != 8 {
		t.Errorf("DefaultLimit = %d", cfg.Scoring.DefaultLimit)
	}
	// Untouched sections keep defaults
	if cfg.Rules.CacheSize != 10000 {
		t.Errorf("CacheSize = %d, want default", cfg.Rules.CacheSize)
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "UTC" {
		t.Errorf("Location = %v, %v", loc, err)
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	path := writeConfig(t, `
server:
  port: 7000
log:
  level: warn
`)
	t.Setenv("CITYTAILOR_CONFIG_PATH", path)
	t.Setenv("CITYTAILOR_PORT", "7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7001 {
		t.Errorf("Server.Port = %d, want 7001 (env)", cfg.Server.Port)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn (YAML)", cfg.Log.Level)
	}
}

func TestLoad_MissingConfigFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("CITYTAILOR_CONFIG_PATH", "/nonexistent/path/config.yaml")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() should not error on missing file, got: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"invalid yaml", "server:\n  port: [\n"},
		{"invalid duration", "server:\n  read_timeout: not_a_duration\n"},
		{"unknown critical event", "learning:\n  critical_events: [teleported]\n"},
		{"zero workers", "learning:\n  workers: 0\n"},
		{"smoothing out of range", "rules:\n  smoothing: 1.5\n"},
		{"default above max", "scoring:\n  default_limit: 60\n"},
		{"bad device class", "context:\n  device_class: watch\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			setDevModeEnv(t)
			if _, err := LoadFromFile(writeConfig(t, tt.yaml)); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestConfig_SecretsNotInYAML(t *testing.T) {
	cfg := newDefaults()
	cfg.Auth.APIKey = "another-secret"
	cfg.Backup.SecretKey = "s3-secret"

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("yaml.Marshal() error = %v", err)
	}
	if strings.Contains(string(data), "another-secret") {
		t.Errorf("YAML contains Auth.APIKey secret: %s", data)
	}
	if strings.Contains(string(data), "s3-secret") {
		t.Errorf("YAML contains Backup.SecretKey: %s", data)
	}
	if !strings.Contains(string(data), "batch_interval: 5s") {
		t.Errorf("durations should marshal as strings: %s", data)
	}
}

func TestLoad_BackupDisabledByDefault(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Backup.Enabled() {
		t.Error("backup should be disabled without a bucket")
	}
	if dur(cfg.Backup.Interval) != time.Hour || cfg.Backup.Prefix != "citytailor" {
		t.Errorf("Backup defaults = %+v", cfg.Backup)
	}
}

func TestLoad_BackupFromEnv(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("CITYTAILOR_BACKUP_BUCKET", "rules")
	t.Setenv("CITYTAILOR_BACKUP_ENDPOINT", "localhost:9000")
	t.Setenv("CITYTAILOR_BACKUP_ACCESS_KEY", "minioadmin")
	t.Setenv("CITYTAILOR_BACKUP_SECRET_KEY", "minioadmin")
	t.Setenv("CITYTAILOR_BACKUP_USE_SSL", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Backup.Enabled() || cfg.Backup.Endpoint != "localhost:9000" || cfg.Backup.AccessKey != "minioadmin" {
		t.Errorf("Backup = %+v", cfg.Backup)
	}
	if cfg.Backup.UseSSL == nil || *cfg.Backup.UseSSL {
		t.Error("UseSSL should be explicitly false")
	}
}

func TestLoad_BackupRequiresEndpoint(t *testing.T) {
	clearEnv(t)
	setDevModeEnv(t)
	t.Setenv("CITYTAILOR_BACKUP_BUCKET", "rules")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "backup.endpoint") {
		t.Errorf("Load() error = %v, want backup.endpoint error", err)
	}
}
