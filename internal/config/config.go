package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/citytailor/internal/types"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Learning LearningConfig `yaml:"learning"`
	Context  ContextConfig  `yaml:"context"`
	Rules    RulesConfig    `yaml:"rules"`
	Scoring  ScoringConfig  `yaml:"scoring"`
	Backup   BackupConfig   `yaml:"backup"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig locates the SQLite file backing the rule KV.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LearningConfig tunes the event pipeline.
type LearningConfig struct {
	BatchInterval   Duration `yaml:"batch_interval"`
	Workers         int      `yaml:"workers"`
	CriticalEvents  []string `yaml:"critical_events"`
	DrainOnShutdown bool     `yaml:"drain_on_shutdown"`
}

// ContextConfig tunes the context monitor and its sources.
type ContextConfig struct {
	TimeRefreshInterval    Duration `yaml:"time_refresh_interval"`
	WeatherRefreshInterval Duration `yaml:"weather_refresh_interval"`
	WeatherSeed            uint64   `yaml:"weather_seed"` // 0 seeds from the clock
	DeviceClass            string   `yaml:"device_class"` // auto, mobile, desktop
	ScreenWidth            int      `yaml:"screen_width"`
	ScreenHeight           int      `yaml:"screen_height"`
	ConnectionClass        string   `yaml:"connection_class"`
	Timezone               string   `yaml:"timezone"`
}

// RulesConfig tunes the adaptation rule store and its decay.
type RulesConfig struct {
	CacheSize        int      `yaml:"cache_size"`
	Smoothing        float64  `yaml:"smoothing"`
	StoreTimeout     Duration `yaml:"store_timeout"`
	RetryBackoff     Duration `yaml:"retry_backoff"`
	BreakerFailures  uint32   `yaml:"breaker_failures"`
	BreakerOpen      Duration `yaml:"breaker_open"`
	DecayInterval    Duration `yaml:"decay_interval"`
	DecayAmount      float64  `yaml:"decay_amount"`
	SessionDecayRate float64  `yaml:"session_decay_rate"`
	IgnorePenalty    float64  `yaml:"ignore_penalty"`
	RejectionPenalty float64  `yaml:"rejection_penalty"`
}

// ScoringConfig tunes the recommendation scorer.
type ScoringConfig struct {
	RuleNormalization float64 `yaml:"rule_normalization"`
	DefaultLimit      int     `yaml:"default_limit"`
	MaxLimit          int     `yaml:"max_limit"`
}

// BackupConfig controls periodic rule database backups to S3-compatible storage.
// An empty bucket disables uploads.
type BackupConfig struct {
	Interval  Duration `yaml:"interval"`
	Dir       string   `yaml:"dir"` // local staging directory for snapshot files
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"` // nil defaults to true
	Prefix    string   `yaml:"prefix"`
	URLExpiry Duration `yaml:"url_expiry"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
}

// Enabled reports whether backups have a destination bucket.
func (b BackupConfig) Enabled() bool {
	return b.Bucket != ""
}

// CriticalEventTypes returns the configured critical set as event types.
func (c *Config) CriticalEventTypes() []types.EventType {
	out := make([]types.EventType, len(c.Learning.CriticalEvents))
	for i, e := range c.Learning.CriticalEvents {
		out[i] = types.EventType(e)
	}
	return out
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("CITYTAILOR_CONFIG_PATH", "config/citytailor.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/citytailor.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Learning: LearningConfig{
			BatchInterval: Duration(5 * time.Second),
			Workers:       4,
			CriticalEvents: []string{
				string(types.EventFavoriteAdded),
				string(types.EventStrongRejection),
				string(types.EventBookingCompleted),
			},
			DrainOnShutdown: true,
		},
		Context: ContextConfig{
			TimeRefreshInterval:    Duration(time.Minute),
			WeatherRefreshInterval: Duration(30 * time.Minute),
			DeviceClass:            "auto",
			ScreenWidth:            1280,
			ScreenHeight:           800,
			ConnectionClass:        "unknown",
			Timezone:               "Local",
		},
		Rules: RulesConfig{
			CacheSize:        10000,
			Smoothing:        0.5,
			StoreTimeout:     Duration(250 * time.Millisecond),
			RetryBackoff:     Duration(50 * time.Millisecond),
			BreakerFailures:  5,
			BreakerOpen:      Duration(10 * time.Second),
			DecayInterval:    Duration(24 * time.Hour),
			DecayAmount:      0.05,
			SessionDecayRate: 0.1,
			IgnorePenalty:    0.4,
			RejectionPenalty: 3.0,
		},
		Scoring: ScoringConfig{
			RuleNormalization: 3.0,
			DefaultLimit:      5,
			MaxLimit:          50,
		},
		Backup: BackupConfig{
			Interval:  Duration(time.Hour),
			Dir:       "data/backups",
			Prefix:    "citytailor",
			URLExpiry: Duration(15 * time.Minute),
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty, parseable env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("CITYTAILOR_PORT", &cfg.Server.Port)
	envDuration("CITYTAILOR_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("CITYTAILOR_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("CITYTAILOR_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	envString("CITYTAILOR_DB_PATH", &cfg.Database.Path)

	// Auth
	envString("CITYTAILOR_API_KEY", &cfg.Auth.APIKey)

	// Log
	envString("CITYTAILOR_LOG_LEVEL", &cfg.Log.Level)
	envString("CITYTAILOR_LOG_FORMAT", &cfg.Log.Format)

	// Learning
	envDuration("CITYTAILOR_BATCH_INTERVAL", &cfg.Learning.BatchInterval)
	envInt("CITYTAILOR_WORKERS", &cfg.Learning.Workers)
	if v := os.Getenv("CITYTAILOR_CRITICAL_EVENTS"); v != "" {
		var events []string
		for _, e := range strings.Split(v, ",") {
			if e = strings.TrimSpace(e); e != "" {
				events = append(events, e)
			}
		}
		cfg.Learning.CriticalEvents = events
	}
	if v := os.Getenv("CITYTAILOR_DRAIN_ON_SHUTDOWN"); v != "" {
		cfg.Learning.DrainOnShutdown = v == "true" || v == "1"
	}

	// Context
	envDuration("CITYTAILOR_TIME_REFRESH_INTERVAL", &cfg.Context.TimeRefreshInterval)
	envDuration("CITYTAILOR_WEATHER_REFRESH_INTERVAL", &cfg.Context.WeatherRefreshInterval)
	if v := os.Getenv("CITYTAILOR_WEATHER_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Context.WeatherSeed = n
		}
	}
	envString("CITYTAILOR_DEVICE_CLASS", &cfg.Context.DeviceClass)
	envString("CITYTAILOR_CONNECTION_CLASS", &cfg.Context.ConnectionClass)
	envString("CITYTAILOR_TIMEZONE", &cfg.Context.Timezone)

	// Rules
	envInt("CITYTAILOR_CACHE_SIZE", &cfg.Rules.CacheSize)
	envFloat("CITYTAILOR_SMOOTHING", &cfg.Rules.Smoothing)
	envDuration("CITYTAILOR_STORE_TIMEOUT", &cfg.Rules.StoreTimeout)
	envDuration("CITYTAILOR_RETRY_BACKOFF", &cfg.Rules.RetryBackoff)
	envDuration("CITYTAILOR_DECAY_INTERVAL", &cfg.Rules.DecayInterval)
	envFloat("CITYTAILOR_DECAY_AMOUNT", &cfg.Rules.DecayAmount)

	// Scoring
	envFloat("CITYTAILOR_RULE_NORMALIZATION", &cfg.Scoring.RuleNormalization)
	envInt("CITYTAILOR_DEFAULT_LIMIT", &cfg.Scoring.DefaultLimit)
	envInt("CITYTAILOR_MAX_LIMIT", &cfg.Scoring.MaxLimit)

	// Backup
	envDuration("CITYTAILOR_BACKUP_INTERVAL", &cfg.Backup.Interval)
	envString("CITYTAILOR_BACKUP_DIR", &cfg.Backup.Dir)
	envString("CITYTAILOR_BACKUP_BUCKET", &cfg.Backup.Bucket)
	envString("CITYTAILOR_BACKUP_ENDPOINT", &cfg.Backup.Endpoint)
	envString("CITYTAILOR_BACKUP_REGION", &cfg.Backup.Region)
	envString("CITYTAILOR_BACKUP_PREFIX", &cfg.Backup.Prefix)
	envString("CITYTAILOR_BACKUP_ACCESS_KEY", &cfg.Backup.AccessKey)
	envString("CITYTAILOR_BACKUP_SECRET_KEY", &cfg.Backup.SecretKey)
	if v := os.Getenv("CITYTAILOR_BACKUP_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Backup.UseSSL = &useSSL
	}
}

// validate checks required values and ranges.
// In dev mode (CITYTAILOR_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	for _, e := range c.Learning.CriticalEvents {
		if !types.EventType(e).Valid() {
			return fmt.Errorf("learning.critical_events: unknown event type %q", e)
		}
	}
	if c.Learning.Workers < 1 {
		return errors.New("learning.workers must be at least 1")
	}
	if c.Learning.BatchInterval <= 0 {
		return errors.New("learning.batch_interval must be positive")
	}
	if c.Rules.Smoothing <= 0 || c.Rules.Smoothing > 1 {
		return errors.New("rules.smoothing must be in (0, 1]")
	}
	if c.Scoring.DefaultLimit > c.Scoring.MaxLimit {
		return errors.New("scoring.default_limit must not exceed scoring.max_limit")
	}
	switch c.Context.DeviceClass {
	case "auto", "mobile", "desktop":
	default:
		return fmt.Errorf("context.device_class: %q is not one of auto, mobile, desktop", c.Context.DeviceClass)
	}
	if c.Backup.Enabled() {
		if c.Backup.Endpoint == "" {
			return errors.New("backup.endpoint is required when backup.bucket is set")
		}
		if c.Backup.Interval <= 0 {
			return errors.New("backup.interval must be positive")
		}
	}

	if os.Getenv("CITYTAILOR_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("CITYTAILOR_API_KEY is required")
	}
	return nil
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Context.Timezone == "" || c.Context.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Context.Timezone)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
