package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/mitchellh/go-homedir"
)

type Config struct {
	Env         string `yaml:"env" env:"DOSE_ENV" env-default:"local"`
	StoragePath string `yaml:"storage_path" env:"DOSE_STORAGE_PATH" env-default:"~/.dose-tracker/dose-tracker.db"`

	Log      LogConfig      `yaml:"log"`
	Device   DeviceConfig   `yaml:"device"`
	Auth     AuthConfig     `yaml:"auth"`
	Backend  BackendConfig  `yaml:"backend"`
	Server   ServerConfig   `yaml:"server"`
	Sync     SyncConfig     `yaml:"sync"`
	Reminder ReminderConfig `yaml:"reminder"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"DOSE_LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"DOSE_LOG_FORMAT" env-default:"json"`
}

type DeviceConfig struct {
	ID   string `yaml:"id" env:"DOSE_DEVICE_ID"`
	Name string `yaml:"name" env:"DOSE_DEVICE_NAME"`
}

type AuthConfig struct {
	// TokenLifetime is the lifetime of tokens minted by this device
	TokenLifetime time.Duration `yaml:"token_lifetime" env:"DOSE_AUTH_TOKEN_LIFETIME" env-default:"1h"`
	ClockSkew     time.Duration `yaml:"clock_skew" env:"DOSE_AUTH_CLOCK_SKEW" env-default:"5m"`
	// MaxTokenLifetime bounds exp-iat of tokens accepted by the servers
	MaxTokenLifetime time.Duration `yaml:"max_token_lifetime" env:"DOSE_AUTH_MAX_TOKEN_LIFETIME" env-default:"720h"`
}

type BackendConfig struct {
	BaseURL   string        `yaml:"base_url" env:"DOSE_BACKEND_URL"`
	Timeout   time.Duration `yaml:"timeout" env:"DOSE_BACKEND_TIMEOUT" env-default:"30s"`
	RetryMax  int           `yaml:"retry_max" env:"DOSE_BACKEND_RETRY_MAX" env-default:"3"`
	RateLimit float64       `yaml:"rate_limit" env:"DOSE_BACKEND_RATE_LIMIT" env-default:"5"`
	Burst     int           `yaml:"burst" env:"DOSE_BACKEND_BURST" env-default:"10"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" env:"DOSE_SERVER_HOST" env-default:"localhost"`
	Port         int           `yaml:"port" env:"DOSE_SERVER_PORT" env-default:"8080"`
	SyncPort     int           `yaml:"sync_port" env:"DOSE_SERVER_SYNC_PORT" env-default:"8081"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"DOSE_SERVER_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"DOSE_SERVER_WRITE_TIMEOUT" env-default:"15s"`
}

type SyncConfig struct {
	Enabled         bool          `yaml:"enabled" env:"DOSE_SYNC_ENABLED" env-default:"false"`
	BatchSize       int           `yaml:"batch_size" env:"DOSE_SYNC_BATCH_SIZE" env-default:"20"`
	FlushInterval   time.Duration `yaml:"flush_interval" env:"DOSE_SYNC_FLUSH_INTERVAL" env-default:"30s"`
	QueueInterval   time.Duration `yaml:"queue_interval" env:"DOSE_SYNC_QUEUE_INTERVAL" env-default:"1m"`
	CleanupSchedule string        `yaml:"cleanup_schedule" env:"DOSE_SYNC_CLEANUP_SCHEDULE" env-default:"@hourly"`
	MaxEventAge     time.Duration `yaml:"max_event_age" env:"DOSE_SYNC_MAX_EVENT_AGE" env-default:"168h"`
}

type ReminderConfig struct {
	Enabled       bool          `yaml:"enabled" env:"DOSE_REMINDER_ENABLED"`
	Lead          time.Duration `yaml:"lead" env:"DOSE_REMINDER_LEAD" env-default:"10m"`
	CheckInterval time.Duration `yaml:"check_interval" env:"DOSE_REMINDER_CHECK_INTERVAL" env-default:"30s"`
}

// LoadConfig reads the YAML file at path with environment overrides.
// A missing file is not an error: the environment and defaults are used.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	_, statErr := os.Stat(path)
	switch {
	case path != "" && statErr == nil:
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	case path == "" || errors.Is(statErr, os.ErrNotExist):
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to stat config %s: %w", path, statErr)
	}

	storagePath, err := homedir.Expand(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand storage path: %w", err)
	}
	cfg.StoragePath = storagePath

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values cleanenv cannot check on its own
func (c *Config) Validate() error {
	if c.StoragePath == "" {
		return errors.New("config: storage_path is required")
	}
	if c.Sync.Enabled && c.Backend.BaseURL == "" {
		return errors.New("config: backend.base_url is required when sync is enabled")
	}
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("config: sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Auth.TokenLifetime <= 0 || c.Auth.TokenLifetime > c.Auth.MaxTokenLifetime {
		return fmt.Errorf("config: auth.token_lifetime must be within (0, %s]", c.Auth.MaxTokenLifetime)
	}
	if c.Reminder.Enabled && c.Reminder.CheckInterval <= 0 {
		return errors.New("config: reminder.check_interval must be positive")
	}
	return nil
}

// EnsureStorageDir creates the directory holding the database file
func (c *Config) EnsureStorageDir() error {
	dir := filepath.Dir(c.StoragePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}
	return nil
}
