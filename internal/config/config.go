// Package config loads the client configuration from a YAML file with
// STOCKDECK_* environment overrides and validates it before use.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

// BackendConfig locates the dashboard backend.
type BackendConfig struct {
	Scheme  string        `yaml:"scheme" envconfig:"BACKEND_SCHEME" validate:"required,oneof=http https"`
	Host    string        `yaml:"host" envconfig:"BACKEND_HOST" validate:"required"`
	Port    int           `yaml:"port" envconfig:"BACKEND_PORT" validate:"required,gt=0,lte=65535"`
	Timeout time.Duration `yaml:"timeout" envconfig:"BACKEND_TIMEOUT" validate:"required,gt=0"`
	APIKey  string        `yaml:"api_key" envconfig:"BACKEND_API_KEY"`
}

// URL renders the backend base URL.
func (c BackendConfig) URL() string {
	return fmt.Sprintf("%s://%s:%d", c.Scheme, c.Host, c.Port)
}

// UnmarshalYAML decodes the backend section, accepting durations in Go
// notation ("10s", "1m30s"). Absent keys keep the values already present,
// so defaults survive a partial file.
func (c *BackendConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		Scheme  string `yaml:"scheme"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
		Timeout string `yaml:"timeout"`
		APIKey  string `yaml:"api_key"`
	}{
		Scheme:  c.Scheme,
		Host:    c.Host,
		Port:    c.Port,
		Timeout: c.Timeout.String(),
		APIKey:  c.APIKey,
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	timeout, err := time.ParseDuration(raw.Timeout)
	if err != nil {
		return fmt.Errorf("parse backend timeout %q: %w", raw.Timeout, err)
	}

	c.Scheme = raw.Scheme
	c.Host = raw.Host
	c.Port = raw.Port
	c.Timeout = timeout
	c.APIKey = raw.APIKey

	return nil
}

// FeedConfig controls the live price feed.
type FeedConfig struct {
	// PollingPreferred disables the streaming transport entirely; feeds go
	// straight to fixed-interval polling.
	PollingPreferred bool          `yaml:"polling_preferred" envconfig:"FEED_POLLING_PREFERRED"`
	PollInterval     time.Duration `yaml:"poll_interval" envconfig:"FEED_POLL_INTERVAL" validate:"required,gt=0"`
}

// UnmarshalYAML decodes the feed section with Go duration notation for the
// polling cadence.
func (c *FeedConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		PollingPreferred bool   `yaml:"polling_preferred"`
		PollInterval     string `yaml:"poll_interval"`
	}{
		PollingPreferred: c.PollingPreferred,
		PollInterval:     c.PollInterval.String(),
	}

	if err := value.Decode(&raw); err != nil {
		return err
	}

	interval, err := time.ParseDuration(raw.PollInterval)
	if err != nil {
		return fmt.Errorf("parse feed poll_interval %q: %w", raw.PollInterval, err)
	}

	c.PollingPreferred = raw.PollingPreferred
	c.PollInterval = interval

	return nil
}

// AlertsConfig controls notification dispatch for fired alert conditions.
type AlertsConfig struct {
	// WebhookURL, when set, receives a JSON POST per fired alert. Dispatch
	// falls back to the log sink when unset or failing.
	WebhookURL string `yaml:"webhook_url" envconfig:"ALERT_WEBHOOK_URL" validate:"omitempty,url"`
}

// StorageConfig locates the local sqlite database.
type StorageConfig struct {
	Path string `yaml:"path" envconfig:"DB_PATH" validate:"required"`
}

// ScreenerConfig tunes the batch ticker screen.
type ScreenerConfig struct {
	BatchSize         int     `yaml:"batch_size" envconfig:"SCREENER_BATCH_SIZE" validate:"required,gt=0"`
	RequestsPerSecond float64 `yaml:"requests_per_second" envconfig:"SCREENER_RPS" validate:"required,gt=0"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level string `yaml:"level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
}

// Config holds all client configuration.
type Config struct {
	Backend  BackendConfig  `yaml:"backend"`
	Feed     FeedConfig     `yaml:"feed"`
	Alerts   AlertsConfig   `yaml:"alerts"`
	Storage  StorageConfig  `yaml:"storage"`
	Screener ScreenerConfig `yaml:"screener"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Scheme:  "http",
			Host:    "127.0.0.1",
			Port:    8000,
			Timeout: 30 * time.Second,
		},
		Feed: FeedConfig{
			PollingPreferred: false,
			PollInterval:     30 * time.Second,
		},
		Storage: StorageConfig{
			Path: "stockdeck.db",
		},
		Screener: ScreenerConfig{
			BatchSize:         20,
			RequestsPerSecond: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config from a YAML file (missing file is fine), applies
// STOCKDECK_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "read config %s", path)
		}

		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "parse config %s", path)
			}
		}
	}

	if err := envconfig.Process("stockdeck", &cfg); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "apply environment overrides", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate validates the Config fields.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid config", err)
	}

	return nil
}
