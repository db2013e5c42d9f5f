package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	pkgconfig "github.com/mjasion/balena-home/weatherstation/pkg/config"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Config holds all configuration parameters for the weather station exporter
type Config struct {
	Netatmo    NetatmoConfig    `yaml:"netatmo"`
	Prometheus PrometheusConfig `yaml:"prometheus"`

	// Health check configuration
	HealthCheckPort int `yaml:"healthCheckPort" env:"HEALTH_CHECK_PORT" env-default:"8080"`

	Logging       pkgconfig.LoggingConfig       `yaml:"logging"`
	OpenTelemetry pkgconfig.OpenTelemetryConfig `yaml:"opentelemetry"`
	Profiling     pkgconfig.ProfilingConfig     `yaml:"profiling"`
}

// NetatmoConfig contains vendor API credentials and polling options.
// Either username and password or a refresh token must be set.
type NetatmoConfig struct {
	ClientID              string `yaml:"clientId" env:"NETATMO_CLIENT_ID" env-required:"true"`
	ClientSecret          string `yaml:"clientSecret" env:"NETATMO_CLIENT_SECRET" env-required:"true"`
	Username              string `yaml:"username" env:"NETATMO_USERNAME"`
	Password              string `yaml:"password" env:"NETATMO_PASSWORD"`
	RefreshToken          string `yaml:"refreshToken" env:"NETATMO_REFRESH_TOKEN"`
	DeviceID              string `yaml:"deviceId" env:"NETATMO_DEVICE_ID"`
	GetFavorites          bool   `yaml:"getFavorites" env:"NETATMO_GET_FAVORITES" env-default:"false"`
	IncludeHomeCoaches    bool   `yaml:"includeHomeCoaches" env:"NETATMO_INCLUDE_HOME_COACHES" env-default:"false"`
	BaseURL               string `yaml:"baseUrl" env:"NETATMO_BASE_URL" env-default:"https://api.netatmo.com"`
	RequestTimeoutSeconds int    `yaml:"requestTimeoutSeconds" env:"NETATMO_REQUEST_TIMEOUT_SECONDS" env-default:"30"`
	PollSchedule          string `yaml:"pollSchedule" env:"NETATMO_POLL_SCHEDULE" env-default:"@every 10m"`
}

// PrometheusConfig contains Prometheus remote_write configuration
type PrometheusConfig struct {
	URL                 string `yaml:"prometheusUrl" env:"PROMETHEUS_URL" env-required:"true"`
	Username            string `yaml:"prometheusUsername" env:"PROMETHEUS_USERNAME"`
	Password            string `yaml:"prometheusPassword" env:"PROMETHEUS_PASSWORD"`
	PushIntervalSeconds int    `yaml:"pushIntervalSeconds" env:"PUSH_INTERVAL_SECONDS" env-default:"60"`
	BatchSize           int    `yaml:"batchSize" env:"BATCH_SIZE" env-default:"500"`
	BufferSize          int    `yaml:"bufferSize" env:"BUFFER_SIZE" env-default:"5000"`
}

// Load reads configuration from the specified file path and applies environment variable overrides
func Load(configPath string) (*Config, error) {
	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		return nil, fmt.Errorf("failed to read config from %s: %w", configPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all configuration parameters are valid
func (c *Config) Validate() error {
	var errs []error

	if c.Netatmo.RefreshToken == "" && (c.Netatmo.Username == "" || c.Netatmo.Password == "") {
		errs = append(errs, errors.New("netatmo requires username and password or a refreshToken"))
	}
	if _, err := url.ParseRequestURI(c.Netatmo.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid netatmo baseUrl: %w", err))
	}
	if c.Netatmo.RequestTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("netatmo requestTimeoutSeconds must be positive, got %d", c.Netatmo.RequestTimeoutSeconds))
	}
	if _, err := c.Schedule(); err != nil {
		errs = append(errs, fmt.Errorf("invalid netatmo pollSchedule %q: %w", c.Netatmo.PollSchedule, err))
	}

	if _, err := url.ParseRequestURI(c.Prometheus.URL); err != nil {
		errs = append(errs, fmt.Errorf("invalid prometheusUrl: %w", err))
	}
	if c.Prometheus.PushIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("pushIntervalSeconds must be positive, got %d", c.Prometheus.PushIntervalSeconds))
	}
	if c.Prometheus.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batchSize must be positive, got %d", c.Prometheus.BatchSize))
	}
	if c.Prometheus.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("bufferSize must be positive, got %d", c.Prometheus.BufferSize))
	}

	if c.HealthCheckPort <= 0 || c.HealthCheckPort > 65535 {
		errs = append(errs, fmt.Errorf("healthCheckPort must be between 1 and 65535, got %d", c.HealthCheckPort))
	}

	if err := pkgconfig.ValidateLogging(&c.Logging); err != nil {
		errs = append(errs, fmt.Errorf("logging validation failed: %w", err))
	}
	if err := pkgconfig.ValidateOpenTelemetry(&c.OpenTelemetry); err != nil {
		errs = append(errs, fmt.Errorf("opentelemetry validation failed: %w", err))
	}
	if err := pkgconfig.ValidateProfiling(&c.Profiling); err != nil {
		errs = append(errs, fmt.Errorf("profiling validation failed: %w", err))
	}

	return errors.Join(errs...)
}

// Schedule parses the poll schedule. Standard five-field cron expressions
// and descriptors such as "@every 10m" are accepted.
func (c *Config) Schedule() (cron.Schedule, error) {
	return cron.ParseStandard(c.Netatmo.PollSchedule)
}

// PollInterval estimates the time between two scheduled polls
func (c *Config) PollInterval() time.Duration {
	schedule, err := c.Schedule()
	if err != nil {
		return 0
	}
	first := schedule.Next(time.Now())
	return schedule.Next(first).Sub(first)
}

// RequestTimeout is the per-request deadline for vendor API calls
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Netatmo.RequestTimeoutSeconds) * time.Second
}

// Redacted returns a copy of the config with sensitive fields redacted for logging
func (c *Config) Redacted() map[string]interface{} {
	return map[string]interface{}{
		"netatmo": map[string]interface{}{
			"clientId":              c.Netatmo.ClientID,
			"clientSecret":          "***",
			"username":              c.Netatmo.Username,
			"passwordSet":           c.Netatmo.Password != "",
			"refreshTokenSet":       c.Netatmo.RefreshToken != "",
			"deviceId":              c.Netatmo.DeviceID,
			"getFavorites":          c.Netatmo.GetFavorites,
			"includeHomeCoaches":    c.Netatmo.IncludeHomeCoaches,
			"baseUrl":               c.Netatmo.BaseURL,
			"requestTimeoutSeconds": c.Netatmo.RequestTimeoutSeconds,
			"pollSchedule":          c.Netatmo.PollSchedule,
		},
		"prometheus": map[string]interface{}{
			"prometheusUrl":       redactURL(c.Prometheus.URL),
			"prometheusUsername":  c.Prometheus.Username,
			"prometheusPassword":  "***",
			"pushIntervalSeconds": c.Prometheus.PushIntervalSeconds,
			"batchSize":           c.Prometheus.BatchSize,
			"bufferSize":          c.Prometheus.BufferSize,
		},
		"healthCheckPort": c.HealthCheckPort,
		"logging": map[string]interface{}{
			"logFormat": c.Logging.Format,
			"logLevel":  c.Logging.Level,
		},
		"opentelemetry": map[string]interface{}{
			"enabled":     c.OpenTelemetry.Enabled,
			"serviceName": c.OpenTelemetry.ServiceName,
			"environment": c.OpenTelemetry.Environment,
		},
		"profiling": map[string]interface{}{
			"enabled":         c.Profiling.Enabled,
			"applicationName": c.Profiling.ApplicationName,
			"serverAddress":   redactURL(c.Profiling.ServerAddress),
		},
	}
}

// NewLogger creates a zap logger based on the configuration
func (c *Config) NewLogger() (*zap.Logger, error) {
	return pkgconfig.NewLogger(&c.Logging)
}

// PrintConfig logs the redacted configuration
func (c *Config) PrintConfig(logger *zap.Logger) {
	logger.Info("configuration loaded", zap.Any("config", c.Redacted()))
}

// redactURL removes credentials from URLs for logging
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword("***", "***")
	}
	return u.String()
}
