package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// OpenTelemetryConfig contains OpenTelemetry configuration
type OpenTelemetryConfig struct {
	Enabled            bool              `yaml:"enabled" env:"OTEL_ENABLED" env-default:"false"`
	ServiceName        string            `yaml:"serviceName" env:"OTEL_SERVICE_NAME"`
	ServiceVersion     string            `yaml:"serviceVersion" env:"OTEL_SERVICE_VERSION" env-default:"1.0.0"`
	Environment        string            `yaml:"environment" env:"OTEL_ENVIRONMENT" env-default:"production"`
	Protocol           string            `yaml:"protocol" env:"OTEL_EXPORTER_OTLP_PROTOCOL" env-default:"http/protobuf"`
	Endpoint           string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers            map[string]string `yaml:"headers"`
	Traces             OTelTracesConfig  `yaml:"traces"`
	Metrics            OTelMetricsConfig `yaml:"metrics"`
	ResourceAttributes map[string]string `yaml:"resourceAttributes"`
}

// OTelTracesConfig contains OpenTelemetry traces configuration
type OTelTracesConfig struct {
	Enabled       bool              `yaml:"enabled" env:"OTEL_TRACES_ENABLED" env-default:"true"`
	Endpoint      string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"`
	Headers       map[string]string `yaml:"headers"`
	SamplingRatio float64           `yaml:"samplingRatio" env:"OTEL_TRACES_SAMPLING_RATIO" env-default:"1.0"`
	Batch         OTelBatchConfig   `yaml:"batch"`
}

// OTelMetricsConfig contains OpenTelemetry metrics configuration
type OTelMetricsConfig struct {
	Enabled              bool              `yaml:"enabled" env:"OTEL_METRICS_ENABLED" env-default:"true"`
	Endpoint             string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"`
	Headers              map[string]string `yaml:"headers"`
	IntervalMillis       int               `yaml:"intervalMillis" env:"OTEL_METRICS_INTERVAL" env-default:"30000"`
	EnableRuntimeMetrics bool              `yaml:"enableRuntimeMetrics" env:"OTEL_ENABLE_RUNTIME_METRICS" env-default:"true"`
}

// OTelBatchConfig contains batch processor configuration for traces
type OTelBatchConfig struct {
	ScheduleDelayMillis int `yaml:"scheduleDelayMillis" env:"OTEL_BSP_SCHEDULE_DELAY" env-default:"5000"`
	MaxQueueSize        int `yaml:"maxQueueSize" env:"OTEL_BSP_MAX_QUEUE_SIZE" env-default:"2048"`
	MaxExportBatchSize  int `yaml:"maxExportBatchSize" env:"OTEL_BSP_MAX_EXPORT_BATCH_SIZE" env-default:"512"`
}

// TracesEndpoint resolves the traces endpoint: the traces block, then the
// shared endpoint, then the OTLP environment variables.
func (c *OpenTelemetryConfig) TracesEndpoint() string {
	return firstNonEmpty(
		c.Traces.Endpoint,
		c.Endpoint,
		os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"),
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	)
}

// MetricsEndpoint resolves the metrics endpoint like TracesEndpoint
func (c *OpenTelemetryConfig) MetricsEndpoint() string {
	return firstNonEmpty(
		c.Metrics.Endpoint,
		c.Endpoint,
		os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"),
		os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	)
}

// TracesHeaders returns exporter headers for traces, falling back to the
// shared headers and then the OTLP header environment variables.
func (c *OpenTelemetryConfig) TracesHeaders() map[string]string {
	return firstHeaders(c.Traces.Headers, c.Headers, "OTEL_EXPORTER_OTLP_TRACES_HEADERS")
}

// MetricsHeaders returns exporter headers for metrics
func (c *OpenTelemetryConfig) MetricsHeaders() map[string]string {
	return firstHeaders(c.Metrics.Headers, c.Headers, "OTEL_EXPORTER_OTLP_METRICS_HEADERS")
}

func firstHeaders(specific, shared map[string]string, env string) map[string]string {
	if len(specific) > 0 {
		return specific
	}
	if len(shared) > 0 {
		return shared
	}
	if v := os.Getenv(env); v != "" {
		return ParseHeaders(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); v != "" {
		return ParseHeaders(v)
	}
	return nil
}

// ParseHeaders parses the OTLP header list format "key1=value1,key2=value2".
// Pairs without '=' are ignored.
func ParseHeaders(s string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(value)
	}
	return headers
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ValidateOpenTelemetry validates OpenTelemetry configuration if enabled.
// All problems are reported at once.
func ValidateOpenTelemetry(cfg *OpenTelemetryConfig) error {
	if !cfg.Enabled {
		return nil
	}

	var errs []error
	if cfg.ServiceName == "" {
		errs = append(errs, errors.New("opentelemetry service name is required when OpenTelemetry is enabled"))
	}
	// Only the OTLP HTTP exporters are linked in
	if cfg.Protocol != "" && cfg.Protocol != "http/protobuf" {
		errs = append(errs, fmt.Errorf("opentelemetry protocol must be 'http/protobuf', got: %s", cfg.Protocol))
	}

	if cfg.Traces.Enabled {
		if cfg.TracesEndpoint() == "" {
			errs = append(errs, errors.New("opentelemetry traces endpoint is required when traces are enabled"))
		}
		if cfg.Traces.SamplingRatio < 0 || cfg.Traces.SamplingRatio > 1 {
			errs = append(errs, fmt.Errorf("opentelemetry traces sampling ratio must be between 0 and 1, got: %f", cfg.Traces.SamplingRatio))
		}
		if cfg.Traces.Batch.ScheduleDelayMillis < 0 {
			errs = append(errs, errors.New("opentelemetry traces batch schedule delay must be >= 0"))
		}
		if cfg.Traces.Batch.MaxQueueSize < 1 {
			errs = append(errs, errors.New("opentelemetry traces batch max queue size must be >= 1"))
		}
		if cfg.Traces.Batch.MaxExportBatchSize < 1 {
			errs = append(errs, errors.New("opentelemetry traces batch max export batch size must be >= 1"))
		}
	}

	if cfg.Metrics.Enabled {
		if cfg.MetricsEndpoint() == "" {
			errs = append(errs, errors.New("opentelemetry metrics endpoint is required when metrics are enabled"))
		}
		if cfg.Metrics.IntervalMillis < 1000 {
			errs = append(errs, errors.New("opentelemetry metrics interval must be at least 1000ms (1 second)"))
		}
	}

	return errors.Join(errs...)
}
