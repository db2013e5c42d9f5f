package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/weatherstation/pkg/config"
)

// Providers holds the initialized OpenTelemetry providers. A nil *Providers
// is valid and shuts down as a no-op.
type Providers struct {
	TracerProvider *trace.TracerProvider
	MeterProvider  *metric.MeterProvider
	logger         *zap.Logger
}

// InitProviders installs global tracer and meter providers exporting over
// OTLP/HTTP. It returns nil when OpenTelemetry is disabled.
func InitProviders(ctx context.Context, otelCfg *config.OpenTelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if !otelCfg.Enabled {
		logger.Info("OpenTelemetry is disabled")
		return nil, nil
	}

	res := newResource(otelCfg)
	providers := &Providers{logger: logger}

	if otelCfg.Traces.Enabled {
		tp, err := newTracerProvider(ctx, otelCfg, res)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer provider: %w", err)
		}
		providers.TracerProvider = tp
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
		logger.Info("tracer provider initialized",
			zap.String("endpoint", otelCfg.TracesEndpoint()),
			zap.Float64("sampling_ratio", otelCfg.Traces.SamplingRatio),
		)
	}

	if otelCfg.Metrics.Enabled {
		mp, err := newMeterProvider(ctx, otelCfg, res)
		if err != nil {
			_ = providers.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create meter provider: %w", err)
		}
		providers.MeterProvider = mp
		otel.SetMeterProvider(mp)
		logger.Info("meter provider initialized",
			zap.String("endpoint", otelCfg.MetricsEndpoint()),
			zap.Int("interval_ms", otelCfg.Metrics.IntervalMillis),
		)

		if otelCfg.Metrics.EnableRuntimeMetrics {
			if err := runtime.Start(runtime.WithMinimumReadMemStatsInterval(time.Second)); err != nil {
				logger.Warn("failed to start runtime metrics collection", zap.Error(err))
			}
		}
	}

	return providers, nil
}

// Shutdown flushes and stops every initialized provider
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	type shutdownStep struct {
		name     string
		shutdown func(context.Context) error
	}
	var steps []shutdownStep
	if p.TracerProvider != nil {
		steps = append(steps, shutdownStep{"tracer provider", p.TracerProvider.Shutdown})
	}
	if p.MeterProvider != nil {
		steps = append(steps, shutdownStep{"meter provider", p.MeterProvider.Shutdown})
	}

	var errs []error
	for _, step := range steps {
		if err := step.shutdown(ctx); err != nil {
			p.logger.Error("failed to shutdown "+step.name, zap.Error(err))
			errs = append(errs, fmt.Errorf("%s shutdown: %w", step.name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	p.logger.Info("OpenTelemetry providers shut down")
	return nil
}

func newResource(otelCfg *config.OpenTelemetryConfig) *resource.Resource {
	attributes := []attribute.KeyValue{
		semconv.ServiceNameKey.String(otelCfg.ServiceName),
		semconv.ServiceVersionKey.String(otelCfg.ServiceVersion),
		attribute.String("deployment.environment", otelCfg.Environment),
	}
	for key, value := range otelCfg.ResourceAttributes {
		attributes = append(attributes, attribute.String(key, value))
	}
	if hostname, err := os.Hostname(); err == nil {
		attributes = append(attributes, semconv.HostNameKey.String(hostname))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attributes...)
}

// endpoint describes how an OTLP exporter should reach its collector
type endpoint struct {
	url      string // full URL, when configured with a scheme
	hostPort string
	insecure bool
}

func parseEndpoint(raw string) endpoint {
	if strings.Contains(raw, "://") {
		return endpoint{url: raw}
	}
	return endpoint{hostPort: raw, insecure: isLocalEndpoint(raw)}
}

func newTracerProvider(ctx context.Context, otelCfg *config.OpenTelemetryConfig, res *resource.Resource) (*trace.TracerProvider, error) {
	var opts []otlptracehttp.Option
	switch ep := parseEndpoint(otelCfg.TracesEndpoint()); {
	case ep.url != "":
		opts = append(opts, otlptracehttp.WithEndpointURL(ep.url))
	case ep.insecure:
		opts = append(opts, otlptracehttp.WithEndpoint(ep.hostPort), otlptracehttp.WithInsecure())
	default:
		opts = append(opts, otlptracehttp.WithEndpoint(ep.hostPort))
	}
	if headers := otelCfg.TracesHeaders(); len(headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	batch := otelCfg.Traces.Batch
	return trace.NewTracerProvider(
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(otelCfg.Traces.SamplingRatio))),
		trace.WithResource(res),
		trace.WithBatcher(exporter,
			trace.WithMaxQueueSize(batch.MaxQueueSize),
			trace.WithMaxExportBatchSize(batch.MaxExportBatchSize),
			trace.WithBatchTimeout(time.Duration(batch.ScheduleDelayMillis)*time.Millisecond),
		),
	), nil
}

func newMeterProvider(ctx context.Context, otelCfg *config.OpenTelemetryConfig, res *resource.Resource) (*metric.MeterProvider, error) {
	var opts []otlpmetrichttp.Option
	switch ep := parseEndpoint(otelCfg.MetricsEndpoint()); {
	case ep.url != "":
		opts = append(opts, otlpmetrichttp.WithEndpointURL(ep.url))
	case ep.insecure:
		opts = append(opts, otlpmetrichttp.WithEndpoint(ep.hostPort), otlpmetrichttp.WithInsecure())
	default:
		opts = append(opts, otlpmetrichttp.WithEndpoint(ep.hostPort))
	}
	if headers := otelCfg.MetricsHeaders(); len(headers) > 0 {
		opts = append(opts, otlpmetrichttp.WithHeaders(headers))
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	return metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(metric.NewPeriodicReader(exporter,
			metric.WithInterval(time.Duration(otelCfg.Metrics.IntervalMillis)*time.Millisecond),
		)),
	), nil
}

// isLocalEndpoint reports whether a host:port endpoint is served without TLS
func isLocalEndpoint(endpoint string) bool {
	host, _, _ := strings.Cut(endpoint, ":")
	return host == "localhost" || host == "127.0.0.1"
}
