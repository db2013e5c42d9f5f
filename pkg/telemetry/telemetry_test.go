package telemetry

import (
	"context"
	"testing"

	"github.com/mjasion/balena-home/weatherstation/pkg/config"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitProviders_Disabled(t *testing.T) {
	providers, err := InitProviders(context.Background(), &config.OpenTelemetryConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if providers != nil {
		t.Error("Expected nil providers when disabled")
	}
	// Shutdown on nil providers is a no-op
	if err := providers.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error on nil shutdown, got: %v", err)
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := map[string]bool{
		"localhost:4318":        true,
		"127.0.0.1:4318":        true,
		"otlp.example.com:443":  false,
		"localhost.example.com": false,
	}
	for endpoint, want := range tests {
		if got := isLocalEndpoint(endpoint); got != want {
			t.Errorf("isLocalEndpoint(%q): expected %v, got %v", endpoint, want, got)
		}
	}
}

func TestLogWithTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "poll")

	InfoWithTrace(ctx, logger, "polled", zap.Int("stations", 1))
	DebugWithTrace(context.Background(), logger, "no span")
	span.End()

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}

	fields := entries[0].ContextMap()
	if fields["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("Expected trace_id %s, got %v", span.SpanContext().TraceID(), fields["trace_id"])
	}
	if fields["stations"] != int64(1) {
		t.Errorf("Expected stations field to be kept, got %v", fields["stations"])
	}
	if _, ok := entries[1].ContextMap()["trace_id"]; ok {
		t.Error("Expected no trace_id without a span")
	}
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw  string
		want endpoint
	}{
		{"https://otlp.example.com/v1/traces", endpoint{url: "https://otlp.example.com/v1/traces"}},
		{"localhost:4318", endpoint{hostPort: "localhost:4318", insecure: true}},
		{"otlp.example.com:443", endpoint{hostPort: "otlp.example.com:443"}},
	}
	for _, tt := range tests {
		if got := parseEndpoint(tt.raw); got != tt.want {
			t.Errorf("parseEndpoint(%q): expected %+v, got %+v", tt.raw, tt.want, got)
		}
	}
}

func TestInitProviders_LocalCollector(t *testing.T) {
	cfg := &config.OpenTelemetryConfig{
		Enabled:     true,
		ServiceName: "weather-exporter",
		Endpoint:    "localhost:4318",
	}
	cfg.Traces.Enabled = true
	cfg.Traces.SamplingRatio = 1
	cfg.Traces.Batch.MaxQueueSize = 16
	cfg.Traces.Batch.MaxExportBatchSize = 8
	cfg.Traces.Batch.ScheduleDelayMillis = 100

	// Exporters connect lazily, no collector needs to run
	providers, err := InitProviders(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if providers.TracerProvider == nil {
		t.Error("Expected tracer provider")
	}
	if providers.MeterProvider != nil {
		t.Error("Expected no meter provider when metrics are disabled")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	_ = providers.Shutdown(ctx)
}
