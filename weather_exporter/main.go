package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mjasion/balena-home/weatherstation/netatmo"
	"github.com/mjasion/balena-home/weatherstation/pkg/buffer"
	pkgmetrics "github.com/mjasion/balena-home/weatherstation/pkg/metrics"
	"github.com/mjasion/balena-home/weatherstation/pkg/profiling"
	"github.com/mjasion/balena-home/weatherstation/pkg/telemetry"
	"github.com/mjasion/balena-home/weatherstation/pkg/types"
	"github.com/mjasion/balena-home/weatherstation/weather_exporter/config"
	"github.com/mjasion/balena-home/weatherstation/weather_exporter/health"
	"github.com/mjasion/balena-home/weatherstation/weather_exporter/poller"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := cfg.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting weather station exporter")
	cfg.PrintConfig(logger)

	// Initialize Pyroscope profiling
	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		logger.Error("failed to initialize profiler", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if profiler != nil {
			if err := profiler.Stop(); err != nil {
				logger.Error("failed to shutdown profiler", zap.Error(err))
			}
		}
	}()

	// Initialize OpenTelemetry providers
	ctx := context.Background()
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry providers", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
		}
	}()

	// Create a root tracer for main operations
	ctx, mainSpan := otel.Tracer("main").Start(ctx, "main.run")
	defer mainSpan.End()

	client := newNetatmoClient(cfg, logger)
	if cfg.Netatmo.Username != "" && cfg.Netatmo.Password != "" {
		if err := client.Login(ctx); err != nil {
			logger.Error("failed to login to netatmo", zap.Error(err))
			os.Exit(1)
		}
	} else {
		logger.Info("no netatmo password configured, first request refreshes from the configured refresh token")
	}

	// Create ring buffer
	ringBuffer := buffer.New[*types.Reading](cfg.Prometheus.BufferSize, logger)
	logger.Info("ring buffer created", zap.Int("capacity", cfg.Prometheus.BufferSize))

	pusher := pkgmetrics.New(pkgmetrics.Config{
		URL:             cfg.Prometheus.URL,
		Username:        cfg.Prometheus.Username,
		Password:        cfg.Prometheus.Password,
		PushIntervalSec: cfg.Prometheus.PushIntervalSeconds,
		BatchSize:       cfg.Prometheus.BatchSize,
		TimeSeriesBuilder: pkgmetrics.CombineBuilders(
			pkgmetrics.BuildWeatherTimeSeries,
			pkgmetrics.BuildMetricTimeSeries,
		),
	}, ringBuffer, logger)
	logger.Info("prometheus pusher initialized", zap.String("url", cfg.Prometheus.URL))

	schedule, err := cfg.Schedule()
	if err != nil {
		logger.Error("invalid poll schedule", zap.Error(err))
		os.Exit(1)
	}
	fetcher := poller.NewFetcher(client, netatmo.StationsDataRequest{
		DeviceID:     cfg.Netatmo.DeviceID,
		GetFavorites: cfg.Netatmo.GetFavorites,
	}, cfg.Netatmo.IncludeHomeCoaches)
	stationPoller := poller.NewPoller(fetcher, ringBuffer, schedule, logger)

	healthChecker := health.NewHealthChecker(stationPoller, pusher, ringBuffer, cfg.PollInterval(), cfg.HealthCheckPort, logger)

	// Separate contexts so polling stops before the final push
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	pushCtx, cancelPush := context.WithCancel(ctx)
	defer cancelPush()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var pollWG, pushWG sync.WaitGroup

	pollWG.Add(1)
	go func() {
		defer pollWG.Done()
		stationPoller.Start(pollCtx)
	}()

	pushWG.Add(1)
	go func() {
		defer pushWG.Done()
		pusher.Start(pushCtx)
	}()

	healthErr := make(chan error, 1)
	go func() {
		healthErr <- healthChecker.Start()
	}()

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-healthErr:
		if err != nil {
			logger.Error("health check server failed", zap.Error(err))
		}
	}

	logger.Info("stopping station poller")
	cancelPoll()
	pollWG.Wait()

	// The pusher flushes the buffer when its context ends
	logger.Info("performing final metrics push", zap.Int("reading_count", ringBuffer.Size()))
	cancelPush()
	pushWG.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := healthChecker.Stop(stopCtx); err != nil {
		logger.Error("failed to stop health check server", zap.Error(err))
	}

	logger.Info("weather station exporter stopped")
}

// newNetatmoClient builds the API client. Without a password the refresh
// token seeds an already expired session.
func newNetatmoClient(cfg *config.Config, logger *zap.Logger) *netatmo.Client {
	httpClient := &http.Client{
		Timeout: cfg.RequestTimeout(),
		Transport: otelhttp.NewTransport(
			http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return "netatmo " + r.URL.Path
			}),
		),
	}

	opts := []netatmo.Option{
		netatmo.WithHTTPClient(httpClient),
		netatmo.WithBaseURL(cfg.Netatmo.BaseURL),
		netatmo.WithLogger(logger.Named("netatmo")),
		netatmo.WithScope("read_station", "read_homecoach"),
	}
	if cfg.Netatmo.RefreshToken != "" {
		opts = append(opts, netatmo.WithToken(netatmo.Token{RefreshToken: cfg.Netatmo.RefreshToken}))
	}

	return netatmo.NewClient(netatmo.Credentials{
		Username:     cfg.Netatmo.Username,
		Password:     cfg.Netatmo.Password,
		ClientID:     cfg.Netatmo.ClientID,
		ClientSecret: cfg.Netatmo.ClientSecret,
	}, opts...)
}
