package metrics

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/mjasion/balena-home/weatherstation/pkg/buffer"
	"github.com/mjasion/balena-home/weatherstation/pkg/types"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Defaults applied by New when the matching Config field is zero
const (
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = time.Second
	DefaultTimeout        = 30 * time.Second
)

// TimeSeriesBuilder is a function that converts readings to Prometheus time series
type TimeSeriesBuilder func(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error)

// RemoteWriteError is a non-2xx answer of the remote_write endpoint
type RemoteWriteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteWriteError) Error() string {
	return fmt.Sprintf("remote write returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether sending the same request again may succeed.
// Client errors other than 429 mean the samples are rejected for good.
func (e *RemoteWriteError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config contains configuration for the Prometheus pusher
type Config struct {
	URL               string
	Username          string
	Password          string
	PushIntervalSec   int
	BatchSize         int
	TimeSeriesBuilder TimeSeriesBuilder

	// MaxAttempts bounds tries per batch; the wait doubles from InitialBackoff
	MaxAttempts    int
	InitialBackoff time.Duration
	Timeout        time.Duration
}

// Pusher drains the ring buffer into a Prometheus remote_write endpoint
type Pusher struct {
	cfg    Config
	client *http.Client
	buffer *buffer.RingBuffer[*types.Reading]
	logger *zap.Logger

	pushedSamples metric.Int64Counter
	droppedReads  metric.Int64Counter

	mu       sync.RWMutex
	lastPush time.Time
}

// New creates a pusher whose HTTP client is traced with otelhttp
func New(cfg Config, buf *buffer.RingBuffer[*types.Reading], logger *zap.Logger) *Pusher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	meter := otel.Meter("metrics")
	pushed, err := meter.Int64Counter("remote_write.samples",
		metric.WithDescription("Samples accepted by the remote_write endpoint"))
	if err != nil {
		logger.Warn("failed to create samples counter", zap.Error(err))
	}
	dropped, err := meter.Int64Counter("remote_write.dropped_readings",
		metric.WithDescription("Readings discarded after a permanent remote_write rejection"))
	if err != nil {
		logger.Warn("failed to create dropped readings counter", zap.Error(err))
	}

	return &Pusher{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: otelhttp.NewTransport(
				http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
					return "prometheus.remote_write"
				}),
			),
		},
		buffer:        buf,
		logger:        logger,
		pushedSamples: pushed,
		droppedReads:  dropped,
	}
}

// Start pushes buffered readings every push interval until ctx is done,
// then flushes what is left with a short deadline.
func (p *Pusher) Start(ctx context.Context) {
	interval := time.Duration(p.cfg.PushIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("prometheus pusher started",
		zap.Duration("push_interval", interval),
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("max_attempts", p.cfg.MaxAttempts),
	)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("prometheus pusher stopping, flushing remaining readings",
				zap.Int("buffered_readings", p.buffer.Size()),
			)
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			p.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			p.Flush(ctx)
		}
	}
}

// Flush drains the buffer and pushes it in batches. On a retryable failure
// the failed batch and everything after it go back into the buffer; a
// permanently rejected batch is dropped and flushing continues.
func (p *Pusher) Flush(ctx context.Context) {
	readings := p.buffer.GetAllAndClear()
	if len(readings) == 0 {
		p.logger.Debug("no readings to push")
		return
	}

	for _, batch := range batches(readings, p.cfg.BatchSize) {
		err := p.Push(ctx, batch.readings)
		if err == nil {
			continue
		}

		var rwErr *RemoteWriteError
		if errors.As(err, &rwErr) && !rwErr.Retryable() {
			p.logger.Error("remote write rejected batch, dropping readings",
				zap.Error(err),
				zap.Int("dropped_readings", len(batch.readings)),
			)
			if p.droppedReads != nil {
				p.droppedReads.Add(ctx, int64(len(batch.readings)))
			}
			continue
		}

		remaining := readings[batch.offset:]
		p.logger.Error("failed to push batch, re-adding remaining readings to buffer",
			zap.Error(err),
			zap.Int("failed_readings", len(remaining)),
		)
		p.buffer.AddAll(remaining)
		return
	}
}

type batch struct {
	offset   int
	readings []*types.Reading
}

// batches splits readings into chunks of size; size <= 0 means one chunk
func batches(readings []*types.Reading, size int) []batch {
	if size <= 0 {
		size = len(readings)
	}
	var result []batch
	for start := 0; start < len(readings); start += size {
		result = append(result, batch{
			offset:   start,
			readings: readings[start:min(start+size, len(readings))],
		})
	}
	return result
}

// Push sends readings as one write request, retrying transient failures
func (p *Pusher) Push(ctx context.Context, readings []*types.Reading) error {
	ctx, span := otel.Tracer("metrics").Start(ctx, "metrics.Push",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("metrics.total_readings", len(readings))),
	)
	defer span.End()

	if len(readings) == 0 {
		span.SetStatus(codes.Ok, "no readings to push")
		return nil
	}

	writeReq, err := p.buildWriteRequest(ctx, readings)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build write request")
		return fmt.Errorf("failed to build write request: %w", err)
	}
	if len(writeReq.Timeseries) == 0 {
		span.SetStatus(codes.Ok, "no time series")
		return nil
	}
	samples := countSamples(writeReq)
	span.SetAttributes(
		attribute.Int("metrics.time_series_count", len(writeReq.Timeseries)),
		attribute.Int("metrics.sample_count", samples),
	)

	body, err := encodeWriteRequest(writeReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode write request")
		return err
	}

	backoff := p.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		err = p.send(ctx, body)
		if err == nil {
			p.mu.Lock()
			p.lastPush = time.Now()
			p.mu.Unlock()
			if p.pushedSamples != nil {
				p.pushedSamples.Add(ctx, int64(samples))
			}

			p.logger.Info("successfully pushed metrics",
				zap.Int("readings", len(readings)),
				zap.Int("time_series", len(writeReq.Timeseries)),
				zap.Int("samples", samples),
				zap.Int("attempt", attempt),
			)
			span.SetStatus(codes.Ok, "metrics pushed")
			return nil
		}

		span.AddEvent("push attempt failed", trace.WithAttributes(
			attribute.Int("metrics.attempt", attempt),
			attribute.String("error", err.Error()),
		))

		var rwErr *RemoteWriteError
		if errors.As(err, &rwErr) && !rwErr.Retryable() {
			break
		}
		if attempt >= p.cfg.MaxAttempts {
			break
		}

		p.logger.Warn("failed to push metrics, will retry",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, "context cancelled")
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "push failed")
	return fmt.Errorf("failed to push metrics: %w", err)
}

// buildWriteRequest converts readings to a WriteRequest using the configured builder
func (p *Pusher) buildWriteRequest(ctx context.Context, readings []*types.Reading) (*prompb.WriteRequest, error) {
	if p.cfg.TimeSeriesBuilder == nil {
		return nil, errors.New("no TimeSeriesBuilder configured")
	}
	timeSeries, err := p.cfg.TimeSeriesBuilder(ctx, readings)
	if err != nil {
		return nil, fmt.Errorf("time series builder failed: %w", err)
	}
	return &prompb.WriteRequest{Timeseries: timeSeries}, nil
}

// encodeWriteRequest marshals and snappy-compresses a write request
func encodeWriteRequest(writeReq *prompb.WriteRequest) ([]byte, error) {
	data, err := proto.Marshal(writeReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protobuf: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// send performs a single remote_write request
func (p *Pusher) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-protobuf")
	req.Header.Set("Content-Encoding", "snappy")
	req.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")
	if p.cfg.Username != "" && p.cfg.Password != "" {
		req.SetBasicAuth(p.cfg.Username, p.cfg.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &RemoteWriteError{StatusCode: resp.StatusCode, Body: string(msg)}
	}
	return nil
}

func countSamples(writeReq *prompb.WriteRequest) int {
	n := 0
	for _, ts := range writeReq.Timeseries {
		n += len(ts.Samples)
	}
	return n
}

// LastPushTime returns the time of the last successful push, zero before
// the first one
func (p *Pusher) LastPushTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastPush
}
