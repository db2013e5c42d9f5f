package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mjasion/balena-home/weatherstation/pkg/buffer"
	"github.com/mjasion/balena-home/weatherstation/pkg/telemetry"
	"github.com/mjasion/balena-home/weatherstation/pkg/types"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ReadingsFetcher produces one batch of readings per call
type ReadingsFetcher interface {
	Fetch(ctx context.Context) ([]*types.Reading, error)
}

// Status is a snapshot of the poller state
type Status struct {
	LastPollTime  time.Time
	LastErrorTime time.Time
	LastError     string
}

// Poller runs the fetcher on a cron schedule and adds readings to the buffer
type Poller struct {
	fetcher  ReadingsFetcher
	buffer   *buffer.RingBuffer[*types.Reading]
	schedule cron.Schedule
	logger   *zap.Logger

	mu     sync.RWMutex
	status Status
	latest map[string]*types.WeatherReading
}

// NewPoller creates a new poller
func NewPoller(fetcher ReadingsFetcher, buf *buffer.RingBuffer[*types.Reading], schedule cron.Schedule, logger *zap.Logger) *Poller {
	return &Poller{
		fetcher:  fetcher,
		buffer:   buf,
		schedule: schedule,
		logger:   logger,
		latest:   make(map[string]*types.WeatherReading),
	}
}

// Start polls once, then on every schedule tick until ctx is cancelled.
// Overlapping runs are skipped.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("starting station poller")

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{p.logger})))
	c.Schedule(p.schedule, cron.FuncJob(func() {
		p.Poll(ctx)
	}))

	// Fetch immediately on start
	p.Poll(ctx)
	c.Start()

	<-ctx.Done()
	p.logger.Info("stopping station poller")
	<-c.Stop().Done()
}

// Poll fetches once and buffers the readings
func (p *Poller) Poll(ctx context.Context) {
	pollID := uuid.NewString()
	ctx, span := otel.Tracer("poller").Start(ctx, "poller.Poll")
	defer span.End()
	span.SetAttributes(attribute.String("poller.poll_id", pollID))

	readings, err := p.fetcher.Fetch(ctx)
	if err != nil {
		p.mu.Lock()
		p.status.LastErrorTime = time.Now()
		p.status.LastError = err.Error()
		p.mu.Unlock()

		telemetry.ErrorWithTrace(ctx, p.logger, "failed to poll stations",
			zap.String("poll_id", pollID),
			zap.Error(err))
		return
	}

	p.buffer.AddAll(readings)

	weather := 0
	p.mu.Lock()
	p.status.LastPollTime = time.Now()
	p.status.LastError = ""
	for _, r := range readings {
		if r.Type == types.ReadingTypeWeather {
			p.latest[r.Weather.ModuleID] = r.Weather
			weather++
		}
	}
	p.mu.Unlock()

	telemetry.InfoWithTrace(ctx, p.logger, "polled stations",
		zap.String("poll_id", pollID),
		zap.Int("reading_count", len(readings)),
		zap.Int("weather_reading_count", weather),
		zap.Int("buffer_size", p.buffer.Size()),
	)
}

// Status returns the current poller state
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// Latest returns the newest weather reading of every module, ordered by
// station and module ID
func (p *Poller) Latest() []*types.WeatherReading {
	p.mu.RLock()
	latest := make([]*types.WeatherReading, 0, len(p.latest))
	for _, r := range p.latest {
		latest = append(latest, r)
	}
	p.mu.RUnlock()

	sort.Slice(latest, func(i, j int) bool {
		if latest[i].StationID != latest[j].StationID {
			return latest[i].StationID < latest[j].StationID
		}
		return latest[i].ModuleID < latest[j].ModuleID
	})
	return latest
}

// LatestFor returns the newest weather reading of one module
func (p *Poller) LatestFor(moduleID string) (*types.WeatherReading, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.latest[moduleID]
	return r, ok
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
