package poller

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mjasion/balena-home/weatherstation/pkg/buffer"
	"github.com/mjasion/balena-home/weatherstation/pkg/types"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type fakeFetcher struct {
	readings []*types.Reading
	err      error
	calls    int32
}

func (f *fakeFetcher) Fetch(ctx context.Context) ([]*types.Reading, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.readings, f.err
}

func weatherReading(stationID, moduleID string, temp float64) *types.Reading {
	return types.NewWeatherReading(&types.WeatherReading{
		Timestamp:  measuredAt,
		StationID:  stationID,
		ModuleID:   moduleID,
		ModuleType: "NAModule1",
		Values:     map[string]float64{"temperature_celsius": temp},
	})
}

func TestPoll_BuffersReadings(t *testing.T) {
	fetcher := &fakeFetcher{readings: []*types.Reading{
		weatherReading("b", "02:00:00:00:00:02", 5.1),
		weatherReading("a", "02:00:00:00:00:01", 4.2),
		types.NewMetricReading(&types.MetricReading{Timestamp: measuredAt, Name: MetricReachable, Value: 1}),
	}}
	buf := buffer.New[*types.Reading](10, zap.NewNop())
	p := NewPoller(fetcher, buf, cron.Every(time.Minute), zap.NewNop())

	p.Poll(context.Background())

	if buf.Size() != 3 {
		t.Errorf("Expected 3 buffered readings, got %d", buf.Size())
	}
	status := p.Status()
	if status.LastPollTime.IsZero() {
		t.Error("Expected last poll time to be set")
	}
	if status.LastError != "" {
		t.Errorf("Expected no error, got %s", status.LastError)
	}

	latest := p.Latest()
	if len(latest) != 2 {
		t.Fatalf("Expected 2 latest readings, got %d", len(latest))
	}
	if latest[0].StationID != "a" || latest[1].StationID != "b" {
		t.Errorf("Expected readings ordered by station, got %s, %s", latest[0].StationID, latest[1].StationID)
	}

	r, ok := p.LatestFor("02:00:00:00:00:02")
	if !ok || r.Values["temperature_celsius"] != 5.1 {
		t.Errorf("Expected latest module reading 5.1, got %+v", r)
	}
	if _, ok := p.LatestFor("unknown"); ok {
		t.Error("Expected no reading for unknown module")
	}
}

func TestPoll_RecordsError(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	buf := buffer.New[*types.Reading](10, zap.NewNop())
	p := NewPoller(fetcher, buf, cron.Every(time.Minute), zap.NewNop())

	p.Poll(context.Background())

	status := p.Status()
	if status.LastError != "connection refused" {
		t.Errorf("Expected recorded error, got %q", status.LastError)
	}
	if status.LastErrorTime.IsZero() {
		t.Error("Expected last error time to be set")
	}
	if !status.LastPollTime.IsZero() {
		t.Error("Expected no successful poll")
	}
	if buf.Size() != 0 {
		t.Errorf("Expected empty buffer, got %d", buf.Size())
	}

	// A later success clears the error
	fetcher.err = nil
	fetcher.readings = []*types.Reading{weatherReading("a", "m", 1)}
	p.Poll(context.Background())
	if p.Status().LastError != "" {
		t.Errorf("Expected error to be cleared, got %q", p.Status().LastError)
	}
}

func TestStart_PollsImmediatelyAndStops(t *testing.T) {
	fetcher := &fakeFetcher{readings: []*types.Reading{weatherReading("a", "m", 1)}}
	buf := buffer.New[*types.Reading](10, zap.NewNop())
	// Far enough away that only the initial poll runs
	p := NewPoller(fetcher, buf, cron.Every(time.Hour), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for atomic.LoadInt32(&fetcher.calls) == 0 {
		select {
		case <-deadline:
			t.Fatal("Expected an immediate poll")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected poller to stop")
	}
	if calls := atomic.LoadInt32(&fetcher.calls); calls != 1 {
		t.Errorf("Expected 1 poll, got %d", calls)
	}
}
