package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mjasion/balena-home/weatherstation/pkg/buffer"
	"github.com/mjasion/balena-home/weatherstation/pkg/types"
	"github.com/mjasion/balena-home/weatherstation/weather_exporter/poller"
	"go.uber.org/zap"
)

type fakePoller struct {
	status poller.Status
	latest []*types.WeatherReading
}

func (f *fakePoller) Status() poller.Status { return f.status }

func (f *fakePoller) Latest() []*types.WeatherReading { return f.latest }

func (f *fakePoller) LatestFor(moduleID string) (*types.WeatherReading, bool) {
	for _, r := range f.latest {
		if r.ModuleID == moduleID {
			return r, true
		}
	}
	return nil, false
}

type fakePusher struct {
	last time.Time
}

func (f fakePusher) LastPushTime() time.Time { return f.last }

var now = time.Date(2017, 10, 31, 11, 0, 0, 0, time.UTC)

func newTestChecker(p *fakePoller, buf *buffer.RingBuffer[*types.Reading]) *HealthChecker {
	hc := NewHealthChecker(p, fakePusher{last: now.Add(-time.Minute)}, buf, 10*time.Minute, 8080, zap.NewNop())
	hc.now = func() time.Time { return now }
	return hc
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		lastPoll   time.Time
		lastError  string
		wantCode   int
		wantStatus string
	}{
		{name: "fresh poll", lastPoll: now.Add(-5 * time.Minute), wantCode: http.StatusOK, wantStatus: "healthy"},
		{name: "no poll yet", wantCode: http.StatusOK, wantStatus: "healthy"},
		{name: "stale poll", lastPoll: now.Add(-31 * time.Minute), lastError: "timeout", wantCode: http.StatusServiceUnavailable, wantStatus: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := buffer.New[*types.Reading](2, zap.NewNop())
			for i := 0; i < 3; i++ {
				buf.Add(types.NewMetricReading(&types.MetricReading{Timestamp: now, Name: "netatmo_reachable"}))
			}
			p := &fakePoller{status: poller.Status{LastPollTime: tt.lastPoll, LastError: tt.lastError}}

			rec := get(t, newTestChecker(p, buf).Handler(), "/health")

			if rec.Code != tt.wantCode {
				t.Errorf("Expected status code %d, got %d", tt.wantCode, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Expected Content-Type application/json, got %s", ct)
			}

			var status HealthStatus
			if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if status.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, status.Status)
			}
			if status.BufferedReadings != 2 {
				t.Errorf("Expected 2 buffered readings, got %d", status.BufferedReadings)
			}
			if status.DroppedReadings != 1 {
				t.Errorf("Expected 1 dropped reading, got %d", status.DroppedReadings)
			}
			if status.LastPollError != tt.lastError {
				t.Errorf("Expected poll error %q, got %q", tt.lastError, status.LastPollError)
			}
			if tt.lastPoll.IsZero() != (status.LastPollTime == nil) {
				t.Errorf("Expected lastPollTime presence to match, got %v", status.LastPollTime)
			}
			if status.LastPushTime == nil {
				t.Error("Expected lastPushTime to be set")
			}
		})
	}
}

func TestHandleLatest(t *testing.T) {
	p := &fakePoller{latest: []*types.WeatherReading{
		{Timestamp: now, StationID: "70:ee:50:29:48:4e", ModuleID: "70:ee:50:29:48:4e", ModuleType: "NAMain", Values: map[string]float64{"co2_ppm": 612}},
		{Timestamp: now, StationID: "70:ee:50:29:48:4e", ModuleID: "02:00:00:29:2c:7a", ModuleType: "NAModule1", Values: map[string]float64{"temperature_celsius": 8.2}},
	}}
	h := newTestChecker(p, buffer.New[*types.Reading](10, zap.NewNop())).Handler()

	rec := get(t, h, "/latest")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status code 200, got %d", rec.Code)
	}
	var readings []ModuleReading
	if err := json.NewDecoder(rec.Body).Decode(&readings); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("Expected 2 readings, got %d", len(readings))
	}
	if readings[1].Values["temperature_celsius"] != 8.2 {
		t.Errorf("Expected temperature 8.2, got %v", readings[1].Values)
	}

	rec = get(t, h, "/latest/02:00:00:29:2c:7a")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status code 200, got %d", rec.Code)
	}
	var reading ModuleReading
	if err := json.NewDecoder(rec.Body).Decode(&reading); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if reading.ModuleType != "NAModule1" {
		t.Errorf("Expected NAModule1, got %s", reading.ModuleType)
	}

	rec = get(t, h, "/latest/unknown")
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected status code 404, got %d", rec.Code)
	}
}

func TestHandleLatest_EmptyIsArray(t *testing.T) {
	h := newTestChecker(&fakePoller{}, buffer.New[*types.Reading](10, zap.NewNop())).Handler()
	rec := get(t, h, "/latest")
	if body := rec.Body.String(); body != "[]\n" {
		t.Errorf("Expected empty JSON array, got %q", body)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := newTestChecker(&fakePoller{}, buffer.New[*types.Reading](10, zap.NewNop())).Handler()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status code 405, got %d", rec.Code)
	}
}
