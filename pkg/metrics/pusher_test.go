package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/mjasion/balena-home/weatherstation/pkg/buffer"
	"github.com/mjasion/balena-home/weatherstation/pkg/types"
	"github.com/prometheus/prometheus/prompb"
	"go.uber.org/zap"
)

func testReadings(n int) []*types.Reading {
	base := time.Date(2017, 10, 31, 10, 0, 0, 0, time.UTC)
	readings := make([]*types.Reading, 0, n)
	for i := 0; i < n; i++ {
		readings = append(readings, types.NewWeatherReading(&types.WeatherReading{
			Timestamp:   base.Add(time.Duration(i) * 10 * time.Minute),
			StationID:   "70:ee:50:29:48:4e",
			StationName: "Wohnzimmer",
			ModuleID:    "02:00:00:02:ba:2c",
			ModuleName:  "Garten",
			ModuleType:  "NAModule1",
			Values:      map[string]float64{"temperature_celsius": 5.8 + float64(i)},
		}))
	}
	return readings
}

func decodeWriteRequest(t *testing.T, r *http.Request) *prompb.WriteRequest {
	t.Helper()
	compressed, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	data, err := snappy.Decode(nil, compressed)
	if err != nil {
		t.Fatalf("Failed to decode snappy: %v", err)
	}
	var req prompb.WriteRequest
	if err := proto.Unmarshal(data, &req); err != nil {
		t.Fatalf("Failed to unmarshal write request: %v", err)
	}
	return &req
}

func newTestPusher(url string, batchSize int, buf *buffer.RingBuffer[*types.Reading]) *Pusher {
	return New(Config{
		URL:               url,
		Username:          "test-user",
		Password:          "test-password",
		PushIntervalSec:   60,
		BatchSize:         batchSize,
		TimeSeriesBuilder: CombineBuilders(BuildWeatherTimeSeries, BuildMetricTimeSeries),
		InitialBackoff:    10 * time.Millisecond,
	}, buf, zap.NewNop())
}

func TestPush_Success(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)

		if r.Method != http.MethodPost {
			t.Errorf("Expected POST method, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/x-protobuf" {
			t.Errorf("Expected Content-Type application/x-protobuf, got %s", r.Header.Get("Content-Type"))
		}
		if r.Header.Get("Content-Encoding") != "snappy" {
			t.Errorf("Expected Content-Encoding snappy, got %s", r.Header.Get("Content-Encoding"))
		}
		username, password, ok := r.BasicAuth()
		if !ok || username != "test-user" || password != "test-password" {
			t.Errorf("Unexpected basic auth: %s/%s (%v)", username, password, ok)
		}

		req := decodeWriteRequest(t, r)
		if len(req.Timeseries) != 1 {
			t.Fatalf("Expected 1 time series, got %d", len(req.Timeseries))
		}
		if len(req.Timeseries[0].Samples) != 2 {
			t.Errorf("Expected 2 samples, got %d", len(req.Timeseries[0].Samples))
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	pusher := newTestPusher(server.URL, 100, buffer.New[*types.Reading](10, zap.NewNop()))
	if !pusher.LastPushTime().IsZero() {
		t.Error("Expected zero last push time before the first push")
	}

	if err := pusher.Push(context.Background(), testReadings(2)); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if atomic.LoadInt32(&requests) != 1 {
		t.Errorf("Expected 1 request, got %d", requests)
	}
	if pusher.LastPushTime().IsZero() {
		t.Error("Expected last push time to be set")
	}
}

func TestPush_EmptyReadings(t *testing.T) {
	pusher := newTestPusher("http://127.0.0.1:0", 10, buffer.New[*types.Reading](10, zap.NewNop()))
	if err := pusher.Push(context.Background(), nil); err != nil {
		t.Errorf("Expected no error for empty readings, got: %v", err)
	}
}

func TestFlush_Batches(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	buf := buffer.New[*types.Reading](10, zap.NewNop())
	buf.AddAll(testReadings(5))
	pusher := newTestPusher(server.URL, 2, buf)

	pusher.Flush(context.Background())

	if atomic.LoadInt32(&requests) != 3 {
		t.Errorf("Expected 3 batches, got %d", requests)
	}
	if buf.Size() != 0 {
		t.Errorf("Expected empty buffer, got %d", buf.Size())
	}
}

func TestFlush_FailureRequeues(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("out of order sample"))
	}))
	defer server.Close()

	buf := buffer.New[*types.Reading](10, zap.NewNop())
	buf.AddAll(testReadings(3))
	pusher := newTestPusher(server.URL, 10, buf)

	// Cancelled context ends the retry backoff early
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pusher.Flush(ctx)

	if buf.Size() != 3 {
		t.Errorf("Expected 3 readings back in buffer, got %d", buf.Size())
	}
}

func TestStart_FlushesOnStop(t *testing.T) {
	received := make(chan int, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeWriteRequest(t, r)
		received <- len(req.Timeseries[0].Samples)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	buf := buffer.New[*types.Reading](10, zap.NewNop())
	buf.AddAll(testReadings(4))
	pusher := newTestPusher(server.URL, 10, buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pusher.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected pusher to stop")
	}

	select {
	case samples := <-received:
		if samples != 4 {
			t.Errorf("Expected 4 samples in final push, got %d", samples)
		}
	default:
		t.Error("Expected a final push on stop")
	}
}

func TestPush_RetriesServerErrors(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	pusher := newTestPusher(server.URL, 10, buffer.New[*types.Reading](10, zap.NewNop()))
	if err := pusher.Push(context.Background(), testReadings(1)); err != nil {
		t.Fatalf("Expected success on third attempt, got: %v", err)
	}
	if atomic.LoadInt32(&requests) != 3 {
		t.Errorf("Expected 3 requests, got %d", requests)
	}
}

func TestPush_GivesUpAfterMaxAttempts(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	pusher := newTestPusher(server.URL, 10, buffer.New[*types.Reading](10, zap.NewNop()))
	err := pusher.Push(context.Background(), testReadings(1))
	if err == nil {
		t.Fatal("Expected error")
	}
	var rwErr *RemoteWriteError
	if !errors.As(err, &rwErr) || rwErr.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected RemoteWriteError with status 502, got: %v", err)
	}
	if atomic.LoadInt32(&requests) != DefaultMaxAttempts {
		t.Errorf("Expected %d requests, got %d", DefaultMaxAttempts, requests)
	}
}

func TestFlush_DropsRejectedBatch(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&requests, 1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte("out of order sample"))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	buf := buffer.New[*types.Reading](10, zap.NewNop())
	buf.AddAll(testReadings(4))
	pusher := newTestPusher(server.URL, 2, buf)

	pusher.Flush(context.Background())

	// 400 is not retried; the second batch is still pushed
	if atomic.LoadInt32(&requests) != 2 {
		t.Errorf("Expected 2 requests, got %d", requests)
	}
	if buf.Size() != 0 {
		t.Errorf("Expected rejected readings to be dropped, got %d buffered", buf.Size())
	}
}

func TestRemoteWriteError_Retryable(t *testing.T) {
	tests := map[int]bool{
		http.StatusBadRequest:          false,
		http.StatusUnauthorized:        false,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
	}
	for code, want := range tests {
		if got := (&RemoteWriteError{StatusCode: code}).Retryable(); got != want {
			t.Errorf("Retryable(%d): expected %v, got %v", code, want, got)
		}
	}
}

func TestBatches(t *testing.T) {
	readings := testReadings(5)
	tests := []struct {
		size    int
		want    []int
		offsets []int
	}{
		{size: 2, want: []int{2, 2, 1}, offsets: []int{0, 2, 4}},
		{size: 5, want: []int{5}, offsets: []int{0}},
		{size: 0, want: []int{5}, offsets: []int{0}},
	}
	for _, tt := range tests {
		got := batches(readings, tt.size)
		if len(got) != len(tt.want) {
			t.Errorf("size %d: expected %d batches, got %d", tt.size, len(tt.want), len(got))
			continue
		}
		for i := range got {
			if len(got[i].readings) != tt.want[i] || got[i].offset != tt.offsets[i] {
				t.Errorf("size %d batch %d: expected %d readings at %d, got %d at %d",
					tt.size, i, tt.want[i], tt.offsets[i], len(got[i].readings), got[i].offset)
			}
		}
	}
}
