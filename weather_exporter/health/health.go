// Package health serves the exporter status and the latest module readings
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/mjasion/balena-home/weatherstation/pkg/buffer"
	"github.com/mjasion/balena-home/weatherstation/pkg/types"
	"github.com/mjasion/balena-home/weatherstation/weather_exporter/poller"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// PollStatus is the poller state the checker reports
type PollStatus interface {
	Status() poller.Status
	Latest() []*types.WeatherReading
	LatestFor(moduleID string) (*types.WeatherReading, bool)
}

// PushStatus reports when readings were last delivered
type PushStatus interface {
	LastPushTime() time.Time
}

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status           string     `json:"status"`
	LastPollTime     *time.Time `json:"lastPollTime,omitempty"`
	LastPushTime     *time.Time `json:"lastPushTime,omitempty"`
	BufferedReadings int        `json:"bufferedReadings"`
	DroppedReadings  uint64     `json:"droppedReadings"`
	LastPollError    string     `json:"lastPollError,omitempty"`
}

// ModuleReading is the JSON form of a module's newest dashboard snapshot
type ModuleReading struct {
	Timestamp   time.Time          `json:"timestamp"`
	StationID   string             `json:"stationId"`
	StationName string             `json:"stationName,omitempty"`
	ModuleID    string             `json:"moduleId"`
	ModuleName  string             `json:"moduleName,omitempty"`
	ModuleType  string             `json:"moduleType"`
	Values      map[string]float64 `json:"values"`
}

// HealthChecker provides health check functionality
type HealthChecker struct {
	poller       PollStatus
	pusher       PushStatus
	buffer       *buffer.RingBuffer[*types.Reading]
	pollInterval time.Duration
	server       *http.Server
	logger       *zap.Logger
	now          func() time.Time
}

// NewHealthChecker creates a new HealthChecker instance
func NewHealthChecker(p PollStatus, pusher PushStatus, buf *buffer.RingBuffer[*types.Reading], pollInterval time.Duration, port int, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		poller:       p,
		pusher:       pusher,
		buffer:       buf,
		pollInterval: pollInterval,
		logger:       logger,
		now:          time.Now,
	}

	hc.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      hc.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	return hc
}

// Handler returns the routed, instrumented HTTP handler
func (hc *HealthChecker) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", hc.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/latest", hc.handleLatest).Methods(http.MethodGet)
	router.HandleFunc("/latest/{moduleId}", hc.handleLatestModule).Methods(http.MethodGet)

	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(zap.NewStdLog(hc.logger)),
		handlers.PrintRecoveryStack(true),
	)
	return otelhttp.NewHandler(gziphandler.GzipHandler(recovery(router)), "health")
}

// Start begins serving the health check endpoint
func (hc *HealthChecker) Start() error {
	hc.logger.Info("starting health check server", zap.String("addr", hc.server.Addr))
	if err := hc.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health check server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the health check server
func (hc *HealthChecker) Stop(ctx context.Context) error {
	return hc.server.Shutdown(ctx)
}

// Check builds the current health status. A poll staler than three poll
// intervals makes the service unhealthy.
func (hc *HealthChecker) Check() HealthStatus {
	pollStatus := hc.poller.Status()
	stats := hc.buffer.Stats()

	status := HealthStatus{
		Status:           "healthy",
		LastPollTime:     optionalTime(pollStatus.LastPollTime),
		LastPushTime:     optionalTime(hc.pusher.LastPushTime()),
		BufferedReadings: stats.Size,
		DroppedReadings:  stats.Dropped,
		LastPollError:    pollStatus.LastError,
	}

	if last := pollStatus.LastPollTime; !last.IsZero() && hc.now().Sub(last) > 3*hc.pollInterval {
		status.Status = "unhealthy"
	}
	return status
}

func (hc *HealthChecker) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hc.Check()
	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	hc.writeJSON(w, code, status)
}

func (hc *HealthChecker) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest := hc.poller.Latest()
	readings := make([]ModuleReading, 0, len(latest))
	for _, reading := range latest {
		readings = append(readings, toModuleReading(reading))
	}
	hc.writeJSON(w, http.StatusOK, readings)
}

func (hc *HealthChecker) handleLatestModule(w http.ResponseWriter, r *http.Request) {
	moduleID := mux.Vars(r)["moduleId"]
	reading, ok := hc.poller.LatestFor(moduleID)
	if !ok {
		hc.writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown module " + moduleID})
		return
	}
	hc.writeJSON(w, http.StatusOK, toModuleReading(reading))
}

func (hc *HealthChecker) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hc.logger.Warn("failed to write response", zap.Error(err))
	}
}

func toModuleReading(r *types.WeatherReading) ModuleReading {
	return ModuleReading{
		Timestamp:   r.Timestamp,
		StationID:   r.StationID,
		StationName: r.StationName,
		ModuleID:    r.ModuleID,
		ModuleName:  r.ModuleName,
		ModuleType:  r.ModuleType,
		Values:      r.Values,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
