package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/mjasion/balena-home/weatherstation/netatmo"
	"github.com/mjasion/balena-home/weatherstation/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// metricSuffixes maps dashboard measures to Prometheus metric suffixes.
// Measures missing here are not exported.
var metricSuffixes = map[netatmo.MeasureType]string{
	netatmo.MeasureTemperature:      "temperature_celsius",
	netatmo.MeasureMinTemp:          "min_temperature_celsius",
	netatmo.MeasureMaxTemp:          "max_temperature_celsius",
	netatmo.MeasureHumidity:         "humidity_percent",
	netatmo.MeasureCO2:              "co2_ppm",
	netatmo.MeasurePressure:         "pressure_mbar",
	netatmo.MeasureAbsolutePressure: "absolute_pressure_mbar",
	netatmo.MeasureNoise:            "noise_db",
	netatmo.MeasureRain:             "rain_mm",
	netatmo.MeasureSumRain1:         "rain_1h_mm",
	netatmo.MeasureSumRain24:        "rain_24h_mm",
	netatmo.MeasureWindStrength:     "wind_strength_kmh",
	netatmo.MeasureWindAngle:        "wind_angle_degrees",
	netatmo.MeasureGustStrength:     "gust_strength_kmh",
	netatmo.MeasureGustAngle:        "gust_angle_degrees",
	netatmo.MeasureMaxWindStrength:  "max_wind_strength_kmh",
	netatmo.MeasureMaxWindAngle:     "max_wind_angle_degrees",
	netatmo.MeasureHealthIndex:      "health_index",
}

// Names of the per-module status metrics
const (
	MetricBatteryPercent = "netatmo_battery_percent"
	MetricBatteryVP      = "netatmo_battery_vp"
	MetricRFStatus       = "netatmo_rf_status"
	MetricWifiStatus     = "netatmo_wifi_status"
	MetricReachable      = "netatmo_reachable"
)

// StationsFetcher is the part of the API client the fetcher needs
type StationsFetcher interface {
	GetStationsData(ctx context.Context, req netatmo.StationsDataRequest) ([]netatmo.Station, error)
	GetHomeCoachsData(ctx context.Context, deviceID string) ([]netatmo.Station, error)
}

// Fetcher fetches station data and converts it to buffer readings
type Fetcher struct {
	client             StationsFetcher
	request            netatmo.StationsDataRequest
	includeHomeCoaches bool
	now                func() time.Time
}

// NewFetcher creates a new station fetcher
func NewFetcher(client StationsFetcher, req netatmo.StationsDataRequest, includeHomeCoaches bool) *Fetcher {
	return &Fetcher{
		client:             client,
		request:            req,
		includeHomeCoaches: includeHomeCoaches,
		now:                time.Now,
	}
}

// Fetch returns the readings of every station module reported by the API
func (f *Fetcher) Fetch(ctx context.Context) ([]*types.Reading, error) {
	ctx, span := otel.Tracer("poller").Start(ctx, "poller.Fetch")
	defer span.End()

	stations, err := f.client.GetStationsData(ctx, f.request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch stations")
		return nil, fmt.Errorf("failed to fetch stations: %w", err)
	}

	if f.includeHomeCoaches {
		coaches, err := f.client.GetHomeCoachsData(ctx, "")
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to fetch home coaches")
			return nil, fmt.Errorf("failed to fetch home coaches: %w", err)
		}
		stations = append(stations, coaches...)
	}

	readings := StationReadings(stations, f.now())

	span.SetAttributes(
		attribute.Int("poller.station_count", len(stations)),
		attribute.Int("poller.reading_count", len(readings)),
	)
	span.SetStatus(codes.Ok, "stations fetched")

	return readings, nil
}

// StationReadings converts stations to readings. Modules without dashboard
// data only produce status metrics, stamped with fetchedAt.
func StationReadings(stations []netatmo.Station, fetchedAt time.Time) []*types.Reading {
	var readings []*types.Reading

	for _, station := range stations {
		// Modules[0] is the base unit
		for i, module := range station.Modules {
			labels := map[string]string{
				"station_id":   station.ID,
				"station_name": station.Name,
				"module_id":    module.ID,
				"module_name":  module.Name,
				"module_type":  string(module.Type),
			}

			if values := metricValues(module.Measures); len(values) > 0 && !module.Measures.TimeUTC.IsZero() {
				readings = append(readings, types.NewWeatherReading(&types.WeatherReading{
					Timestamp:   module.Measures.TimeUTC,
					StationID:   station.ID,
					StationName: station.Name,
					ModuleID:    module.ID,
					ModuleName:  module.Name,
					ModuleType:  string(module.Type),
					Values:      values,
				}))
			}

			status := map[string]float64{MetricReachable: boolValue(module.Reachable)}
			if i == 0 {
				status[MetricWifiStatus] = float64(station.WifiStatus)
			} else {
				status[MetricBatteryPercent] = float64(module.BatteryPercent)
				status[MetricBatteryVP] = float64(module.BatteryVP)
				status[MetricRFStatus] = float64(module.RFStatus)
			}
			for name, value := range status {
				readings = append(readings, types.NewMetricReading(&types.MetricReading{
					Timestamp: fetchedAt,
					Name:      name,
					Value:     value,
					Labels:    labels,
				}))
			}
		}
	}

	return readings
}

func metricValues(m netatmo.Measures) map[string]float64 {
	values := make(map[string]float64)
	for measure, value := range m.Values() {
		if suffix, ok := metricSuffixes[measure]; ok {
			values[suffix] = value
		}
	}
	return values
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
