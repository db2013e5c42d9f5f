package metrics

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/mjasion/balena-home/weatherstation/pkg/types"
	"github.com/prometheus/prometheus/prompb"
)

func labelValue(ts prompb.TimeSeries, name string) string {
	for _, l := range ts.Labels {
		if l.Name == name {
			return l.Value
		}
	}
	return ""
}

func TestBuildWeatherTimeSeries(t *testing.T) {
	now := time.Date(2017, 10, 31, 10, 0, 0, 0, time.UTC)
	readings := []*types.Reading{
		types.NewWeatherReading(&types.WeatherReading{
			Timestamp:   now,
			StationID:   "70:ee:50:29:48:4e",
			StationName: "Wohnzimmer",
			ModuleID:    "70:ee:50:29:48:4e",
			ModuleName:  "Wohnzimmer",
			ModuleType:  "NAMain",
			Values: map[string]float64{
				"temperature_celsius": 22.1,
				"co2_ppm":             612,
			},
		}),
		types.NewMetricReading(&types.MetricReading{Timestamp: now, Name: "ignored", Value: 1}),
	}

	series, err := BuildWeatherTimeSeries(context.Background(), readings)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("Expected 2 time series, got %d", len(series))
	}

	names := []string{labelValue(series[0], "__name__"), labelValue(series[1], "__name__")}
	sort.Strings(names)
	if names[0] != "netatmo_co2_ppm" || names[1] != "netatmo_temperature_celsius" {
		t.Errorf("Unexpected metric names: %v", names)
	}

	for _, ts := range series {
		if !sort.SliceIsSorted(ts.Labels, func(i, j int) bool { return ts.Labels[i].Name < ts.Labels[j].Name }) {
			t.Errorf("Expected sorted labels, got %v", ts.Labels)
		}
		if labelValue(ts, "module_type") != "NAMain" {
			t.Errorf("Expected module_type NAMain, got %s", labelValue(ts, "module_type"))
		}
		if ts.Samples[0].Timestamp != now.UnixMilli() {
			t.Errorf("Expected timestamp %d, got %d", now.UnixMilli(), ts.Samples[0].Timestamp)
		}
	}
}

func TestBuildWeatherTimeSeries_DeduplicatesTimestamps(t *testing.T) {
	now := time.Date(2017, 10, 31, 10, 0, 0, 0, time.UTC)
	reading := func(ts time.Time, v float64) *types.Reading {
		return types.NewWeatherReading(&types.WeatherReading{
			Timestamp: ts,
			ModuleID:  "05:00:00:02:c8:a6",
			Values:    map[string]float64{"rain_mm": v},
		})
	}
	readings := []*types.Reading{
		reading(now.Add(10*time.Minute), 0.2),
		reading(now, 0.1),
		reading(now, 0.1),
	}

	series, err := BuildWeatherTimeSeries(context.Background(), readings)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("Expected 1 time series, got %d", len(series))
	}
	samples := series[0].Samples
	if len(samples) != 2 {
		t.Fatalf("Expected 2 samples, got %d", len(samples))
	}
	if samples[0].Value != 0.1 || samples[1].Value != 0.2 {
		t.Errorf("Expected samples ordered by time, got %v", samples)
	}
	if labelValue(series[0], "station_name") != "" {
		t.Error("Expected empty labels to be dropped")
	}
}

func TestBuildMetricTimeSeries(t *testing.T) {
	now := time.Now()
	readings := []*types.Reading{
		types.NewMetricReading(&types.MetricReading{
			Timestamp: now,
			Name:      "netatmo_battery_percent",
			Value:     72,
			Labels:    map[string]string{"module_id": "a", "station_id": "s"},
		}),
		types.NewMetricReading(&types.MetricReading{
			Timestamp: now.Add(time.Minute),
			Name:      "netatmo_battery_percent",
			Value:     71,
			Labels:    map[string]string{"station_id": "s", "module_id": "a"},
		}),
		types.NewMetricReading(&types.MetricReading{
			Timestamp: now,
			Name:      "netatmo_battery_percent",
			Value:     90,
			Labels:    map[string]string{"module_id": "b", "station_id": "s"},
		}),
	}

	series, err := BuildMetricTimeSeries(context.Background(), readings)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(series) != 2 {
		t.Fatalf("Expected 2 time series, got %d", len(series))
	}
	for _, ts := range series {
		if labelValue(ts, "module_id") == "a" && len(ts.Samples) != 2 {
			t.Errorf("Expected 2 samples for module a, got %d", len(ts.Samples))
		}
	}
}

func TestCombineBuilders(t *testing.T) {
	now := time.Now()
	readings := []*types.Reading{
		types.NewWeatherReading(&types.WeatherReading{Timestamp: now, ModuleID: "m", Values: map[string]float64{"humidity_percent": 50}}),
		types.NewMetricReading(&types.MetricReading{Timestamp: now, Name: "netatmo_rf_status", Value: 60}),
	}

	builder := CombineBuilders(BuildWeatherTimeSeries, nil, BuildMetricTimeSeries)
	series, err := builder(context.Background(), readings)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(series) != 2 {
		t.Errorf("Expected 2 time series, got %d", len(series))
	}
}
