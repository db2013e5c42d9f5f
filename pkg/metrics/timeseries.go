package metrics

import (
	"context"
	"sort"
	"strings"

	"github.com/mjasion/balena-home/weatherstation/pkg/types"
	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// WeatherMetricPrefix is prepended to every WeatherReading value key
const WeatherMetricPrefix = "netatmo_"

// BuildWeatherTimeSeries builds Prometheus time series for station module
// readings. Every value key becomes one metric, e.g. "temperature_celsius"
// is pushed as netatmo_temperature_celsius.
func BuildWeatherTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildWeatherTimeSeries")
	defer span.End()

	var weatherReadings []*types.WeatherReading
	for _, r := range readings {
		if r.Type == types.ReadingTypeWeather && r.Weather != nil {
			weatherReadings = append(weatherReadings, r.Weather)
		}
	}

	if len(weatherReadings) == 0 {
		span.SetStatus(codes.Ok, "no weather readings")
		return nil, nil
	}

	type seriesKey struct {
		stationID   string
		stationName string
		moduleID    string
		moduleName  string
		moduleType  string
		metric      string
	}
	grouped := make(map[seriesKey][]prompb.Sample)
	for _, r := range weatherReadings {
		for metric, value := range r.Values {
			key := seriesKey{
				stationID:   r.StationID,
				stationName: r.StationName,
				moduleID:    r.ModuleID,
				moduleName:  r.ModuleName,
				moduleType:  r.ModuleType,
				metric:      metric,
			}
			grouped[key] = append(grouped[key], prompb.Sample{
				Value:     value,
				Timestamp: r.Timestamp.UnixMilli(),
			})
		}
	}

	timeSeries := make([]prompb.TimeSeries, 0, len(grouped))
	for key, samples := range grouped {
		timeSeries = append(timeSeries, prompb.TimeSeries{
			Labels: sortedLabels(map[string]string{
				"__name__":     WeatherMetricPrefix + key.metric,
				"station_id":   key.stationID,
				"station_name": key.stationName,
				"module_id":    key.moduleID,
				"module_name":  key.moduleName,
				"module_type":  key.moduleType,
			}),
			Samples: orderSamples(samples),
		})
	}

	span.SetAttributes(
		attribute.Int("metrics.weather_time_series_count", len(timeSeries)),
	)
	span.SetStatus(codes.Ok, "weather time series built")

	return timeSeries, nil
}

// BuildMetricTimeSeries builds Prometheus time series for generic metric readings
func BuildMetricTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildMetricTimeSeries")
	defer span.End()

	var metricReadings []*types.MetricReading
	for _, r := range readings {
		if r.Type == types.ReadingTypeMetric && r.Metric != nil {
			metricReadings = append(metricReadings, r.Metric)
		}
	}

	if len(metricReadings) == 0 {
		span.SetStatus(codes.Ok, "no metric readings")
		return nil, nil
	}

	// Group by metric name and labels
	type metricKey struct {
		name   string
		labels string
	}
	labelSets := make(map[metricKey]map[string]string)
	grouped := make(map[metricKey][]prompb.Sample)
	for _, reading := range metricReadings {
		key := metricKey{
			name:   reading.Name,
			labels: serializeLabels(reading.Labels),
		}
		labelSets[key] = reading.Labels
		grouped[key] = append(grouped[key], prompb.Sample{
			Value:     reading.Value,
			Timestamp: reading.Timestamp.UnixMilli(),
		})
	}

	timeSeries := make([]prompb.TimeSeries, 0, len(grouped))
	for key, samples := range grouped {
		labels := map[string]string{"__name__": key.name}
		for k, v := range labelSets[key] {
			labels[k] = v
		}
		timeSeries = append(timeSeries, prompb.TimeSeries{
			Labels:  sortedLabels(labels),
			Samples: orderSamples(samples),
		})
	}

	span.SetAttributes(
		attribute.Int("metrics.generic_time_series_count", len(timeSeries)),
	)
	span.SetStatus(codes.Ok, "generic time series built")

	return timeSeries, nil
}

// CombineBuilders combines multiple time series builders into one
func CombineBuilders(builders ...TimeSeriesBuilder) TimeSeriesBuilder {
	return func(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
		var allTimeSeries []prompb.TimeSeries

		for _, builder := range builders {
			if builder == nil {
				continue
			}

			timeSeries, err := builder(ctx, readings)
			if err != nil {
				return nil, err
			}

			allTimeSeries = append(allTimeSeries, timeSeries...)
		}

		return allTimeSeries, nil
	}
}

// Helper functions

// sortedLabels drops empty values; remote_write expects labels sorted by name
func sortedLabels(labels map[string]string) []prompb.Label {
	result := make([]prompb.Label, 0, len(labels))
	for name, value := range labels {
		if value == "" {
			continue
		}
		result = append(result, prompb.Label{Name: name, Value: value})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Name < result[j].Name
	})
	return result
}

// orderSamples sorts by timestamp and keeps the first sample of each
// timestamp. A dashboard that did not change between two polls repeats its
// time_utc.
func orderSamples(samples []prompb.Sample) []prompb.Sample {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp < samples[j].Timestamp
	})
	result := samples[:0]
	for _, s := range samples {
		if len(result) > 0 && result[len(result)-1].Timestamp == s.Timestamp {
			continue
		}
		result = append(result, s)
	}
	return result
}

func serializeLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
		b.WriteByte(',')
	}
	return b.String()
}
