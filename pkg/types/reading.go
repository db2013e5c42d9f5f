package types

import "time"

// ReadingType identifies the type of metric reading
type ReadingType string

const (
	ReadingTypeWeather ReadingType = "weather"
	ReadingTypeMetric  ReadingType = "metric"
)

// Reading is a union type that can hold different types of metric readings
type Reading struct {
	Type    ReadingType
	Weather *WeatherReading
	Metric  *MetricReading
}

// WeatherReading is one dashboard snapshot of a station module
type WeatherReading struct {
	Timestamp   time.Time
	StationID   string
	StationName string
	ModuleID    string
	ModuleName  string
	ModuleType  string
	// Values is keyed by metric suffix, e.g. "temperature_celsius"
	Values map[string]float64
}

// MetricReading represents a generic metric reading (e.g., battery level)
type MetricReading struct {
	Timestamp time.Time
	Name      string
	Value     float64
	Labels    map[string]string
}

// GetTimestamp returns the timestamp of the reading regardless of type
func (r *Reading) GetTimestamp() time.Time {
	switch r.Type {
	case ReadingTypeWeather:
		return r.Weather.Timestamp
	case ReadingTypeMetric:
		return r.Metric.Timestamp
	default:
		return time.Time{}
	}
}

// NewWeatherReading wraps w in a Reading
func NewWeatherReading(w *WeatherReading) *Reading {
	return &Reading{Type: ReadingTypeWeather, Weather: w}
}

// NewMetricReading wraps m in a Reading
func NewMetricReading(m *MetricReading) *Reading {
	return &Reading{Type: ReadingTypeMetric, Metric: m}
}
