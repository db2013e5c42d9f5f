package netatmo

import (
	"sort"
	"strings"
	"time"
)

// ModuleType is the vendor type code of a station or module
type ModuleType string

const (
	TypeBase      ModuleType = "NAMain"
	TypeOutdoor   ModuleType = "NAModule1"
	TypeWindGauge ModuleType = "NAModule2"
	TypeRainGauge ModuleType = "NAModule3"
	TypeIndoor    ModuleType = "NAModule4"
	TypeHomeCoach ModuleType = "NHC"
)

// Known reports whether the parser can decode dashboards of this type
func (t ModuleType) Known() bool {
	switch t {
	case TypeBase, TypeOutdoor, TypeWindGauge, TypeRainGauge, TypeIndoor, TypeHomeCoach:
		return true
	}
	return false
}

// Trend is the direction reported for temperature and pressure
type Trend int

const (
	TrendNoData Trend = iota
	TrendUp
	TrendDown
	TrendStable
)

// ParseTrend maps the vendor strings "up", "down" and "stable". Anything
// else is TrendNoData.
func ParseTrend(s string) Trend {
	switch s {
	case "up":
		return TrendUp
	case "down":
		return TrendDown
	case "stable":
		return TrendStable
	}
	return TrendNoData
}

func (t Trend) String() string {
	switch t {
	case TrendUp:
		return "up"
	case TrendDown:
		return "down"
	case TrendStable:
		return "stable"
	}
	return "noData"
}

// MeasureType is a vendor measurement name. The values are the exact,
// case-sensitive keys used in dashboards and in getmeasure requests.
type MeasureType string

const (
	MeasureTemperature      MeasureType = "Temperature"
	MeasureCO2              MeasureType = "CO2"
	MeasureHumidity         MeasureType = "Humidity"
	MeasurePressure         MeasureType = "Pressure"
	MeasureAbsolutePressure MeasureType = "AbsolutePressure"
	MeasureNoise            MeasureType = "Noise"
	MeasureRain             MeasureType = "Rain"
	MeasureSumRain1         MeasureType = "sum_rain_1"
	MeasureSumRain24        MeasureType = "sum_rain_24"
	MeasureWindStrength     MeasureType = "WindStrength"
	MeasureWindAngle        MeasureType = "WindAngle"
	MeasureGustStrength     MeasureType = "GustStrength"
	MeasureGustAngle        MeasureType = "GustAngle"
	MeasureMaxWindStrength  MeasureType = "max_wind_str"
	MeasureMaxWindAngle     MeasureType = "max_wind_angle"
	MeasureMinTemp          MeasureType = "min_temp"
	MeasureMaxTemp          MeasureType = "max_temp"
	MeasureHealthIndex      MeasureType = "health_idx"

	MeasureTempTrend           MeasureType = "temp_trend"
	MeasurePressureTrend       MeasureType = "pressure_trend"
	MeasureDateMinTemp         MeasureType = "date_min_temp"
	MeasureDateMaxTemp         MeasureType = "date_max_temp"
	MeasureDateMaxWindStrength MeasureType = "date_max_wind_str"
)

// Dashboard keys that are not measurement names
const (
	keyTimeUTC      MeasureType = "time_utc"
	keyWindHistoric MeasureType = "WindHistoric"
)

// ParseMeasureType resolves a name case-insensitively against the numeric
// and date measure types. The public API reports names in lowercase
// ("temperature").
func ParseMeasureType(name string) (MeasureType, bool) {
	for _, known := range [][]MeasureType{numericMeasures, dateMeasures} {
		for _, t := range known {
			if strings.EqualFold(string(t), name) {
				return t, true
			}
		}
	}
	return "", false
}

// Scale is the aggregation step of a historical measure query
type Scale string

const (
	Scale30Min  Scale = "30min"
	Scale1Hour  Scale = "1hour"
	Scale3Hours Scale = "3hours"
	Scale1Day   Scale = "1day"
	Scale1Week  Scale = "1week"
	Scale1Month Scale = "1month"
	ScaleMax    Scale = "max"
)

// ParseScale validates a scale name
func ParseScale(s string) (Scale, bool) {
	switch sc := Scale(s); sc {
	case Scale30Min, Scale1Hour, Scale3Hours, Scale1Day, Scale1Week, Scale1Month, ScaleMax:
		return sc, true
	}
	return "", false
}

// WindSample is one entry of a wind gauge's recent history
type WindSample struct {
	TimeUTC      time.Time
	WindStrength float64
	WindAngle    float64
}

// Measures is a reading snapshot. Nil pointers are readings the device did
// not report; which ones are set depends on the owning module type.
type Measures struct {
	TimeUTC time.Time

	Temperature      *float64
	Humidity         *float64
	CO2              *float64
	Pressure         *float64
	AbsolutePressure *float64
	Noise            *float64
	MinTemp          *float64
	MaxTemp          *float64
	DateMinTemp      time.Time
	DateMaxTemp      time.Time
	TempTrend        Trend
	PressureTrend    Trend

	Rain      *float64
	SumRain1  *float64
	SumRain24 *float64

	WindStrength        *float64
	WindAngle           *float64
	GustStrength        *float64
	GustAngle           *float64
	MaxWindStrength     *float64
	MaxWindAngle        *float64
	DateMaxWindStrength time.Time
	WindHistoric        []WindSample

	HealthIndex *float64
}

// numericMeasures lists every MeasureType backed by a *float64 field
var numericMeasures = []MeasureType{
	MeasureTemperature, MeasureHumidity, MeasureCO2, MeasurePressure,
	MeasureAbsolutePressure, MeasureNoise, MeasureMinTemp, MeasureMaxTemp,
	MeasureRain, MeasureSumRain1, MeasureSumRain24,
	MeasureWindStrength, MeasureWindAngle, MeasureGustStrength, MeasureGustAngle,
	MeasureMaxWindStrength, MeasureMaxWindAngle, MeasureHealthIndex,
}

// dateMeasures lists the getmeasure types whose values are unix timestamps
var dateMeasures = []MeasureType{MeasureDateMinTemp, MeasureDateMaxTemp, MeasureDateMaxWindStrength}

func (m *Measures) dateField(t MeasureType) *time.Time {
	switch t {
	case MeasureDateMinTemp:
		return &m.DateMinTemp
	case MeasureDateMaxTemp:
		return &m.DateMaxTemp
	case MeasureDateMaxWindStrength:
		return &m.DateMaxWindStrength
	}
	return nil
}

func (m *Measures) field(t MeasureType) **float64 {
	switch t {
	case MeasureTemperature:
		return &m.Temperature
	case MeasureHumidity:
		return &m.Humidity
	case MeasureCO2:
		return &m.CO2
	case MeasurePressure:
		return &m.Pressure
	case MeasureAbsolutePressure:
		return &m.AbsolutePressure
	case MeasureNoise:
		return &m.Noise
	case MeasureMinTemp:
		return &m.MinTemp
	case MeasureMaxTemp:
		return &m.MaxTemp
	case MeasureRain:
		return &m.Rain
	case MeasureSumRain1:
		return &m.SumRain1
	case MeasureSumRain24:
		return &m.SumRain24
	case MeasureWindStrength:
		return &m.WindStrength
	case MeasureWindAngle:
		return &m.WindAngle
	case MeasureGustStrength:
		return &m.GustStrength
	case MeasureGustAngle:
		return &m.GustAngle
	case MeasureMaxWindStrength:
		return &m.MaxWindStrength
	case MeasureMaxWindAngle:
		return &m.MaxWindAngle
	case MeasureHealthIndex:
		return &m.HealthIndex
	}
	return nil
}

// Set stores v under t. It reports false for types without a numeric field.
func (m *Measures) Set(t MeasureType, v float64) bool {
	f := m.field(t)
	if f == nil {
		return false
	}
	*f = &v
	return true
}

// Get returns the reading for t, if reported
func (m Measures) Get(t MeasureType) (float64, bool) {
	f := m.field(t)
	if f == nil || *f == nil {
		return 0, false
	}
	return **f, true
}

// Values returns all reported numeric readings keyed by type
func (m Measures) Values() map[MeasureType]float64 {
	values := make(map[MeasureType]float64)
	for _, t := range numericMeasures {
		if v, ok := m.Get(t); ok {
			values[t] = v
		}
	}
	return values
}

// Dates returns the non-zero extreme timestamps keyed by their date type
func (m Measures) Dates() map[MeasureType]time.Time {
	dates := make(map[MeasureType]time.Time)
	for _, t := range dateMeasures {
		if d := *m.dateField(t); !d.IsZero() {
			dates[t] = d
		}
	}
	return dates
}

// Location is a WGS84 coordinate
type Location struct {
	Latitude  float64
	Longitude float64
}

// Place describes where a station is installed
type Place struct {
	Altitude float64
	City     string
	Country  string
	Timezone string
	Location Location
}

// Module is a sensor unit attached to a station. The base unit itself is
// represented as a Module too.
type Module struct {
	ID             string
	Name           string
	Type           ModuleType
	BatteryVP      int
	BatteryPercent int
	RFStatus       int
	Firmware       int
	LastMessage    time.Time
	LastSeen       time.Time
	LastSetup      time.Time
	Reachable      bool
	DataTypes      []string
	Measures       Measures
}

// Station is a base unit with its modules. Modules[0] is the base unit,
// followed by the attached modules in the order the API returned them.
type Station struct {
	ID              string
	Name            string
	ModuleName      string
	Type            ModuleType
	Firmware        int
	LastUpgrade     time.Time
	LastStatusStore time.Time
	DateSetup       time.Time
	WifiStatus      int
	CO2Calibrating  bool
	Reachable       bool
	HomeID          string
	HomeName        string
	Place           Place
	Measures        Measures
	Modules         []Module
}

// PublicStation is a station shared on the public weather map
type PublicStation struct {
	ID          string
	Place       Place
	ModuleTypes map[string]ModuleType
	Measures    Measures
}

func sortMeasures(measures []Measures) {
	sort.Slice(measures, func(i, j int) bool {
		return measures[i].TimeUTC.Before(measures[j].TimeUTC)
	})
}
