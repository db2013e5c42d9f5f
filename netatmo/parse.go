package netatmo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

type wirePlace struct {
	Altitude float64   `json:"altitude"`
	City     string    `json:"city"`
	Country  string    `json:"country"`
	Timezone string    `json:"timezone"`
	Location []float64 `json:"location"`
}

type wireModule struct {
	ID             string          `json:"_id"`
	Type           ModuleType      `json:"type"`
	ModuleName     string          `json:"module_name"`
	DataType       []string        `json:"data_type"`
	BatteryVP      int             `json:"battery_vp"`
	BatteryPercent int             `json:"battery_percent"`
	RFStatus       int             `json:"rf_status"`
	Firmware       int             `json:"firmware"`
	LastMessage    int64           `json:"last_message"`
	LastSeen       int64           `json:"last_seen"`
	LastSetup      int64           `json:"last_setup"`
	Reachable      *bool           `json:"reachable"`
	DashboardData  json.RawMessage `json:"dashboard_data"`
}

type wireStation struct {
	ID              string          `json:"_id"`
	StationName     string          `json:"station_name"`
	Name            string          `json:"name"`
	ModuleName      string          `json:"module_name"`
	Type            ModuleType      `json:"type"`
	DataType        []string        `json:"data_type"`
	Firmware        int             `json:"firmware"`
	LastUpgrade     int64           `json:"last_upgrade"`
	LastStatusStore int64           `json:"last_status_store"`
	LastSetup       int64           `json:"last_setup"`
	DateSetup       int64           `json:"date_setup"`
	WifiStatus      int             `json:"wifi_status"`
	CO2Calibrating  bool            `json:"co2_calibrating"`
	Reachable       *bool           `json:"reachable"`
	HomeID          string          `json:"home_id"`
	HomeName        string          `json:"home_name"`
	Place           wirePlace       `json:"place"`
	DashboardData   json.RawMessage `json:"dashboard_data"`
	Modules         []wireModule    `json:"modules"`
}

// responseBody extracts the top-level "body" member. A response without one
// yields nil.
func responseBody(response []byte) (json.RawMessage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(response, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	body, ok := envelope["body"]
	if !ok || isNull(body) {
		return nil, nil
	}
	return body, nil
}

// ParseDevices converts a getstationsdata or gethomecoachsdata response into
// stations. A response without body.devices yields no stations. Any station
// or module of an unsupported type aborts the whole parse.
func ParseDevices(response []byte) ([]Station, error) {
	body, err := responseBody(response)
	if err != nil || body == nil {
		return nil, err
	}

	var payload struct {
		Devices []wireStation `json:"devices"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode devices: %w", err)
	}

	stations := make([]Station, 0, len(payload.Devices))
	for _, ws := range payload.Devices {
		station, err := parseStation(ws)
		if err != nil {
			return nil, fmt.Errorf("station %s: %w", ws.ID, err)
		}
		stations = append(stations, station)
	}
	return stations, nil
}

func parseStation(ws wireStation) (Station, error) {
	measures, err := ParseMeasures(ws.DashboardData, ws.Type)
	if err != nil {
		return Station{}, err
	}

	name := ws.StationName
	if name == "" {
		name = ws.Name
	}
	reachable := reachableOr(ws.Reachable, ws.DashboardData)

	station := Station{
		ID:              ws.ID,
		Name:            name,
		ModuleName:      ws.ModuleName,
		Type:            ws.Type,
		Firmware:        ws.Firmware,
		LastUpgrade:     unixTime(ws.LastUpgrade),
		LastStatusStore: unixTime(ws.LastStatusStore),
		DateSetup:       unixTime(ws.DateSetup),
		WifiStatus:      ws.WifiStatus,
		CO2Calibrating:  ws.CO2Calibrating,
		Reachable:       reachable,
		HomeID:          ws.HomeID,
		HomeName:        ws.HomeName,
		Place:           parsePlace(ws.Place),
		Measures:        measures,
		Modules:         make([]Module, 0, len(ws.Modules)+1),
	}

	station.Modules = append(station.Modules, Module{
		ID:          ws.ID,
		Name:        ws.ModuleName,
		Type:        ws.Type,
		Firmware:    ws.Firmware,
		LastSetup:   unixTime(ws.LastSetup),
		LastMessage: unixTime(ws.LastStatusStore),
		LastSeen:    unixTime(ws.LastStatusStore),
		Reachable:   reachable,
		DataTypes:   ws.DataType,
		Measures:    measures,
	})

	for _, wm := range ws.Modules {
		module, err := parseModule(wm)
		if err != nil {
			return Station{}, fmt.Errorf("module %s: %w", wm.ID, err)
		}
		station.Modules = append(station.Modules, module)
	}
	return station, nil
}

func parseModule(wm wireModule) (Module, error) {
	measures, err := ParseMeasures(wm.DashboardData, wm.Type)
	if err != nil {
		return Module{}, err
	}
	return Module{
		ID:             wm.ID,
		Name:           wm.ModuleName,
		Type:           wm.Type,
		BatteryVP:      wm.BatteryVP,
		BatteryPercent: wm.BatteryPercent,
		RFStatus:       wm.RFStatus,
		Firmware:       wm.Firmware,
		LastMessage:    unixTime(wm.LastMessage),
		LastSeen:       unixTime(wm.LastSeen),
		LastSetup:      unixTime(wm.LastSetup),
		Reachable:      reachableOr(wm.Reachable, wm.DashboardData),
		DataTypes:      wm.DataType,
		Measures:       measures,
	}, nil
}

// reachableOr falls back to dashboard presence: the API drops dashboard_data
// for devices it has not heard from.
func reachableOr(reachable *bool, dashboard json.RawMessage) bool {
	if reachable != nil {
		return *reachable
	}
	return len(dashboard) > 0 && !isNull(dashboard)
}

func parsePlace(wp wirePlace) Place {
	place := Place{
		Altitude: wp.Altitude,
		City:     wp.City,
		Country:  wp.Country,
		Timezone: wp.Timezone,
	}
	// The wire order is [longitude, latitude]
	if len(wp.Location) == 2 {
		place.Location = Location{Longitude: wp.Location[0], Latitude: wp.Location[1]}
	}
	return place
}

// ParseMeasures decodes a dashboard_data object for the given module type.
// Keys are matched case-sensitively. An absent dashboard yields empty
// Measures.
func ParseMeasures(dashboard []byte, moduleType ModuleType) (Measures, error) {
	if !moduleType.Known() {
		return Measures{}, &UnsupportedModuleTypeError{Type: moduleType}
	}
	if len(dashboard) == 0 || isNull(dashboard) {
		return Measures{}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(dashboard, &fields); err != nil {
		return Measures{}, fmt.Errorf("failed to decode %s dashboard: %w", moduleType, err)
	}

	r := &dashboardReader{fields: fields}
	m := Measures{TimeUTC: r.time(keyTimeUTC)}

	switch moduleType {
	case TypeBase:
		r.temperatures(&m)
		m.TempTrend = r.trend(MeasureTempTrend)
		m.CO2 = r.float(MeasureCO2)
		m.Pressure = r.float(MeasurePressure)
		m.PressureTrend = r.trend(MeasurePressureTrend)
		m.AbsolutePressure = r.float(MeasureAbsolutePressure)
		m.Noise = r.float(MeasureNoise)
		m.Humidity = r.float(MeasureHumidity)
	case TypeOutdoor:
		r.temperatures(&m)
		m.TempTrend = r.trend(MeasureTempTrend)
		m.Humidity = r.float(MeasureHumidity)
	case TypeIndoor:
		r.temperatures(&m)
		m.TempTrend = r.trend(MeasureTempTrend)
		m.CO2 = r.float(MeasureCO2)
		m.Humidity = r.float(MeasureHumidity)
	case TypeRainGauge:
		m.Rain = r.float(MeasureRain)
		m.SumRain1 = r.float(MeasureSumRain1)
		m.SumRain24 = r.float(MeasureSumRain24)
	case TypeWindGauge:
		m.WindStrength = r.float(MeasureWindStrength)
		m.WindAngle = r.float(MeasureWindAngle)
		m.GustStrength = r.float(MeasureGustStrength)
		m.GustAngle = r.float(MeasureGustAngle)
		m.MaxWindStrength = r.float(MeasureMaxWindStrength)
		m.MaxWindAngle = r.float(MeasureMaxWindAngle)
		m.DateMaxWindStrength = r.time(MeasureDateMaxWindStrength)
		m.WindHistoric = r.windHistoric()
	case TypeHomeCoach:
		r.temperatures(&m)
		m.CO2 = r.float(MeasureCO2)
		m.Humidity = r.float(MeasureHumidity)
		m.Noise = r.float(MeasureNoise)
		m.Pressure = r.float(MeasurePressure)
		m.AbsolutePressure = r.float(MeasureAbsolutePressure)
		m.HealthIndex = r.float(MeasureHealthIndex)
	}

	if r.err != nil {
		return Measures{}, fmt.Errorf("failed to parse %s dashboard: %w", moduleType, r.err)
	}
	return m, nil
}

// dashboardReader reads typed values by exact key. The first decode error
// sticks and later reads become no-ops.
type dashboardReader struct {
	fields map[string]json.RawMessage
	err    error
}

func (r *dashboardReader) raw(key MeasureType) (json.RawMessage, bool) {
	if r.err != nil {
		return nil, false
	}
	raw, ok := r.fields[string(key)]
	if !ok || isNull(raw) {
		return nil, false
	}
	return raw, true
}

func (r *dashboardReader) decode(key MeasureType, raw json.RawMessage, v any) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		r.err = fmt.Errorf("field %s: %w", key, err)
		return false
	}
	return true
}

func (r *dashboardReader) float(key MeasureType) *float64 {
	raw, ok := r.raw(key)
	if !ok {
		return nil
	}
	var v float64
	if !r.decode(key, raw, &v) {
		return nil
	}
	return &v
}

func (r *dashboardReader) time(key MeasureType) time.Time {
	raw, ok := r.raw(key)
	if !ok {
		return time.Time{}
	}
	var sec int64
	if !r.decode(key, raw, &sec) {
		return time.Time{}
	}
	return unixTime(sec)
}

func (r *dashboardReader) trend(key MeasureType) Trend {
	raw, ok := r.raw(key)
	if !ok {
		return TrendNoData
	}
	var s string
	if !r.decode(key, raw, &s) {
		return TrendNoData
	}
	return ParseTrend(s)
}

func (r *dashboardReader) temperatures(m *Measures) {
	m.Temperature = r.float(MeasureTemperature)
	m.MinTemp = r.float(MeasureMinTemp)
	m.MaxTemp = r.float(MeasureMaxTemp)
	m.DateMinTemp = r.time(MeasureDateMinTemp)
	m.DateMaxTemp = r.time(MeasureDateMaxTemp)
}

func (r *dashboardReader) windHistoric() []WindSample {
	raw, ok := r.raw(keyWindHistoric)
	if !ok {
		return nil
	}
	var entries []json.RawMessage
	if !r.decode(keyWindHistoric, raw, &entries) {
		return nil
	}

	samples := make([]WindSample, 0, len(entries))
	for _, entry := range entries {
		var fields map[string]json.RawMessage
		if !r.decode(keyWindHistoric, entry, &fields) {
			return nil
		}
		sub := &dashboardReader{fields: fields}
		sample := WindSample{TimeUTC: sub.time(keyTimeUTC)}
		if v := sub.float(MeasureWindStrength); v != nil {
			sample.WindStrength = *v
		}
		if v := sub.float(MeasureWindAngle); v != nil {
			sample.WindAngle = *v
		}
		if sub.err != nil {
			r.err = fmt.Errorf("%s: %w", keyWindHistoric, sub.err)
			return nil
		}
		samples = append(samples, sample)
	}
	return samples
}

// PairMeasures decodes a getmeasure body of the form
// {"<unix time>": [v0, v1, ...]} where value i is a reading of types[i].
// Date types (date_min_temp etc.) carry unix seconds. Rows whose length
// differs from len(types) fail with MeasureMismatchError. Null values are
// left unset. The result is ordered by time; a range without data comes
// back as an empty array and yields no rows.
func PairMeasures(types []MeasureType, body []byte) ([]Measures, error) {
	if len(body) == 0 || isNull(body) || isEmptyArray(body) {
		return nil, nil
	}

	var rows map[string][]*float64
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode measures: %w", err)
	}

	measures := make([]Measures, 0, len(rows))
	for key, values := range rows {
		sec, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid measure timestamp %q: %w", key, err)
		}
		ts := unixTime(sec)
		if len(values) != len(types) {
			return nil, &MeasureMismatchError{Timestamp: ts, Types: len(types), Values: len(values)}
		}

		m := Measures{TimeUTC: ts}
		for i, v := range values {
			if v == nil {
				continue
			}
			if m.Set(types[i], *v) {
				continue
			}
			date := m.dateField(types[i])
			if date == nil {
				return nil, fmt.Errorf("measure type %q has no numeric value", types[i])
			}
			*date = unixTime(int64(*v))
		}
		measures = append(measures, m)
	}

	sortMeasures(measures)
	return measures, nil
}

type wirePublicMeasure struct {
	Res          map[string][]*float64 `json:"res"`
	Type         []string              `json:"type"`
	RainLive     *float64              `json:"rain_live"`
	Rain60Min    *float64              `json:"rain_60min"`
	Rain24H      *float64              `json:"rain_24h"`
	RainTimeUTC  int64                 `json:"rain_timeutc"`
	WindStrength *float64              `json:"wind_strength"`
	WindAngle    *float64              `json:"wind_angle"`
	GustStrength *float64              `json:"gust_strength"`
	GustAngle    *float64              `json:"gust_angle"`
	WindTimeUTC  int64                 `json:"wind_timeutc"`
}

type wirePublicStation struct {
	ID          string                       `json:"_id"`
	Place       wirePlace                    `json:"place"`
	ModuleTypes map[string]ModuleType        `json:"module_types"`
	Measures    map[string]wirePublicMeasure `json:"measures"`
}

// ParsePublicData converts a getpublicdata response. Each module's "res"
// rows are zipped with the "type" names sent alongside them, so values are
// paired by name rather than by the order of the request.
func ParsePublicData(response []byte) ([]PublicStation, error) {
	body, err := responseBody(response)
	if err != nil || body == nil {
		return nil, err
	}

	var devices []wirePublicStation
	if err := json.Unmarshal(body, &devices); err != nil {
		return nil, fmt.Errorf("failed to decode public stations: %w", err)
	}

	stations := make([]PublicStation, 0, len(devices))
	for _, wd := range devices {
		station := PublicStation{
			ID:          wd.ID,
			Place:       parsePlace(wd.Place),
			ModuleTypes: wd.ModuleTypes,
		}
		for moduleID, wm := range wd.Measures {
			if err := mergePublicMeasure(&station.Measures, wm); err != nil {
				return nil, fmt.Errorf("station %s module %s: %w", wd.ID, moduleID, err)
			}
		}
		stations = append(stations, station)
	}
	return stations, nil
}

func mergePublicMeasure(m *Measures, wm wirePublicMeasure) error {
	for key, values := range wm.Res {
		sec, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid measure timestamp %q: %w", key, err)
		}
		ts := unixTime(sec)
		if len(values) != len(wm.Type) {
			return &MeasureMismatchError{Timestamp: ts, Types: len(wm.Type), Values: len(values)}
		}
		for i, v := range values {
			t, ok := ParseMeasureType(wm.Type[i])
			if !ok || v == nil {
				continue
			}
			m.Set(t, *v)
		}
		m.TimeUTC = later(m.TimeUTC, ts)
	}

	setIfPresent(m, MeasureRain, wm.RainLive)
	setIfPresent(m, MeasureSumRain1, wm.Rain60Min)
	setIfPresent(m, MeasureSumRain24, wm.Rain24H)
	setIfPresent(m, MeasureWindStrength, wm.WindStrength)
	setIfPresent(m, MeasureWindAngle, wm.WindAngle)
	setIfPresent(m, MeasureGustStrength, wm.GustStrength)
	setIfPresent(m, MeasureGustAngle, wm.GustAngle)
	m.TimeUTC = later(m.TimeUTC, unixTime(wm.RainTimeUTC))
	m.TimeUTC = later(m.TimeUTC, unixTime(wm.WindTimeUTC))
	return nil
}

func setIfPresent(m *Measures, t MeasureType, v *float64) {
	if v != nil {
		m.Set(t, *v)
	}
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func isNull(raw []byte) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isEmptyArray(raw []byte) bool {
	var values []json.RawMessage
	return bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) &&
		json.Unmarshal(raw, &values) == nil && len(values) == 0
}
