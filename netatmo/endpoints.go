package netatmo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StationsDataRequest filters getstationsdata. An empty DeviceID lists
// every station of the user.
type StationsDataRequest struct {
	DeviceID     string
	GetFavorites bool
}

// GetStationsData lists the user's weather stations with their modules
func (c *Client) GetStationsData(ctx context.Context, req StationsDataRequest) ([]Station, error) {
	params := map[string]string{}
	if req.DeviceID != "" {
		params["device_id"] = req.DeviceID
	}
	if req.GetFavorites {
		params["get_favorites"] = "true"
	}

	body, err := c.Get(ctx, stationsDataPath, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get stations data: %w", err)
	}
	stations, err := ParseDevices(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stations data: %w", err)
	}
	return stations, nil
}

// GetHomeCoachsData lists the user's home coach devices. An empty deviceID
// lists all of them.
func (c *Client) GetHomeCoachsData(ctx context.Context, deviceID string) ([]Station, error) {
	params := map[string]string{}
	if deviceID != "" {
		params["device_id"] = deviceID
	}

	body, err := c.Get(ctx, homeCoachsDataPath, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get home coach data: %w", err)
	}
	stations, err := ParseDevices(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse home coach data: %w", err)
	}
	return stations, nil
}

// PublicDataRequest is a bounding box on the public weather map
type PublicDataRequest struct {
	LatNE        float64
	LonNE        float64
	LatSW        float64
	LonSW        float64
	RequiredData []MeasureType
	Filter       bool
}

// GetPublicData lists the public stations inside a bounding box
func (c *Client) GetPublicData(ctx context.Context, req PublicDataRequest) ([]PublicStation, error) {
	params := map[string]string{
		"lat_ne": formatFloat(req.LatNE),
		"lon_ne": formatFloat(req.LonNE),
		"lat_sw": formatFloat(req.LatSW),
		"lon_sw": formatFloat(req.LonSW),
	}
	if len(req.RequiredData) > 0 {
		params["required_data"] = joinMeasureTypes(req.RequiredData)
	}
	if req.Filter {
		params["filter"] = "true"
	}

	body, err := c.Get(ctx, publicDataPath, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get public data: %w", err)
	}
	stations, err := ParsePublicData(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public data: %w", err)
	}
	return stations, nil
}

// MeasureRequest selects historical measures of one device or module.
// Zero dates and a zero Limit are left to the server defaults.
type MeasureRequest struct {
	DeviceID  string
	ModuleID  string
	Scale     Scale
	Types     []MeasureType
	DateBegin time.Time
	DateEnd   time.Time
	Limit     int
	RealTime  bool
}

func (r MeasureRequest) params() (map[string]string, error) {
	if r.DeviceID == "" {
		return nil, errors.New("device id is required")
	}
	if _, ok := ParseScale(string(r.Scale)); !ok {
		return nil, fmt.Errorf("invalid scale %q", r.Scale)
	}
	if len(r.Types) == 0 {
		return nil, errors.New("at least one measure type is required")
	}

	params := map[string]string{
		"device_id": r.DeviceID,
		"scale":     string(r.Scale),
		"type":      joinMeasureTypes(r.Types),
		"optimize":  "false",
	}
	if r.ModuleID != "" {
		params["module_id"] = r.ModuleID
	}
	if !r.DateBegin.IsZero() {
		params["date_begin"] = strconv.FormatInt(r.DateBegin.Unix(), 10)
	}
	if !r.DateEnd.IsZero() {
		params["date_end"] = strconv.FormatInt(r.DateEnd.Unix(), 10)
	}
	if r.Limit > 0 {
		params["limit"] = strconv.Itoa(r.Limit)
	}
	if r.RealTime {
		params["real_time"] = "true"
	}
	return params, nil
}

// GetMeasure retrieves historical measures ordered by time. The i-th value
// of each returned row is paired with req.Types[i]; a row of a different
// length fails with MeasureMismatchError.
func (c *Client) GetMeasure(ctx context.Context, req MeasureRequest) ([]Measures, error) {
	params, err := req.params()
	if err != nil {
		return nil, fmt.Errorf("invalid measure request: %w", err)
	}

	response, err := c.Get(ctx, measurePath, params)
	if err != nil {
		return nil, fmt.Errorf("failed to get measures: %w", err)
	}
	body, err := responseBody(response)
	if err != nil {
		return nil, err
	}
	measures, err := PairMeasures(req.Types, body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse measures: %w", err)
	}
	return measures, nil
}

func joinMeasureTypes(types []MeasureType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ",")
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
