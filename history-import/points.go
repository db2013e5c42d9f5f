package main

import (
	"fmt"
	"strings"
	"time"

	influx "github.com/influxdata/influxdb/client/v2"
	"github.com/mjasion/balena-home/weatherstation/netatmo"
)

const flagDateFormat = "2006-01-02"

// parseTypes resolves a comma separated list of measure names
func parseTypes(list string) ([]netatmo.MeasureType, error) {
	var types []netatmo.MeasureType
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		t, ok := netatmo.ParseMeasureType(name)
		if !ok {
			return nil, fmt.Errorf("unknown measure type %q", name)
		}
		types = append(types, t)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("no measure types in %q", list)
	}
	return types, nil
}

// parseDateRange parses yyyy-mm-dd bounds in UTC. Empty bounds default to
// yesterday and today.
func parseDateRange(start, end string, now time.Time) (time.Time, time.Time, error) {
	if start == "" {
		start = now.AddDate(0, 0, -1).Format(flagDateFormat)
	}
	if end == "" {
		end = now.Format(flagDateFormat)
	}

	startDate, err := time.ParseInLocation(flagDateFormat, start, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date: %w", err)
	}
	endDate, err := time.ParseInLocation(flagDateFormat, end, time.UTC)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date: %w", err)
	}
	if endDate.Before(startDate) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s is before start date %s", end, start)
	}
	return startDate, endDate, nil
}

// days returns the first instant of every day from start to end inclusive
func days(start, end time.Time) []time.Time {
	var result []time.Time
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		result = append(result, day)
	}
	return result
}

// measuresPoints converts measure rows to points. Field names are the
// lowercased measure names; rows without values are skipped.
func measuresPoints(measurement string, tags map[string]string, rows []netatmo.Measures) ([]*influx.Point, error) {
	var points []*influx.Point
	for _, row := range rows {
		values, dates := row.Values(), row.Dates()
		if len(values) == 0 && len(dates) == 0 {
			continue
		}

		fields := make(map[string]interface{}, len(values)+len(dates))
		for t, v := range values {
			fields[strings.ToLower(string(t))] = v
		}
		// Extreme times are stored as unix seconds
		for t, d := range dates {
			fields[string(t)] = d.Unix()
		}

		p, err := influx.NewPoint(measurement, tags, fields, row.TimeUTC)
		if err != nil {
			return nil, fmt.Errorf("failed to create point at %s: %w", row.TimeUTC.Format(time.RFC3339), err)
		}
		points = append(points, p)
	}
	return points, nil
}

func measureTags(deviceID, moduleID string) map[string]string {
	tags := map[string]string{
		"device_id": deviceID,
		"provider":  "netatmo",
	}
	if moduleID != "" {
		tags["module_id"] = moduleID
	}
	return tags
}
