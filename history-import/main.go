package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	influx "github.com/influxdata/influxdb/client/v2"
	"github.com/joho/godotenv"
	"github.com/mjasion/balena-home/weatherstation/netatmo"
	pkgconfig "github.com/mjasion/balena-home/weatherstation/pkg/config"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
)

// Largest page getmeasure returns
const measureLimit = 1024

func main() {
	// Secrets may come from a .env file next to the binary
	_ = godotenv.Load() // ignore missing file

	var clientID = flag.String("client-id", os.Getenv("NETATMO_CLIENT_ID"), "Netatmo client ID (env NETATMO_CLIENT_ID)")
	var clientSecret = flag.String("client-secret", os.Getenv("NETATMO_CLIENT_SECRET"), "Netatmo client secret (env NETATMO_CLIENT_SECRET)")
	var username = flag.String("username", os.Getenv("NETATMO_USERNAME"), "Netatmo username (env NETATMO_USERNAME)")
	var password = flag.String("password", os.Getenv("NETATMO_PASSWORD"), "Netatmo password (env NETATMO_PASSWORD)")
	var refreshToken = flag.String("refresh-token", os.Getenv("NETATMO_REFRESH_TOKEN"), "Netatmo refresh token, used when no password is given (env NETATMO_REFRESH_TOKEN)")
	var baseURL = flag.String("base-url", netatmo.DefaultBaseURL, "Netatmo API address")
	var deviceID = flag.StringP("device-id", "d", "", "station MAC address")
	var moduleID = flag.StringP("module-id", "m", "", "module MAC address, default is the base unit")
	var scaleFlag = flag.String("scale", string(netatmo.Scale1Hour), "measure scale (30min, 1hour, 3hours, 1day, 1week, 1month, max)")
	var typesFlag = flag.String("types", "Temperature,Humidity", "comma separated measure types")
	var startDateFlag = flag.StringP("start-date", "s", "", "start date (yyyy-mm-dd), default is yesterday")
	var endDateFlag = flag.StringP("end-date", "e", "", "end date (yyyy-mm-dd), default is today")
	var upload = flag.Bool("upload", false, "pass to upload data to InfluxDB, otherwise the data will be output")
	var influxAddr = flag.String("influx-addr", "http://localhost:8086", "InfluxDB HTTP address")
	var influxUser = flag.String("influx-user", "", "InfluxDB username")
	var influxPass = flag.String("influx-password", "", "InfluxDB password")
	var influxDB = flag.String("influx-db", "weather", "InfluxDB database")
	var measurementName = flag.String("measurement-name", "weather", "measurement name")
	var logFormat = flag.String("log-format", "console", "log format (json, console, logfmt)")
	var logLevel = flag.String("log-level", "info", "log level (debug, info, warn, error)")

	flag.Parse()

	logCfg := &pkgconfig.LoggingConfig{Format: *logFormat, Level: *logLevel}
	if err := pkgconfig.ValidateLogging(logCfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid logging flags: %v\n", err)
		os.Exit(1)
	}
	// Line protocol goes to stdout
	logger, err := pkgconfig.NewLoggerTo(logCfg, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *deviceID == "" {
		flag.Usage()
		logger.Fatal("please specify a device ID")
	}
	scale, ok := netatmo.ParseScale(*scaleFlag)
	if !ok {
		logger.Fatal("invalid scale", zap.String("scale", *scaleFlag))
	}
	types, err := parseTypes(*typesFlag)
	if err != nil {
		logger.Fatal("invalid measure types", zap.Error(err))
	}
	startDate, endDate, err := parseDateRange(*startDateFlag, *endDateFlag, time.Now().UTC())
	if err != nil {
		logger.Fatal("invalid date range", zap.Error(err))
	}

	ctx := context.Background()
	opts := []netatmo.Option{
		netatmo.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		netatmo.WithBaseURL(*baseURL),
		netatmo.WithLogger(logger.Named("netatmo")),
		netatmo.WithScope("read_station"),
	}
	if *password == "" {
		opts = append(opts, netatmo.WithToken(netatmo.Token{RefreshToken: *refreshToken}))
	}
	client := netatmo.NewClient(netatmo.Credentials{
		Username:     *username,
		Password:     *password,
		ClientID:     *clientID,
		ClientSecret: *clientSecret,
	}, opts...)

	if *password != "" {
		if err := client.Login(ctx); err != nil {
			logger.Fatal("failed to login", zap.Error(err))
		}
	}

	bp, err := influx.NewBatchPoints(influx.BatchPointsConfig{
		Database:  *influxDB,
		Precision: "s",
	})
	if err != nil {
		logger.Fatal("failed to create batch", zap.Error(err))
	}

	tags := measureTags(*deviceID, *moduleID)
	for _, day := range days(startDate, endDate) {
		rows, err := client.GetMeasure(ctx, netatmo.MeasureRequest{
			DeviceID:  *deviceID,
			ModuleID:  *moduleID,
			Scale:     scale,
			Types:     types,
			DateBegin: day,
			DateEnd:   day.AddDate(0, 0, 1).Add(-time.Second),
			Limit:     measureLimit,
		})
		if err != nil {
			logger.Error("failed to get measures", zap.String("date", day.Format(flagDateFormat)), zap.Error(err))
			continue
		}

		points, err := measuresPoints(*measurementName, tags, rows)
		if err != nil {
			logger.Error("failed to convert measures", zap.String("date", day.Format(flagDateFormat)), zap.Error(err))
			continue
		}
		bp.AddPoints(points)

		logger.Info("fetched measures",
			zap.String("date", day.Format(flagDateFormat)),
			zap.Int("row_count", len(rows)),
			zap.Int("point_count", len(points)),
		)
	}

	if *upload {
		if err := write(bp, *influxAddr, *influxUser, *influxPass); err != nil {
			logger.Fatal("failed to upload to InfluxDB", zap.Error(err))
		}
		logger.Info("uploaded points", zap.Int("point_count", len(bp.Points())), zap.String("database", *influxDB))
		return
	}

	for _, p := range bp.Points() {
		if p == nil {
			continue
		}
		fmt.Println(p.PrecisionString("ns"))
	}
}

func write(bp influx.BatchPoints, addr, username, password string) error {
	c, err := influx.NewHTTPClient(influx.HTTPConfig{
		Addr:     addr,
		Username: username,
		Password: password,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer c.Close()

	if _, _, err := c.Ping(1 * time.Second); err != nil {
		return fmt.Errorf("failed to ping %s: %w", addr, err)
	}
	if err := c.Write(bp); err != nil {
		return fmt.Errorf("failed to write points: %w", err)
	}
	return nil
}
