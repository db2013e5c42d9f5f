package profiling

import (
	"fmt"
	"runtime"

	"github.com/grafana/pyroscope-go"
	"go.uber.org/zap"

	"github.com/mjasion/balena-home/weatherstation/pkg/config"
)

// Profiler wraps the Pyroscope profiler
type Profiler struct {
	profiler *pyroscope.Profiler
	logger   *zap.Logger
}

// ProfileTypes lists the pyroscope profile types switched on in cfg
func ProfileTypes(cfg *config.ProfilingConfig) []pyroscope.ProfileType {
	toggles := []struct {
		enabled bool
		types   []pyroscope.ProfileType
	}{
		{cfg.CPUProfile, []pyroscope.ProfileType{pyroscope.ProfileCPU}},
		{cfg.AllocObjectsProfile, []pyroscope.ProfileType{pyroscope.ProfileAllocObjects}},
		{cfg.AllocSpaceProfile, []pyroscope.ProfileType{pyroscope.ProfileAllocSpace}},
		{cfg.InuseObjectsProfile, []pyroscope.ProfileType{pyroscope.ProfileInuseObjects}},
		{cfg.InuseSpaceProfile, []pyroscope.ProfileType{pyroscope.ProfileInuseSpace}},
		{cfg.GoroutineProfile, []pyroscope.ProfileType{pyroscope.ProfileGoroutines}},
		{cfg.MutexProfile, []pyroscope.ProfileType{pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration}},
		{cfg.BlockProfile, []pyroscope.ProfileType{pyroscope.ProfileBlockCount, pyroscope.ProfileBlockDuration}},
	}

	var profileTypes []pyroscope.ProfileType
	for _, toggle := range toggles {
		if toggle.enabled {
			profileTypes = append(profileTypes, toggle.types...)
		}
	}
	return profileTypes
}

// Start initializes and starts the Pyroscope profiler in push mode
func Start(cfg *config.ProfilingConfig, logger *zap.Logger) (*Profiler, error) {
	if !cfg.Enabled {
		logger.Info("profiling is disabled")
		return nil, nil
	}

	logger.Info("initializing Pyroscope profiler")

	if cfg.MutexProfile {
		runtime.SetMutexProfileFraction(cfg.MutexProfileRate)
	}
	if cfg.BlockProfile {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}

	pyroConfig := PyroscopeConfig(cfg, logger)
	profiler, err := pyroscope.Start(pyroConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to start Pyroscope profiler: %w", err)
	}

	logger.Info("Pyroscope profiler started",
		zap.String("server_address", cfg.ServerAddress),
		zap.String("application_name", cfg.ApplicationName),
		zap.Int("profile_types_count", len(pyroConfig.ProfileTypes)),
		zap.Any("tags", pyroConfig.Tags),
	)

	return &Profiler{
		profiler: profiler,
		logger:   logger,
	}, nil
}

// PyroscopeConfig maps cfg to the agent configuration. Agent logs are
// forwarded to logger at debug level, errors at error level.
func PyroscopeConfig(cfg *config.ProfilingConfig, logger *zap.Logger) pyroscope.Config {
	tags := make(map[string]string, len(cfg.Tags))
	for k, v := range cfg.Tags {
		tags[k] = v
	}

	pyroConfig := pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          pyroscopeLogger{logger.Named("pyroscope").Sugar()},
		Tags:            tags,
		ProfileTypes:    ProfileTypes(cfg),
		DisableGCRuns:   cfg.DisableGCRuns,
		TenantID:        cfg.TenantID,
	}
	if cfg.BasicAuthUser != "" && cfg.BasicAuthPassword != "" {
		pyroConfig.BasicAuthUser = cfg.BasicAuthUser
		pyroConfig.BasicAuthPassword = cfg.BasicAuthPassword
	}
	return pyroConfig
}

type pyroscopeLogger struct {
	logger *zap.SugaredLogger
}

func (l pyroscopeLogger) Infof(format string, args ...interface{})  { l.logger.Debugf(format, args...) }
func (l pyroscopeLogger) Debugf(format string, args ...interface{}) { l.logger.Debugf(format, args...) }
func (l pyroscopeLogger) Errorf(format string, args ...interface{}) { l.logger.Errorf(format, args...) }

// Stop gracefully stops the profiler
func (p *Profiler) Stop() error {
	if p == nil || p.profiler == nil {
		return nil
	}

	p.logger.Info("stopping Pyroscope profiler")

	if err := p.profiler.Stop(); err != nil {
		p.logger.Error("failed to stop profiler", zap.Error(err))
		return fmt.Errorf("profiler stop: %w", err)
	}

	p.logger.Info("Pyroscope profiler stopped")
	return nil
}
