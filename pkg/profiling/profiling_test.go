package profiling

import (
	"testing"

	"github.com/grafana/pyroscope-go"
	"github.com/mjasion/balena-home/weatherstation/pkg/config"
	"go.uber.org/zap"
)

func TestProfileTypes(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.ProfilingConfig
		expected []pyroscope.ProfileType
	}{
		{"None", config.ProfilingConfig{}, nil},
		{"CPU only", config.ProfilingConfig{CPUProfile: true}, []pyroscope.ProfileType{pyroscope.ProfileCPU}},
		{
			"Mutex adds count and duration",
			config.ProfilingConfig{InuseSpaceProfile: true, MutexProfile: true},
			[]pyroscope.ProfileType{pyroscope.ProfileInuseSpace, pyroscope.ProfileMutexCount, pyroscope.ProfileMutexDuration},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProfileTypes(&tt.cfg)
			if len(got) != len(tt.expected) {
				t.Fatalf("Expected %v, got %v", tt.expected, got)
			}
			for i := range got {
				if got[i] != tt.expected[i] {
					t.Errorf("Expected type[%d]=%s, got %s", i, tt.expected[i], got[i])
				}
			}
		})
	}
}

func TestStart_Disabled(t *testing.T) {
	profiler, err := Start(&config.ProfilingConfig{}, zap.NewNop())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if profiler != nil {
		t.Error("Expected nil profiler when disabled")
	}
	if err := profiler.Stop(); err != nil {
		t.Errorf("Expected nil profiler stop to succeed, got: %v", err)
	}
}

func TestPyroscopeConfig(t *testing.T) {
	cfg := &config.ProfilingConfig{
		ApplicationName: "weather-exporter",
		ServerAddress:   "http://pyroscope:4040",
		Tags:            map[string]string{"env": "home"},
		CPUProfile:      true,
		BasicAuthUser:   "user",
		TenantID:        "tenant",
		DisableGCRuns:   true,
	}

	got := PyroscopeConfig(cfg, zap.NewNop())
	if got.ApplicationName != "weather-exporter" || got.ServerAddress != "http://pyroscope:4040" {
		t.Errorf("Expected application and server from config, got %s %s", got.ApplicationName, got.ServerAddress)
	}
	if got.BasicAuthUser != "" {
		t.Errorf("Expected basic auth to need both user and password, got user %s", got.BasicAuthUser)
	}
	if got.TenantID != "tenant" || !got.DisableGCRuns {
		t.Errorf("Expected tenant and DisableGCRuns to be copied, got %s %v", got.TenantID, got.DisableGCRuns)
	}
	if len(got.ProfileTypes) != 1 {
		t.Errorf("Expected 1 profile type, got %d", len(got.ProfileTypes))
	}
	if got.Logger == nil {
		t.Error("Expected agent logger to be set")
	}

	cfg.Tags["env"] = "changed"
	if got.Tags["env"] != "home" {
		t.Errorf("Expected tags to be copied, got %s", got.Tags["env"])
	}
}
