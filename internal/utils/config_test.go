package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/driver-agent/pkg/file"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

// TestLoadConfig_Defaults tests that an empty file yields the tracking defaults.
func TestLoadConfig_Defaults(t *testing.T) {
	// Setup
	path := writeConfig(t, "log:\n  level: debug\n")

	// Execute
	cfg, err := LoadConfig(path, file.NewFileService())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, TransportSocketIO, cfg.Tracking.Transport)
	assert.Equal(t, "/tracking", cfg.Tracking.Namespace)
	assert.Equal(t, "/socket.io/", cfg.Tracking.Path)
	require.NotNil(t, cfg.Tracking.ReconnectionAttempts)
	assert.Equal(t, 5, *cfg.Tracking.ReconnectionAttempts)
	require.NotNil(t, cfg.Tracking.MQTT.QOS)
	assert.Equal(t, 1, *cfg.Tracking.MQTT.QOS)
	assert.Equal(t, time.Second, cfg.Tracking.ReconnectionDelay)
	assert.Equal(t, 5*time.Second, cfg.Tracking.ReconnectionDelayMax)
	assert.Equal(t, 0.5, cfg.Tracking.RandomizationFactor)
	assert.Equal(t, 20*time.Second, cfg.Tracking.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Tracking.AckTimeout)
	assert.Equal(t, "TRACKING_API_URL", cfg.Tracking.EndpointEnv)
	assert.Equal(t, ProviderNMEA, cfg.Location.Provider)
	assert.Equal(t, "auto", cfg.Location.Platform)
	require.NotNil(t, cfg.Location.EnableHighAccuracy)
	assert.True(t, *cfg.Location.EnableHighAccuracy)
	assert.Equal(t, 10.0, cfg.Location.DistanceInterval)
	assert.Equal(t, 3*time.Second, cfg.Location.TimeInterval)
	assert.Equal(t, 30*time.Second, cfg.Services.Health.Interval)
}

// TestLoadConfig_Overrides tests that file values, including durations, are kept.
func TestLoadConfig_Overrides(t *testing.T) {
	// Setup
	path := writeConfig(t, `
tracking:
  url: https://tracking.example.com
  transport: mqtt
  reconnection_attempts: 8
  ack_timeout: 2s
  mqtt:
    broker: ssl://broker.example.com:8883
    qos: 2
location:
  provider: geolocation
  enable_high_accuracy: false
  time_interval: 1500ms
services:
  health:
    enabled: true
    interval: 1m
`)

	// Execute
	cfg, err := LoadConfig(path, file.NewFileService())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, TransportMQTT, cfg.Tracking.Transport)
	assert.Equal(t, 8, *cfg.Tracking.ReconnectionAttempts)
	assert.Equal(t, 2*time.Second, cfg.Tracking.AckTimeout)
	assert.Equal(t, 2, *cfg.Tracking.MQTT.QOS)
	assert.Equal(t, ProviderGeolocation, cfg.Location.Provider)
	assert.False(t, *cfg.Location.EnableHighAccuracy)
	assert.Equal(t, 1500*time.Millisecond, cfg.Location.TimeInterval)
	assert.True(t, cfg.Services.Health.Enabled)
	assert.Equal(t, time.Minute, cfg.Services.Health.Interval)
}

// TestLoadConfig_ExplicitZeros tests that zero values set on purpose survive the defaults.
func TestLoadConfig_ExplicitZeros(t *testing.T) {
	// Setup
	path := writeConfig(t, `
tracking:
  transport: mqtt
  reconnection_attempts: 0
  mqtt:
    broker: tcp://localhost:1883
    qos: 0
`)

	// Execute
	cfg, err := LoadConfig(path, file.NewFileService())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 0, *cfg.Tracking.ReconnectionAttempts, "zero retries forever")
	assert.Equal(t, 0, *cfg.Tracking.MQTT.QOS)
}

// TestLoadConfig_Invalid tests that unusable option values are rejected.
func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown transport", "tracking:\n  transport: carrier-pigeon\n"},
		{"mqtt without broker", "tracking:\n  transport: mqtt\n"},
		{"unknown provider", "location:\n  provider: sextant\n"},
		{"jitter out of range", "tracking:\n  randomization_factor: 1.5\n"},
		{"negative attempts", "tracking:\n  reconnection_attempts: -1\n"},
		{"qos out of range", "tracking:\n  transport: mqtt\n  mqtt:\n    broker: tcp://localhost:1883\n    qos: 3\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body), file.NewFileService())
			assert.Error(t, err)
		})
	}
}

// TestLoadConfig_MissingFile tests that a missing file is reported.
func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), file.NewFileService())
	assert.True(t, os.IsNotExist(err))
}

// TestEnvEndpointResolver tests the endpoint fallback chain.
func TestEnvEndpointResolver(t *testing.T) {
	env := func(value string) func(string) string {
		return func(name string) string {
			if name == "TRACKING_API_URL" {
				return value
			}
			return ""
		}
	}

	tests := []struct {
		name     string
		resolver EnvEndpointResolver
		want     string
	}{
		{
			name:     "environment with api suffix",
			resolver: EnvEndpointResolver{Variable: "TRACKING_API_URL", Getenv: env("https://api.example.com/api")},
			want:     "https://api.example.com",
		},
		{
			name:     "environment with trailing slash",
			resolver: EnvEndpointResolver{Variable: "TRACKING_API_URL", Getenv: env("https://api.example.com/api/")},
			want:     "https://api.example.com",
		},
		{
			name:     "production when not developing",
			resolver: EnvEndpointResolver{Variable: "TRACKING_API_URL", ProductionURL: "https://prod.example.com/", Getenv: env("")},
			want:     "https://prod.example.com",
		},
		{
			name:     "android emulator in development",
			resolver: EnvEndpointResolver{Development: true, ProductionURL: "https://prod.example.com", Platform: "android", Getenv: env("")},
			want:     "http://10.0.2.2:3000",
		},
		{
			name:     "localhost elsewhere",
			resolver: EnvEndpointResolver{Platform: "ios", Getenv: env("")},
			want:     "http://localhost:3000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.resolver.ResolveEndpoint())
		})
	}
}

// TestNewEndpointResolver_ExplicitURL tests that a configured URL wins over the environment.
func TestNewEndpointResolver_ExplicitURL(t *testing.T) {
	// Setup
	t.Setenv("TRACKING_API_URL", "https://env.example.com/api")
	cfg := &Config{}
	cfg.ApplyDefaults()

	// Execute
	fromEnv := NewEndpointResolver(cfg, "linux").ResolveEndpoint()
	cfg.Tracking.URL = "https://explicit.example.com/"
	explicit := NewEndpointResolver(cfg, "linux").ResolveEndpoint()

	// Assert
	assert.Equal(t, "https://env.example.com", fromEnv)
	assert.Equal(t, "https://explicit.example.com", explicit)
}
