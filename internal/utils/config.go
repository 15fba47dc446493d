package utils

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/benmeehan/driver-agent/internal/constants"
	"github.com/benmeehan/driver-agent/pkg/file"
)

const (
	TransportSocketIO = "socketio"
	TransportMQTT     = "mqtt"

	ProviderNMEA        = "nmea"
	ProviderGeolocation = "geolocation"
)

// Config represents the structure of the configuration file.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`  // zerolog level name
		Pretty bool   `yaml:"pretty"` // human readable console output instead of JSON
	} `yaml:"log"`

	Identity struct {
		DriverFile string `yaml:"driver_file"` // Path to the driver identity file
		DriverID   string `yaml:"driver_id"`   // Overrides and persists the stored driver id
	} `yaml:"identity"`

	Tracking struct {
		URL           string `yaml:"url"`            // Explicit server base URL, wins over resolution
		ProductionURL string `yaml:"production_url"` // Used when not in development mode
		EndpointEnv   string `yaml:"endpoint_env"`   // Environment variable holding the API URL
		Development   bool   `yaml:"development"`    // Fall back to local development servers
		Transport     string `yaml:"transport"`      // socketio or mqtt

		Namespace            string        `yaml:"namespace"`              // Socket.IO namespace
		Path                 string        `yaml:"path"`                   // Engine.IO endpoint path
		ReconnectionAttempts *int          `yaml:"reconnection_attempts"`  // Attempts before giving up, 0 retries forever
		ReconnectionDelay    time.Duration `yaml:"reconnection_delay"`     // First retry delay
		ReconnectionDelayMax time.Duration `yaml:"reconnection_delay_max"` // Retry delay cap
		RandomizationFactor  float64       `yaml:"randomization_factor"`   // Jitter applied to retry delays
		Timeout              time.Duration `yaml:"timeout"`                // Handshake timeout
		AckTimeout           time.Duration `yaml:"ack_timeout"`            // Bound on request/response round trips

		MQTT struct {
			Broker        string `yaml:"broker"`         // MQTT broker address
			ClientID      string `yaml:"client_id"`      // MQTT client ID prefix
			CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate
			Username      string `yaml:"username"`
			Password      string `yaml:"password"`
			TopicPrefix   string `yaml:"topic_prefix"` // Prefix of every tracking topic
			QOS           *int   `yaml:"qos"`          // MQTT QoS level for tracking messages, defaults to 1
		} `yaml:"mqtt"`
	} `yaml:"tracking"`

	Location struct {
		Provider           string        `yaml:"provider"`             // nmea or geolocation
		Platform           string        `yaml:"platform"`             // auto, ios, android, linux, darwin, windows
		EnableHighAccuracy *bool         `yaml:"enable_high_accuracy"` // Defaults to true
		DistanceInterval   float64       `yaml:"distance_interval"`    // Minimum meters between fixes
		TimeInterval       time.Duration `yaml:"time_interval"`        // Minimum time between fixes

		NMEA struct {
			Port           string        `yaml:"port"`            // Serial device where the GPS receiver is mounted
			BaudRate       int           `yaml:"baud_rate"`       // Serial baud rate
			ReplayFile     string        `yaml:"replay_file"`     // NMEA log replayed instead of a live port
			ReplayInterval time.Duration `yaml:"replay_interval"` // Pause between replayed fixes
		} `yaml:"nmea"`

		Geolocation struct {
			APIKey     string        `yaml:"api_key"`     // Google Maps API key
			ModemIndex int           `yaml:"modem_index"` // ModemManager index for cell towers
			Timeout    time.Duration `yaml:"timeout"`     // Per request timeout
		} `yaml:"geolocation"`
	} `yaml:"location"`

	Services struct {
		Health struct {
			Enabled           bool          `yaml:"enabled"`            // Enable/disable the health reporter
			Interval          time.Duration `yaml:"interval"`           // Interval between health reports
			Timeout           time.Duration `yaml:"timeout"`            // Timeout for runtime collectors
			MonitorMemory     bool          `yaml:"monitor_memory"`     // Include host memory usage
			MonitorGoroutines bool          `yaml:"monitor_goroutines"` // Include goroutine count
			MonitorProcess    bool          `yaml:"monitor_process"`    // Include agent CPU and RSS
		} `yaml:"health"`
	} `yaml:"services"`
}

// LoadConfig loads the YAML configuration from the specified file and fills defaults.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, err
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// ApplyDefaults fills every unset value with the tracking defaults.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Identity.DriverFile == "" {
		c.Identity.DriverFile = "configs/identity.json"
	}

	t := &c.Tracking
	if t.EndpointEnv == "" {
		t.EndpointEnv = "TRACKING_API_URL"
	}
	if t.Transport == "" {
		t.Transport = TransportSocketIO
	}
	if t.Namespace == "" {
		t.Namespace = constants.TrackingNamespace
	}
	if t.Path == "" {
		t.Path = "/socket.io/"
	}
	if t.ReconnectionAttempts == nil {
		attempts := constants.DefaultReconnectionAttempts
		t.ReconnectionAttempts = &attempts
	}
	if t.ReconnectionDelay == 0 {
		t.ReconnectionDelay = constants.DefaultReconnectionDelay
	}
	if t.ReconnectionDelayMax == 0 {
		t.ReconnectionDelayMax = constants.DefaultReconnectionDelayMax
	}
	if t.RandomizationFactor == 0 {
		t.RandomizationFactor = 0.5
	}
	if t.Timeout == 0 {
		t.Timeout = constants.DefaultConnectTimeout
	}
	if t.AckTimeout == 0 {
		t.AckTimeout = constants.DefaultAckTimeout
	}
	if t.MQTT.ClientID == "" {
		t.MQTT.ClientID = "driver-agent"
	}
	if t.MQTT.TopicPrefix == "" {
		t.MQTT.TopicPrefix = "tracking"
	}
	if t.MQTT.QOS == nil {
		qos := 1
		t.MQTT.QOS = &qos
	}

	l := &c.Location
	if l.Provider == "" {
		l.Provider = ProviderNMEA
	}
	if l.Platform == "" {
		l.Platform = "auto"
	}
	if l.EnableHighAccuracy == nil {
		enabled := true
		l.EnableHighAccuracy = &enabled
	}
	if l.DistanceInterval == 0 {
		l.DistanceInterval = constants.DefaultDistanceInterval
	}
	if l.TimeInterval == 0 {
		l.TimeInterval = constants.DefaultTimeInterval
	}
	if l.NMEA.BaudRate == 0 {
		l.NMEA.BaudRate = 9600
	}
	if l.Geolocation.Timeout == 0 {
		l.Geolocation.Timeout = 10 * time.Second
	}

	h := &c.Services.Health
	if h.Interval == 0 {
		h.Interval = 30 * time.Second
	}
	if h.Timeout == 0 {
		h.Timeout = 5 * time.Second
	}
}

// Validate rejects option values the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.Tracking.Transport {
	case TransportSocketIO:
	case TransportMQTT:
		if c.Tracking.MQTT.Broker == "" {
			errs = append(errs, errors.New("tracking.mqtt.broker is required for the mqtt transport"))
		}
		if qos := *c.Tracking.MQTT.QOS; qos < 0 || qos > 2 {
			errs = append(errs, fmt.Errorf("tracking.mqtt.qos %d out of range", qos))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tracking.transport %q", c.Tracking.Transport))
	}

	switch c.Location.Provider {
	case ProviderNMEA, ProviderGeolocation:
	default:
		errs = append(errs, fmt.Errorf("unknown location.provider %q", c.Location.Provider))
	}

	if *c.Tracking.ReconnectionAttempts < 0 {
		errs = append(errs, fmt.Errorf("tracking.reconnection_attempts %d must not be negative", *c.Tracking.ReconnectionAttempts))
	}
	if c.Tracking.RandomizationFactor < 0 || c.Tracking.RandomizationFactor > 1 {
		errs = append(errs, fmt.Errorf("tracking.randomization_factor %v must be within [0, 1]", c.Tracking.RandomizationFactor))
	}
	if c.Location.DistanceInterval < 0 || c.Location.TimeInterval < 0 {
		errs = append(errs, errors.New("location intervals must not be negative"))
	}

	return errors.Join(errs...)
}

// EndpointResolver yields the tracking server base URL.
type EndpointResolver interface {
	ResolveEndpoint() string
}

// EnvEndpointResolver resolves the base URL from the environment, then from the
// production URL, then from the local development defaults of the platform.
type EnvEndpointResolver struct {
	Variable      string
	ProductionURL string
	Development   bool
	Platform      string
	Getenv        func(string) string // os.Getenv when nil
}

// ResolveEndpoint implements EndpointResolver. A trailing "/api" is stripped from the
// environment value since the tracking namespace hangs off the server root.
func (r EnvEndpointResolver) ResolveEndpoint() string {
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	if r.Variable != "" {
		if v := strings.TrimSpace(getenv(r.Variable)); v != "" {
			v = strings.TrimSuffix(v, "/")
			return strings.TrimSuffix(v, "/api")
		}
	}
	if !r.Development && r.ProductionURL != "" {
		return strings.TrimSuffix(r.ProductionURL, "/")
	}
	if r.Platform == "android" {
		// The Android emulator reaches the host loopback through this address.
		return "http://10.0.2.2:3000"
	}
	return "http://localhost:3000"
}

// staticEndpoint always resolves to the configured URL.
type staticEndpoint string

func (s staticEndpoint) ResolveEndpoint() string { return string(s) }

// NewEndpointResolver returns the resolver for c. An explicit tracking.url always wins.
func NewEndpointResolver(c *Config, platform string) EndpointResolver {
	if c.Tracking.URL != "" {
		return staticEndpoint(strings.TrimSuffix(c.Tracking.URL, "/"))
	}
	return EnvEndpointResolver{
		Variable:      c.Tracking.EndpointEnv,
		ProductionURL: c.Tracking.ProductionURL,
		Development:   c.Tracking.Development,
		Platform:      platform,
	}
}
