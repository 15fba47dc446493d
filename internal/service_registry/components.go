package service_registry

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benmeehan/driver-agent/internal/channel"
	"github.com/benmeehan/driver-agent/internal/utils"
	"github.com/benmeehan/driver-agent/pkg/file"
	"github.com/benmeehan/driver-agent/pkg/location"
	"github.com/benmeehan/driver-agent/pkg/mqtt"
	"github.com/benmeehan/driver-agent/pkg/socketio"
)

type providerFactory func(config *utils.Config, fileClient file.FileOperations, logger zerolog.Logger) (location.Provider, error)

type dialerFactory func(config *utils.Config, endpoint string, fileClient file.FileOperations, logger zerolog.Logger) (channel.Dialer, error)

// newLocationProvider builds the position source selected by location.provider.
func newLocationProvider(config *utils.Config, fileClient file.FileOperations, logger zerolog.Logger) (location.Provider, error) {
	switch config.Location.Provider {
	case utils.ProviderNMEA:
		nmea := config.Location.NMEA
		return location.NewNMEAProvider(location.NMEAConfig{
			Port:           nmea.Port,
			BaudRate:       nmea.BaudRate,
			ReplayFile:     nmea.ReplayFile,
			ReplayInterval: nmea.ReplayInterval,
		}, fileClient, logger), nil
	case utils.ProviderGeolocation:
		geo := config.Location.Geolocation
		provider, err := location.NewGoogleGeolocationProvider(location.GeolocationConfig{
			APIKey:     geo.APIKey,
			ModemIndex: geo.ModemIndex,
			Timeout:    geo.Timeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		return provider, nil
	default:
		return nil, fmt.Errorf("unknown location provider %q", config.Location.Provider)
	}
}

// newTransportDialer returns a dialer producing a fresh handle of the configured
// transport on every call.
func newTransportDialer(config *utils.Config, endpoint string, fileClient file.FileOperations, logger zerolog.Logger) (channel.Dialer, error) {
	t := config.Tracking

	switch t.Transport {
	case utils.TransportSocketIO:
		opts := socketio.DefaultOptions()
		opts.Path = t.Path
		opts.Namespace = t.Namespace
		opts.ReconnectionAttempts = *t.ReconnectionAttempts
		opts.ReconnectionDelay = t.ReconnectionDelay
		opts.ReconnectionDelayMax = t.ReconnectionDelayMax
		opts.RandomizationFactor = t.RandomizationFactor
		opts.Timeout = t.Timeout

		return func() (channel.Transport, error) {
			client, err := socketio.NewClient(endpoint, opts, logger)
			if err != nil {
				return nil, err
			}
			return client, nil
		}, nil

	case utils.TransportMQTT:
		cfg := mqtt.EventConfig{
			BrokerConfig: mqtt.BrokerConfig{
				Broker:         t.MQTT.Broker,
				ClientID:       t.MQTT.ClientID,
				CACertPath:     t.MQTT.CACertificate,
				Username:       t.MQTT.Username,
				Password:       t.MQTT.Password,
				ConnectTimeout: t.Timeout,
			},
			TopicPrefix:          t.MQTT.TopicPrefix,
			QOS:                  byte(*t.MQTT.QOS),
			ReconnectionAttempts: *t.ReconnectionAttempts,
			ReconnectionDelay:    t.ReconnectionDelay,
			ReconnectionDelayMax: t.ReconnectionDelayMax,
			RandomizationFactor:  t.RandomizationFactor,
		}

		return func() (channel.Transport, error) {
			client, err := mqtt.NewEventClient(cfg, fileClient, logger)
			if err != nil {
				return nil, err
			}
			return client, nil
		}, nil

	default:
		return nil, fmt.Errorf("unknown tracking transport %q", t.Transport)
	}
}
