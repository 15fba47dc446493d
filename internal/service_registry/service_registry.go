package service_registry

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benmeehan/driver-agent/internal/appstate"
	"github.com/benmeehan/driver-agent/internal/channel"
	"github.com/benmeehan/driver-agent/internal/models"
	"github.com/benmeehan/driver-agent/internal/registry"
	"github.com/benmeehan/driver-agent/internal/sampler"
	"github.com/benmeehan/driver-agent/internal/services"
	"github.com/benmeehan/driver-agent/internal/utils"
	"github.com/benmeehan/driver-agent/pkg/file"
	"github.com/benmeehan/driver-agent/pkg/identity"
)

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	fileClient  file.FileOperations
	Logger      zerolog.Logger

	// Exposed for the entrypoint once RegisterServices has run.
	Coordinator *services.CoordinatorService

	// Component factories, replaceable in tests.
	newProvider    providerFactory
	newDialer      dialerFactory
	detectPlatform func(configured string) sampler.Platform
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(fileClient file.FileOperations, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services:       make(map[string]registry.Service),
		fileClient:     fileClient,
		Logger:         logger,
		newProvider:    newLocationProvider,
		newDialer:      newTransportDialer,
		detectPlatform: sampler.DetectPlatform,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return fmt.Errorf("start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices builds the tracking pipeline from configuration and registers the
// coordinator followed by the enabled supporting services.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, driverInfo identity.DriverInfoInterface,
	appState *appstate.Watcher) error {

	platform := sr.detectPlatform(config.Location.Platform)
	caps := sampler.CapabilitiesFor(platform)
	sr.Logger.Info().Str("platform", string(caps.Platform)).Msg("Platform capabilities selected")

	var coordinator *services.CoordinatorService

	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    "coordinator",
			enabled: true,
			constructor: func() (registry.Service, error) {
				provider, err := sr.newProvider(config, sr.fileClient, sr.Logger)
				if err != nil {
					return nil, fmt.Errorf("location provider: %w", err)
				}

				endpoint := utils.NewEndpointResolver(config, string(platform)).ResolveEndpoint()
				dial, err := sr.newDialer(config, endpoint, sr.fileClient, sr.Logger)
				if err != nil {
					return nil, fmt.Errorf("tracking transport: %w", err)
				}
				sr.Logger.Info().
					Str("endpoint", endpoint).
					Str("transport", config.Tracking.Transport).
					Msg("Tracking endpoint resolved")

				trackingChannel := channel.New(dial, channel.Options{AckTimeout: config.Tracking.AckTimeout}, sr.Logger)
				locationSampler := sampler.New(provider, caps, sampler.Options{
					EnableHighAccuracy: *config.Location.EnableHighAccuracy,
					DistanceInterval:   config.Location.DistanceInterval,
					TimeInterval:       config.Location.TimeInterval,
				}, sr.Logger)

				coordinator = services.NewCoordinatorService(trackingChannel, locationSampler, driverInfo, appState, sr.Logger)
				return coordinator, nil
			},
		},
		{
			name:    "health",
			enabled: config.Services.Health.Enabled,
			constructor: func() (registry.Service, error) {
				if coordinator == nil {
					return nil, errors.New("health service requires the coordinator")
				}
				return services.NewHealthService(
					coordinator,
					config.Services.Health.Interval,
					config.Services.Health.Timeout,
					models.HealthConfig{
						MonitorMemory:     config.Services.Health.MonitorMemory,
						MonitorGoroutines: config.Services.Health.MonitorGoroutines,
						MonitorProcess:    config.Services.Health.MonitorProcess,
					},
					sr.Logger,
				), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Coordinator = coordinator
	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
