package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/driver-agent/internal/appstate"
	"github.com/benmeehan/driver-agent/internal/service_registry"
	"github.com/benmeehan/driver-agent/internal/utils"
	"github.com/benmeehan/driver-agent/pkg/file"
	"github.com/benmeehan/driver-agent/pkg/identity"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the agent configuration file")
	flag.Parse()

	// Structured JSON logging until the configured level is known
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "driver-agent").Logger()

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}

	log = newLogger(config)

	// Initialize DriverInfo
	driverInfo := identity.NewDriverInfo(config.Identity.DriverFile, fileClient)
	if err := driverInfo.LoadDriverInfo(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load driver information")
	}
	if config.Identity.DriverID != "" && config.Identity.DriverID != driverInfo.GetDriverID() {
		if err := driverInfo.SaveDriverID(config.Identity.DriverID); err != nil {
			log.Fatal().Err(err).Msg("Failed to persist driver id")
		}
	}
	if driverInfo.GetDriverID() == "" {
		log.Warn().Msg("No driver id configured, location updates will not be sent")
	} else {
		log.Info().Str("driver_id", driverInfo.GetDriverID()).Msg("Driver identity loaded")
	}

	// Foreground/background transitions arrive as signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	appState := appstate.NewWatcher(appstate.Active)
	go appstate.WatchSignals(ctx, appState, log)

	// Create a new service registry to manage services
	serviceRegistry := service_registry.NewServiceRegistry(fileClient, log)

	// Register all services based on the configuration
	if err := serviceRegistry.RegisterServices(config, driverInfo, appState); err != nil {
		log.Fatal().Err(err).Msg("Failed to register services")
	}

	// Start all registered services in the registry
	if err := serviceRegistry.StartServices(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start services")
	}
	log.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	log.Info().Msg("Shutting down gracefully...")
	cancel()
	if err := serviceRegistry.StopServices(); err != nil {
		log.Error().Err(err).Msg("Some services failed to stop cleanly")
		os.Exit(1)
	}
}

// newLogger builds the root logger from the log section of the configuration.
func newLogger(config *utils.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Log.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if config.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(level).With().Timestamp().Str("service", "driver-agent").Logger()
}
