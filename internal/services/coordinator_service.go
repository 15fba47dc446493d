package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/driver-agent/internal/appstate"
	"github.com/benmeehan/driver-agent/internal/models"
	"github.com/benmeehan/driver-agent/internal/sampler"
	"github.com/benmeehan/driver-agent/pkg/identity"
)

// TrackingChannel is the part of the tracking channel the coordinator drives.
type TrackingChannel interface {
	Connect() error
	RegisterDriver(ctx context.Context, driverID string) (models.RegistrationAck, error)
	UpdateLocation(sample models.LocationSample, driverID string) error
	IsConnected() bool
	IsRegistered() bool
	State() models.ConnectionState
	OnStateChange(cb func(models.ConnectionState)) func()
	OnRegistered(cb func(driverID string)) func()
	Disconnect()
}

// LocationSampler is the part of the sampler the coordinator drives.
type LocationSampler interface {
	CheckPermission(ctx context.Context) models.PermissionState
	StartTracking(ctx context.Context) error
	StopTracking()
	OnSample(cb func(models.LocationSample)) func()
	Snapshot() sampler.State
}

// AppStateSource reports foreground/background transitions.
type AppStateSource interface {
	Current() appstate.State
	Subscribe(fn func(prev, next appstate.State)) func()
}

// CoordinatorStats is the connection-health view of a running coordinator.
type CoordinatorStats struct {
	Session    models.TrackingSession
	Tracking   bool
	Permission models.PermissionState
	LastError  error
	Duplicates uint64 // samples suppressed because the coordinates did not change
	Dropped    uint64 // samples not sent because the channel was down or the driver unknown
}

// CoordinatorService wires sampler output into the tracking channel for one driver.
// Start mounts the tracking session and Stop tears it down.
type CoordinatorService struct {
	Channel    TrackingChannel
	Sampler    LocationSampler
	DriverInfo identity.DriverInfoInterface
	AppState   AppStateSource
	Logger     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	offs   []func()

	// sendMu serializes sample handling so dedup and transmit are one step.
	sendMu sync.Mutex
	// reconnectMu orders foreground reconnects against Stop.
	reconnectMu sync.Mutex

	mu         sync.Mutex
	active     context.Context // nil once Stop begins
	session    models.TrackingSession
	duplicates uint64
	dropped    uint64
}

// NewCoordinatorService initializes a new CoordinatorService.
func NewCoordinatorService(channel TrackingChannel, locationSampler LocationSampler, driverInfo identity.DriverInfoInterface,
	appState AppStateSource, logger zerolog.Logger) *CoordinatorService {

	return &CoordinatorService{
		Channel:    channel,
		Sampler:    locationSampler,
		DriverInfo: driverInfo,
		AppState:   appState,
		Logger:     logger.With().Str("component", "coordinator").Logger(),
	}
}

// Start subscribes to channel, app-state and sampler events, opens the channel and
// starts location tracking in the background.
func (c *CoordinatorService) Start() error {
	if c.ctx != nil {
		c.Logger.Warn().Msg("CoordinatorService is already running")
		return errors.New("coordinator service is already running")
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	driverID := c.DriverInfo.GetDriverID()

	c.mu.Lock()
	c.session = models.TrackingSession{
		SessionID: uuid.NewString(),
		DriverID:  driverID,
	}
	c.session.SetConnectionState(c.Channel.State())
	c.duplicates, c.dropped = 0, 0
	c.active = c.ctx
	c.mu.Unlock()

	c.offs = []func(){
		c.Channel.OnStateChange(func(state models.ConnectionState) {
			c.guard("state change", func() { c.handleStateChange(state) })
		}),
		c.Channel.OnRegistered(func(id string) {
			c.guard("registered", func() { c.handleRegistered(id) })
		}),
		c.AppState.Subscribe(func(prev, next appstate.State) {
			c.guard("app state", func() { c.handleAppState(prev, next) })
		}),
		c.Sampler.OnSample(func(sample models.LocationSample) {
			c.guard("sample", func() { c.handleSample(sample) })
		}),
	}

	if driverID == "" {
		c.Logger.Warn().Msg("Driver identity unknown, locations will not be transmitted")
	} else {
		c.register(c.ctx, driverID)
	}

	if err := c.Channel.Connect(); err != nil {
		// The next foreground transition retries.
		c.Logger.Error().Err(err).Msg("Failed to open tracking channel")
	}

	c.spawn("start tracking", c.startTracking)

	c.Logger.Info().
		Str("driver_id", driverID).
		Str("app_state", string(c.AppState.Current())).
		Msg("CoordinatorService started successfully")
	return nil
}

// Stop releases every subscription, then stops the sampler and disconnects the channel.
func (c *CoordinatorService) Stop() error {
	if c.ctx == nil {
		c.Logger.Warn().Msg("CoordinatorService is not running")
		return errors.New("coordinator service is not running")
	}

	c.reconnectMu.Lock()
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	c.reconnectMu.Unlock()

	for i := len(c.offs) - 1; i >= 0; i-- {
		c.offs[i]()
	}
	c.offs = nil

	c.cancel()
	c.wg.Wait()

	c.guard("stop tracking", c.Sampler.StopTracking)
	c.guard("disconnect", c.Channel.Disconnect)

	c.ctx = nil
	c.cancel = nil

	c.Logger.Info().Msg("CoordinatorService stopped successfully")
	return nil
}

// Stats returns a copy of the session and the sampler's observable state.
func (c *CoordinatorService) Stats() CoordinatorStats {
	snapshot := c.Sampler.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CoordinatorStats{
		Session:    c.session,
		Tracking:   snapshot.Tracking,
		Permission: snapshot.Permission,
		LastError:  snapshot.Err,
		Duplicates: c.duplicates,
		Dropped:    c.dropped,
	}
	if c.session.LastTransmittedSample != nil {
		last := *c.session.LastTransmittedSample
		stats.Session.LastTransmittedSample = &last
	}
	return stats
}

// register records driverID on the channel. While disconnected the channel only
// remembers it for replay, so the call returns at once; otherwise the ack is awaited
// in the background.
func (c *CoordinatorService) register(ctx context.Context, driverID string) {
	if !c.Channel.IsConnected() {
		if _, err := c.Channel.RegisterDriver(ctx, driverID); err != nil {
			c.Logger.Debug().Err(err).Str("driver_id", driverID).Msg("Registration deferred until connected")
		}
		return
	}

	c.spawn("register", func(ctx context.Context) {
		ack, err := c.Channel.RegisterDriver(ctx, driverID)
		if err != nil {
			c.Logger.Warn().Err(err).Str("driver_id", driverID).Msg("Driver registration failed")
			return
		}
		if !ack.Success {
			c.Logger.Warn().Str("driver_id", driverID).Msg("Driver registration rejected")
		}
	})
}

// spawn runs fn in a tracked goroutine unless Stop has begun.
func (c *CoordinatorService) spawn(op string, fn func(ctx context.Context)) {
	c.mu.Lock()
	ctx := c.active
	if ctx == nil {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		c.guard(op, func() { fn(ctx) })
	}()
}

func (c *CoordinatorService) startTracking(ctx context.Context) {
	permission := c.Sampler.CheckPermission(ctx)
	c.Logger.Debug().Str("permission", permission.String()).Msg("Location permission checked")

	if ctx.Err() != nil {
		return
	}
	if err := c.Sampler.StartTracking(ctx); err != nil {
		c.Logger.Warn().Err(err).Msg("Location tracking not started")
	}
}

func (c *CoordinatorService) handleStateChange(state models.ConnectionState) {
	registered := state == models.Connected && c.Channel.IsRegistered()

	c.mu.Lock()
	c.session.SetConnectionState(state)
	if registered {
		c.session.IsRegistered = true
	}
	c.mu.Unlock()

	c.Logger.Info().Str("state", state.String()).Msg("Tracking channel state changed")
}

func (c *CoordinatorService) handleRegistered(driverID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if driverID == c.session.DriverID && c.session.ConnectionState == models.Connected {
		c.session.IsRegistered = true
	}
}

// handleAppState reconnects and re-registers when the app returns to the foreground,
// in addition to the channel's own replay.
func (c *CoordinatorService) handleAppState(prev, next appstate.State) {
	if next != appstate.Active || prev == appstate.Active {
		return
	}

	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	c.mu.Lock()
	driverID := c.session.DriverID
	ctx := c.active
	c.mu.Unlock()
	if ctx == nil {
		return
	}

	c.Logger.Info().Str("from", string(prev)).Msg("App returned to foreground, reconnecting")
	if err := c.Channel.Connect(); err != nil {
		c.Logger.Error().Err(err).Msg("Failed to reopen tracking channel")
		return
	}
	if driverID != "" {
		c.register(ctx, driverID)
	}
}

// handleSample transmits sample unless it repeats the last transmitted coordinates.
// Only latitude and longitude take part in the comparison.
func (c *CoordinatorService) handleSample(sample models.LocationSample) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	driverID := c.session.DriverID
	last := c.session.LastTransmittedSample
	c.mu.Unlock()

	if driverID == "" || !c.Channel.IsConnected() {
		c.countDropped()
		return
	}
	if last != nil && last.SameCoordinates(sample) {
		c.mu.Lock()
		c.duplicates++
		c.mu.Unlock()
		c.Logger.Debug().Float64("lat", sample.Latitude).Float64("lng", sample.Longitude).Msg("Duplicate coordinates suppressed")
		return
	}

	if err := c.Channel.UpdateLocation(sample, driverID); err != nil {
		c.Logger.Warn().Err(err).Msg("Location update not sent")
		c.countDropped()
		return
	}

	c.mu.Lock()
	sent := sample
	c.session.LastTransmittedSample = &sent
	c.session.TransmittedCount++
	c.session.LastUpdate = time.Now()
	c.mu.Unlock()
}

func (c *CoordinatorService) countDropped() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

// guard runs fn and logs instead of propagating any panic it raises.
func (c *CoordinatorService) guard(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.Logger.Error().Str("op", op).Err(fmt.Errorf("panic: %v", r)).Msg("Recovered from panic")
		}
	}()
	fn()
}
