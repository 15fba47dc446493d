package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/driver-agent/internal/constants"
	"github.com/benmeehan/driver-agent/internal/models"
)

var (
	ErrNotConnected = errors.New("tracking channel is not connected")
	ErrAckTimeout   = errors.New("tracking server did not acknowledge in time")
)

// Transport is a reconnecting, namespaced event connection. Lifecycle events
// (connect, disconnect, connect_error, reconnect_attempt, reconnect_failed) are
// delivered through On like any server event.
type Transport interface {
	Connect()
	Connected() bool
	Emit(event string, payload any) error
	// EmitWithAck writes the event before returning. The channel yields the first
	// ack argument, or is closed if the connection drops first.
	EmitWithAck(event string, payload any) (<-chan json.RawMessage, error)
	On(event string, handler func(json.RawMessage)) (off func())
	Close() error
}

// Dialer allocates a new transport handle.
type Dialer func() (Transport, error)

// Options configures a Channel.
type Options struct {
	AckTimeout time.Duration // bound on request/response round trips
}

// Channel mediates all tracking traffic for one driver session over a single
// transport handle. It tracks connection and registration state and replays
// registration and driver subscriptions after every reconnect.
type Channel struct {
	dial   Dialer
	opts   Options
	logger zerolog.Logger

	mu                sync.Mutex
	transport         Transport
	listenersAttached bool
	offs              []func()
	state             models.ConnectionState
	registered        bool
	driverID          string
	subscriptions     map[string]int

	stateListeners    listeners[models.ConnectionState]
	driverUpdates     listeners[models.DriverLocation]
	locationUpdates   listeners[models.DriverLocation]
	onlineListeners   listeners[models.DriverRef]
	offlineListeners  listeners[models.DriverRef]
	statsListeners    listeners[models.ServerStats]
	registeredHandler listeners[string]
}

// New creates a disconnected channel. No transport is allocated until Connect.
func New(dial Dialer, opts Options, logger zerolog.Logger) *Channel {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = constants.DefaultAckTimeout
	}
	return &Channel{
		dial:          dial,
		opts:          opts,
		logger:        logger.With().Str("component", "tracking_channel").Logger(),
		subscriptions: make(map[string]int),
	}
}

// Connect is idempotent. A connected handle is left alone, a disconnected one is
// reconnected in place, and only when no handle exists is a new one dialed.
func (c *Channel) Connect() error {
	c.mu.Lock()

	if c.transport != nil {
		if !c.listenersAttached {
			c.attachLocked(c.transport)
		}
		if c.transport.Connected() {
			c.mu.Unlock()
			c.logger.Debug().Msg("Tracking channel already connected")
			return nil
		}
		c.logger.Info().Msg("Reconnecting tracking channel")
		changed := c.setStateLocked(models.Connecting)
		t := c.transport
		c.mu.Unlock()

		c.notify(changed)
		t.Connect()
		return nil
	}

	t, err := c.dial()
	if err != nil {
		c.mu.Unlock()
		c.logger.Error().Err(err).Msg("Failed to create tracking transport")
		return fmt.Errorf("dial tracking transport: %w", err)
	}
	c.transport = t
	c.attachLocked(t)
	changed := c.setStateLocked(models.Connecting)
	c.mu.Unlock()

	c.logger.Info().Msg("Connecting to tracking server")
	c.notify(changed)
	t.Connect()
	return nil
}

// attachLocked wires lifecycle and inbound listeners to t exactly once per handle.
func (c *Channel) attachLocked(t Transport) {
	c.offs = append(c.offs,
		t.On(constants.EventConnect, func(json.RawMessage) { c.handleConnect(t) }),
		t.On(constants.EventDisconnect, func(data json.RawMessage) { c.handleDisconnect(t, data) }),
		t.On(constants.EventConnectError, func(data json.RawMessage) { c.handleConnectError(t, data) }),
		t.On(constants.EventReconnectAttempt, func(data json.RawMessage) { c.handleReconnectAttempt(t, data) }),
		t.On(constants.EventReconnectFailed, func(json.RawMessage) { c.handleReconnectFailed(t) }),
		t.On(constants.EventDriverLocationUpdate, decodeInto(c, constants.EventDriverLocationUpdate, c.driverUpdates.emit)),
		t.On(constants.EventLocationUpdate, decodeInto(c, constants.EventLocationUpdate, c.locationUpdates.emit)),
		t.On(constants.EventDriverOnline, decodeInto(c, constants.EventDriverOnline, c.onlineListeners.emit)),
		t.On(constants.EventDriverOffline, decodeInto(c, constants.EventDriverOffline, c.offlineListeners.emit)),
		t.On(constants.EventStats, decodeInto(c, constants.EventStats, func(s models.ServerStats) {
			c.logger.Debug().Int("total_connections", s.TotalConnections).Int("online_drivers", s.OnlineDrivers).Msg("Server stats")
			c.statsListeners.emit(s)
		})),
	)
	c.listenersAttached = true
}

func decodeInto[T any](c *Channel, event string, deliver func(T)) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			c.logger.Warn().Err(err).Str("event", event).Msg("Dropping undecodable server event")
			return
		}
		deliver(v)
	}
}

// handleConnect runs on the transport's dispatch goroutine before any later frame
// is read, so the registration replay written here precedes subsequent updates.
func (c *Channel) handleConnect(t Transport) {
	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(models.Connected)
	c.logger.Info().Msg("Connected to tracking server")

	var (
		ack      <-chan json.RawMessage
		driverID = c.driverID
	)
	if driverID != "" {
		var err error
		ack, err = t.EmitWithAck(constants.EventRegisterDriver, models.RegisterDriverRequest{DriverID: driverID})
		if err != nil {
			c.logger.Warn().Err(err).Str("driver_id", driverID).Msg("Failed to replay driver registration")
		} else {
			c.logger.Info().Str("driver_id", driverID).Msg("Replaying driver registration")
		}
	}
	for id := range c.subscriptions {
		if err := t.Emit(constants.EventSubscribeToDriver, models.DriverRef{DriverID: id}); err != nil {
			c.logger.Warn().Err(err).Str("driver_id", id).Msg("Failed to replay driver subscription")
		}
	}
	c.mu.Unlock()

	c.notify(changed)
	if ack != nil {
		go func() {
			reply, err := c.awaitAck(context.Background(), ack)
			c.completeRegistration(t, driverID, reply, err)
		}()
	}
}

func (c *Channel) handleDisconnect(t Transport, data json.RawMessage) {
	var reason string
	_ = json.Unmarshal(data, &reason)

	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(models.Disconnected)
	c.mu.Unlock()

	c.logger.Warn().Str("reason", reason).Msg("Disconnected from tracking server")
	c.notify(changed)
}

func (c *Channel) handleConnectError(t Transport, data json.RawMessage) {
	var detail struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(data, &detail)

	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(models.Disconnected)
	c.mu.Unlock()

	c.logger.Warn().Str("error", detail.Message).Msg("Tracking connection error")
	c.notify(changed)
}

func (c *Channel) handleReconnectAttempt(t Transport, data json.RawMessage) {
	var attempt int
	_ = json.Unmarshal(data, &attempt)

	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(models.Connecting)
	c.mu.Unlock()

	c.logger.Info().Int("attempt", attempt).Msg("Tracking reconnect attempt")
	c.notify(changed)
}

func (c *Channel) handleReconnectFailed(t Transport) {
	c.mu.Lock()
	if c.transport != t {
		c.mu.Unlock()
		return
	}
	changed := c.setStateLocked(models.Disconnected)
	c.mu.Unlock()

	c.logger.Error().Msg("Tracking reconnection failed, waiting for an explicit connect")
	c.notify(changed)
}

// RegisterDriver associates the connection with driverID. The id is remembered and
// replayed on every later connect. While disconnected it returns an unsuccessful
// ack together with ErrNotConnected.
func (c *Channel) RegisterDriver(ctx context.Context, driverID string) (models.RegistrationAck, error) {
	c.mu.Lock()
	c.driverID = driverID
	t := c.transport
	if t == nil || c.state != models.Connected {
		c.mu.Unlock()
		c.logger.Warn().Str("driver_id", driverID).Msg("Channel not connected, registration deferred to next connect")
		return models.RegistrationAck{Success: false}, ErrNotConnected
	}
	ack, err := t.EmitWithAck(constants.EventRegisterDriver, models.RegisterDriverRequest{DriverID: driverID})
	c.mu.Unlock()
	if err != nil {
		return models.RegistrationAck{Success: false}, err
	}

	reply, err := c.awaitAck(ctx, ack)
	return c.completeRegistration(t, driverID, reply, err)
}

func (c *Channel) completeRegistration(t Transport, driverID string, reply json.RawMessage, err error) (models.RegistrationAck, error) {
	if err != nil {
		c.logger.Warn().Err(err).Str("driver_id", driverID).Msg("Driver registration unanswered")
		return models.RegistrationAck{Success: false}, err
	}

	var res models.RegistrationAck
	if err := json.Unmarshal(reply, &res); err != nil {
		c.logger.Warn().Err(err).Str("driver_id", driverID).Msg("Malformed registration ack")
		return models.RegistrationAck{Success: false}, fmt.Errorf("decode registration ack: %w", err)
	}

	c.mu.Lock()
	current := c.transport == t && c.state == models.Connected && c.driverID == driverID
	if current && res.Success {
		c.registered = true
	}
	c.mu.Unlock()

	c.logger.Info().Str("driver_id", driverID).Bool("success", res.Success).Msg("Driver registration acknowledged")
	if current && res.Success {
		c.registeredHandler.emit(driverID)
	}
	return res, nil
}

// UpdateLocation publishes sample for driverID, stamped with the send time. While
// disconnected the sample is dropped and ErrNotConnected returned; nothing is queued.
func (c *Channel) UpdateLocation(sample models.LocationSample, driverID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.transport == nil || c.state != models.Connected {
		c.logger.Debug().Str("driver_id", driverID).Msg("Channel not connected, location dropped")
		return ErrNotConnected
	}

	return c.transport.Emit(constants.EventUpdateLocation, models.LocationUpdate{
		DriverID:  driverID,
		Latitude:  sample.Latitude,
		Longitude: sample.Longitude,
		Heading:   sample.Heading,
		Speed:     sample.Speed,
		Timestamp: time.Now().UTC(),
	})
}

// SubscribeToDriver opts in to driverID's location stream and delivers that
// driver's updates to cb. The subscription is replayed after reconnects. The
// returned function unsubscribes.
func (c *Channel) SubscribeToDriver(driverID string, cb func(models.DriverLocation)) func() {
	off := c.driverUpdates.add(func(loc models.DriverLocation) {
		if loc.DriverID == driverID {
			cb(loc)
		}
	})

	c.mu.Lock()
	c.subscriptions[driverID]++
	first := c.subscriptions[driverID] == 1
	if first && c.transport != nil && c.state == models.Connected {
		if err := c.transport.Emit(constants.EventSubscribeToDriver, models.DriverRef{DriverID: driverID}); err != nil {
			c.logger.Warn().Err(err).Str("driver_id", driverID).Msg("Failed to subscribe to driver")
		}
	}
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			off()

			c.mu.Lock()
			defer c.mu.Unlock()
			n, ok := c.subscriptions[driverID]
			if !ok {
				return
			}
			if n > 1 {
				c.subscriptions[driverID] = n - 1
				return
			}
			delete(c.subscriptions, driverID)
			if c.transport != nil && c.state == models.Connected {
				if err := c.transport.Emit(constants.EventUnsubscribeFromDriver, models.DriverRef{DriverID: driverID}); err != nil {
					c.logger.Warn().Err(err).Str("driver_id", driverID).Msg("Failed to unsubscribe from driver")
				}
			}
		})
	}
}

// OnLocationUpdate delivers every broadcast location update.
func (c *Channel) OnLocationUpdate(cb func(models.DriverLocation)) func() {
	return c.locationUpdates.add(cb)
}

// OnDriverOnline delivers presence notifications for drivers coming online.
func (c *Channel) OnDriverOnline(cb func(models.DriverRef)) func() {
	return c.onlineListeners.add(cb)
}

// OnDriverOffline delivers presence notifications for drivers going offline.
func (c *Channel) OnDriverOffline(cb func(models.DriverRef)) func() {
	return c.offlineListeners.add(cb)
}

// OnStats delivers the server's informational stats pushes.
func (c *Channel) OnStats(cb func(models.ServerStats)) func() {
	return c.statsListeners.add(cb)
}

// OnStateChange is called after every connection state transition.
func (c *Channel) OnStateChange(cb func(models.ConnectionState)) func() {
	return c.stateListeners.add(cb)
}

// OnRegistered is called with the driver id each time the server acknowledges a
// registration on the current connection.
func (c *Channel) OnRegistered(cb func(driverID string)) func() {
	return c.registeredHandler.add(cb)
}

// GetDriverLocation asks the server for driverID's last known location.
func (c *Channel) GetDriverLocation(ctx context.Context, driverID string) (models.DriverLocationReply, error) {
	var reply models.DriverLocationReply
	if err := c.request(ctx, constants.EventGetDriverLocation, models.DriverRef{DriverID: driverID}, &reply); err != nil {
		return models.DriverLocationReply{}, err
	}
	return reply, nil
}

// GetOnlineDrivers asks the server for every driver currently online.
func (c *Channel) GetOnlineDrivers(ctx context.Context) (models.OnlineDriversReply, error) {
	var reply models.OnlineDriversReply
	if err := c.request(ctx, constants.EventGetOnlineDrivers, struct{}{}, &reply); err != nil {
		return models.OnlineDriversReply{Drivers: []models.DriverLocation{}}, err
	}
	if reply.Drivers == nil {
		reply.Drivers = []models.DriverLocation{}
	}
	return reply, nil
}

func (c *Channel) request(ctx context.Context, event string, payload, out any) error {
	c.mu.Lock()
	if c.transport == nil || c.state != models.Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ack, err := c.transport.EmitWithAck(event, payload)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	reply, err := c.awaitAck(ctx, ack)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(reply, out); err != nil {
		return fmt.Errorf("decode %s reply: %w", event, err)
	}
	return nil
}

func (c *Channel) awaitAck(ctx context.Context, ack <-chan json.RawMessage) (json.RawMessage, error) {
	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ack:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	case <-timer.C:
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// IsConnected reports whether the channel is connected.
func (c *Channel) IsConnected() bool {
	return c.State() == models.Connected
}

// State returns the current connection state.
func (c *Channel) State() models.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRegistered reports whether the current connection carries an acknowledged
// registration. It is never true while disconnected.
func (c *Channel) IsRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// DriverID returns the driver id remembered for registration replay.
func (c *Channel) DriverID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.driverID
}

// Disconnect closes the transport and forgets the driver id, the subscriptions and
// the listener wiring even when no handle was ever dialed. The next Connect dials a
// fresh handle. Safe to call repeatedly.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	t := c.transport
	for _, off := range c.offs {
		off()
	}
	c.offs = nil
	c.transport = nil
	c.listenersAttached = false
	c.driverID = ""
	c.subscriptions = make(map[string]int)
	changed := c.setStateLocked(models.Disconnected)
	c.mu.Unlock()

	if t != nil {
		if err := t.Close(); err != nil {
			c.logger.Warn().Err(err).Msg("Error closing tracking transport")
		}
		c.logger.Info().Msg("Tracking channel disconnected")
	}
	c.notify(changed)
}

// setStateLocked records a transition and reports whether the state changed.
// Registration never survives leaving Connected.
func (c *Channel) setStateLocked(next models.ConnectionState) bool {
	if next != models.Connected || c.state != models.Connected {
		c.registered = false
	}
	if c.state == next {
		return false
	}
	c.state = next
	return true
}

func (c *Channel) notify(changed bool) {
	if !changed {
		return
	}
	c.stateListeners.emit(c.State())
}
