package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"github.com/benmeehan/driver-agent/pkg/file"
)

// Lifecycle events, named like their Socket.IO counterparts.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
)

const (
	publishTimeout    = 5 * time.Second
	subscribeTimeout  = 5 * time.Second
	disconnectQuiesce = 250
	ackTopicSuffix    = "ack"
)

// ErrNotConnected is returned when publishing while disconnected.
var ErrNotConnected = errors.New("mqtt: not connected")

// Envelope wraps every event on the wire.
type Envelope struct {
	ClientID string          `json:"client_id"`
	AckID    string          `json:"ack_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// EventConfig configures an EventClient.
type EventConfig struct {
	BrokerConfig
	TopicPrefix          string
	QOS                  byte
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	ReconnectionDelayMax time.Duration
	RandomizationFactor  float64
}

type handlerEntry struct {
	id uint64
	fn func(json.RawMessage)
}

// EventClient carries named events with optional acknowledgements over MQTT.
// Outbound event E is published to {prefix}/E. Broadcasts arrive on
// {prefix}/events/E and per-client events and acks on {prefix}/clients/{id}/E.
type EventClient struct {
	cfg      EventConfig
	clientID string
	client   MQTTClient
	logger   zerolog.Logger

	mu        sync.Mutex
	connected bool
	closed    bool
	running   bool
	cancel    context.CancelFunc
	gen       uint64
	kick      chan struct{}

	handlersMu sync.RWMutex
	handlers   map[string][]handlerEntry
	nextID     uint64

	acks   cmap.ConcurrentMap[string, chan json.RawMessage]
	ackSeq atomic.Uint64
}

// NewEventClient creates a disconnected client. The configured client id gets a
// random suffix so that several agents can share a prefix.
func NewEventClient(cfg EventConfig, fileClient file.FileOperations, logger zerolog.Logger) (*EventClient, error) {
	e := newEventClient(cfg, logger)

	brokerCfg := cfg.BrokerConfig
	brokerCfg.ClientID = e.clientID
	opts, err := NewClientOptions(brokerCfg, fileClient)
	if err != nil {
		return nil, err
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { e.handleConnectionLost(err) })

	e.client = mqtt.NewClient(opts)
	return e, nil
}

func newEventClient(cfg EventConfig, logger zerolog.Logger) *EventClient {
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}

	clientID := uuid.NewString()
	if cfg.ClientID != "" {
		clientID = cfg.ClientID + "-" + clientID[:8]
	}

	return &EventClient{
		cfg:      cfg,
		clientID: clientID,
		logger:   logger.With().Str("component", "mqtt_events").Str("client_id", clientID).Logger(),
		kick:     make(chan struct{}, 1),
		handlers: make(map[string][]handlerEntry),
		acks:     cmap.New[chan json.RawMessage](),
	}
}

// ClientID returns the MQTT client id, which is also the per-client topic segment.
func (e *EventClient) ClientID() string {
	return e.clientID
}

// Connect starts connecting in the background, or cuts short a pending retry delay.
func (e *EventClient) Connect() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.closed = false
	if e.connected {
		return
	}
	if e.running {
		select {
		case e.kick <- struct{}{}:
		default:
		}
		return
	}
	e.startLocked(0)
}

func (e *EventClient) startLocked(firstAttempt int) {
	ctx, cancel := context.WithCancel(context.Background())
	e.gen++
	e.running = true
	e.cancel = cancel
	go e.connectLoop(ctx, e.gen, firstAttempt)
}

// Connected reports whether the broker session is up and subscribed.
func (e *EventClient) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *EventClient) connectLoop(ctx context.Context, gen uint64, attempt int) {
	defer func() {
		e.mu.Lock()
		if e.gen == gen {
			e.running = false
			e.cancel = nil
		}
		e.mu.Unlock()
	}()

	delays := e.newReconnectBackOff()
	for {
		if attempt > 0 {
			if e.cfg.ReconnectionAttempts > 0 && attempt > e.cfg.ReconnectionAttempts {
				e.logger.Warn().Int("attempts", e.cfg.ReconnectionAttempts).Msg("Reconnection attempts exhausted")
				e.dispatch(EventReconnectFailed, nil)
				return
			}

			timer := time.NewTimer(e.nextDelay(delays))
			select {
			case <-timer.C:
			case <-e.kick:
				timer.Stop()
				delays.Reset()
				attempt = 1
			case <-ctx.Done():
				timer.Stop()
				return
			}
			e.logger.Info().Int("attempt", attempt).Msg("Reconnect attempt")
			e.dispatch(EventReconnectAttempt, attempt)
		}

		token := e.client.Connect()
		err := errors.New("connect timed out")
		if token.WaitTimeout(e.cfg.ConnectTimeout) {
			err = token.Error()
		}
		if ctx.Err() != nil {
			if err == nil {
				e.client.Disconnect(disconnectQuiesce)
			}
			return
		}
		if err == nil {
			e.mu.Lock()
			stale := e.gen != gen
			if !stale {
				e.running = false
				e.cancel = nil
			}
			e.mu.Unlock()
			if stale {
				e.client.Disconnect(disconnectQuiesce)
				return
			}
			e.handleConnected()
			return
		}

		e.logger.Warn().Err(err).Int("attempt", attempt).Msg("Broker connection failed")
		e.dispatch(EventConnectError, map[string]string{"message": err.Error()})
		attempt++
	}
}

// newReconnectBackOff doubles the retry delay from ReconnectionDelay up to
// ReconnectionDelayMax and never gives up on its own; the attempt budget is
// enforced by connectLoop.
func (e *EventClient) newReconnectBackOff() *backoff.ExponentialBackOff {
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(e.cfg.ReconnectionDelay),
		backoff.WithMaxInterval(e.cfg.ReconnectionDelayMax),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(e.cfg.RandomizationFactor),
		backoff.WithMaxElapsedTime(0),
	)
}

// nextDelay caps the jittered delay at ReconnectionDelayMax.
func (e *EventClient) nextDelay(b backoff.BackOff) time.Duration {
	d := b.NextBackOff()
	if limit := e.cfg.ReconnectionDelayMax; limit > 0 && d > limit {
		d = limit
	}
	return d
}

// handleConnected subscribes to the inbound topics and announces the connection.
func (e *EventClient) handleConnected() {
	topics := []string{
		e.cfg.TopicPrefix + "/events/+",
		e.cfg.TopicPrefix + "/clients/" + e.clientID + "/+",
	}
	for _, topic := range topics {
		token := e.client.Subscribe(topic, e.cfg.QOS, e.handleMessage)
		if !token.WaitTimeout(subscribeTimeout) || token.Error() != nil {
			e.logger.Error().Err(token.Error()).Str("topic", topic).Msg("Failed to subscribe")
			e.dispatch(EventConnectError, map[string]string{"message": "subscribe " + topic + " failed"})
			e.client.Disconnect(disconnectQuiesce)
			e.handleConnectionLost(fmt.Errorf("subscribe %s failed", topic))
			return
		}
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()

	e.logger.Info().Msg("Connected to broker")
	e.dispatch(EventConnect, nil)
}

// handleConnectionLost clears pending acks, reports the drop and schedules a reconnect.
func (e *EventClient) handleConnectionLost(cause error) {
	e.mu.Lock()
	wasConnected := e.connected
	e.connected = false
	if !e.closed && !e.running {
		e.startLocked(1)
	}
	e.mu.Unlock()

	e.releaseAcks()
	if wasConnected {
		e.logger.Warn().Err(cause).Msg("Broker connection lost")
		e.dispatch(EventDisconnect, "transport close")
	}
}

func (e *EventClient) releaseAcks() {
	for _, id := range e.acks.Keys() {
		if ch, ok := e.acks.Pop(id); ok {
			close(ch)
		}
	}
}

// Emit publishes an event without requesting an acknowledgement.
func (e *EventClient) Emit(event string, payload any) error {
	return e.publish(event, "", payload)
}

// EmitWithAck publishes an event and returns a channel for the server's ack data.
// The channel is closed without a value if the connection drops first.
func (e *EventClient) EmitWithAck(event string, payload any) (<-chan json.RawMessage, error) {
	ackID := strconv.FormatUint(e.ackSeq.Add(1), 10)
	ch := make(chan json.RawMessage, 1)
	e.acks.Set(ackID, ch)

	if err := e.publish(event, ackID, payload); err != nil {
		e.acks.Remove(ackID)
		return nil, err
	}
	return ch, nil
}

func (e *EventClient) publish(event, ackID string, payload any) error {
	if !e.Connected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	body, err := json.Marshal(Envelope{ClientID: e.clientID, AckID: ackID, Data: data})
	if err != nil {
		return err
	}

	token := e.client.Publish(e.cfg.TopicPrefix+"/"+event, e.cfg.QOS, false, body)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish %s timed out", event)
	}
	return token.Error()
}

// On registers handler for event and returns a function that removes it.
func (e *EventClient) On(event string, handler func(json.RawMessage)) func() {
	e.handlersMu.Lock()
	e.nextID++
	id := e.nextID
	e.handlers[event] = append(e.handlers[event], handlerEntry{id: id, fn: handler})
	e.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.handlersMu.Lock()
			defer e.handlersMu.Unlock()
			entries := e.handlers[event]
			for i, h := range entries {
				if h.id == id {
					e.handlers[event] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
		})
	}
}

// Close unsubscribes, disconnects and stops reconnecting.
func (e *EventClient) Close() error {
	e.mu.Lock()
	cancel := e.cancel
	wasConnected := e.connected
	e.connected = false
	e.closed = true
	e.running = false
	e.cancel = nil
	e.gen++
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if wasConnected {
		e.client.Unsubscribe(
			e.cfg.TopicPrefix+"/events/+",
			e.cfg.TopicPrefix+"/clients/"+e.clientID+"/+",
		).WaitTimeout(subscribeTimeout)
		e.client.Disconnect(disconnectQuiesce)
		e.releaseAcks()
		e.dispatch(EventDisconnect, "io client disconnect")
	}
	return nil
}

func (e *EventClient) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	event, ok := e.eventFromTopic(msg.Topic())
	if !ok {
		return
	}

	var env Envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		e.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Dropping malformed message")
		return
	}

	if event == ackTopicSuffix {
		ch, ok := e.acks.Pop(env.AckID)
		if !ok {
			e.logger.Debug().Str("ack_id", env.AckID).Msg("Ack for unknown or expired request")
			return
		}
		ch <- env.Data
		return
	}
	e.dispatchRaw(event, env.Data)
}

// eventFromTopic extracts the event name from an inbound topic.
func (e *EventClient) eventFromTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, e.cfg.TopicPrefix+"/")
	if !ok {
		return "", false
	}
	if name, ok := strings.CutPrefix(rest, "events/"); ok && name != "" && name != ackTopicSuffix {
		return name, true
	}
	if name, ok := strings.CutPrefix(rest, "clients/"+e.clientID+"/"); ok && name != "" {
		return name, true
	}
	return "", false
}

func (e *EventClient) dispatch(event string, payload any) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return
		}
		data = b
	}
	e.dispatchRaw(event, data)
}

func (e *EventClient) dispatchRaw(event string, data json.RawMessage) {
	e.handlersMu.RLock()
	entries := append([]handlerEntry(nil), e.handlers[event]...)
	e.handlersMu.RUnlock()

	for _, h := range entries {
		e.invoke(event, h.fn, data)
	}
}

func (e *EventClient) invoke(event string, fn func(json.RawMessage), data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("event", event).Msg("Event handler panicked")
		}
	}()
	fn(data)
}
