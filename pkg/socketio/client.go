package socketio

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// Lifecycle events dispatched to handlers registered with On.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
)

// Disconnect reasons, delivered as the payload of EventDisconnect.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonPingTimeout      = "ping timeout"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
)

const defaultEnginePath = "/socket.io/"

var (
	// ErrNotConnected is returned when emitting while the namespace is not connected.
	ErrNotConnected = errors.New("socketio: not connected")
)

// Handler receives the first argument of an event, or the lifecycle payload.
type Handler = func(data json.RawMessage)

// Options configures a Client.
type Options struct {
	Path                 string        // Engine.IO endpoint path
	Namespace            string        // Socket.IO namespace, "/" when empty
	Reconnection         bool          // reconnect automatically after a drop
	ReconnectionAttempts int           // attempts before giving up, 0 means unbounded
	ReconnectionDelay    time.Duration // first retry delay
	ReconnectionDelayMax time.Duration // delay cap
	RandomizationFactor  float64       // jitter applied to retry delays
	Timeout              time.Duration // handshake timeout
	Header               http.Header
	Auth                 map[string]any // CONNECT payload, sent when non-nil
}

// DefaultOptions mirrors the Socket.IO client defaults used for driver tracking.
func DefaultOptions() Options {
	return Options{
		Path:                 defaultEnginePath,
		Namespace:            "/",
		Reconnection:         true,
		ReconnectionAttempts: 5,
		ReconnectionDelay:    time.Second,
		ReconnectionDelayMax: 5 * time.Second,
		RandomizationFactor:  0.5,
		Timeout:              20 * time.Second,
	}
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Client binds one Socket.IO namespace to the JSON event surface of the tracking
// channel. Connection management, reconnection and acks are delegated to the
// socket.io-client-go manager; a fresh manager is built after every Close.
type Client struct {
	origin string
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	manager *socket.Manager
	sock    *socket.Socket

	handlersMu    sync.RWMutex
	handlers      map[string][]handlerEntry
	nextHandlerID uint64
}

// NewClient creates a client for baseURL. A path on baseURL (for example
// "http://host:3000/tracking") selects the namespace when opts.Namespace is unset.
func NewClient(baseURL string, opts Options, logger zerolog.Logger) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
	case "https", "wss":
		u.Scheme = "https"
	default:
		return nil, fmt.Errorf("unsupported socket url scheme %q", u.Scheme)
	}

	if (opts.Namespace == "" || opts.Namespace == "/") && u.Path != "" && u.Path != "/" {
		opts.Namespace = strings.TrimSuffix(u.Path, "/")
	}
	if opts.Namespace == "" {
		opts.Namespace = "/"
	}
	if opts.Path == "" {
		opts.Path = defaultEnginePath
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}

	origin := &url.URL{Scheme: u.Scheme, Host: u.Host, RawQuery: u.RawQuery}

	return &Client{
		origin:   origin.String(),
		opts:     opts,
		logger:   logger.With().Str("component", "socketio").Str("namespace", opts.Namespace).Logger(),
		handlers: make(map[string][]handlerEntry),
	}, nil
}

// Namespace returns the namespace this client is bound to.
func (c *Client) Namespace() string {
	return c.opts.Namespace
}

// managerOptions translates Options into the library's manager and socket options.
func (c *Client) managerOptions() *socket.Options {
	opts := socket.DefaultOptions()
	opts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	opts.SetPath(c.opts.Path)
	opts.SetAutoConnect(false)
	opts.SetForceNew(true)
	opts.SetReconnection(c.opts.Reconnection)
	if c.opts.ReconnectionAttempts > 0 {
		opts.SetReconnectionAttempts(float64(c.opts.ReconnectionAttempts))
	}
	opts.SetReconnectionDelay(float64(c.opts.ReconnectionDelay.Milliseconds()))
	opts.SetReconnectionDelayMax(float64(c.opts.ReconnectionDelayMax.Milliseconds()))
	opts.SetRandomizationFactor(c.opts.RandomizationFactor)
	opts.SetTimeout(c.opts.Timeout)
	if len(c.opts.Header) > 0 {
		opts.SetExtraHeaders(c.opts.Header)
	}
	if c.opts.Auth != nil {
		opts.SetAuth(c.opts.Auth)
	}
	return opts
}

// Connect starts connecting in the background. After reconnect_failed it starts
// a new attempt cycle on the same manager.
func (c *Client) Connect() {
	c.mu.Lock()
	sock := c.sock
	if sock == nil {
		opts := c.managerOptions()
		c.manager = socket.NewManager(c.origin, opts)
		sock = c.manager.Socket(c.opts.Namespace, opts)
		c.sock = sock
		c.bind(c.manager, sock)
	}
	c.mu.Unlock()

	if sock.Connected() {
		return
	}
	c.logger.Debug().Str("url", c.origin).Msg("Connecting")
	sock.Connect()
}

// bind forwards the library's events for sock into the registered handlers.
// Events from a socket that has since been closed are dropped.
func (c *Client) bind(manager *socket.Manager, sock *socket.Socket) {
	live := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.sock == sock
	}

	sock.On(EventConnect, func(...any) {
		if !live() {
			return
		}
		c.logger.Info().Str("sid", sock.Id()).Msg("Connected")
		c.dispatch(EventConnect, nil)
	})
	sock.On(EventDisconnect, func(args ...any) {
		reason := ReasonTransportClose
		if len(args) > 0 {
			if r, ok := args[0].(string); ok {
				reason = r
			}
		}
		c.logger.Info().Str("reason", reason).Msg("Disconnected")
		c.dispatch(EventDisconnect, reason)
	})
	sock.On(EventConnectError, func(args ...any) {
		if !live() {
			return
		}
		message := "connection failed"
		if len(args) > 0 {
			if err, ok := args[0].(error); ok {
				message = err.Error()
			}
		}
		c.logger.Warn().Str("error", message).Msg("Connection failed")
		c.dispatch(EventConnectError, map[string]string{"message": message})
	})
	manager.On(EventReconnectAttempt, func(args ...any) {
		if !live() {
			return
		}
		var attempt any
		if len(args) > 0 {
			attempt = args[0]
		}
		c.logger.Info().Interface("attempt", attempt).Msg("Reconnect attempt")
		c.dispatch(EventReconnectAttempt, attempt)
	})
	manager.On(EventReconnectFailed, func(...any) {
		if !live() {
			return
		}
		c.logger.Warn().Int("attempts", c.opts.ReconnectionAttempts).Msg("Reconnection attempts exhausted")
		c.dispatch(EventReconnectFailed, nil)
	})
	sock.OnAny(func(args ...any) {
		if len(args) == 0 || !live() {
			return
		}
		c.handleEvent(args)
	})
}

// Connected reports whether the namespace is connected.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock != nil && c.sock.Connected()
}

// Close disconnects the namespace and stops reconnecting. Connect may be called again.
func (c *Client) Close() error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()

	if sock == nil {
		return nil
	}
	// The disconnect event still reaches handlers while sock is current.
	sock.Disconnect()

	c.mu.Lock()
	if c.sock == sock {
		c.sock = nil
		c.manager = nil
	}
	c.mu.Unlock()
	return nil
}

// On registers handler for event and returns a function that removes it.
func (c *Client) On(event string, handler Handler) func() {
	c.handlersMu.Lock()
	c.nextHandlerID++
	id := c.nextHandlerID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: handler})
	c.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.handlersMu.Lock()
			defer c.handlersMu.Unlock()
			entries := c.handlers[event]
			for i, e := range entries {
				if e.id == id {
					c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
					break
				}
			}
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
		})
	}
}

func (c *Client) connectedSocket() (*socket.Socket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sock == nil || !c.sock.Connected() {
		return nil, ErrNotConnected
	}
	return c.sock, nil
}

func eventArgs(payload any) []any {
	if payload == nil {
		return nil
	}
	return []any{payload}
}

// Emit sends an event without waiting for an acknowledgement.
func (c *Client) Emit(event string, payload any) error {
	sock, err := c.connectedSocket()
	if err != nil {
		return err
	}
	return sock.Emit(event, eventArgs(payload)...)
}

// EmitWithAck sends an event requesting an acknowledgement. The returned channel
// yields the first ack argument, or is closed without a value if the connection
// drops first.
func (c *Client) EmitWithAck(event string, payload any) (<-chan json.RawMessage, error) {
	sock, err := c.connectedSocket()
	if err != nil {
		return nil, err
	}

	ch := make(chan json.RawMessage, 1)
	var once sync.Once
	ack := func(args []any, err error) {
		once.Do(func() {
			if err != nil {
				c.logger.Debug().Err(err).Str("event", event).Msg("Ack abandoned")
				close(ch)
				return
			}
			first, merr := firstArg(args)
			if merr != nil {
				c.logger.Warn().Err(merr).Str("event", event).Msg("Malformed ack")
				close(ch)
				return
			}
			ch <- first
		})
	}

	if err := sock.Emit(event, append(eventArgs(payload), ack)...); err != nil {
		return nil, err
	}
	return ch, nil
}

// handleEvent dispatches a server event. args[0] is the event name.
func (c *Client) handleEvent(args []any) {
	name, ok := args[0].(string)
	if !ok {
		return
	}
	args = args[1:]

	// Server-side acks are answered empty; no inbound event here expects data back.
	if n := len(args); n > 0 {
		if ack, ok := args[n-1].(func([]any, error)); ok {
			ack([]any{}, nil)
			args = args[:n-1]
		}
	}

	first, err := firstArg(args)
	if err != nil {
		c.logger.Warn().Err(err).Str("event", name).Msg("Dropping malformed event")
		return
	}
	c.dispatchRaw(name, first)
}

func firstArg(args []any) (json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return json.Marshal(args[0])
}

func (c *Client) dispatch(event string, payload any) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			c.logger.Error().Err(err).Str("event", event).Msg("Failed to encode lifecycle payload")
			return
		}
		data = b
	}
	c.dispatchRaw(event, data)
}

func (c *Client) dispatchRaw(event string, data json.RawMessage) {
	c.handlersMu.RLock()
	entries := make([]handlerEntry, len(c.handlers[event]))
	copy(entries, c.handlers[event])
	c.handlersMu.RUnlock()

	for _, e := range entries {
		c.invoke(event, e.fn, data)
	}
}

func (c *Client) invoke(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("event", event).Msg("Event handler panicked")
		}
	}()
	fn(data)
}
