package socketio

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	server "github.com/zishang520/socket.io/v2/socket"
)

// testServer is a Socket.IO server with a /tracking namespace that acknowledges
// every event carrying an ack id with {"success":true}, except "silent".
type testServer struct {
	t    *testing.T
	io   *server.Server
	http *httptest.Server
	nsp  server.Namespace

	received chan []any
	leaves   chan string
	clients  chan *server.Socket
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{
		t:        t,
		received: make(chan []any, 64),
		leaves:   make(chan string, 8),
		clients:  make(chan *server.Socket, 8),
	}
	ts.io = server.NewServer(nil, nil)
	mux := http.NewServeMux()
	mux.Handle("/socket.io/", ts.io.ServeHandler(nil))
	ts.http = httptest.NewServer(mux)
	t.Cleanup(ts.http.Close)
	t.Cleanup(func() { ts.io.Close(nil) })

	ts.nsp = ts.io.Of("/tracking", nil)
	ts.nsp.On("connection", func(clients ...any) {
		client := clients[0].(*server.Socket)
		client.OnAny(func(args ...any) {
			ts.received <- args
			if len(args) < 2 || args[0] == "silent" {
				return
			}
			if ack, ok := args[len(args)-1].(server.Ack); ok {
				ack([]any{map[string]any{"success": true}}, nil)
			}
		})
		client.On("disconnect", func(args ...any) {
			reason, _ := args[0].(string)
			ts.leaves <- reason
		})
		ts.clients <- client
	})
	return ts
}

func (ts *testServer) url() string {
	return ts.http.URL + "/tracking"
}

// refuse rejects every namespace connection with the given message.
func (ts *testServer) refuse(message string) {
	ts.nsp.Use(func(_ *server.Socket, next func(*server.ExtendedError)) {
		next(server.NewExtendedError(message, map[string]any{"code": "denied"}))
	})
}

func (ts *testServer) waitClient() *server.Socket {
	select {
	case c := <-ts.clients:
		return c
	case <-time.After(5 * time.Second):
		ts.t.Fatal("namespace connection not received")
		return nil
	}
}

func (ts *testServer) nextEvent() []any {
	select {
	case args := <-ts.received:
		return args
	case <-time.After(5 * time.Second):
		ts.t.Fatal("no event received")
		return nil
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ReconnectionDelay = 10 * time.Millisecond
	opts.ReconnectionDelayMax = 20 * time.Millisecond
	opts.RandomizationFactor = 0
	opts.Timeout = 2 * time.Second
	return opts
}

func signal(c *Client, event string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 16)
	c.On(event, func(data json.RawMessage) { ch <- data })
	return ch
}

func waitFor(t *testing.T, ch <-chan json.RawMessage, what string) json.RawMessage {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func connectClient(t *testing.T, ts *testServer) (*Client, *server.Socket) {
	t.Helper()
	c, err := NewClient(ts.url(), testOptions(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	connected := signal(c, EventConnect)
	c.Connect()
	peer := ts.waitClient()
	waitFor(t, connected, "connect")
	require.True(t, c.Connected())
	return c, peer
}

func TestNewClient_DerivesNamespaceAndOrigin(t *testing.T) {
	c, err := NewClient("wss://tracking.example.com/tracking?token=abc", DefaultOptions(), zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, "/tracking", c.Namespace())
	assert.Equal(t, "https://tracking.example.com?token=abc", c.origin)

	opts := DefaultOptions()
	opts.Namespace = "/fleet"
	c, err = NewClient("http://localhost:3000/ignored", opts, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "/fleet", c.Namespace())

	_, err = NewClient("ftp://example.com", DefaultOptions(), zerolog.Nop())
	assert.Error(t, err)
}

func TestClient_EmitBeforeConnect(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1/tracking", testOptions(), zerolog.Nop())
	require.NoError(t, err)

	assert.ErrorIs(t, c.Emit("updateLocation", nil), ErrNotConnected)
	_, err = c.EmitWithAck("registerDriver", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, c.Connected())
	assert.NoError(t, c.Close())
}

func TestClient_ConnectAndEmitWithAck(t *testing.T) {
	ts := newTestServer(t)
	c, _ := connectClient(t, ts)

	ack, err := c.EmitWithAck("registerDriver", map[string]string{"driverId": "d-1"})
	require.NoError(t, err)

	args := ts.nextEvent()
	require.GreaterOrEqual(t, len(args), 2)
	assert.Equal(t, "registerDriver", args[0])
	assert.Equal(t, map[string]any{"driverId": "d-1"}, args[1])

	select {
	case data, ok := <-ack:
		require.True(t, ok)
		assert.JSONEq(t, `{"success":true}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("ack not delivered")
	}
}

func TestClient_Emit(t *testing.T) {
	ts := newTestServer(t)
	c, _ := connectClient(t, ts)

	require.NoError(t, c.Emit("updateLocation", map[string]any{"latitude": 1.5, "longitude": 2.5}))

	args := ts.nextEvent()
	require.Len(t, args, 2)
	assert.Equal(t, "updateLocation", args[0])
	assert.Equal(t, map[string]any{"latitude": 1.5, "longitude": 2.5}, args[1])
}

func TestClient_DispatchesServerEvents(t *testing.T) {
	ts := newTestServer(t)
	c, err := NewClient(ts.url(), testOptions(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	updates := signal(c, "driverLocationUpdate")
	removed := make(chan json.RawMessage, 1)
	off := c.On("driverLocationUpdate", func(data json.RawMessage) { removed <- data })
	off()
	connected := signal(c, EventConnect)

	c.Connect()
	peer := ts.waitClient()
	waitFor(t, connected, "connect")

	require.NoError(t, peer.Emit("driverLocationUpdate", map[string]any{"driverId": "d-2", "latitude": 1.5, "longitude": 2.5}))
	data := waitFor(t, updates, "driverLocationUpdate")
	assert.JSONEq(t, `{"driverId":"d-2","latitude":1.5,"longitude":2.5}`, string(data))

	select {
	case <-removed:
		t.Fatal("removed handler was invoked")
	default:
	}
}

func TestClient_AnswersServerAcks(t *testing.T) {
	ts := newTestServer(t)
	c, peer := connectClient(t, ts)

	stats := signal(c, "stats")
	answered := make(chan []any, 1)
	require.NoError(t, peer.Emit("stats", map[string]any{"onlineDrivers": 3}, func(args []any, _ error) {
		answered <- args
	}))

	data := waitFor(t, stats, "stats")
	assert.JSONEq(t, `{"onlineDrivers":3}`, string(data))
	select {
	case args := <-answered:
		assert.Empty(t, args)
	case <-time.After(5 * time.Second):
		t.Fatal("server ack not answered")
	}
}

func TestClient_HandlerPanicIsContained(t *testing.T) {
	ts := newTestServer(t)
	c, peer := connectClient(t, ts)

	c.On("stats", func(json.RawMessage) { panic("boom") })
	stats := signal(c, "stats")

	require.NoError(t, peer.Emit("stats", map[string]any{"totalConnections": 1}))
	waitFor(t, stats, "stats")
	assert.True(t, c.Connected())
}

func TestClient_ReconnectsAfterTransportLoss(t *testing.T) {
	ts := newTestServer(t)
	c, peer := connectClient(t, ts)

	connected := signal(c, EventConnect)
	disconnected := signal(c, EventDisconnect)
	attempts := signal(c, EventReconnectAttempt)

	peer.Disconnect(true)
	reason := waitFor(t, disconnected, "disconnect")
	assert.NotEqual(t, `"`+ReasonClientDisconnect+`"`, string(reason))

	waitFor(t, attempts, "reconnect attempt")
	ts.waitClient()
	waitFor(t, connected, "second connect")
	assert.True(t, c.Connected())
}

func TestClient_PendingAckClosedOnDisconnect(t *testing.T) {
	ts := newTestServer(t)
	c, peer := connectClient(t, ts)

	ch, err := c.EmitWithAck("silent", map[string]string{"driverId": "d-1"})
	require.NoError(t, err)
	assert.Equal(t, "silent", ts.nextEvent()[0])

	peer.Disconnect(true)

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("pending ack was not released")
	}
}

func TestClient_NamespaceRefused(t *testing.T) {
	ts := newTestServer(t)
	ts.refuse("not authorized")

	opts := testOptions()
	opts.Reconnection = false
	c, err := NewClient(ts.url(), opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	errs := signal(c, EventConnectError)
	c.Connect()

	data := waitFor(t, errs, "connect_error")
	assert.JSONEq(t, `{"message":"not authorized"}`, string(data))
	assert.False(t, c.Connected())
}

func TestClient_ReconnectFailedAfterAttemptBudget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/tracking"
	srv.Close()

	opts := testOptions()
	opts.ReconnectionAttempts = 2
	c, err := NewClient(url, opts, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	errs := signal(c, EventConnectError)
	attempts := signal(c, EventReconnectAttempt)
	failed := signal(c, EventReconnectFailed)
	c.Connect()

	waitFor(t, failed, "reconnect_failed")
	// Initial attempt plus two retries.
	assert.Eventually(t, func() bool { return len(errs) == 3 }, time.Second, 10*time.Millisecond)
	assert.Len(t, attempts, 2)
	assert.False(t, c.Connected())
}

func TestClient_CloseLeavesNamespace(t *testing.T) {
	ts := newTestServer(t)
	c, _ := connectClient(t, ts)
	disconnected := signal(c, EventDisconnect)

	require.NoError(t, c.Close())

	reason := waitFor(t, disconnected, "disconnect")
	assert.JSONEq(t, `"io client disconnect"`, string(reason))
	assert.False(t, c.Connected())

	select {
	case r := <-ts.leaves:
		assert.Equal(t, "client namespace disconnect", r)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not see the namespace disconnect")
	}

	// A closed client can connect again on a fresh manager.
	connected := signal(c, EventConnect)
	c.Connect()
	ts.waitClient()
	waitFor(t, connected, "reconnect after close")
}
