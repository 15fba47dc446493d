package mocks

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrFakeNotConnected is returned by FakeTransport emits while disconnected.
var ErrFakeNotConnected = errors.New("fake transport not connected")

// EmittedEvent is one frame written through a FakeTransport.
type EmittedEvent struct {
	Event   string
	Payload json.RawMessage
	WithAck bool
}

type fakeHandler struct {
	id uint64
	fn func(json.RawMessage)
}

// FakeTransport is an in-memory tracking transport. Lifecycle events are driven
// by the test through SimulateConnect, SimulateDisconnect and Fire.
type FakeTransport struct {
	mu           sync.Mutex
	connected    bool
	closed       bool
	connectCalls int
	handlers     map[string][]fakeHandler
	nextID       uint64
	emitted      []EmittedEvent
	autoAck      map[string]json.RawMessage
	pending      []chan json.RawMessage
}

// NewFakeTransport returns a disconnected fake.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		handlers: make(map[string][]fakeHandler),
		autoAck:  make(map[string]json.RawMessage),
	}
}

// AutoAck makes every EmitWithAck of event resolve immediately with reply.
func (f *FakeTransport) AutoAck(event string, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.autoAck[event] = json.RawMessage(reply)
}

func (f *FakeTransport) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
}

func (f *FakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeTransport) Emit(event string, payload any) error {
	return f.record(event, payload, false)
}

func (f *FakeTransport) EmitWithAck(event string, payload any) (<-chan json.RawMessage, error) {
	if err := f.record(event, payload, true); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan json.RawMessage, 1)
	if reply, ok := f.autoAck[event]; ok {
		ch <- reply
	} else {
		f.pending = append(f.pending, ch)
	}
	return ch, nil
}

func (f *FakeTransport) record(event string, payload any, withAck bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return ErrFakeNotConnected
	}
	f.emitted = append(f.emitted, EmittedEvent{Event: event, Payload: data, WithAck: withAck})
	return nil
}

func (f *FakeTransport) On(event string, handler func(json.RawMessage)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.handlers[event] = append(f.handlers[event], fakeHandler{id: id, fn: handler})
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		hs := f.handlers[event]
		for i, h := range hs {
			if h.id == id {
				f.handlers[event] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

// Fire delivers an event to the registered handlers.
func (f *FakeTransport) Fire(event string, payload string) {
	f.mu.Lock()
	hs := append([]fakeHandler(nil), f.handlers[event]...)
	f.mu.Unlock()

	var data json.RawMessage
	if payload != "" {
		data = json.RawMessage(payload)
	}
	for _, h := range hs {
		h.fn(data)
	}
}

// SimulateConnect marks the fake connected and fires connect.
func (f *FakeTransport) SimulateConnect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.Fire("connect", "")
}

// SimulateDisconnect marks the fake disconnected, releases pending acks and fires disconnect.
func (f *FakeTransport) SimulateDisconnect(reason string) {
	f.mu.Lock()
	f.connected = false
	for _, ch := range f.pending {
		close(ch)
	}
	f.pending = nil
	f.mu.Unlock()

	data, _ := json.Marshal(reason)
	f.Fire("disconnect", string(data))
}

// Emitted returns a copy of every frame written so far.
func (f *FakeTransport) Emitted() []EmittedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]EmittedEvent(nil), f.emitted...)
}

// EmittedNames returns the event names written so far, in order.
func (f *FakeTransport) EmittedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.emitted))
	for _, e := range f.emitted {
		names = append(names, e.Event)
	}
	return names
}

// HandlerCount returns how many handlers are registered for event.
func (f *FakeTransport) HandlerCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[event])
}

// ConnectCalls returns how many times Connect was called.
func (f *FakeTransport) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// Closed reports whether Close was called.
func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
