package appstate

import (
	"slices"
	"sync"
)

// State is the application's lifecycle state.
type State string

const (
	Active     State = "active"
	Inactive   State = "inactive"
	Background State = "background"
)

// Watcher holds the current lifecycle state and notifies subscribers of transitions.
type Watcher struct {
	mu      sync.Mutex
	current State
	subs    map[uint64]func(prev, next State)
	nextID  uint64
}

// NewWatcher returns a watcher starting in initial.
func NewWatcher(initial State) *Watcher {
	return &Watcher{
		current: initial,
		subs:    make(map[uint64]func(prev, next State)),
	}
}

// Current returns the current state.
func (w *Watcher) Current() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Set moves to next and notifies subscribers. Setting the current state again does nothing.
func (w *Watcher) Set(next State) {
	w.mu.Lock()
	prev := w.current
	if prev == next {
		w.mu.Unlock()
		return
	}
	w.current = next
	subs := make([]func(prev, next State), 0, len(w.subs))
	for _, id := range w.sortedIDsLocked() {
		subs = append(subs, w.subs[id])
	}
	w.mu.Unlock()

	for _, fn := range subs {
		fn(prev, next)
	}
}

// Subscribe registers fn for every transition and returns its remover.
func (w *Watcher) Subscribe(fn func(prev, next State)) func() {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	w.subs[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.subs, id)
		w.mu.Unlock()
	}
}

func (w *Watcher) sortedIDsLocked() []uint64 {
	ids := make([]uint64, 0, len(w.subs))
	for id := range w.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
