//go:build unix

package appstate

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type transition struct{ prev, next State }

// TestWatcher_Set tests that transitions are delivered in subscription order and
// repeated states are ignored.
func TestWatcher_Set(t *testing.T) {
	// Setup
	w := NewWatcher(Active)
	var got []string
	w.Subscribe(func(prev, next State) { got = append(got, "a:"+string(prev)+">"+string(next)) })
	w.Subscribe(func(prev, next State) { got = append(got, "b:"+string(prev)+">"+string(next)) })

	// Execute
	w.Set(Active)
	w.Set(Background)

	// Assert
	assert.Equal(t, Background, w.Current())
	assert.Equal(t, []string{"a:active>background", "b:active>background"}, got)
}

// TestWatcher_Unsubscribe tests that a removed subscriber no longer receives transitions.
func TestWatcher_Unsubscribe(t *testing.T) {
	// Setup
	w := NewWatcher(Background)
	var got []transition
	off := w.Subscribe(func(prev, next State) { got = append(got, transition{prev, next}) })

	// Execute
	w.Set(Inactive)
	off()
	off()
	w.Set(Active)

	// Assert
	assert.Equal(t, []transition{{Background, Inactive}}, got)
}

// TestApplySignals tests that lifecycle signals move the watcher.
func TestApplySignals(t *testing.T) {
	// Setup
	w := NewWatcher(Active)
	changes := make(chan transition, 4)
	w.Subscribe(func(prev, next State) { changes <- transition{prev, next} })

	sigs := make(chan os.Signal, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		applySignals(ctx, w, sigs, zerolog.Nop())
		close(done)
	}()

	// Execute
	sigs <- syscall.SIGUSR2
	sigs <- syscall.SIGCONT
	sigs <- syscall.SIGUSR1

	// Assert
	for _, want := range []transition{{Active, Background}, {Background, Active}} {
		select {
		case got := <-changes:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("transition not delivered")
		}
	}
	cancel()
	<-done
	assert.Empty(t, changes, "SIGUSR1 while active is not a transition")
	assert.Equal(t, Active, w.Current())
}
