//go:build unix

package appstate

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

var signalStates = map[os.Signal]State{
	syscall.SIGUSR1: Active,
	syscall.SIGUSR2: Background,
	syscall.SIGCONT: Active,
}

// WatchSignals feeds w from process signals until ctx is done: SIGUSR1 and SIGCONT
// bring the agent to the foreground and SIGUSR2 sends it to the background.
func WatchSignals(ctx context.Context, w *Watcher, logger zerolog.Logger) {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGCONT)
	defer signal.Stop(sigs)

	applySignals(ctx, w, sigs, logger)
}

func applySignals(ctx context.Context, w *Watcher, sigs <-chan os.Signal, logger zerolog.Logger) {
	for {
		select {
		case sig := <-sigs:
			next := signalStates[sig]
			logger.Info().Str("signal", sig.String()).Str("state", string(next)).Msg("App state signal received")
			w.Set(next)
		case <-ctx.Done():
			return
		}
	}
}
