//go:build !unix

package appstate

import (
	"context"

	"github.com/rs/zerolog"
)

// WatchSignals has no lifecycle signals to watch on this platform; the state only
// changes through Set.
func WatchSignals(ctx context.Context, w *Watcher, logger zerolog.Logger) {
	logger.Debug().Str("state", string(w.Current())).Msg("App state signals unsupported on this platform")
	<-ctx.Done()
}
