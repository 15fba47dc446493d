package metrics_collectors

import (
	"context"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/benmeehan/driver-agent/internal/models"
)

// GoroutineMetricCollector counts live goroutines. Transport reconnect loops and ack
// waiters each hold one, so a count that keeps climbing across reports points at a
// leaked handle.
type GoroutineMetricCollector struct {
	Logger zerolog.Logger
	// WarnAbove logs a warning when the count exceeds it. Zero disables the check.
	WarnAbove int
}

func (g *GoroutineMetricCollector) Name() string { return "goroutines" }

func (g *GoroutineMetricCollector) Collect(_ context.Context) any {
	n := runtime.NumGoroutine()
	if g.WarnAbove > 0 && n > g.WarnAbove {
		g.Logger.Warn().Int("goroutines", n).Int("threshold", g.WarnAbove).Msg("Goroutine count above threshold")
	}
	count := float64(n)
	return &count
}

func (g *GoroutineMetricCollector) IsEnabled(config *models.HealthConfig) bool {
	return config.MonitorGoroutines
}

func (g *GoroutineMetricCollector) Unit() string { return "count" }
