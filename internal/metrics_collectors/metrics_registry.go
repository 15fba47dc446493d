package metrics_collectors

import (
	"slices"
	"strings"
	"sync"

	"github.com/benmeehan/driver-agent/internal/models"
)

// MetricsRegistry holds the collectors that may contribute to a health report, keyed by
// name. It is safe for concurrent use.
type MetricsRegistry struct {
	mu         sync.RWMutex
	collectors map[string]MetricCollector
}

func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{collectors: make(map[string]MetricCollector)}
}

// Register adds a collector, replacing any collector with the same name.
func (r *MetricsRegistry) Register(collector MetricCollector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.collectors[collector.Name()] = collector
}

// Len reports how many collectors are registered.
func (r *MetricsRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.collectors)
}

// Enabled returns the collectors enabled by config, ordered by name.
func (r *MetricsRegistry) Enabled(config *models.HealthConfig) []MetricCollector {
	r.mu.RLock()
	enabled := make([]MetricCollector, 0, len(r.collectors))
	for _, c := range r.collectors {
		if c.IsEnabled(config) {
			enabled = append(enabled, c)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(enabled, func(a, b MetricCollector) int { return strings.Compare(a.Name(), b.Name()) })
	return enabled
}
