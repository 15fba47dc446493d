package metrics_collectors

import (
	"context"

	"github.com/benmeehan/driver-agent/internal/models"
)

// MetricCollector is one runtime metric source attached to the tracking health report.
// Collect returns nil when the value could not be read; a *models.ProcessMetrics
// value is reported in its own section rather than under Name.
type MetricCollector interface {
	Name() string
	Collect(ctx context.Context) any
	IsEnabled(config *models.HealthConfig) bool
	Unit() string
}
