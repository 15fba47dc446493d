package metrics_collectors

import (
	"context"
	"math"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/mem"

	"github.com/benmeehan/driver-agent/internal/models"
)

// MemoryMetricCollector reports host memory pressure. On phones and in-vehicle
// units a starved host is the usual reason the OS stops delivering fixes.
type MemoryMetricCollector struct {
	Logger zerolog.Logger
}

func (m *MemoryMetricCollector) Name() string { return "memory" }

// Collect returns the used share of host memory, rounded to two decimals.
func (m *MemoryMetricCollector) Collect(ctx context.Context) any {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		m.Logger.Warn().Err(err).Msg("Host memory read failed")
		return nil
	}

	used := math.Round(vm.UsedPercent*100) / 100
	m.Logger.Debug().
		Float64("used_percent", used).
		Uint64("available_bytes", vm.Available).
		Msg("Host memory sampled")
	return &used
}

func (m *MemoryMetricCollector) IsEnabled(config *models.HealthConfig) bool {
	return config.MonitorMemory
}

func (m *MemoryMetricCollector) Unit() string { return "percent" }
