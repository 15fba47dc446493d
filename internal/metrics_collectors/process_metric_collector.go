package metrics_collectors

import (
	"context"
	"os"

	"github.com/benmeehan/driver-agent/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/process"
)

// ProcessMetricCollector collects CPU and resident memory of the agent's own process.
type ProcessMetricCollector struct {
	Logger zerolog.Logger
	Pid    int32 // zero means the current process
}

func (p *ProcessMetricCollector) Name() string {
	return "process"
}

// Collect returns *models.ProcessMetrics, or nil when the process cannot be inspected.
func (p *ProcessMetricCollector) Collect(ctx context.Context) any {
	pid := p.Pid
	if pid == 0 {
		pid = int32(os.Getpid())
	}

	proc, err := process.NewProcess(pid)
	if err != nil {
		p.Logger.Error().Err(err).Int32("pid", pid).Msg("Failed to open process")
		return nil
	}

	procMetrics := &models.ProcessMetrics{}
	if cpuPercent, err := proc.CPUPercentWithContext(ctx); err == nil {
		procMetrics.CPUUsage = &cpuPercent
	} else {
		p.Logger.Warn().Err(err).Int32("pid", pid).Msg("Failed to get CPU usage")
	}

	if memInfo, err := proc.MemoryInfoWithContext(ctx); err == nil {
		rss := float64(memInfo.RSS)
		procMetrics.Memory = &rss
	} else {
		p.Logger.Warn().Err(err).Int32("pid", pid).Msg("Failed to get memory information")
	}

	return procMetrics
}

func (p *ProcessMetricCollector) IsEnabled(config *models.HealthConfig) bool {
	return config.MonitorProcess
}

func (p *ProcessMetricCollector) Unit() string {
	return "varied (CPU: %, Memory: bytes)"
}
