package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/driver-agent/internal/metrics_collectors"
	"github.com/benmeehan/driver-agent/internal/models"
	"github.com/benmeehan/driver-agent/internal/utils"
)

// Goroutine count past which the goroutine collector warns about leaked transport handles.
const goroutineWarnThreshold = 1000

// HealthSource exposes the coordinator's connection-health view.
type HealthSource interface {
	Stats() CoordinatorStats
}

// HealthService periodically logs the tracking session's connection health along
// with the enabled runtime collectors.
type HealthService struct {
	Source   HealthSource
	Interval time.Duration
	Timeout  time.Duration
	Config   models.HealthConfig
	Logger   zerolog.Logger

	registry   *metrics_collectors.MetricsRegistry
	workerPool *utils.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthService initializes a new HealthService with the default collectors.
func NewHealthService(source HealthSource, interval, timeout time.Duration, config models.HealthConfig,
	logger zerolog.Logger) *HealthService {

	logger = logger.With().Str("component", "health").Logger()
	h := &HealthService{
		Source:   source,
		Interval: interval,
		Timeout:  timeout,
		Config:   config,
		Logger:   logger,
		registry: metrics_collectors.NewMetricsRegistry(),
	}

	h.registry.Register(&metrics_collectors.MemoryMetricCollector{Logger: logger})
	h.registry.Register(&metrics_collectors.GoroutineMetricCollector{Logger: logger, WarnAbove: goroutineWarnThreshold})
	h.registry.Register(&metrics_collectors.ProcessMetricCollector{Logger: logger})

	return h
}

// Register adds or replaces a runtime collector.
func (h *HealthService) Register(collector metrics_collectors.MetricCollector) {
	h.registry.Register(collector)
}

// Start launches the reporting loop in a separate goroutine.
func (h *HealthService) Start() error {
	if h.ctx != nil {
		h.Logger.Warn().Msg("HealthService is already running")
		return errors.New("health service is already running")
	}
	if h.Interval <= 0 {
		return errors.New("health interval must be positive")
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.workerPool = utils.NewWorkerPool(h.registry.Len())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runReportLoop()
	}()

	h.Logger.Info().Dur("interval", h.Interval).Msg("HealthService started successfully")
	return nil
}

// Stop gracefully stops the health service.
func (h *HealthService) Stop() error {
	if h.ctx == nil {
		h.Logger.Warn().Msg("HealthService is not running")
		return errors.New("health service is not running")
	}

	h.cancel()
	h.wg.Wait()
	h.workerPool.Shutdown()

	h.ctx = nil
	h.cancel = nil

	h.Logger.Info().Msg("HealthService stopped successfully")
	return nil
}

func (h *HealthService) runReportLoop() {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.logReport(h.Report(h.ctx))
		case <-h.ctx.Done():
			h.Logger.Info().Msg("HealthService stopping gracefully")
			return
		}
	}
}

// Report builds one health report. Collectors run concurrently and are bounded by Timeout.
func (h *HealthService) Report(ctx context.Context) models.HealthReport {
	stats := h.Source.Stats()
	session := stats.Session

	report := models.HealthReport{
		Timestamp:        time.Now().UTC(),
		DriverID:         session.DriverID,
		SessionID:        session.SessionID,
		ConnectionState:  session.ConnectionState.String(),
		Registered:       session.IsRegistered,
		Tracking:         stats.Tracking,
		Permission:       stats.Permission.String(),
		TransmittedCount: session.TransmittedCount,
		Duplicates:       stats.Duplicates,
		Dropped:          stats.Dropped,
	}
	if !session.LastUpdate.IsZero() {
		last := session.LastUpdate.UTC()
		report.LastUpdate = &last
	}
	if stats.LastError != nil {
		report.LastError = stats.LastError.Error()
	}

	h.collect(ctx, &report)
	return report
}

func (h *HealthService) collect(ctx context.Context, report *models.HealthReport) {
	collectors := h.registry.Enabled(&h.Config)
	if len(collectors) == 0 {
		return
	}

	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	report.Metrics = make(map[string]models.Metric)

	for _, collector := range collectors {
		task := func() {
			defer wg.Done()
			value := collector.Collect(ctx)

			mu.Lock()
			defer mu.Unlock()
			if pm, ok := value.(*models.ProcessMetrics); ok {
				report.Process = pm
				return
			}
			if value != nil {
				report.Metrics[collector.Name()] = models.Metric{Value: value, Unit: collector.Unit()}
			}
		}

		wg.Add(1)
		if h.workerPool == nil {
			go task()
			continue
		}
		if err := h.workerPool.Submit(ctx, task); err != nil {
			wg.Done()
			h.Logger.Warn().Err(err).Str("collector", collector.Name()).Msg("Skipping collector")
		}
	}

	wg.Wait()
}

func (h *HealthService) logReport(report models.HealthReport) {
	event := h.Logger.Info()
	if report.ConnectionState != models.Connected.String() || !report.Tracking {
		event = h.Logger.Warn()
	}

	event = event.
		Str("driver_id", report.DriverID).
		Str("session_id", report.SessionID).
		Str("connection_state", report.ConnectionState).
		Bool("registered", report.Registered).
		Bool("tracking", report.Tracking).
		Str("permission", report.Permission).
		Uint64("transmitted", report.TransmittedCount).
		Uint64("duplicates", report.Duplicates).
		Uint64("dropped", report.Dropped)
	if report.LastUpdate != nil {
		event = event.Time("last_update", *report.LastUpdate)
	}
	if report.LastError != "" {
		event = event.Str("last_error", report.LastError)
	}
	if len(report.Metrics) > 0 {
		event = event.Interface("metrics", report.Metrics)
	}
	if report.Process != nil {
		event = event.Interface("process", report.Process)
	}
	event.Msg("Tracking health")
}
