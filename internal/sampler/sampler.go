package sampler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/driver-agent/internal/constants"
	"github.com/benmeehan/driver-agent/internal/models"
	"github.com/benmeehan/driver-agent/pkg/location"
)

var (
	ErrPermissionDenied = errors.New("location permission denied")
	ErrServiceDisabled  = errors.New("location services are disabled")
)

// Options tunes the continuous subscription.
type Options struct {
	EnableHighAccuracy bool
	DistanceInterval   float64       // meters
	TimeInterval       time.Duration // minimum gap between fixes
}

// DefaultOptions returns high accuracy with the 10 m / 3 s gates.
func DefaultOptions() Options {
	return Options{
		EnableHighAccuracy: true,
		DistanceInterval:   constants.DefaultDistanceInterval,
		TimeInterval:       constants.DefaultTimeInterval,
	}
}

// State is a point-in-time view of the sampler.
type State struct {
	Sample     *models.LocationSample
	Err        error
	Tracking   bool
	Permission models.PermissionState
}

// Sampler negotiates location permission and turns a provider's position stream into
// LocationSamples. Expected failures are recorded in State and returned, never panicked.
type Sampler struct {
	provider location.Provider
	caps     Capabilities
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	state    State
	sub      location.Subscription
	starting bool
	gen      uint64

	listeners  []sampleListener // registration order
	nextListen uint64
}

type sampleListener struct {
	id uint64
	fn func(models.LocationSample)
}

// New creates a sampler for provider using the given platform capabilities.
func New(provider location.Provider, caps Capabilities, opts Options, logger zerolog.Logger) *Sampler {
	if opts.DistanceInterval < 0 {
		opts.DistanceInterval = 0
	}
	if opts.TimeInterval < 0 {
		opts.TimeInterval = 0
	}
	return &Sampler{
		provider: provider,
		caps:     caps,
		opts:     opts,
		logger:   logger.With().Str("component", "sampler").Logger(),
	}
}

// Snapshot returns the current observable state.
func (s *Sampler) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnSample registers cb for every accepted sample and returns its remover.
// Callbacks run on the provider's delivery goroutine, in capture order, and each
// sample reaches callbacks in the order they were registered.
func (s *Sampler) OnSample(cb func(models.LocationSample)) func() {
	s.mu.Lock()
	s.nextListen++
	id := s.nextListen
	s.listeners = append(s.listeners, sampleListener{id: id, fn: cb})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(l sampleListener) bool { return l.id == id })
	}
}

// CheckPermission queries the current foreground grant without prompting.
func (s *Sampler) CheckPermission(ctx context.Context) models.PermissionState {
	granted, err := s.provider.CheckPermission(ctx, location.ScopeForeground)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err != nil:
		s.logger.Warn().Err(err).Msg("Failed to query location permission")
	case granted:
		s.state.Permission = models.PermissionGranted
	default:
		s.state.Permission = models.PermissionDenied
	}
	return s.state.Permission
}

// RequestPermission asks for foreground access and, where the platform separates it,
// best-effort background access. Only the foreground grant decides the result.
func (s *Sampler) RequestPermission(ctx context.Context) bool {
	s.setErr(nil)

	granted, err := s.provider.RequestPermission(ctx, location.ScopeForeground)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Location permission request failed")
		s.setErr(fmt.Errorf("request location permission: %w", err))
		return false
	}
	if !granted {
		s.logger.Warn().Msg("Location permission denied")
		s.mu.Lock()
		s.state.Permission = models.PermissionDenied
		s.state.Err = ErrPermissionDenied
		s.mu.Unlock()
		return false
	}

	if s.caps.SeparateBackgroundPermission {
		bg, err := s.provider.RequestPermission(ctx, location.ScopeBackground)
		if err != nil || !bg {
			s.logger.Warn().Err(err).Msg("Background location permission denied, continuing in foreground")
		}
	}

	s.mu.Lock()
	s.state.Permission = models.PermissionGranted
	s.mu.Unlock()
	return true
}

// StartTracking opens the continuous subscription. Calling it while tracking, or
// while another start is in flight, is a no-op.
func (s *Sampler) StartTracking(ctx context.Context) error {
	s.mu.Lock()
	if s.sub != nil || s.starting {
		s.mu.Unlock()
		return nil
	}
	s.starting = true
	gen := s.gen
	permission := s.state.Permission
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.starting = false
		s.mu.Unlock()
	}()

	if permission != models.PermissionGranted && !s.RequestPermission(ctx) {
		return ErrPermissionDenied
	}

	enabled, err := s.provider.ServicesEnabled(ctx)
	if err != nil {
		s.setErr(fmt.Errorf("check location services: %w", err))
		return err
	}
	if !enabled {
		s.logger.Warn().Msg("Location services are disabled")
		s.setErr(ErrServiceDisabled)
		return ErrServiceDisabled
	}

	if fix, err := s.provider.CurrentPosition(ctx, s.caps.InitialFixAccuracy); err != nil {
		s.logger.Warn().Err(err).Msg("Initial fix unavailable, continuing with watch")
	} else {
		s.accept(gen, fix)
	}

	accuracy := location.AccuracyBalanced
	if s.opts.EnableHighAccuracy {
		accuracy = s.caps.HighAccuracy
	}
	sub, err := s.provider.WatchPosition(location.WatchOptions{
		Accuracy:         accuracy,
		DistanceInterval: s.opts.DistanceInterval,
		TimeInterval:     s.opts.TimeInterval,
	}, func(fix location.Fix) {
		s.accept(gen, fix)
	})
	if err != nil {
		s.setErr(fmt.Errorf("watch position: %w", err))
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		// StopTracking ran while we were starting.
		s.mu.Unlock()
		sub.Remove()
		return nil
	}
	s.sub = sub
	s.state.Tracking = true
	s.state.Err = nil
	s.mu.Unlock()

	s.logger.Info().
		Float64("distance_interval", s.opts.DistanceInterval).
		Dur("time_interval", s.opts.TimeInterval).
		Str("accuracy", accuracy.String()).
		Msg("Location tracking started")
	return nil
}

// StopTracking cancels the subscription. Safe to call when not tracking.
func (s *Sampler) StopTracking() {
	s.mu.Lock()
	s.gen++
	sub := s.sub
	s.sub = nil
	s.state.Tracking = false
	s.mu.Unlock()

	if sub == nil {
		return
	}
	sub.Remove()
	s.logger.Info().Msg("Location tracking stopped")
}

func (s *Sampler) accept(gen uint64, fix location.Fix) {
	sample, err := models.NewLocationSample(fix.Latitude, fix.Longitude, fix.Heading, fix.Speed, fix.Accuracy, fix.Time)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropping invalid fix")
		return
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.state.Sample = &sample
	s.state.Err = nil
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.logger.Debug().Float64("lat", sample.Latitude).Float64("lng", sample.Longitude).Msg("Location sample")
	for _, l := range listeners {
		l.fn(sample)
	}
}

func (s *Sampler) setErr(err error) {
	s.mu.Lock()
	s.state.Err = err
	s.mu.Unlock()
}
