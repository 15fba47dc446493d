package location

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"googlemaps.github.io/maps"
)

const minPollInterval = time.Second

// GeolocationConfig configures the Google Geolocation API provider.
type GeolocationConfig struct {
	APIKey     string
	ModemIndex int           // ModemManager index used for cell tower lookup
	Timeout    time.Duration // per request timeout
}

type geolocator interface {
	Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error)
}

// GoogleGeolocationProvider estimates position from nearby Wi-Fi access points, the
// serving cell tower and the public IP using the Google Maps Geolocation API.
type GoogleGeolocationProvider struct {
	client  geolocator
	timeout time.Duration
	logger  zerolog.Logger

	wifi  func(ctx context.Context) ([]maps.WiFiAccessPoint, error)
	cells func(ctx context.Context) ([]maps.CellTower, error)
	now   func() time.Time
}

// NewGoogleGeolocationProvider creates a new GoogleGeolocationProvider instance.
// An empty API key yields a provider that reports permission as denied.
func NewGoogleGeolocationProvider(cfg GeolocationConfig, logger zerolog.Logger) (*GoogleGeolocationProvider, error) {
	g := &GoogleGeolocationProvider{
		timeout: cfg.Timeout,
		logger:  logger.With().Str("component", "geolocation_provider").Logger(),
		wifi:    getWiFiAccessPoints,
		cells: func(ctx context.Context) ([]maps.CellTower, error) {
			return getCellTowers(ctx, cfg.ModemIndex)
		},
		now: time.Now,
	}
	if g.timeout <= 0 {
		g.timeout = 10 * time.Second
	}

	if cfg.APIKey != "" {
		c, err := maps.NewClient(maps.WithAPIKey(cfg.APIKey))
		if err != nil {
			return nil, err
		}
		g.client = c
	}
	return g, nil
}

// CheckPermission reports whether an API key is configured.
func (g *GoogleGeolocationProvider) CheckPermission(ctx context.Context, scope PermissionScope) (bool, error) {
	return g.client != nil, nil
}

// RequestPermission has nothing to prompt for and re-checks the grant.
func (g *GoogleGeolocationProvider) RequestPermission(ctx context.Context, scope PermissionScope) (bool, error) {
	return g.CheckPermission(ctx, scope)
}

// ServicesEnabled is true once a client exists; IP lookup is always available to it.
func (g *GoogleGeolocationProvider) ServicesEnabled(ctx context.Context) (bool, error) {
	return g.client != nil, nil
}

// CurrentPosition retrieves the device's location using Google Maps Geolocation API.
// Scan failures are not fatal; the request falls back to IP lookup.
func (g *GoogleGeolocationProvider) CurrentPosition(ctx context.Context, accuracy Accuracy) (Fix, error) {
	if g.client == nil {
		return Fix{}, errors.New("geolocation API key not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	wifiAPs, err := g.wifi(ctx)
	if err != nil {
		g.logger.Debug().Err(err).Msg("Wi-Fi scan unavailable")
	}
	cellTowers, err := g.cells(ctx)
	if err != nil {
		g.logger.Debug().Err(err).Msg("Cell tower lookup unavailable")
	}

	req := &maps.GeolocationRequest{
		ConsiderIP:       accuracy == AccuracyBalanced || (len(wifiAPs) == 0 && len(cellTowers) == 0),
		WiFiAccessPoints: wifiAPs,
		CellTowers:       cellTowers,
	}

	resp, err := g.client.Geolocate(ctx, req)
	if err != nil {
		return Fix{}, fmt.Errorf("geolocate: %w", err)
	}

	acc := resp.Accuracy
	return Fix{
		Latitude:  resp.Location.Lat,
		Longitude: resp.Location.Lng,
		Accuracy:  &acc,
		Time:      g.now().UTC(),
	}, nil
}

// WatchPosition polls the API every TimeInterval and delivers fixes that pass the
// distance gate. Failed polls are logged and skipped.
func (g *GoogleGeolocationProvider) WatchPosition(opts WatchOptions, onFix func(Fix)) (Subscription, error) {
	if g.client == nil {
		return nil, errors.New("geolocation API key not configured")
	}

	interval := opts.TimeInterval
	if interval < minPollInterval {
		interval = minPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		throttle := NewThrottle(opts.DistanceInterval, 0)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			fix, err := g.CurrentPosition(ctx, opts.Accuracy)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil:
				g.logger.Warn().Err(err).Msg("Geolocation poll failed")
			case throttle.Accept(fix):
				onFix(fix)
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &subscription{cancel: cancel}, nil
}
