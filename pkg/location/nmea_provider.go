package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/adrianmo/go-nmea"
	"github.com/rs/zerolog"
	"github.com/tarm/serial"

	"github.com/benmeehan/driver-agent/pkg/file"
)

const (
	knotsToMetersPerSecond = 0.514444
	// hdopToMeters approximates horizontal accuracy from HDOP for a consumer GPS receiver.
	hdopToMeters = 5.0
)

// NMEAConfig selects the NMEA source. ReplayFile takes precedence over Port.
type NMEAConfig struct {
	Port           string        // serial device, e.g. /dev/ttyUSB0
	BaudRate       int           // serial baud rate
	ReplayFile     string        // NMEA log to replay instead of a live device
	ReplayInterval time.Duration // pause between replayed fixes
}

// NMEAProvider reads positions from a GPS receiver speaking NMEA 0183, either over a
// serial port or from a recorded log.
type NMEAProvider struct {
	cfg     NMEAConfig
	fileOps file.FileOperations
	logger  zerolog.Logger

	open func() (io.ReadCloser, error)
}

// NewNMEAProvider creates a provider for the configured serial port or replay file.
func NewNMEAProvider(cfg NMEAConfig, fileOps file.FileOperations, logger zerolog.Logger) *NMEAProvider {
	p := &NMEAProvider{
		cfg:     cfg,
		fileOps: fileOps,
		logger:  logger.With().Str("component", "nmea_provider").Logger(),
	}
	p.open = p.openSource
	return p
}

func (p *NMEAProvider) sourcePath() string {
	if p.cfg.ReplayFile != "" {
		return p.cfg.ReplayFile
	}
	return p.cfg.Port
}

func (p *NMEAProvider) openSource() (io.ReadCloser, error) {
	if p.cfg.ReplayFile != "" {
		return os.Open(p.cfg.ReplayFile)
	}
	return serial.OpenPort(&serial.Config{Name: p.cfg.Port, Baud: p.cfg.BaudRate})
}

// CheckPermission reports whether the source can be opened. Background access is
// the same grant for a device file.
func (p *NMEAProvider) CheckPermission(ctx context.Context, scope PermissionScope) (bool, error) {
	rc, err := p.open()
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return false, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			// Absence is reported by ServicesEnabled, not as a denial.
			return true, nil
		}
		return false, err
	}
	_ = rc.Close()
	return true, nil
}

// RequestPermission cannot prompt for device access, so it re-checks the grant.
func (p *NMEAProvider) RequestPermission(ctx context.Context, scope PermissionScope) (bool, error) {
	return p.CheckPermission(ctx, scope)
}

// ServicesEnabled reports whether the receiver device or replay file is present.
func (p *NMEAProvider) ServicesEnabled(ctx context.Context) (bool, error) {
	path := p.sourcePath()
	if path == "" {
		return false, nil
	}
	exists, err := p.fileOps.IsFileExists(path)
	if err != nil && errors.Is(err, fs.ErrPermission) {
		return true, nil
	}
	return exists, err
}

// CurrentPosition reads the source until the first valid fix.
func (p *NMEAProvider) CurrentPosition(ctx context.Context, accuracy Accuracy) (Fix, error) {
	rc, err := p.open()
	if err != nil {
		return Fix{}, fmt.Errorf("open nmea source: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = rc.Close() })
	defer func() {
		if stop() {
			_ = rc.Close()
		}
	}()

	var dec nmeaDecoder
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		if fix, ok := dec.feed(scanner.Text()); ok {
			return fix, nil
		}
	}
	if ctx.Err() != nil {
		return Fix{}, ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return Fix{}, fmt.Errorf("read nmea source: %w", err)
	}
	return Fix{}, ErrNoFix
}

// WatchPosition streams throttled fixes from the source until removed or the source ends.
func (p *NMEAProvider) WatchPosition(opts WatchOptions, onFix func(Fix)) (Subscription, error) {
	rc, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("open nmea source: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	context.AfterFunc(ctx, func() { _ = rc.Close() })

	go func() {
		defer cancel()

		throttle := NewThrottle(opts.DistanceInterval, opts.TimeInterval)
		var dec nmeaDecoder
		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			fix, ok := dec.feed(scanner.Text())
			if !ok {
				continue
			}
			if p.cfg.ReplayFile != "" && p.cfg.ReplayInterval > 0 {
				select {
				case <-time.After(p.cfg.ReplayInterval):
				case <-ctx.Done():
					return
				}
			}
			if !throttle.Accept(fix) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			onFix(fix)
		}

		if ctx.Err() != nil {
			return
		}
		if err := scanner.Err(); err != nil {
			p.logger.Warn().Err(err).Str("source", p.sourcePath()).Msg("NMEA source read failed, watch ended")
			return
		}
		p.logger.Info().Str("source", p.sourcePath()).Msg("NMEA source exhausted, watch ended")
	}()

	return &subscription{cancel: cancel}, nil
}

// nmeaDecoder merges RMC (position, speed, course, time) with the most recent GGA
// (HDOP). Streams without RMC fall back to GGA-only fixes.
type nmeaDecoder struct {
	hdop   float64
	sawRMC bool
}

func (d *nmeaDecoder) feed(line string) (Fix, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return Fix{}, false
	}
	sentence, err := nmea.Parse(line)
	if err != nil {
		return Fix{}, false
	}

	switch s := sentence.(type) {
	case nmea.RMC:
		if s.Validity != nmea.ValidRMC {
			return Fix{}, false
		}
		d.sawRMC = true
		speed := s.Speed * knotsToMetersPerSecond
		course := s.Course
		fix := Fix{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Heading:   &course,
			Speed:     &speed,
			Time:      fixTime(s.Date, s.Time),
		}
		if d.hdop > 0 {
			acc := d.hdop * hdopToMeters
			fix.Accuracy = &acc
		}
		return fix, true

	case nmea.GGA:
		if s.FixQuality == nmea.Invalid {
			d.hdop = 0
			return Fix{}, false
		}
		d.hdop = s.HDOP
		if d.sawRMC {
			return Fix{}, false
		}
		acc := s.HDOP * hdopToMeters
		return Fix{
			Latitude:  s.Latitude,
			Longitude: s.Longitude,
			Accuracy:  &acc,
			Time:      fixTime(nmea.Date{}, s.Time),
		}, true
	}
	return Fix{}, false
}

// fixTime builds a UTC timestamp from NMEA date and time fields. Without a date,
// today's UTC date is assumed.
func fixTime(d nmea.Date, t nmea.Time) time.Time {
	if !t.Valid {
		return time.Now().UTC()
	}
	year, month, day := time.Now().UTC().Date()
	if d.Valid {
		year, month, day = 2000+d.YY, time.Month(d.MM), d.DD
	}
	return time.Date(year, month, day, t.Hour, t.Minute, t.Second, t.Millisecond*int(time.Millisecond), time.UTC)
}
