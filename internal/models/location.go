package models

import (
	"fmt"
	"time"
)

// LocationSample is one accepted GPS fix. Samples are immutable; a newer sample
// supersedes the previous one instead of mutating it.
type LocationSample struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Heading    *float64  `json:"heading,omitempty"`  // degrees from true north, nil when not reported
	Speed      *float64  `json:"speed,omitempty"`    // meters per second
	Accuracy   *float64  `json:"accuracy,omitempty"` // horizontal accuracy in meters
	CapturedAt time.Time `json:"captured_at"`
}

// NewLocationSample builds a sample and rejects coordinates outside the WGS-84 range.
func NewLocationSample(lat, lng float64, heading, speed, accuracy *float64, capturedAt time.Time) (LocationSample, error) {
	if err := ValidateCoordinates(lat, lng); err != nil {
		return LocationSample{}, err
	}
	return LocationSample{
		Latitude:   lat,
		Longitude:  lng,
		Heading:    heading,
		Speed:      speed,
		Accuracy:   accuracy,
		CapturedAt: capturedAt,
	}, nil
}

// ValidateCoordinates checks latitude is within [-90, 90] and longitude within [-180, 180].
func ValidateCoordinates(lat, lng float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %f out of range", lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("longitude %f out of range", lng)
	}
	return nil
}

// SameCoordinates reports whether two samples share the exact same latitude/longitude pair.
// Heading, speed and accuracy are ignored.
func (s LocationSample) SameCoordinates(other LocationSample) bool {
	return s.Latitude == other.Latitude && s.Longitude == other.Longitude
}

// DriverLocation is a location record as broadcast by the tracking server.
type DriverLocation struct {
	DriverID  string   `json:"driverId"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Timestamp string   `json:"timestamp"`
	IsOnline  *bool    `json:"isOnline,omitempty"`
}
