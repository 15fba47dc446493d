package location

import "time"

// Fix represents one position reading from a provider.
type Fix struct {
	Latitude  float64
	Longitude float64
	Heading   *float64 // degrees, nil when the source does not report course
	Speed     *float64 // meters per second
	Accuracy  *float64 // horizontal accuracy in meters
	Time      time.Time
}
