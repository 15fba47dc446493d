package location

import (
	"math"
	"time"
)

const earthRadiusMeters = 6371008.8

// Distance returns the great-circle distance in meters between two coordinates.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// Throttle drops fixes that are too close in space or time to the last accepted one.
// A fix must clear both the distance and the time gate. Not safe for concurrent use.
type Throttle struct {
	minDistance float64
	minInterval time.Duration

	last *Fix
}

// NewThrottle returns a throttle with the given gates. Zero disables a gate.
func NewThrottle(minDistance float64, minInterval time.Duration) *Throttle {
	return &Throttle{minDistance: minDistance, minInterval: minInterval}
}

// Accept reports whether fix should be delivered and records it when it is.
func (t *Throttle) Accept(fix Fix) bool {
	if t.last != nil {
		if t.minInterval > 0 && fix.Time.Sub(t.last.Time) < t.minInterval {
			return false
		}
		if t.minDistance > 0 && Distance(t.last.Latitude, t.last.Longitude, fix.Latitude, fix.Longitude) < t.minDistance {
			return false
		}
	}
	accepted := fix
	t.last = &accepted
	return true
}
