package location

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	assert.InDelta(t, 0, Distance(10, 20, 10, 20), 1e-9)
	// One degree of latitude.
	assert.InDelta(t, 111195, Distance(0, 0, 1, 0), 1)
	// Symmetric.
	assert.InDelta(t, Distance(48.1, 11.5, 48.2, 11.6), Distance(48.2, 11.6, 48.1, 11.5), 1e-9)
}

func TestThrottle_BothGatesMustPass(t *testing.T) {
	base := time.Date(2024, 3, 23, 12, 0, 0, 0, time.UTC)
	th := NewThrottle(10, 3*time.Second)

	assert.True(t, th.Accept(Fix{Latitude: 10, Longitude: 20, Time: base}), "first fix always passes")

	// Far enough, too soon.
	assert.False(t, th.Accept(Fix{Latitude: 10.01, Longitude: 20, Time: base.Add(time.Second)}))
	// Late enough, too close (about 1 m).
	assert.False(t, th.Accept(Fix{Latitude: 10.00001, Longitude: 20, Time: base.Add(5 * time.Second)}))
	// Both satisfied.
	assert.True(t, th.Accept(Fix{Latitude: 10.01, Longitude: 20, Time: base.Add(6 * time.Second)}))
	// Gates are measured from the last accepted fix.
	assert.False(t, th.Accept(Fix{Latitude: 10.02, Longitude: 20, Time: base.Add(7 * time.Second)}))
}

func TestThrottle_ZeroGatesAcceptEverything(t *testing.T) {
	th := NewThrottle(0, 0)
	now := time.Now()
	for i := 0; i < 3; i++ {
		assert.True(t, th.Accept(Fix{Latitude: 1, Longitude: 1, Time: now}))
	}
}
