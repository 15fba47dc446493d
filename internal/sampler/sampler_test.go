package sampler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/driver-agent/internal/mocks"
	"github.com/benmeehan/driver-agent/internal/models"
	"github.com/benmeehan/driver-agent/pkg/location"
)

var testFix = location.Fix{Latitude: 10, Longitude: 20, Time: time.Date(2024, 3, 23, 12, 0, 0, 0, time.UTC)}

func newTestSampler(provider *mocks.MockLocationProvider, platform Platform) *Sampler {
	return New(provider, CapabilitiesFor(platform), DefaultOptions(), zerolog.Nop())
}

// grantedProvider wires a provider that grants access and has services on.
func grantedProvider(sub location.Subscription) *mocks.MockLocationProvider {
	p := new(mocks.MockLocationProvider)
	p.On("RequestPermission", mock.Anything, location.ScopeForeground).Return(true, nil)
	p.On("ServicesEnabled", mock.Anything).Return(true, nil)
	p.On("CurrentPosition", mock.Anything, location.AccuracyBalanced).Return(testFix, nil)
	p.On("WatchPosition", mock.Anything, mock.Anything).Return(sub, nil)
	return p
}

// TestSampler_StartTracking_Success tests the full start sequence.
func TestSampler_StartTracking_Success(t *testing.T) {
	// Setup
	sub := new(mocks.MockSubscription)
	provider := grantedProvider(sub)
	s := newTestSampler(provider, PlatformLinux)

	var got []models.LocationSample
	s.OnSample(func(sample models.LocationSample) { got = append(got, sample) })

	// Execute
	err := s.StartTracking(context.Background())

	// Assert
	require.NoError(t, err)
	state := s.Snapshot()
	assert.True(t, state.Tracking)
	assert.Equal(t, models.PermissionGranted, state.Permission)
	assert.NoError(t, state.Err)
	require.NotNil(t, state.Sample, "initial fix becomes the current sample")
	assert.Equal(t, 10.0, state.Sample.Latitude)

	provider.Emit(location.Fix{Latitude: 11, Longitude: 21, Time: testFix.Time.Add(5 * time.Second)})
	require.Len(t, got, 2)
	assert.Equal(t, 11.0, s.Snapshot().Sample.Latitude)

	watchOpts := provider.Calls[len(provider.Calls)-1].Arguments.Get(0).(location.WatchOptions)
	assert.Equal(t, location.AccuracyHigh, watchOpts.Accuracy)
	assert.Equal(t, 10.0, watchOpts.DistanceInterval)
	assert.Equal(t, 3*time.Second, watchOpts.TimeInterval)
}

// TestSampler_StartTracking_Idempotent tests that a second start keeps a single subscription.
func TestSampler_StartTracking_Idempotent(t *testing.T) {
	// Setup
	sub := new(mocks.MockSubscription)
	provider := grantedProvider(sub)
	s := newTestSampler(provider, PlatformLinux)

	// Execute
	require.NoError(t, s.StartTracking(context.Background()))
	require.NoError(t, s.StartTracking(context.Background()))

	// Assert
	provider.AssertNumberOfCalls(t, "WatchPosition", 1)
	provider.AssertNumberOfCalls(t, "RequestPermission", 1)
}

// TestSampler_StopTracking_Idempotent tests that stop removes once and is a no-op afterwards.
func TestSampler_StopTracking_Idempotent(t *testing.T) {
	// Setup
	sub := new(mocks.MockSubscription)
	sub.On("Remove").Return()
	provider := grantedProvider(sub)
	s := newTestSampler(provider, PlatformLinux)

	// Stopping before starting is a no-op.
	s.StopTracking()
	sub.AssertNotCalled(t, "Remove")

	require.NoError(t, s.StartTracking(context.Background()))

	// Execute
	s.StopTracking()
	s.StopTracking()

	// Assert
	sub.AssertNumberOfCalls(t, "Remove", 1)
	assert.False(t, s.Snapshot().Tracking)

	// Fixes from the removed watch are ignored.
	before := s.Snapshot().Sample
	provider.Emit(location.Fix{Latitude: 50, Longitude: 60, Time: time.Now()})
	assert.Equal(t, before, s.Snapshot().Sample)

	// Starting again opens a fresh subscription.
	require.NoError(t, s.StartTracking(context.Background()))
	provider.AssertNumberOfCalls(t, "WatchPosition", 2)
}

// TestSampler_StartTracking_PermissionDenied tests that denial prevents any subscription.
func TestSampler_StartTracking_PermissionDenied(t *testing.T) {
	// Setup
	provider := new(mocks.MockLocationProvider)
	provider.On("CheckPermission", mock.Anything, location.ScopeForeground).Return(false, nil)
	provider.On("RequestPermission", mock.Anything, location.ScopeForeground).Return(false, nil)
	s := newTestSampler(provider, PlatformLinux)

	assert.Equal(t, models.PermissionDenied, s.CheckPermission(context.Background()))

	// Execute
	err := s.StartTracking(context.Background())

	// Assert
	assert.ErrorIs(t, err, ErrPermissionDenied)
	provider.AssertCalled(t, "RequestPermission", mock.Anything, location.ScopeForeground)
	provider.AssertNotCalled(t, "WatchPosition", mock.Anything, mock.Anything)
	state := s.Snapshot()
	assert.False(t, state.Tracking)
	assert.Equal(t, models.PermissionDenied, state.Permission)
	assert.ErrorIs(t, state.Err, ErrPermissionDenied)
}

// TestSampler_StartTracking_ServiceDisabled tests the disabled-services path.
func TestSampler_StartTracking_ServiceDisabled(t *testing.T) {
	// Setup
	provider := new(mocks.MockLocationProvider)
	provider.On("RequestPermission", mock.Anything, location.ScopeForeground).Return(true, nil)
	provider.On("ServicesEnabled", mock.Anything).Return(false, nil)
	s := newTestSampler(provider, PlatformLinux)

	// Execute
	err := s.StartTracking(context.Background())

	// Assert
	assert.ErrorIs(t, err, ErrServiceDisabled)
	assert.ErrorIs(t, s.Snapshot().Err, ErrServiceDisabled)
	provider.AssertNotCalled(t, "WatchPosition", mock.Anything, mock.Anything)
}

// TestSampler_StartTracking_InitialFixFailureIsTransient tests that a failed first fix does not stop tracking.
func TestSampler_StartTracking_InitialFixFailureIsTransient(t *testing.T) {
	// Setup
	sub := new(mocks.MockSubscription)
	provider := new(mocks.MockLocationProvider)
	provider.On("RequestPermission", mock.Anything, location.ScopeForeground).Return(true, nil)
	provider.On("ServicesEnabled", mock.Anything).Return(true, nil)
	provider.On("CurrentPosition", mock.Anything, location.AccuracyBalanced).Return(location.Fix{}, location.ErrNoFix)
	provider.On("WatchPosition", mock.Anything, mock.Anything).Return(sub, nil)
	s := newTestSampler(provider, PlatformLinux)

	// Execute
	err := s.StartTracking(context.Background())

	// Assert
	require.NoError(t, err)
	state := s.Snapshot()
	assert.True(t, state.Tracking)
	assert.Nil(t, state.Sample)
	assert.NoError(t, state.Err)
}

// TestSampler_RequestPermission_BackgroundDenialIsNotFatal tests the separate background grant.
func TestSampler_RequestPermission_BackgroundDenialIsNotFatal(t *testing.T) {
	// Setup
	provider := new(mocks.MockLocationProvider)
	provider.On("RequestPermission", mock.Anything, location.ScopeForeground).Return(true, nil)
	provider.On("RequestPermission", mock.Anything, location.ScopeBackground).Return(false, nil)
	s := newTestSampler(provider, PlatformIOS)

	// Execute
	granted := s.RequestPermission(context.Background())

	// Assert
	assert.True(t, granted)
	assert.Equal(t, models.PermissionGranted, s.Snapshot().Permission)
	provider.AssertCalled(t, "RequestPermission", mock.Anything, location.ScopeBackground)
}

// TestSampler_RequestPermission_NoBackgroundPromptWhenNotSeparate tests platforms with a single grant.
func TestSampler_RequestPermission_NoBackgroundPromptWhenNotSeparate(t *testing.T) {
	provider := new(mocks.MockLocationProvider)
	provider.On("RequestPermission", mock.Anything, location.ScopeForeground).Return(true, nil)
	s := newTestSampler(provider, PlatformAndroid)

	assert.True(t, s.RequestPermission(context.Background()))
	provider.AssertNotCalled(t, "RequestPermission", mock.Anything, location.ScopeBackground)
}

// TestSampler_RequestPermission_ProviderError tests that provider failures are reported, not raised.
func TestSampler_RequestPermission_ProviderError(t *testing.T) {
	provider := new(mocks.MockLocationProvider)
	provider.On("RequestPermission", mock.Anything, location.ScopeForeground).Return(false, errors.New("prompt failed"))
	s := newTestSampler(provider, PlatformLinux)

	assert.False(t, s.RequestPermission(context.Background()))
	assert.ErrorContains(t, s.Snapshot().Err, "prompt failed")
	assert.Equal(t, models.PermissionUnknown, s.Snapshot().Permission)
}

// TestSampler_InvalidFixIsDropped tests that out-of-range coordinates never become samples.
func TestSampler_InvalidFixIsDropped(t *testing.T) {
	sub := new(mocks.MockSubscription)
	provider := grantedProvider(sub)
	s := newTestSampler(provider, PlatformLinux)
	require.NoError(t, s.StartTracking(context.Background()))

	provider.Emit(location.Fix{Latitude: 95, Longitude: 20, Time: time.Now()})

	assert.Equal(t, 10.0, s.Snapshot().Sample.Latitude)
}

func TestCapabilitiesFor(t *testing.T) {
	assert.True(t, CapabilitiesFor(PlatformIOS).SeparateBackgroundPermission)
	assert.False(t, CapabilitiesFor(PlatformAndroid).SeparateBackgroundPermission)
	assert.Equal(t, location.AccuracyBestForNavigation, CapabilitiesFor(PlatformAndroid).HighAccuracy)
	assert.Equal(t, PlatformLinux, CapabilitiesFor(Platform("plan9")).Platform)
}

func TestDetectPlatform(t *testing.T) {
	assert.Equal(t, PlatformAndroid, DetectPlatform("Android"))
	assert.Equal(t, PlatformIOS, DetectPlatform(" ios "))
	assert.NotEmpty(t, DetectPlatform("auto"))
}

// TestSampler_OnSample_RegistrationOrder tests that listeners receive each sample in registration order.
func TestSampler_OnSample_RegistrationOrder(t *testing.T) {
	// Setup
	sub := new(mocks.MockSubscription)
	provider := grantedProvider(sub)
	s := newTestSampler(provider, PlatformLinux)

	var order []int
	for i := 0; i < 8; i++ {
		s.OnSample(func(models.LocationSample) { order = append(order, i) })
	}
	removeLast := s.OnSample(func(models.LocationSample) { order = append(order, 99) })
	removeLast()
	removeLast()

	// Execute
	require.NoError(t, s.StartTracking(context.Background()))
	order = nil
	provider.Emit(location.Fix{Latitude: 11, Longitude: 21, Time: testFix.Time.Add(5 * time.Second)})

	// Assert
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, order)
}
