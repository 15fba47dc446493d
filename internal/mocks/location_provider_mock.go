package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/benmeehan/driver-agent/pkg/location"
)

// MockLocationProvider is a mock implementation of the location.Provider interface.
// Fixes passed to Emit are delivered to the most recent WatchPosition callback.
type MockLocationProvider struct {
	mock.Mock

	onFix func(location.Fix)
}

func (m *MockLocationProvider) CheckPermission(ctx context.Context, scope location.PermissionScope) (bool, error) {
	args := m.Called(ctx, scope)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocationProvider) RequestPermission(ctx context.Context, scope location.PermissionScope) (bool, error) {
	args := m.Called(ctx, scope)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocationProvider) ServicesEnabled(ctx context.Context) (bool, error) {
	args := m.Called(ctx)
	return args.Bool(0), args.Error(1)
}

func (m *MockLocationProvider) CurrentPosition(ctx context.Context, accuracy location.Accuracy) (location.Fix, error) {
	args := m.Called(ctx, accuracy)
	return args.Get(0).(location.Fix), args.Error(1)
}

func (m *MockLocationProvider) WatchPosition(opts location.WatchOptions, onFix func(location.Fix)) (location.Subscription, error) {
	args := m.Called(opts, onFix)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	m.onFix = onFix
	return args.Get(0).(location.Subscription), args.Error(1)
}

// Emit simulates the platform delivering a fix to the active watch.
func (m *MockLocationProvider) Emit(fix location.Fix) {
	if m.onFix != nil {
		m.onFix(fix)
	}
}

// MockSubscription is a mock implementation of the location.Subscription interface.
type MockSubscription struct {
	mock.Mock
}

func (m *MockSubscription) Remove() {
	m.Called()
}
