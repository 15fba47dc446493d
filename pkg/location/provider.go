package location

import (
	"context"
	"errors"
	"time"
)

// ErrNoFix is returned when a source produced no usable position.
var ErrNoFix = errors.New("no valid location fix")

// Accuracy selects how hard a provider should try for a precise position.
type Accuracy int

const (
	AccuracyBalanced Accuracy = iota
	AccuracyHigh
	AccuracyBestForNavigation
)

func (a Accuracy) String() string {
	switch a {
	case AccuracyHigh:
		return "high"
	case AccuracyBestForNavigation:
		return "best_for_navigation"
	default:
		return "balanced"
	}
}

// PermissionScope distinguishes foreground from background location access on
// platforms that grant them separately.
type PermissionScope int

const (
	ScopeForeground PermissionScope = iota
	ScopeBackground
)

// WatchOptions configures a continuous position subscription.
type WatchOptions struct {
	Accuracy         Accuracy
	DistanceInterval float64       // minimum meters between delivered fixes
	TimeInterval     time.Duration // minimum time between delivered fixes
}

// Subscription is a live position watch. Remove is idempotent.
type Subscription interface {
	Remove()
}

// Provider is the platform location service.
type Provider interface {
	// CheckPermission reports the current grant without prompting.
	CheckPermission(ctx context.Context, scope PermissionScope) (bool, error)
	// RequestPermission asks for access and reports the resulting grant.
	RequestPermission(ctx context.Context, scope PermissionScope) (bool, error)
	// ServicesEnabled reports whether the location source is switched on and present.
	ServicesEnabled(ctx context.Context) (bool, error)
	// CurrentPosition returns a single fix.
	CurrentPosition(ctx context.Context, accuracy Accuracy) (Fix, error)
	// WatchPosition delivers throttled fixes to onFix, in capture order, until the
	// subscription is removed.
	WatchPosition(opts WatchOptions, onFix func(Fix)) (Subscription, error)
}

type subscription struct {
	cancel context.CancelFunc
}

func (s *subscription) Remove() {
	s.cancel()
}
