package constants

import "time"

// Client to server events
const (
	EventRegisterDriver        = "registerDriver"
	EventUpdateLocation        = "updateLocation"
	EventSubscribeToDriver     = "subscribeToDriver"
	EventUnsubscribeFromDriver = "unsubscribeFromDriver"
	EventGetDriverLocation     = "getDriverLocation"
	EventGetOnlineDrivers      = "getOnlineDrivers"
)

// Server to client events
const (
	EventDriverLocationUpdate = "driverLocationUpdate"
	EventLocationUpdate       = "locationUpdate"
	EventDriverOnline         = "driverOnline"
	EventDriverOffline        = "driverOffline"
	EventStats                = "stats"
)

// Transport lifecycle events
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnectFailed  = "reconnect_failed"
)

const (
	// TrackingNamespace is the namespace isolating tracking traffic.
	TrackingNamespace = "/tracking"

	DefaultReconnectionAttempts = 5
	DefaultReconnectionDelay    = 1 * time.Second
	DefaultReconnectionDelayMax = 5 * time.Second
	DefaultConnectTimeout       = 20 * time.Second
	DefaultAckTimeout           = 10 * time.Second

	// DefaultDistanceInterval is the minimum distance in meters between accepted fixes.
	DefaultDistanceInterval = 10.0
	// DefaultTimeInterval is the minimum time between accepted fixes.
	DefaultTimeInterval = 3 * time.Second
)
