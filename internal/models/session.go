package models

import "time"

// ConnectionState is the tracking channel's connection state.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// PermissionState is the location permission as last observed.
type PermissionState int

const (
	PermissionUnknown PermissionState = iota
	PermissionDenied
	PermissionGranted
)

func (p PermissionState) String() string {
	switch p {
	case PermissionDenied:
		return "denied"
	case PermissionGranted:
		return "granted"
	default:
		return "unknown"
	}
}

// TrackingSession is one driver's logical presence on the tracking channel.
// IsRegistered is only ever true while ConnectionState is Connected.
type TrackingSession struct {
	SessionID             string
	DriverID              string
	ConnectionState       ConnectionState
	IsRegistered          bool
	LastTransmittedSample *LocationSample
	TransmittedCount      uint64
	LastUpdate            time.Time
}

// SetConnectionState moves the session to state, dropping registration on any
// transition away from Connected.
func (s *TrackingSession) SetConnectionState(state ConnectionState) {
	if state != Connected {
		s.IsRegistered = false
	}
	s.ConnectionState = state
}
