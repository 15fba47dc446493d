package models

import "time"

// RegisterDriverRequest associates a connection with a driver identity.
type RegisterDriverRequest struct {
	DriverID string `json:"driverId"`
}

// RegistrationAck is the server's answer to registerDriver.
type RegistrationAck struct {
	Success bool `json:"success"`
}

// LocationUpdate is the updateLocation payload. Timestamp is stamped at send time.
type LocationUpdate struct {
	DriverID  string    `json:"driverId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Heading   *float64  `json:"heading,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DriverRef carries a driver id for subscribe, presence and lookup messages.
type DriverRef struct {
	DriverID string `json:"driverId"`
}

// DriverLocationReply answers getDriverLocation.
type DriverLocationReply struct {
	Location *DriverLocation `json:"location"`
	IsOnline bool            `json:"isOnline"`
}

// OnlineDriversReply answers getOnlineDrivers.
type OnlineDriversReply struct {
	Drivers []DriverLocation `json:"drivers"`
}

// ServerStats is the informational stats push.
type ServerStats struct {
	TotalConnections int `json:"totalConnections"`
	OnlineDrivers    int `json:"onlineDrivers"`
}
