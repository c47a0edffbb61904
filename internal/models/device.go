package models

import "time"

// PairedDevice is a sensor the host radio has already been paired with
type PairedDevice struct {
	Address        string `json:"address"` // Bluetooth MAC, e.g. "98:D3:31:F5:2A:11"
	Name           string `json:"name"`
	SupportsSerial bool   `json:"supports_serial"` // Advertises the serial-port profile
	Port           string `json:"port,omitempty"`  // Host serial node bound to the device
}

// Device represents a sensor in the device registry table
type Device struct {
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	IsActive     bool      `json:"is_active"`
}
