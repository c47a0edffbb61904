package models

import (
	"fmt"
	"time"
)

// SensorReading represents one soil snapshot decoded from a sensor frame
type SensorReading struct {
	DeviceID        string    `json:"device_id,omitempty"`
	Nitrogen        float64   `json:"nitrogen"`                   // mg/kg
	Phosphorus      float64   `json:"phosphorus"`                 // mg/kg
	Potassium       float64   `json:"potassium"`                  // mg/kg
	PH              float64   `json:"ph"`                         // 0-14
	Moisture        *float64  `json:"moisture,omitempty"`         // Percentage 0-100
	SoilTemperature *float64  `json:"soil_temperature,omitempty"` // Celsius
	CapturedAt      time.Time `json:"captured_at"`
}

// String fulfils the Stringer interface
func (r SensorReading) String() string {
	s := fmt.Sprintf("N=%.1f P=%.1f K=%.1f pH=%.2f", r.Nitrogen, r.Phosphorus, r.Potassium, r.PH)
	if r.Moisture != nil {
		s += fmt.Sprintf(" M=%.1f%%", *r.Moisture)
	}
	if r.SoilTemperature != nil {
		s += fmt.Sprintf(" T=%.1f°C", *r.SoilTemperature)
	}
	return s
}

// StoredReading is a reading as kept in the history store
type StoredReading struct {
	SensorReading
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	Flags     []string `json:"flags,omitempty"` // Quality flags raised at ingest
}

// ConnectionEvent records one state transition of the sensor link
type ConnectionEvent struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
}

// Float64 returns a pointer to v, for optional reading fields
func Float64(v float64) *float64 {
	return &v
}
