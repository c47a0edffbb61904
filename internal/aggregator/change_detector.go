package aggregator

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

// ChangeThresholds defines thresholds for detecting significant changes
type ChangeThresholds struct {
	NutrientDelta float64       // mg/kg, applied to N, P and K
	PHDelta       float64       // pH units
	MoistureDelta float64       // Percentage points
	MaxSilence    time.Duration // Forward anyway once the last forward is this old; zero disables
	MinInterval   time.Duration // Never forward more often than this
}

// DefaultChangeThresholds returns default thresholds
func DefaultChangeThresholds() ChangeThresholds {
	return ChangeThresholds{
		NutrientDelta: 5.0,
		PHDelta:       0.2,
		MoistureDelta: 2.0,
		MaxSilence:    10 * time.Minute,
		MinInterval:   5 * time.Second,
	}
}

// DeviceState holds the last forwarded reading for a device
type DeviceState struct {
	DeviceID      string
	LastForwarded *models.SensorReading
	LastForwardAt time.Time
	LastSeenAt    time.Time
}

// ChangeDetector decides per device which readings are worth forwarding
type ChangeDetector struct {
	devices    map[string]*DeviceState
	thresholds ChangeThresholds
	now        func() time.Time
	mu         sync.Mutex
}

// NewChangeDetector creates a new change detector
func NewChangeDetector(thresholds ChangeThresholds) *ChangeDetector {
	return &ChangeDetector{
		devices:    make(map[string]*DeviceState),
		thresholds: thresholds,
		now:        time.Now,
	}
}

// Observe records reading and reports whether it should be forwarded, with
// the reason. The first reading of a device is always forwarded.
func (cd *ChangeDetector) Observe(reading models.SensorReading) (bool, string) {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	now := cd.now()
	device, exists := cd.devices[reading.DeviceID]
	if !exists {
		device = &DeviceState{DeviceID: reading.DeviceID}
		cd.devices[reading.DeviceID] = device
	}
	device.LastSeenAt = now

	reason := cd.reason(device, reading, now)
	if reason == "" {
		return false, ""
	}

	// Rate limiting: don't forward too frequently
	if !device.LastForwardAt.IsZero() && now.Sub(device.LastForwardAt) < cd.thresholds.MinInterval {
		log.Debug().Str("component", "change_detector").Str("device", reading.DeviceID).Str("reason", reason).
			Dur("since_last", now.Sub(device.LastForwardAt)).Msg("Rate limiting forward")
		return false, ""
	}

	stored := reading
	device.LastForwarded = &stored
	device.LastForwardAt = now
	return true, reason
}

func (cd *ChangeDetector) reason(device *DeviceState, reading models.SensorReading, now time.Time) string {
	last := device.LastForwarded
	if last == nil {
		return "first_reading"
	}

	if delta := maxDelta(reading.Nitrogen-last.Nitrogen, reading.Phosphorus-last.Phosphorus,
		reading.Potassium-last.Potassium); delta >= cd.thresholds.NutrientDelta {
		return "nutrient_change"
	}
	if math.Abs(reading.PH-last.PH) >= cd.thresholds.PHDelta {
		return "ph_change"
	}
	if moistureChanged(last.Moisture, reading.Moisture, cd.thresholds.MoistureDelta) {
		return "moisture_change"
	}
	if cd.thresholds.MaxSilence > 0 && now.Sub(device.LastForwardAt) >= cd.thresholds.MaxSilence {
		return "heartbeat"
	}
	return ""
}

func maxDelta(values ...float64) float64 {
	var m float64
	for _, v := range values {
		m = math.Max(m, math.Abs(v))
	}
	return m
}

// moistureChanged treats a reading that gains or loses the moisture field as a change
func moistureChanged(prev, cur *float64, threshold float64) bool {
	switch {
	case prev == nil && cur == nil:
		return false
	case prev == nil || cur == nil:
		return true
	default:
		return math.Abs(*cur-*prev) >= threshold
	}
}

// GetDeviceState returns a copy of the state of a device
func (cd *ChangeDetector) GetDeviceState(deviceID string) (DeviceState, bool) {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	device, ok := cd.devices[deviceID]
	if !ok {
		return DeviceState{}, false
	}
	return *device, true
}

// Forget drops the state of a device so its next reading is forwarded
func (cd *ChangeDetector) Forget(deviceID string) {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	delete(cd.devices, deviceID)
}
