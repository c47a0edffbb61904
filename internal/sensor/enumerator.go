package sensor

import (
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

// Enumerator lists paired sensors. It never fails: any problem yields an
// empty list.
type Enumerator struct {
	registry Registry
}

// NewEnumerator creates an enumerator over registry
func NewEnumerator(registry Registry) *Enumerator {
	return &Enumerator{registry: registry}
}

// IsTransportAvailable reports whether the radio exists and is powered on
func (e *Enumerator) IsTransportAvailable() bool {
	return e.registry.RadioAvailable()
}

// HasRequiredPermission reports whether the host may use the radio
func (e *Enumerator) HasRequiredPermission() bool {
	return e.registry.PermissionGranted()
}

// Check returns ErrPermissionDenied or ErrTransportUnavailable when the radio cannot be used
func (e *Enumerator) Check() error {
	if !e.HasRequiredPermission() {
		return ErrPermissionDenied
	}
	if !e.IsTransportAvailable() {
		return ErrTransportUnavailable
	}
	return nil
}

// ListPairedDevices returns the paired devices, or an empty slice when
// permission is missing, the radio is off or the registry cannot be read
func (e *Enumerator) ListPairedDevices() []models.PairedDevice {
	if err := e.Check(); err != nil {
		log.Warn().Str("component", "enumerator").Err(err).Msg("Not listing paired devices")
		return []models.PairedDevice{}
	}

	devices, err := e.registry.PairedDevices()
	if err != nil {
		log.Error().Str("component", "enumerator").Err(err).Msg("Failed to read paired devices")
		return []models.PairedDevice{}
	}
	if devices == nil {
		return []models.PairedDevice{}
	}
	return devices
}

// Lookup finds a paired device by address, ignoring case
func (e *Enumerator) Lookup(address string) (models.PairedDevice, bool) {
	for _, device := range e.ListPairedDevices() {
		if strings.EqualFold(device.Address, address) {
			return device, true
		}
	}
	return models.PairedDevice{}, false
}
