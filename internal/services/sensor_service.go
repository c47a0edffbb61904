package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/aggregator"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/database"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/metrics"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
)

// StateSource is anything that hands out state subscriptions
type StateSource interface {
	Subscribe(ctx context.Context) *sensor.Subscription
}

// DeviceLookup resolves an address to a paired device
type DeviceLookup interface {
	Lookup(address string) (models.PairedDevice, bool)
}

// SensorService handles reading processing, persistence, and forwarding
type SensorService struct {
	source   StateSource
	store    database.Store
	devices  DeviceLookup
	detector *aggregator.ChangeDetector
	quality  aggregator.QualityConfig
	config   SensorServiceConfig
	now      func() time.Time

	// Output channels (written by the service, read by the MQTT publisher).
	// Either may be nil. Both are closed when Start returns.
	ReadingChan chan *models.StoredReading
	StateChan   chan sensor.StateView

	mu        sync.RWMutex
	sessionID string
	latest    *models.StoredReading
	registry  map[string]*models.Device
}

// SensorServiceConfig holds configuration for sensor service
type SensorServiceConfig struct {
	WriteTimeout      time.Duration // Per store call
	SendTimeout       time.Duration // How long to wait on a full output channel
	DeviceTouchPeriod time.Duration // Minimum gap between last_seen updates
	Quality           aggregator.QualityConfig
	Thresholds        aggregator.ChangeThresholds
}

// DefaultSensorServiceConfig returns default configuration
func DefaultSensorServiceConfig() SensorServiceConfig {
	return SensorServiceConfig{
		WriteTimeout:      5 * time.Second,
		SendTimeout:       1 * time.Second,
		DeviceTouchPeriod: time.Minute,
		Quality:           aggregator.DefaultQualityConfig(),
		Thresholds:        aggregator.DefaultChangeThresholds(),
	}
}

// NewSensorService creates a new sensor service. devices may be nil, in
// which case devices are registered under their address.
func NewSensorService(source StateSource, store database.Store, devices DeviceLookup, config SensorServiceConfig) *SensorService {
	if store == nil {
		store = database.NopStore{}
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = DefaultSensorServiceConfig().WriteTimeout
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultSensorServiceConfig().SendTimeout
	}

	return &SensorService{
		source:   source,
		store:    store,
		devices:  devices,
		detector: aggregator.NewChangeDetector(config.Thresholds),
		quality:  config.Quality,
		config:   config,
		now:      time.Now,
		registry: make(map[string]*models.Device),
	}
}

// Start processes the state stream until the context is cancelled or the
// stream ends
func (s *SensorService) Start(ctx context.Context) {
	log.Info().Str("component", "sensor_service").Msg("Starting")

	sub := s.source.Subscribe(ctx)
	defer sub.Unsubscribe()
	defer s.closeOutputs()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "sensor_service").Msg("Shutting down")
			return
		case st, ok := <-sub.C():
			if !ok {
				log.Info().Str("component", "sensor_service").Msg("State stream closed, shutting down")
				return
			}
			s.handleState(ctx, st)
		}
	}
}

func (s *SensorService) closeOutputs() {
	if s.ReadingChan != nil {
		close(s.ReadingChan)
	}
	if s.StateChan != nil {
		close(s.StateChan)
	}
}

// Latest returns the most recent reading received in this process
func (s *SensorService) Latest() (models.StoredReading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.latest == nil {
		return models.StoredReading{}, false
	}
	return *s.latest, true
}

func (s *SensorService) handleState(ctx context.Context, st sensor.State) {
	if st.Device() == "" {
		// The publisher's initial state names no device
		return
	}

	if reading, ok := st.(sensor.ReadingReceived); ok {
		s.processReading(ctx, reading.Reading)
		return
	}

	view := sensor.View(st)
	switch st := st.(type) {
	case sensor.Connected:
		s.mu.Lock()
		s.sessionID = st.SessionID.String()
		s.mu.Unlock()
		s.registerDevice(ctx, st.DeviceID, true)
	case sensor.Disconnected:
		// The next session starts from a clean baseline
		s.detector.Forget(st.DeviceID)
		s.registerDevice(ctx, st.DeviceID, false)
	}

	s.saveEvent(ctx, view)

	if st.Kind() == sensor.KindDisconnected {
		s.mu.Lock()
		s.sessionID = ""
		s.mu.Unlock()
	}

	if s.StateChan != nil {
		select {
		case s.StateChan <- view:
		case <-ctx.Done():
		case <-time.After(s.config.SendTimeout):
			log.Warn().Str("component", "sensor_service").Str("device", view.DeviceID).
				Msg("State channel full, dropping state")
		}
	}
}

// processReading handles a single reading
func (s *SensorService) processReading(ctx context.Context, reading models.SensorReading) {
	report := aggregator.AnalyzeReadingWithConfig(reading, s.quality)

	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()

	stored := &models.StoredReading{
		SensorReading: reading,
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Flags:         report.Flags,
	}

	s.mu.Lock()
	s.latest = stored
	s.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	err := s.store.SaveReading(wctx, stored)
	cancel()
	metrics.ReadingsStored.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		log.Error().Str("component", "sensor_service").Str("device", reading.DeviceID).Err(err).
			Msg("Error saving reading")
	} else {
		log.Debug().Str("component", "sensor_service").Str("device", reading.DeviceID).
			Stringer("reading", reading).Msg("Saved reading")
	}

	s.touchDevice(ctx, reading.DeviceID)

	if !report.OK() {
		log.Warn().Str("component", "sensor_service").Str("device", reading.DeviceID).
			Strs("flags", report.Flags).Msg("Reading failed quality checks, not forwarding")
		return
	}

	forward, reason := s.detector.Observe(reading)
	if !forward || s.ReadingChan == nil {
		return
	}

	select {
	case s.ReadingChan <- stored:
		log.Debug().Str("component", "sensor_service").Str("device", reading.DeviceID).Str("reason", reason).
			Msg("Forwarding reading")
	case <-ctx.Done():
	case <-time.After(s.config.SendTimeout):
		log.Warn().Str("component", "sensor_service").Str("device", reading.DeviceID).
			Msg("Reading channel full, dropping reading")
	}
}

func (s *SensorService) saveEvent(ctx context.Context, view sensor.StateView) {
	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()

	event := &models.ConnectionEvent{
		Timestamp: s.now(),
		DeviceID:  view.DeviceID,
		SessionID: sessionID,
		State:     view.State,
		Reason:    view.Reason,
	}

	wctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()
	if err := s.store.SaveConnectionEvent(wctx, event); err != nil {
		log.Error().Str("component", "sensor_service").Str("device", view.DeviceID).Err(err).
			Msg("Error saving connection event")
	}
}

// registerDevice records a device in the registry on connect and disconnect
func (s *SensorService) registerDevice(ctx context.Context, deviceID string, active bool) {
	now := s.now()

	s.mu.Lock()
	device, ok := s.registry[deviceID]
	if !ok {
		device = &models.Device{DeviceID: deviceID, Name: deviceID, RegisteredAt: now}
		if s.devices != nil {
			if paired, found := s.devices.Lookup(deviceID); found && paired.Name != "" {
				device.Name = paired.Name
			}
		}
		s.registry[deviceID] = device
	}
	device.LastSeen = now
	device.IsActive = active
	snapshot := *device
	s.mu.Unlock()

	s.upsertDevice(ctx, &snapshot)
}

// touchDevice refreshes last_seen at most once per DeviceTouchPeriod
func (s *SensorService) touchDevice(ctx context.Context, deviceID string) {
	now := s.now()

	s.mu.Lock()
	device, ok := s.registry[deviceID]
	if ok && now.Sub(device.LastSeen) < s.config.DeviceTouchPeriod {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !ok {
		s.registerDevice(ctx, deviceID, true)
		return
	}

	s.mu.Lock()
	device.LastSeen = now
	snapshot := *device
	s.mu.Unlock()

	s.upsertDevice(ctx, &snapshot)
}

func (s *SensorService) upsertDevice(ctx context.Context, device *models.Device) {
	wctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()

	// Best effort - don't fail if registration fails
	if err := s.store.UpsertDevice(wctx, device); err != nil {
		log.Error().Str("component", "sensor_service").Str("device", device.DeviceID).Err(err).
			Msg("Error registering device")
	}
}

// SeenDevice is a registry entry plus when a reading of it was last forwarded
type SeenDevice struct {
	models.Device
	LastForwardAt *time.Time `json:"last_forward_at,omitempty"`
}

// Devices returns the devices seen since start, sorted by ID
func (s *SensorService) Devices() []SeenDevice {
	s.mu.RLock()
	devices := make([]SeenDevice, 0, len(s.registry))
	for _, device := range s.registry {
		devices = append(devices, SeenDevice{Device: *device})
	}
	s.mu.RUnlock()

	for i := range devices {
		if state, ok := s.detector.GetDeviceState(devices[i].DeviceID); ok && !state.LastForwardAt.IsZero() {
			at := state.LastForwardAt
			devices[i].LastForwardAt = &at
		}
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].DeviceID < devices[j].DeviceID })
	return devices
}
