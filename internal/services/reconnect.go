package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
)

// Connector is the part of the connection manager the supervisor drives
type Connector interface {
	StateSource
	Connect(ctx context.Context, device models.PairedDevice) error
}

// ReconnectConfig holds configuration for the reconnect supervisor
type ReconnectConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration // Give up after this long; zero retries forever
	ConnectTimeout  time.Duration // Per attempt
}

// DefaultReconnectConfig returns default configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      10 * time.Minute,
		ConnectTimeout:  15 * time.Second,
	}
}

// ReconnectSupervisor reopens a session that was lost to a failure. Only
// sessions that reached Connected are retried; a connect attempt that fails
// outright is left to whoever made it, unless Retry is called. Operator
// actions go through Pause and Resume.
type ReconnectSupervisor struct {
	connector Connector
	devices   DeviceLookup
	config    ReconnectConfig

	mu     sync.Mutex
	ctx    context.Context
	paused bool
	cancel context.CancelFunc // cancels the running retry loop, if any
	wg     sync.WaitGroup
}

// NewReconnectSupervisor creates a reconnect supervisor. devices may be nil,
// in which case the device is retried by address alone.
func NewReconnectSupervisor(connector Connector, devices DeviceLookup, config ReconnectConfig) *ReconnectSupervisor {
	defaults := DefaultReconnectConfig()
	if config.InitialInterval <= 0 {
		config.InitialInterval = defaults.InitialInterval
	}
	if config.MaxInterval <= 0 {
		config.MaxInterval = defaults.MaxInterval
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}

	return &ReconnectSupervisor{
		connector: connector,
		devices:   devices,
		config:    config,
		ctx:       context.Background(),
	}
}

// Start watches the state stream until the context is cancelled
func (s *ReconnectSupervisor) Start(ctx context.Context) {
	log.Info().Str("component", "reconnect").Dur("max_elapsed", s.config.MaxElapsed).Msg("Starting")

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	sub := s.connector.Subscribe(ctx)
	defer sub.Unsubscribe()

	var live, failed bool
	for {
		select {
		case <-ctx.Done():
			s.stopRetry()
			s.wg.Wait()
			log.Info().Str("component", "reconnect").Msg("Shutting down")
			return
		case st, ok := <-sub.C():
			if !ok {
				s.stopRetry()
				s.wg.Wait()
				return
			}

			switch st := st.(type) {
			case sensor.Connected:
				live, failed = true, false
			case sensor.Failed:
				// A bad frame leaves the link up
				var perr *sensor.ParseError
				if !errors.As(st.Err, &perr) {
					failed = live
				}
			case sensor.Disconnected:
				if live && failed {
					s.Retry(st.DeviceID)
				}
				live, failed = false, false
			}
		}
	}
}

// Retry starts reconnecting to address in the background, unless the
// supervisor is paused or a retry is already running
func (s *ReconnectSupervisor) Retry(address string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		log.Info().Str("component", "reconnect").Str("device", address).Msg("Paused, not reconnecting")
		return
	}
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.finishRetry(cancel)
		s.retry(ctx, address)
	}()
}

// Pause stops any running retry and ignores failures until Resume
func (s *ReconnectSupervisor) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.stopRetry()
}

// Resume stops any running retry and re-arms the supervisor
func (s *ReconnectSupervisor) Resume() {
	s.stopRetry()
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Retrying reports whether a retry loop is running
func (s *ReconnectSupervisor) Retrying() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *ReconnectSupervisor) stopRetry() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *ReconnectSupervisor) finishRetry(cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	s.cancel = nil
	s.mu.Unlock()
}

func (s *ReconnectSupervisor) retry(ctx context.Context, address string) {
	logger := log.With().Str("component", "reconnect").Str("device", address).Logger()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.config.InitialInterval
	bo.MaxInterval = s.config.MaxInterval
	bo.MaxElapsedTime = s.config.MaxElapsed

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++

		device := models.PairedDevice{Address: address}
		if s.devices != nil {
			paired, ok := s.devices.Lookup(address)
			if !ok {
				return backoff.Permanent(fmt.Errorf("device %s is not paired", address))
			}
			device = paired
		}

		cctx, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
		defer cancel()

		err := s.connector.Connect(cctx, device)
		if errors.Is(err, sensor.ErrPermissionDenied) {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.Warn().Int("attempt", attempt).Err(err).Msg("Reconnect attempt failed")
		}
		return err
	}, backoff.WithContext(bo, ctx))

	switch {
	case err == nil:
		logger.Info().Int("attempts", attempt).Msg("Reconnected")
	case ctx.Err() != nil:
		logger.Info().Msg("Reconnect cancelled")
	default:
		logger.Error().Int("attempts", attempt).Err(err).Msg("Giving up reconnecting")
	}
}
