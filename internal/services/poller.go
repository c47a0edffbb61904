package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// ReadingRequester is the part of the connection manager the poller drives
type ReadingRequester interface {
	IsConnected() bool
	RequestReading(ctx context.Context) error
}

// Poller asks the connected sensor for a reading at a fixed interval
type Poller struct {
	requester ReadingRequester
	interval  time.Duration
	timeout   time.Duration
}

// NewPoller creates a poller. A non-positive interval disables it.
func NewPoller(requester ReadingRequester, interval time.Duration) *Poller {
	return &Poller{
		requester: requester,
		interval:  interval,
		timeout:   5 * time.Second,
	}
}

// Start begins the polling loop
func (p *Poller) Start(ctx context.Context) {
	if p.interval <= 0 {
		log.Info().Str("component", "poller").Msg("Polling disabled")
		return
	}

	log.Info().Str("component", "poller").Dur("interval", p.interval).Msg("Starting")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "poller").Msg("Shutting down")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	if !p.requester.IsConnected() {
		return
	}

	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.requester.RequestReading(rctx); err != nil {
		log.Warn().Str("component", "poller").Err(err).Msg("Reading request failed")
	}
}
