package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/metrics"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
)

// Topic patterns, relative to the configured prefix
const (
	ReadingTopic = "{prefix}/{device_id}/reading"
	StateTopic   = "{prefix}/{device_id}/state"
	CommandTopic = "{prefix}/+/command"
	StatusTopic  = "{prefix}/bridge/status"
)

// ErrPublishTimeout is returned when the broker does not acknowledge in time
var ErrPublishTimeout = errors.New("publish timed out")

// Publisher handles MQTT publishing from channels
type Publisher struct {
	client  mqtt.Client
	breaker *gobreaker.CircuitBreaker
	prefix  string
	qos     byte
	timeout time.Duration

	// Input channels (read by publisher, written by the reading service)
	ReadingChan chan *models.StoredReading
	StateChan   chan sensor.StateView
}

// PublisherConfig holds configuration for MQTT publisher
type PublisherConfig struct {
	TopicPrefix     string // e.g. "soil"
	QoS             byte
	PublishTimeout  time.Duration
	BreakerFailures uint32        // Consecutive failures that open the breaker
	BreakerOpen     time.Duration // How long the breaker stays open
	ChannelSize     int
}

// DefaultPublisherConfig returns default configuration
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		TopicPrefix:     "soil",
		QoS:             1,
		PublishTimeout:  5 * time.Second,
		BreakerFailures: 3,
		BreakerOpen:     30 * time.Second,
		ChannelSize:     100,
	}
}

// NewPublisher creates a new MQTT publisher with channels
func NewPublisher(client mqtt.Client, config PublisherConfig) *Publisher {
	defaults := DefaultPublisherConfig()
	if config.TopicPrefix == "" {
		config.TopicPrefix = defaults.TopicPrefix
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = defaults.BreakerFailures
	}
	if config.BreakerOpen <= 0 {
		config.BreakerOpen = defaults.BreakerOpen
	}
	if config.ChannelSize <= 0 {
		config.ChannelSize = defaults.ChannelSize
	}

	failures := config.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "mqtt-publish",
		Interval: time.Minute,
		Timeout:  config.BreakerOpen,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("component", "mqtt").Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})

	return &Publisher{
		client:      client,
		breaker:     breaker,
		prefix:      config.TopicPrefix,
		qos:         config.QoS,
		timeout:     config.PublishTimeout,
		ReadingChan: make(chan *models.StoredReading, config.ChannelSize),
		StateChan:   make(chan sensor.StateView, config.ChannelSize),
	}
}

// Start begins publishing readings and states from the channels
// Runs until context is cancelled or both channels are closed
func (p *Publisher) Start(ctx context.Context) {
	log.Info().Str("component", "mqtt").Str("prefix", p.prefix).Msg("Publisher starting")

	readings, states := p.ReadingChan, p.StateChan
	for readings != nil || states != nil {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "mqtt").Msg("Publisher shutting down")
			return

		case reading, ok := <-readings:
			if !ok {
				readings = nil
				continue
			}
			if err := p.PublishReading(reading); err != nil {
				log.Error().Str("component", "mqtt").Str("device", reading.DeviceID).Err(err).
					Msg("Error publishing reading")
			}

		case view, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if err := p.PublishState(view); err != nil {
				log.Error().Str("component", "mqtt").Str("device", view.DeviceID).Err(err).
					Msg("Error publishing state")
			}
		}
	}

	log.Info().Str("component", "mqtt").Msg("Publisher channels closed, shutting down")
}

// PublishReading publishes a stored reading to {prefix}/{device_id}/reading
func (p *Publisher) PublishReading(reading *models.StoredReading) (err error) {
	defer func() {
		metrics.MQTTPublishes.WithLabelValues("reading", metrics.Result(err)).Inc()
	}()

	payload, err := json.Marshal(reading)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	return p.publish(formatTopic(ReadingTopic, p.prefix, reading.DeviceID), false, payload)
}

// PublishState publishes a state as the retained {prefix}/{device_id}/state.
// States without a device (the initial Disconnected) are not published.
func (p *Publisher) PublishState(view sensor.StateView) (err error) {
	if view.DeviceID == "" {
		return nil
	}
	defer func() {
		metrics.MQTTPublishes.WithLabelValues("state", metrics.Result(err)).Inc()
	}()

	payload, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	return p.publish(formatTopic(StateTopic, p.prefix, view.DeviceID), true, payload)
}

func (p *Publisher) publish(topic string, retained bool, payload []byte) error {
	_, err := p.breaker.Execute(func() (any, error) {
		token := p.client.Publish(topic, p.qos, retained, payload)
		if !token.WaitTimeout(p.timeout) {
			return nil, ErrPublishTimeout
		}
		return nil, token.Error()
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	log.Debug().Str("component", "mqtt").Str("topic", topic).Int("bytes", len(payload)).Msg("Published")
	return nil
}

// formatTopic fills the {prefix} and {device_id} placeholders
func formatTopic(pattern, prefix, deviceID string) string {
	topic := strings.ReplaceAll(pattern, "{prefix}", prefix)
	return strings.ReplaceAll(topic, "{device_id}", deviceID)
}
