package mqtt

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
)

// Commander is the part of the connection manager the command topic drives
type Commander interface {
	Session() (sensor.SessionInfo, bool)
	SendCommand(ctx context.Context, text string) error
	Disconnect()
}

// Subscriber handles the command topic and maps payloads onto the manager
type Subscriber struct {
	client    mqtt.Client
	commander Commander
	topic     string
	qos       byte
	timeout   time.Duration

	// OnDisconnect, when set, runs after a DISCONNECT command closed the session
	OnDisconnect func()
}

// SubscriberConfig holds configuration for MQTT subscriber
type SubscriberConfig struct {
	TopicPrefix    string // e.g. "soil", giving "soil/+/command"
	QoS            byte
	CommandTimeout time.Duration
}

// NewSubscriber creates a new MQTT command subscriber
func NewSubscriber(client mqtt.Client, config SubscriberConfig, commander Commander) *Subscriber {
	if config.TopicPrefix == "" {
		config.TopicPrefix = DefaultPublisherConfig().TopicPrefix
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 5 * time.Second
	}

	return &Subscriber{
		client:    client,
		commander: commander,
		topic:     strings.ReplaceAll(CommandTopic, "{prefix}", config.TopicPrefix),
		qos:       config.QoS,
		timeout:   config.CommandTimeout,
	}
}

// SubscribeAll subscribes to the command topic
func (s *Subscriber) SubscribeAll() error {
	token := s.client.Subscribe(s.topic, s.qos, s.handleCommand)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to command topic: %w", token.Error())
	}

	log.Info().Str("component", "mqtt").Str("topic", s.topic).Msg("Subscribed to command topic")
	return nil
}

// handleCommand executes one command payload for the addressed device
func (s *Subscriber) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	deviceID := extractDeviceID(msg.Topic())
	if deviceID == "" {
		log.Warn().Str("component", "mqtt").Str("topic", msg.Topic()).Msg("Could not extract device ID from topic")
		return
	}

	info, ok := s.commander.Session()
	if !ok || !strings.EqualFold(info.Device.Address, deviceID) {
		log.Debug().Str("component", "mqtt").Str("device", deviceID).
			Msg("Ignoring command for a device that is not connected")
		return
	}

	text, err := commandText(string(msg.Payload()))
	if err != nil {
		log.Warn().Str("component", "mqtt").Str("device", deviceID).Err(err).Msg("Rejected command")
		return
	}

	logger := log.With().Str("component", "mqtt").Str("device", deviceID).Logger()

	if text == "" {
		s.commander.Disconnect()
		logger.Info().Msg("Disconnected on command")
		if s.OnDisconnect != nil {
			s.OnDisconnect()
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.commander.SendCommand(ctx, text); err != nil {
		logger.Error().Err(err).Msg("Failed to forward command")
		return
	}
	logger.Info().Str("command", strings.TrimSpace(text)).Msg("Forwarded command")
}

// commandText maps a command payload onto the text written to the sensor.
// An empty result means DISCONNECT.
func commandText(payload string) (string, error) {
	payload = strings.TrimSpace(payload)
	verb, arg, _ := strings.Cut(payload, " ")

	switch strings.ToUpper(verb) {
	case "READ":
		return sensor.CommandRead, nil
	case "CALIBRATE":
		return sensor.CommandCalibrate, nil
	case "DISCONNECT":
		return "", nil
	case "RAW":
		arg = strings.TrimSpace(arg)
		if arg == "" {
			return "", fmt.Errorf("RAW needs a command text")
		}
		return arg + "\n", nil
	default:
		return "", fmt.Errorf("unknown command %q", verb)
	}
}

// extractDeviceID extracts device ID from MQTT topic
// Example: "soil/98:D3:31:F5:2A:11/command" -> "98:D3:31:F5:2A:11"
func extractDeviceID(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) >= 3 {
		return parts[len(parts)-2]
	}
	return ""
}
