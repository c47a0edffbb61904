package mqtt

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Client manages the MQTT connection (low-level connection management only)
// For subscribing and publishing, use Subscriber and Publisher respectively
type Client struct {
	client mqtt.Client
	config ClientConfig
}

// ClientConfig holds MQTT client configuration
type ClientConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectRetries int           // Attempts before giving up at start-up
	MaxElapsed     time.Duration // Upper bound on the whole retry sequence
	StatusTopic    string        // Retained "online"/"offline" topic; empty disables the will
}

// newPahoClient is replaced in tests
var newPahoClient = mqtt.NewClient

// NewClient creates a new MQTT client connection, retrying with exponential
// backoff while the broker is unreachable
func NewClient(ctx context.Context, config ClientConfig) (*Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetDefaultPublishHandler(messagePubHandler)
	opts.SetOnConnectHandler(connectHandler)
	opts.SetConnectionLostHandler(connectLostHandler)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if config.StatusTopic != "" {
		opts.SetWill(config.StatusTopic, "offline", 1, true)
	}

	retries := config.ConnectRetries
	if retries < 1 {
		retries = 1
	}

	bo := backoff.NewExponentialBackOff()
	if config.MaxElapsed > 0 {
		bo.MaxElapsedTime = config.MaxElapsed
	}

	var client mqtt.Client
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		client = newPahoClient(opts)
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			log.Warn().Str("component", "mqtt").Str("broker", config.Broker).Int("attempt", attempt).
				Err(token.Error()).Msg("Failed to connect to MQTT broker")
			return token.Error()
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s after %d attempts: %w", config.Broker, attempt, err)
	}

	log.Info().Str("component", "mqtt").Str("broker", config.Broker).Msg("Connected to broker")

	c := &Client{
		client: client,
		config: config,
	}
	c.announce("online")
	return c, nil
}

// GetNativeClient returns the underlying paho MQTT client
// This is used by Subscriber and Publisher
func (c *Client) GetNativeClient() mqtt.Client {
	return c.client
}

// IsConnected returns whether the client is currently connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close marks the bridge offline and closes the MQTT client connection
func (c *Client) Close() {
	c.announce("offline")
	c.client.Disconnect(250)
	log.Info().Str("component", "mqtt").Msg("Disconnected from broker")
}

func (c *Client) announce(status string) {
	if c.config.StatusTopic == "" || !c.client.IsConnected() {
		return
	}
	token := c.client.Publish(c.config.StatusTopic, 1, true, status)
	if !token.WaitTimeout(2*time.Second) || token.Error() != nil {
		log.Warn().Str("component", "mqtt").Str("topic", c.config.StatusTopic).Err(token.Error()).
			Msg("Failed to publish bridge status")
	}
}

// Connection event handlers
var messagePubHandler mqtt.MessageHandler = func(client mqtt.Client, msg mqtt.Message) {
	log.Debug().Str("component", "mqtt").Str("topic", msg.Topic()).Msg("Received unrouted message")
}

var connectHandler mqtt.OnConnectHandler = func(client mqtt.Client) {
	log.Info().Str("component", "mqtt").Msg("Connection established")
}

var connectLostHandler mqtt.ConnectionLostHandler = func(client mqtt.Client, err error) {
	log.Warn().Str("component", "mqtt").Err(err).Msg("Connection lost")
}
