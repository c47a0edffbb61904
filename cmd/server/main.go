package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/aggregator"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/api"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/database"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/mqtt"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/services"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/transport"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/pkg/config"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/pkg/logging"
)

func main() {
	opts, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		if config.IsHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	// Load configuration
	cfg := config.LoadFile(opts.EnvFile)
	cfg.Apply(opts)

	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.Fatal().Err(err).Msg("Invalid logging configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().Msg("Starting soil sensor bridge...")

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// === History store ===
	store, err := database.Open(database.StoreConfig{
		Kind:           cfg.Store,
		ClickHouseAddr: cfg.ClickHouseAddr,
		ClickHouseDB:   cfg.ClickHouseDB,
		ClickHouseUser: cfg.ClickHouseUser,
		ClickHousePass: cfg.ClickHousePass,
		InfluxURL:      cfg.InfluxURL,
		InfluxToken:    cfg.InfluxToken,
		InfluxOrg:      cfg.InfluxOrg,
		InfluxBucket:   cfg.InfluxBucket,
	})
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store).Msg("Failed to open history store")
	}
	defer store.Close()

	// === Sensor link ===
	registry, err := newRegistry(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up device registry")
	}
	enumerator := sensor.NewEnumerator(registry)

	serialConfig := transport.DefaultSerialConfig()
	serialConfig.BaudRate = cfg.SensorBaudRate
	serialConfig.ReadTimeout = cfg.SensorReadTimeout

	manager := sensor.NewManager(enumerator, transport.NewSerialTransport(serialConfig), sensor.ManagerConfig{
		Framing:        sensor.FramingMode(cfg.SensorFraming),
		MaxFrameSize:   cfg.SensorMaxFrameSize,
		ReadBufferSize: cfg.SensorReadBufferSize,
	})
	defer manager.Close()

	// === Reading service ===
	sensorConfig := services.DefaultSensorServiceConfig()
	sensorConfig.Thresholds = aggregator.ChangeThresholds{
		NutrientDelta: cfg.NutrientThreshold,
		PHDelta:       cfg.PHThreshold,
		MoistureDelta: cfg.MoistureThreshold,
		MaxSilence:    cfg.ForwardMaxSilence,
		MinInterval:   cfg.ForwardMinInterval,
	}
	sensorService := services.NewSensorService(manager, store, enumerator, sensorConfig)

	var supervisor *services.ReconnectSupervisor
	if cfg.Reconnect {
		supervisor = services.NewReconnectSupervisor(manager, enumerator, services.ReconnectConfig{
			MaxElapsed:     cfg.ReconnectMaxElapsed,
			ConnectTimeout: cfg.ConnectTimeout,
		})
	}

	// === MQTT bridge ===
	var mqttClient *mqtt.Client
	if cfg.MQTTEnabled {
		mqttClient, err = mqtt.NewClient(ctx, mqtt.ClientConfig{
			Broker:         cfg.MQTTBroker,
			ClientID:       cfg.MQTTClientID,
			Username:       cfg.MQTTUsername,
			Password:       cfg.MQTTPassword,
			ConnectRetries: cfg.MQTTConnectRetries,
			StatusTopic:    cfg.MQTTTopicPrefix + "/bridge/status",
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize MQTT client")
		}
		defer mqttClient.Close()

		publisherConfig := mqtt.DefaultPublisherConfig()
		publisherConfig.TopicPrefix = cfg.MQTTTopicPrefix
		publisher := mqtt.NewPublisher(mqttClient.GetNativeClient(), publisherConfig)

		// The reading service writes, the publisher reads
		sensorService.ReadingChan = publisher.ReadingChan
		sensorService.StateChan = publisher.StateChan
		go publisher.Start(ctx)

		subscriber := mqtt.NewSubscriber(mqttClient.GetNativeClient(), mqtt.SubscriberConfig{
			TopicPrefix: cfg.MQTTTopicPrefix,
			QoS:         1,
		}, manager)
		if supervisor != nil {
			subscriber.OnDisconnect = supervisor.Pause
		}
		if err := subscriber.SubscribeAll(); err != nil {
			log.Fatal().Err(err).Msg("Failed to subscribe to MQTT topics")
		}
	} else {
		log.Info().Msg("MQTT bridge disabled")
	}

	// === Services ===
	go sensorService.Start(ctx)
	go services.NewPoller(manager, cfg.PollInterval).Start(ctx)
	if supervisor != nil {
		go supervisor.Start(ctx)
	}

	// === HTTP API ===
	deps := api.Deps{
		Manager:  manager,
		Devices:  enumerator,
		Store:    store,
		Readings: sensorService,
		Seen:     sensorService,
	}
	if supervisor != nil {
		deps.Supervisor = supervisor
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("HTTP API listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// === Auto-connect ===
	if cfg.SensorDevice != "" {
		go autoConnect(ctx, manager, enumerator, supervisor, cfg.SensorDevice, cfg.ConnectTimeout)
	}

	log.Info().
		Str("store", cfg.Store).
		Bool("mqtt", cfg.MQTTEnabled).
		Str("topic_prefix", cfg.MQTTTopicPrefix).
		Str("framing", cfg.SensorFraming).
		Dur("poll_interval", cfg.PollInterval).
		Bool("reconnect", cfg.Reconnect).
		Msg("Soil sensor bridge is running")

	// === Wait for interrupt signal ===
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	// === Graceful shutdown ===
	log.Info().Msg("Shutdown signal received, stopping services...")
	if supervisor != nil {
		supervisor.Pause()
	}
	manager.Disconnect()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown")
	}

	cancel() // Cancel context to stop all goroutines

	// Give services time to finish processing
	time.Sleep(500 * time.Millisecond)

	log.Info().Msg("Shutdown complete. Goodbye!")
}

// newRegistry builds the paired-device source named by SENSOR_REGISTRY
func newRegistry(cfg *config.Config) (sensor.Registry, error) {
	bindings, err := transport.ParseBindings(cfg.SensorBindings)
	if err != nil {
		return nil, err
	}

	if cfg.SensorRegistry == "static" {
		devices, err := transport.ParseDeviceList(cfg.SensorDevices)
		if err != nil {
			return nil, err
		}
		for i := range devices {
			if port, ok := bindings[devices[i].Address]; ok {
				devices[i].Port = port
			}
		}
		return &transport.StaticRegistry{Devices: devices}, nil
	}

	bluez := transport.DefaultBlueZConfig()
	if cfg.BlueZStorageDir != "" {
		bluez.StorageDir = cfg.BlueZStorageDir
	}
	if cfg.SysfsDir != "" {
		bluez.SysfsDir = cfg.SysfsDir
	}
	bluez.Bindings = bindings
	return transport.NewBlueZRegistry(bluez), nil
}

// autoConnect opens the configured sensor at start-up. When the first
// attempt fails and reconnects are enabled, the supervisor keeps trying.
func autoConnect(ctx context.Context, manager *sensor.Manager, enumerator *sensor.Enumerator,
	supervisor *services.ReconnectSupervisor, address string, timeout time.Duration) {
	device, ok := enumerator.Lookup(address)
	if !ok {
		log.Warn().Str("device", address).Msg("Start-up device is not paired, not connecting")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := manager.Connect(cctx, device); err != nil {
		log.Warn().Err(err).Str("device", address).Msg("Start-up connection failed")
		if supervisor != nil {
			supervisor.Retry(address)
		}
	}
}
