package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Sensor Configuration
	SensorDevice         string // Address to connect at start-up
	SensorRegistry       string // bluez or static
	SensorDevices        string // Static device list, [name@]address=port,...
	SensorBindings       string // Address to rfcomm node, address=port,...
	BlueZStorageDir      string
	SysfsDir             string
	SensorBaudRate       int
	SensorReadTimeout    time.Duration
	SensorFraming        string // line or burst
	SensorMaxFrameSize   int
	SensorReadBufferSize int
	ConnectTimeout       time.Duration

	// Session Automation
	PollInterval        time.Duration // 0 disables polling
	Reconnect           bool
	ReconnectMaxElapsed time.Duration

	// MQTT Configuration
	MQTTEnabled        bool
	MQTTBroker         string
	MQTTClientID       string
	MQTTUsername       string
	MQTTPassword       string
	MQTTTopicPrefix    string
	MQTTConnectRetries int

	// Storage Configuration
	Store          string // clickhouse, influx or none
	ClickHouseAddr string
	ClickHouseDB   string
	ClickHouseUser string
	ClickHousePass string
	InfluxURL      string
	InfluxToken    string
	InfluxOrg      string
	InfluxBucket   string

	// Change Detection Thresholds
	NutrientThreshold  float64
	PHThreshold        float64
	MoistureThreshold  float64
	ForwardMaxSilence  time.Duration
	ForwardMinInterval time.Duration

	// HTTP and Logging
	ListenAddr string
	LogLevel   string
	LogFormat  string
}

// Options are the command line flags. Set flags override the environment.
type Options struct {
	EnvFile string `short:"e" long:"env-file" default:".env" description:"Environment file to load"`
	Device  string `short:"d" long:"device" description:"Sensor address to connect at start-up"`
	Port    string `short:"p" long:"port" description:"Serial device node bound to the sensor"`
	Listen  string `short:"l" long:"listen" description:"HTTP listen address"`
	Store   string `short:"s" long:"store" choice:"clickhouse" choice:"influx" choice:"none" description:"Reading history store"`
	NoMQTT  bool   `long:"no-mqtt" description:"Disable the MQTT bridge"`
	Framing string `long:"framing" choice:"line" choice:"burst" description:"Frame boundary mode"`
}

// ParseFlags parses args. A help request is returned as a *flags.Error
// with type flags.ErrHelp.
func ParseFlags(args []string) (*Options, error) {
	opts := &Options{}
	parser := flags.NewParser(opts, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// IsHelp reports whether err is a help request from ParseFlags
func IsHelp(err error) bool {
	var ferr *flags.Error
	return errors.As(err, &ferr) && ferr.Type == flags.ErrHelp
}

// LoadFile reads envFile, if it exists, then the environment
func LoadFile(envFile string) *Config {
	// Load .env file if it exists
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	return &Config{
		// Sensor Configuration
		SensorDevice:         getEnv("SENSOR_DEVICE", ""),
		SensorRegistry:       getEnv("SENSOR_REGISTRY", "bluez"),
		SensorDevices:        getEnv("SENSOR_DEVICES", ""),
		SensorBindings:       getEnv("SENSOR_BINDINGS", ""),
		BlueZStorageDir:      getEnv("BLUEZ_STORAGE_DIR", "/var/lib/bluetooth"),
		SysfsDir:             getEnv("SYSFS_CLASS_DIR", "/sys/class"),
		SensorBaudRate:       getEnvInt("SENSOR_BAUD_RATE", 9600),
		SensorReadTimeout:    getEnvDuration("SENSOR_READ_TIMEOUT", 500*time.Millisecond),
		SensorFraming:        getEnv("SENSOR_FRAMING", "line"),
		SensorMaxFrameSize:   getEnvInt("SENSOR_MAX_FRAME_SIZE", 512),
		SensorReadBufferSize: getEnvInt("SENSOR_READ_BUFFER", 1024),
		ConnectTimeout:       getEnvDuration("SENSOR_CONNECT_TIMEOUT", 15*time.Second),

		// Session Automation
		PollInterval:        getEnvDuration("POLL_INTERVAL", 0),
		Reconnect:           getEnvBool("RECONNECT", false),
		ReconnectMaxElapsed: getEnvDuration("RECONNECT_MAX_ELAPSED", 5*time.Minute),

		// MQTT Configuration
		MQTTEnabled:        getEnvBool("MQTT_ENABLED", true),
		MQTTBroker:         getEnv("MQTT_BROKER", "tcp://localhost:1883"),
		MQTTClientID:       getEnv("MQTT_CLIENT_ID", "soil-sensor-bridge"),
		MQTTUsername:       getEnv("MQTT_USERNAME", ""),
		MQTTPassword:       getEnv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix:    getEnv("MQTT_TOPIC_PREFIX", "soil"),
		MQTTConnectRetries: getEnvInt("MQTT_CONNECT_RETRIES", 5),

		// Storage Configuration
		Store:          getEnv("STORE", "clickhouse"),
		ClickHouseAddr: getEnv("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDB:   getEnv("CLICKHOUSE_DB", "soil"),
		ClickHouseUser: getEnv("CLICKHOUSE_USER", "default"),
		ClickHousePass: getEnv("CLICKHOUSE_PASS", ""),
		InfluxURL:      getEnv("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:    getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:      getEnv("INFLUX_ORG", "kaasht"),
		InfluxBucket:   getEnv("INFLUX_BUCKET", "soil"),

		// Change Detection Thresholds
		NutrientThreshold:  getEnvFloat("NUTRIENT_THRESHOLD", 5.0),
		PHThreshold:        getEnvFloat("PH_THRESHOLD", 0.2),
		MoistureThreshold:  getEnvFloat("MOISTURE_THRESHOLD", 2.0),
		ForwardMaxSilence:  getEnvDuration("FORWARD_MAX_SILENCE", 10*time.Minute),
		ForwardMinInterval: getEnvDuration("FORWARD_MIN_INTERVAL", 5*time.Second),

		// HTTP and Logging
		ListenAddr: getEnv("HTTP_LISTEN", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "console"),
	}
}

// Apply overrides values with the flags that were set
func (c *Config) Apply(opts *Options) {
	if opts == nil {
		return
	}
	if opts.Device != "" {
		c.SensorDevice = opts.Device
	}
	if opts.Port != "" && c.SensorDevice != "" {
		// A port given on the command line binds the start-up device
		binding := c.SensorDevice + "=" + opts.Port
		if c.SensorBindings != "" {
			binding = c.SensorBindings + "," + binding
		}
		c.SensorBindings = binding
	}
	if opts.Listen != "" {
		c.ListenAddr = opts.Listen
	}
	if opts.Store != "" {
		c.Store = opts.Store
	}
	if opts.NoMQTT {
		c.MQTTEnabled = false
	}
	if opts.Framing != "" {
		c.SensorFraming = opts.Framing
	}
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	var errs []error

	if c.SensorBaudRate <= 0 {
		errs = append(errs, fmt.Errorf("SENSOR_BAUD_RATE must be positive, got %d", c.SensorBaudRate))
	}
	if c.SensorMaxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("SENSOR_MAX_FRAME_SIZE must be positive, got %d", c.SensorMaxFrameSize))
	}
	if c.SensorReadBufferSize <= 0 {
		errs = append(errs, fmt.Errorf("SENSOR_READ_BUFFER must be positive, got %d", c.SensorReadBufferSize))
	}
	switch c.SensorFraming {
	case "line", "burst":
	default:
		errs = append(errs, fmt.Errorf("SENSOR_FRAMING must be line or burst, got %q", c.SensorFraming))
	}
	switch c.SensorRegistry {
	case "bluez":
	case "static":
		if c.SensorDevices == "" {
			errs = append(errs, errors.New("SENSOR_DEVICES is required with the static registry"))
		}
	default:
		errs = append(errs, fmt.Errorf("SENSOR_REGISTRY must be bluez or static, got %q", c.SensorRegistry))
	}
	switch c.Store {
	case "clickhouse", "none":
	case "influx":
		if c.InfluxToken == "" {
			errs = append(errs, errors.New("INFLUX_TOKEN is required with the influx store"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE must be clickhouse, influx or none, got %q", c.Store))
	}
	if c.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must not be negative, got %v", c.PollInterval))
	}
	if c.NutrientThreshold < 0 || c.PHThreshold < 0 || c.MoistureThreshold < 0 {
		errs = append(errs, errors.New("change detection thresholds must not be negative"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Failed to parse float, using default")
		return defaultValue
	}
	return floatValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Failed to parse int, using default")
		return defaultValue
	}
	return intValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Failed to parse bool, using default")
		return defaultValue
	}
	return boolValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().Str("key", key).Err(err).Msg("Failed to parse duration, using default")
		return defaultValue
	}
	return duration
}
