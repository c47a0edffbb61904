package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := LoadFile("")

	if cfg.SensorBaudRate != 9600 {
		t.Fatalf("expected baud 9600, got %d", cfg.SensorBaudRate)
	}
	if cfg.SensorFraming != "line" || cfg.SensorRegistry != "bluez" || cfg.Store != "clickhouse" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.PollInterval != 0 || cfg.Reconnect {
		t.Fatalf("automation must be off by default: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SENSOR_DEVICE", "98:D3:31:F5:2A:11")
	t.Setenv("SENSOR_FRAMING", "burst")
	t.Setenv("POLL_INTERVAL", "30s")
	t.Setenv("RECONNECT", "true")
	t.Setenv("PH_THRESHOLD", "0.5")
	t.Setenv("SENSOR_BAUD_RATE", "not-a-number")

	cfg := LoadFile("")

	if cfg.SensorDevice != "98:D3:31:F5:2A:11" || cfg.SensorFraming != "burst" {
		t.Fatalf("unexpected sensor config: %+v", cfg)
	}
	if cfg.PollInterval != 30*time.Second || !cfg.Reconnect {
		t.Fatalf("unexpected automation config: %+v", cfg)
	}
	if cfg.PHThreshold != 0.5 {
		t.Fatalf("expected pH threshold 0.5, got %.2f", cfg.PHThreshold)
	}
	if cfg.SensorBaudRate != 9600 {
		t.Fatalf("invalid int must fall back to default, got %d", cfg.SensorBaudRate)
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sensor.env")
	if err := os.WriteFile(path, []byte("MQTT_TOPIC_PREFIX=farm/soil\nSTORE=none\n"), 0o644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	// godotenv does not override variables that are already set
	t.Setenv("MQTT_TOPIC_PREFIX", "")
	t.Setenv("STORE", "")
	os.Unsetenv("MQTT_TOPIC_PREFIX")
	os.Unsetenv("STORE")

	cfg := LoadFile(path)
	if cfg.MQTTTopicPrefix != "farm/soil" || cfg.Store != "none" {
		t.Fatalf("expected values from env file, got prefix=%q store=%q", cfg.MQTTTopicPrefix, cfg.Store)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	opts, err := ParseFlags([]string{
		"--device", "98:D3:31:F5:2A:22",
		"--port", "/dev/rfcomm1",
		"--listen", ":9090",
		"--store", "none",
		"--no-mqtt",
		"--framing", "burst",
	})
	if err != nil {
		t.Fatalf("flag parse failed: %v", err)
	}
	if opts.EnvFile != ".env" {
		t.Fatalf("expected default env file, got %q", opts.EnvFile)
	}

	cfg := LoadFile("")
	cfg.SensorBindings = "98:D3:31:F5:2A:11=/dev/rfcomm0"
	cfg.Apply(opts)

	if cfg.SensorDevice != "98:D3:31:F5:2A:22" || cfg.ListenAddr != ":9090" || cfg.Store != "none" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.MQTTEnabled || cfg.SensorFraming != "burst" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if !strings.HasSuffix(cfg.SensorBindings, ",98:D3:31:F5:2A:22=/dev/rfcomm1") {
		t.Fatalf("expected port bound to the device, got %q", cfg.SensorBindings)
	}
}

func TestParseFlagsRejectsUnknownStore(t *testing.T) {
	if _, err := ParseFlags([]string{"--store", "postgres"}); err == nil {
		t.Fatal("expected error for unknown store")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{name: "baud", mutate: func(c *Config) { c.SensorBaudRate = 0 }, want: "SENSOR_BAUD_RATE"},
		{name: "framing", mutate: func(c *Config) { c.SensorFraming = "packet" }, want: "SENSOR_FRAMING"},
		{name: "registry", mutate: func(c *Config) { c.SensorRegistry = "dbus" }, want: "SENSOR_REGISTRY"},
		{name: "static without devices", mutate: func(c *Config) { c.SensorRegistry = "static" }, want: "SENSOR_DEVICES"},
		{name: "store", mutate: func(c *Config) { c.Store = "sqlite" }, want: "STORE"},
		{name: "influx token", mutate: func(c *Config) { c.Store = "influx" }, want: "INFLUX_TOKEN"},
		{name: "poll interval", mutate: func(c *Config) { c.PollInterval = -time.Second }, want: "POLL_INTERVAL"},
		{name: "thresholds", mutate: func(c *Config) { c.PHThreshold = -1 }, want: "thresholds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := LoadFile("")
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}
