package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
	"gopkg.in/ini.v1"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
)

// BlueZConfig locates the BlueZ pairing database and the kernel radio state
type BlueZConfig struct {
	StorageDir string            // Pairing database, one directory per adapter
	SysfsDir   string            // Root holding bluetooth/ and rfkill/
	Bindings   map[string]string // Device address to rfcomm node
}

// DefaultBlueZConfig returns the standard Linux locations
func DefaultBlueZConfig() BlueZConfig {
	return BlueZConfig{
		StorageDir: "/var/lib/bluetooth",
		SysfsDir:   "/sys/class",
	}
}

// BlueZRegistry reads paired devices from the BlueZ storage directory
type BlueZRegistry struct {
	config    BlueZConfig
	listPorts func() ([]string, error)
}

// NewBlueZRegistry creates a registry over the BlueZ storage directory
func NewBlueZRegistry(config BlueZConfig) *BlueZRegistry {
	defaults := DefaultBlueZConfig()
	if config.StorageDir == "" {
		config.StorageDir = defaults.StorageDir
	}
	if config.SysfsDir == "" {
		config.SysfsDir = defaults.SysfsDir
	}
	return &BlueZRegistry{config: config, listPorts: serial.GetPortsList}
}

// PairedDevices returns every bonded device across all adapters, sorted by address
func (r *BlueZRegistry) PairedDevices() ([]models.PairedDevice, error) {
	adapters, err := os.ReadDir(r.config.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read bluetooth storage: %w", err)
	}

	seen := make(map[string]bool)
	devices := []models.PairedDevice{}
	for _, adapter := range adapters {
		if !adapter.IsDir() || !isAddress(adapter.Name()) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(r.config.StorageDir, adapter.Name()))
		if err != nil {
			log.Warn().Str("component", "registry").Str("adapter", adapter.Name()).Err(err).
				Msg("Failed to read adapter storage")
			continue
		}
		for _, entry := range entries {
			address := strings.ToUpper(entry.Name())
			if !entry.IsDir() || !isAddress(address) || seen[address] {
				continue
			}
			info := filepath.Join(r.config.StorageDir, adapter.Name(), entry.Name(), "info")
			device, ok := r.loadDevice(address, info)
			if !ok {
				continue
			}
			seen[address] = true
			devices = append(devices, device)
		}
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].Address < devices[j].Address })
	r.assignPorts(devices)
	return devices, nil
}

// loadDevice reads one info file. Devices without a link key are known but
// not paired and are skipped.
func (r *BlueZRegistry) loadDevice(address, path string) (models.PairedDevice, bool) {
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		log.Debug().Str("component", "registry").Str("path", path).Err(err).Msg("Skipping unreadable device info")
		return models.PairedDevice{}, false
	}
	if !cfg.HasSection("LinkKey") {
		return models.PairedDevice{}, false
	}

	general := cfg.Section("General")
	name := general.Key("Name").String()
	if alias := general.Key("Alias").String(); alias != "" {
		name = alias
	}

	return models.PairedDevice{
		Address:        address,
		Name:           name,
		SupportsSerial: advertisesSerial(general.Key("Services").String()),
	}, true
}

func advertisesSerial(services string) bool {
	want := strings.ToLower(sensor.SerialPortService.String())
	for _, service := range strings.Split(services, ";") {
		if strings.ToLower(strings.TrimSpace(service)) == want {
			return true
		}
	}
	return false
}

// assignPorts fills Port from the explicit bindings. When exactly one rfcomm
// node exists and one serial device lacks a binding, that node is used.
func (r *BlueZRegistry) assignPorts(devices []models.PairedDevice) {
	var unbound []int
	for i := range devices {
		if port, ok := lookupBinding(r.config.Bindings, devices[i].Address); ok {
			devices[i].Port = port
			continue
		}
		if devices[i].SupportsSerial {
			unbound = append(unbound, i)
		}
	}
	if len(unbound) != 1 || r.listPorts == nil {
		return
	}

	ports, err := r.listPorts()
	if err != nil {
		log.Debug().Str("component", "registry").Err(err).Msg("Failed to list serial ports")
		return
	}
	var rfcomm []string
	for _, port := range ports {
		if strings.HasPrefix(filepath.Base(port), "rfcomm") {
			rfcomm = append(rfcomm, port)
		}
	}
	if len(rfcomm) == 1 {
		devices[unbound[0]].Port = rfcomm[0]
	}
}

func lookupBinding(bindings map[string]string, address string) (string, bool) {
	for addr, port := range bindings {
		if strings.EqualFold(addr, address) {
			return port, true
		}
	}
	return "", false
}

// RadioAvailable reports whether an adapter exists and is not rfkill blocked
func (r *BlueZRegistry) RadioAvailable() bool {
	adapters, err := filepath.Glob(filepath.Join(r.config.SysfsDir, "bluetooth", "hci*"))
	if err != nil || len(adapters) == 0 {
		return false
	}

	switches, _ := filepath.Glob(filepath.Join(r.config.SysfsDir, "rfkill", "rfkill*"))
	radios, blocked := 0, 0
	for _, dir := range switches {
		if readTrimmed(filepath.Join(dir, "type")) != "bluetooth" {
			continue
		}
		radios++
		if readTrimmed(filepath.Join(dir, "soft")) == "1" || readTrimmed(filepath.Join(dir, "hard")) == "1" {
			blocked++
		}
	}
	return radios == 0 || blocked < radios
}

// PermissionGranted reports whether the pairing database is readable
func (r *BlueZRegistry) PermissionGranted() bool {
	f, err := os.Open(r.config.StorageDir)
	if err != nil {
		return false
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	return err == nil || errors.Is(err, io.EOF)
}

func readTrimmed(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// isAddress reports whether s looks like AA:BB:CC:DD:EE:FF
func isAddress(s string) bool {
	if len(s) != 17 {
		return false
	}
	for i, c := range s {
		if i%3 == 2 {
			if c != ':' {
				return false
			}
			continue
		}
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// StaticRegistry serves a fixed device list, for hosts where the pairing
// database is not readable or the sensor is bound by hand
type StaticRegistry struct {
	Devices []models.PairedDevice
}

func (r *StaticRegistry) PairedDevices() ([]models.PairedDevice, error) {
	return append([]models.PairedDevice(nil), r.Devices...), nil
}

func (r *StaticRegistry) RadioAvailable() bool    { return true }
func (r *StaticRegistry) PermissionGranted() bool { return true }

// ParseDeviceList parses "[name@]address=port" entries separated by commas
func ParseDeviceList(s string) ([]models.PairedDevice, error) {
	var devices []models.PairedDevice
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		name := ""
		if at := strings.Index(entry, "@"); at >= 0 {
			name, entry = strings.TrimSpace(entry[:at]), entry[at+1:]
		}
		address, port, ok := strings.Cut(entry, "=")
		address, port = strings.ToUpper(strings.TrimSpace(address)), strings.TrimSpace(port)
		if !ok || port == "" {
			return nil, fmt.Errorf("device entry %q: expected address=port", entry)
		}
		if !isAddress(address) {
			return nil, fmt.Errorf("device entry %q: invalid address %q", entry, address)
		}
		if name == "" {
			name = address
		}

		devices = append(devices, models.PairedDevice{
			Address:        address,
			Name:           name,
			SupportsSerial: true,
			Port:           port,
		})
	}
	return devices, nil
}

// ParseBindings parses "address=port" entries into a binding map
func ParseBindings(s string) (map[string]string, error) {
	devices, err := ParseDeviceList(s)
	if err != nil {
		return nil, err
	}
	bindings := make(map[string]string, len(devices))
	for _, d := range devices {
		bindings[d.Address] = d.Port
	}
	return bindings, nil
}
