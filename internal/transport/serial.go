package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
)

// Port is the part of serial.Port the transport uses
type Port interface {
	io.ReadWriteCloser
	Drain() error
	SetReadTimeout(t time.Duration) error
}

// Opener opens a serial device node
type Opener func(path string, mode *serial.Mode) (Port, error)

// SerialConfig holds serial port settings for RFCOMM device nodes
type SerialConfig struct {
	BaudRate    int
	DataBits    int
	ReadTimeout time.Duration // Bounds each read so the reader can notice a dropped link
}

// DefaultSerialConfig returns the HC-05 defaults: 9600 baud, 8N1
func DefaultSerialConfig() SerialConfig {
	return SerialConfig{
		BaudRate:    9600,
		DataBits:    8,
		ReadTimeout: 500 * time.Millisecond,
	}
}

// SerialTransport opens sensor sessions over an RFCOMM serial device node
type SerialTransport struct {
	config SerialConfig
	open   Opener
	stat   func(string) (os.FileInfo, error)
}

// NewSerialTransport creates a transport backed by go.bug.st/serial
func NewSerialTransport(config SerialConfig) *SerialTransport {
	return NewSerialTransportWithOpener(config, func(path string, mode *serial.Mode) (Port, error) {
		return serial.Open(path, mode)
	})
}

// NewSerialTransportWithOpener creates a transport using a custom opener
func NewSerialTransportWithOpener(config SerialConfig, open Opener) *SerialTransport {
	defaults := DefaultSerialConfig()
	if config.BaudRate <= 0 {
		config.BaudRate = defaults.BaudRate
	}
	if config.DataBits <= 0 {
		config.DataBits = defaults.DataBits
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	return &SerialTransport{config: config, open: open, stat: os.Stat}
}

type openResult struct {
	port Port
	err  error
}

// Open connects to device. Only the serial port profile is supported.
func (t *SerialTransport) Open(ctx context.Context, device models.PairedDevice, service uuid.UUID) (sensor.Link, error) {
	if service != sensor.SerialPortService {
		return nil, fmt.Errorf("unsupported service %s", service)
	}
	if device.Port == "" {
		return nil, fmt.Errorf("no serial port bound to %s", device.Address)
	}

	mode := &serial.Mode{
		BaudRate: t.config.BaudRate,
		DataBits: t.config.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	// Opening an unbound rfcomm node blocks while the radio pages the device
	results := make(chan openResult, 1)
	go func() {
		port, err := t.open(device.Port, mode)
		results <- openResult{port: port, err: err}
	}()

	var port Port
	select {
	case res := <-results:
		if res.err != nil {
			return nil, fmt.Errorf("failed to open serial port %s: %w", device.Port, res.err)
		}
		port = res.port
	case <-ctx.Done():
		go func() {
			if res := <-results; res.err == nil {
				_ = res.port.Close()
			}
		}()
		return nil, ctx.Err()
	}

	if err := port.SetReadTimeout(t.config.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	log.Info().Str("component", "serial").Str("device", device.Address).Str("port", device.Port).
		Int("baud", t.config.BaudRate).Msg("Serial port opened")

	return &serialLink{port: port, path: device.Port, stat: t.stat}, nil
}

// serialLink is an open RFCOMM serial port
type serialLink struct {
	port   Port
	path   string
	stat   func(string) (os.FileInfo, error)
	closed atomic.Bool
	lost   atomic.Bool
}

func (l *serialLink) Input() io.ReadCloser        { return linkInput{l} }
func (l *serialLink) Output() sensor.OutputStream { return linkOutput{l} }

// IsConnected reports false once the link was closed, a read hit a
// disconnection error, or the device node disappeared
func (l *serialLink) IsConnected() bool {
	if l.closed.Load() || l.lost.Load() {
		return false
	}
	if _, err := l.stat(l.path); err != nil {
		return false
	}
	return true
}

func (l *serialLink) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	return l.port.Close()
}

type linkInput struct{ l *serialLink }

func (in linkInput) Read(p []byte) (int, error) {
	if in.l.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	n, err := in.l.port.Read(p)
	if err != nil && isDisconnectionError(err) {
		in.l.lost.Store(true)
	}
	return n, err
}

// Close is a no-op; closing the link closes the port
func (linkInput) Close() error { return nil }

type linkOutput struct{ l *serialLink }

func (out linkOutput) Write(p []byte) (int, error) {
	if out.l.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	n, err := out.l.port.Write(p)
	if err != nil && isDisconnectionError(err) {
		out.l.lost.Store(true)
	}
	return n, err
}

// Flush waits until the written bytes have left the port
func (out linkOutput) Flush() error {
	if out.l.closed.Load() {
		return io.ErrClosedPipe
	}
	return out.l.port.Drain()
}

func (linkOutput) Close() error { return nil }

// isDisconnectionError checks if an error means the device went away
func isDisconnectionError(err error) bool {
	if err == nil {
		return false
	}

	var portErr serial.PortError
	if errors.As(err, &portErr) {
		switch portErr.Code() {
		case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
			return true
		default:
			return false
		}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "input/output error") ||
		strings.Contains(msg, "no such device") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset")
}
