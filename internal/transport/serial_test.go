package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.bug.st/serial"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
)

type fakePort struct {
	mu      sync.Mutex
	rx      *bytes.Buffer
	tx      bytes.Buffer
	readErr error
	timeout time.Duration
	drained int
	closed  bool
}

func newFakePort(rx string) *fakePort {
	return &fakePort{rx: bytes.NewBufferString(rx)}
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return 0, p.readErr
	}
	if p.rx.Len() == 0 {
		// go.bug.st/serial reports a read timeout as zero bytes and no error
		return 0, nil
	}
	return p.rx.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tx.Write(b)
}

func (p *fakePort) Drain() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drained++
	return nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

var probe = models.PairedDevice{Address: "98:D3:31:F5:2A:11", Name: "HC-05", SupportsSerial: true, Port: "/dev/rfcomm0"}

func newTestTransport(port *fakePort, openErr error) (*SerialTransport, *serial.Mode) {
	var mode serial.Mode
	tr := NewSerialTransportWithOpener(SerialConfig{ReadTimeout: 50 * time.Millisecond}, func(path string, m *serial.Mode) (Port, error) {
		mode = *m
		if openErr != nil {
			return nil, openErr
		}
		return port, nil
	})
	tr.stat = func(string) (os.FileInfo, error) { return nil, nil }
	return tr, &mode
}

func TestSerialOpen(t *testing.T) {
	port := newFakePort("N:1,P:2\n")
	tr, mode := newTestTransport(port, nil)

	link, err := tr.Open(context.Background(), probe, sensor.SerialPortService)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer link.Close()

	if mode.BaudRate != 9600 || mode.DataBits != 8 || mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
		t.Fatalf("expected 9600 8N1, got %+v", *mode)
	}
	if port.timeout != 50*time.Millisecond {
		t.Fatalf("expected read timeout applied, got %v", port.timeout)
	}
	if !link.IsConnected() {
		t.Fatal("expected link to be connected")
	}

	buf := make([]byte, 64)
	n, err := link.Input().Read(buf)
	if err != nil || string(buf[:n]) != "N:1,P:2\n" {
		t.Fatalf("unexpected read: %q, %v", buf[:n], err)
	}

	out := link.Output()
	if _, err := io.WriteString(out, sensor.CommandRead); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := out.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if port.tx.String() != "READ\n" || port.drained != 1 {
		t.Fatalf("expected command written and drained, got %q drained=%d", port.tx.String(), port.drained)
	}
}

func TestSerialLinkClose(t *testing.T) {
	port := newFakePort("")
	tr, _ := newTestTransport(port, nil)

	link, err := tr.Open(context.Background(), probe, sensor.SerialPortService)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	// Closing the streams leaves the port open
	_ = link.Input().Close()
	_ = link.Output().Close()
	if port.closed {
		t.Fatal("stream close must not close the port")
	}

	if err := link.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := link.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
	if !port.closed || link.IsConnected() {
		t.Fatal("expected port closed")
	}
	if _, err := link.Input().Read(make([]byte, 8)); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected ErrClosedPipe after close, got %v", err)
	}
	if _, err := link.Output().Write([]byte("READ\n")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected ErrClosedPipe after close, got %v", err)
	}
}

func TestSerialLinkLostOnDisconnectionError(t *testing.T) {
	port := newFakePort("")
	port.readErr = errors.New("read /dev/rfcomm0: input/output error")
	tr, _ := newTestTransport(port, nil)

	link, err := tr.Open(context.Background(), probe, sensor.SerialPortService)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer link.Close()

	if _, err := link.Input().Read(make([]byte, 8)); err == nil {
		t.Fatal("expected read error")
	}
	if link.IsConnected() {
		t.Fatal("expected link lost after i/o error")
	}
}

func TestSerialLinkGoneWhenNodeRemoved(t *testing.T) {
	tr, _ := newTestTransport(newFakePort(""), nil)
	tr.stat = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }

	link, err := tr.Open(context.Background(), probe, sensor.SerialPortService)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer link.Close()

	if link.IsConnected() {
		t.Fatal("expected link down when the device node is missing")
	}
}

func TestSerialOpenErrors(t *testing.T) {
	tr, _ := newTestTransport(nil, errors.New("no such file or directory"))

	if _, err := tr.Open(context.Background(), probe, sensor.SerialPortService); err == nil {
		t.Fatal("expected open error")
	}
	if _, err := tr.Open(context.Background(), probe, uuid.New()); err == nil {
		t.Fatal("expected error for non serial service")
	}

	unbound := probe
	unbound.Port = ""
	if _, err := tr.Open(context.Background(), unbound, sensor.SerialPortService); err == nil {
		t.Fatal("expected error for device without a port")
	}
}

func TestSerialOpenHonoursContext(t *testing.T) {
	release := make(chan struct{})
	port := newFakePort("")
	tr := NewSerialTransportWithOpener(SerialConfig{}, func(string, *serial.Mode) (Port, error) {
		<-release
		return port, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Open(ctx, probe, sensor.SerialPortService)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	close(release)
	deadline := time.Now().Add(time.Second)
	for {
		port.mu.Lock()
		closed := port.closed
		port.mu.Unlock()
		if closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected late port to be closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIsDisconnectionError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{os.ErrClosed, true},
		{errors.New("write: broken pipe"), true},
		{errors.New("read: no such device"), true},
		{errors.New("permission denied"), false},
	}

	for _, tt := range tests {
		if got := isDisconnectionError(tt.err); got != tt.want {
			t.Fatalf("isDisconnectionError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
