package sensor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

// callLog records transport calls in order
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeInput struct {
	chunks  chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once
	log     *callLog
	name    string
}

func (f *fakeInput) Read(p []byte) (int, error) {
	select {
	case chunk := <-f.chunks:
		return copy(p, chunk), nil
	case err := <-f.readErr:
		return 0, err
	case <-f.closed:
		return 0, io.ErrClosedPipe
	}
}

func (f *fakeInput) Close() error {
	f.log.add(f.name + ".input.close")
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeOutput struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writeErr error
	log      *callLog
	name     string
}

func (f *fakeOutput) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.buf.Write(p)
}

func (f *fakeOutput) Flush() error { return nil }

func (f *fakeOutput) Close() error {
	f.log.add(f.name + ".output.close")
	return nil
}

func (f *fakeOutput) written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.String()
}

func (f *fakeOutput) failWrites(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

type fakeLink struct {
	in        *fakeInput
	out       *fakeOutput
	connected atomic.Bool
	log       *callLog
	name      string
}

func newFakeLink(name string, log *callLog) *fakeLink {
	l := &fakeLink{
		in: &fakeInput{
			chunks:  make(chan []byte, 16),
			readErr: make(chan error, 1),
			closed:  make(chan struct{}),
			log:     log,
			name:    name,
		},
		out:  &fakeOutput{log: log, name: name},
		log:  log,
		name: name,
	}
	l.connected.Store(true)
	return l
}

func (l *fakeLink) Input() io.ReadCloser { return l.in }
func (l *fakeLink) Output() OutputStream { return l.out }
func (l *fakeLink) IsConnected() bool    { return l.connected.Load() }
func (l *fakeLink) send(data string)     { l.in.chunks <- []byte(data) }
func (l *fakeLink) failRead(err error)   { l.in.readErr <- err }
func (l *fakeLink) Close() error {
	l.log.add(l.name + ".close")
	l.connected.Store(false)
	return nil
}

type fakeTransport struct {
	mu      sync.Mutex
	log     *callLog
	links   map[string]*fakeLink
	openErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{log: &callLog{}, links: make(map[string]*fakeLink)}
}

func (t *fakeTransport) Open(_ context.Context, device models.PairedDevice, service uuid.UUID) (Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if service != SerialPortService {
		return nil, errors.New("unexpected service")
	}
	t.log.add(device.Address + ".open")
	if t.openErr != nil {
		return nil, t.openErr
	}
	link := newFakeLink(device.Address, t.log)
	t.links[device.Address] = link
	return link, nil
}

func (t *fakeTransport) link(address string) *fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[address]
}

type fakeRegistry struct {
	devices    []models.PairedDevice
	err        error
	radio      bool
	permission bool
}

func (r *fakeRegistry) PairedDevices() ([]models.PairedDevice, error) { return r.devices, r.err }
func (r *fakeRegistry) RadioAvailable() bool                          { return r.radio }
func (r *fakeRegistry) PermissionGranted() bool                       { return r.permission }

var (
	deviceA = models.PairedDevice{Address: "98:D3:31:F5:2A:11", Name: "Soil Probe A", SupportsSerial: true, Port: "/dev/rfcomm0"}
	deviceB = models.PairedDevice{Address: "98:D3:31:F5:2A:22", Name: "Soil Probe B", SupportsSerial: true, Port: "/dev/rfcomm1"}
)

// nextState waits for the next state on sub
func nextState(t *testing.T, sub *Subscription) State {
	t.Helper()
	select {
	case s, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for state")
	}
	return nil
}

// expectKinds consumes len(kinds) states and checks their kinds in order
func expectKinds(t *testing.T, sub *Subscription, kinds ...StateKind) []State {
	t.Helper()
	states := make([]State, 0, len(kinds))
	for i, want := range kinds {
		got := nextState(t, sub)
		if got.Kind() != want {
			t.Fatalf("state %d: expected %s, got %s (%+v)", i, want, got.Kind(), got)
		}
		states = append(states, got)
	}
	return states
}
