package sensor

import (
	"context"
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

func newTestManager(t *testing.T, config ManagerConfig) (*Manager, *fakeTransport, *Subscription) {
	t.Helper()

	transport := newFakeTransport()
	registry := &fakeRegistry{devices: []models.PairedDevice{deviceA, deviceB}, radio: true, permission: true}
	m := NewManager(NewEnumerator(registry), transport, config)
	t.Cleanup(m.Close)

	sub := m.Subscribe(context.Background())
	expectKinds(t, sub, KindDisconnected)
	return m, transport, sub
}

func connect(t *testing.T, m *Manager, sub *Subscription, device models.PairedDevice) Connected {
	t.Helper()
	if err := m.Connect(context.Background(), device); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	states := expectKinds(t, sub, KindConnecting, KindConnected)
	return states[1].(Connected)
}

func TestConnectPublishesConnectingThenConnected(t *testing.T) {
	m, _, sub := newTestManager(t, DefaultManagerConfig())

	connected := connect(t, m, sub, deviceA)
	if connected.DeviceID != deviceA.Address {
		t.Fatalf("expected device %s, got %s", deviceA.Address, connected.DeviceID)
	}
	if !m.IsConnected() {
		t.Fatal("expected manager to be connected")
	}

	info, ok := m.Session()
	if !ok {
		t.Fatal("expected an open session")
	}
	if info.ID != connected.SessionID {
		t.Fatalf("session id mismatch: %s vs %s", info.ID, connected.SessionID)
	}
}

func TestReadingsReachSubscribers(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())
	connect(t, m, sub, deviceA)

	link := transport.link(deviceA.Address)
	link.send("N:90.5,P:42.3,")
	link.send("K:43.1,pH:6.5,M:45.2,T:25.3\nN:1\n")

	first := expectKinds(t, sub, KindReadingReceived)[0].(ReadingReceived)
	if first.Reading.DeviceID != deviceA.Address {
		t.Fatalf("expected reading tagged with %s, got %q", deviceA.Address, first.Reading.DeviceID)
	}
	if first.Reading.Potassium != 43.1 || first.Reading.PH != 6.5 {
		t.Fatalf("unexpected reading: %+v", first.Reading)
	}

	second := expectKinds(t, sub, KindReadingReceived)[0].(ReadingReceived)
	if second.Reading.Nitrogen != 1 || second.Reading.PH != DefaultPH {
		t.Fatalf("unexpected second reading: %+v", second.Reading)
	}

	info, _ := m.Session()
	if info.FramesParsed != 2 {
		t.Fatalf("expected 2 frames parsed, got %d", info.FramesParsed)
	}
}

func TestBurstFramingUsesReadBoundaries(t *testing.T) {
	config := DefaultManagerConfig()
	config.Framing = FramingBurst
	m, transport, sub := newTestManager(t, config)
	connect(t, m, sub, deviceA)

	transport.link(deviceA.Address).send("N:7,P:8,K:9")

	got := expectKinds(t, sub, KindReadingReceived)[0].(ReadingReceived)
	if got.Reading.Nitrogen != 7 || got.Reading.Phosphorus != 8 || got.Reading.Potassium != 9 {
		t.Fatalf("unexpected reading: %+v", got.Reading)
	}
}

func TestParseFailureKeepsConnection(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())
	m.parse = func(raw string, at time.Time) (models.SensorReading, error) {
		if raw == "bad" {
			return models.SensorReading{}, &ParseError{Frame: raw, Reason: "unreadable"}
		}
		return ParseAt(raw, at)
	}
	connect(t, m, sub, deviceA)

	link := transport.link(deviceA.Address)
	link.send("bad\nN:9")

	failed := expectKinds(t, sub, KindFailed)[0].(Failed)
	var perr *ParseError
	if !errors.As(failed.Err, &perr) {
		t.Fatalf("expected ParseError, got %v", failed.Err)
	}
	if !m.IsConnected() {
		t.Fatal("parse failure must not drop the connection")
	}

	// The partial "N:9" after the bad frame is dropped
	link.send(",P:1\nN:3\n")
	first := expectKinds(t, sub, KindReadingReceived)[0].(ReadingReceived)
	if first.Reading.Nitrogen != 0 || first.Reading.Phosphorus != 1 {
		t.Fatalf("expected the buffered tail to be discarded, got %+v", first.Reading)
	}
	second := expectKinds(t, sub, KindReadingReceived)[0].(ReadingReceived)
	if second.Reading.Nitrogen != 3 {
		t.Fatalf("unexpected reading: %+v", second.Reading)
	}

	info, _ := m.Session()
	if info.ParseFailures != 1 || info.FramesParsed != 2 {
		t.Fatalf("unexpected counters: %+v", info)
	}
}

func TestLineNoiseOnlyCostsOneToken(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())
	connect(t, m, sub, deviceA)

	transport.link(deviceA.Address).send("N:10,\xffjunk,K:5\n")

	got := expectKinds(t, sub, KindReadingReceived)[0].(ReadingReceived)
	if got.Reading.Nitrogen != 10 || got.Reading.Potassium != 5 {
		t.Fatalf("unexpected reading: %+v", got.Reading)
	}
}

func TestZeroByteReadsAreIgnored(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())
	connect(t, m, sub, deviceA)

	link := transport.link(deviceA.Address)
	link.send("")
	link.send("")
	link.send("N:1\n")

	got := expectKinds(t, sub, KindReadingReceived)[0].(ReadingReceived)
	if got.Reading.Nitrogen != 1 {
		t.Fatalf("unexpected reading: %+v", got.Reading)
	}
	if !m.IsConnected() {
		t.Fatal("empty reads must not drop the connection")
	}
}

func TestLinkLossWithoutReadError(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())
	connect(t, m, sub, deviceA)

	link := transport.link(deviceA.Address)
	link.connected.Store(false)
	link.send("") // wake the pending read

	states := expectKinds(t, sub, KindFailed, KindDisconnected)
	var rerr *ReadError
	if err := states[0].(Failed).Err; !errors.As(err, &rerr) || !errors.Is(err, errConnectionLost) {
		t.Fatalf("expected lost connection, got %v", err)
	}
	if _, ok := m.Session(); ok {
		t.Fatal("expected no session after the link went away")
	}
}

func TestEndOfStreamIsAFailure(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())
	connect(t, m, sub, deviceA)

	transport.link(deviceA.Address).failRead(io.EOF)

	states := expectKinds(t, sub, KindFailed, KindDisconnected)
	if err := states[0].(Failed).Err; !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF failure, got %v", err)
	}
	if m.IsConnected() {
		t.Fatal("expected manager disconnected after EOF")
	}
}

func TestConnectFailurePublishesFailedThenDisconnected(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())
	transport.openErr = errors.New("host is down")

	err := m.Connect(context.Background(), deviceA)
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if cerr.Device != deviceA.Address {
		t.Fatalf("unexpected device in error: %s", cerr.Device)
	}

	states := expectKinds(t, sub, KindConnecting, KindFailed, KindDisconnected)
	if states[1].(Failed).Reason != err.Error() {
		t.Fatalf("expected reason %q, got %q", err.Error(), states[1].(Failed).Reason)
	}
	if m.IsConnected() {
		t.Fatal("expected no connection after failure")
	}
}

func TestConnectRefusedWhenRadioOff(t *testing.T) {
	transport := newFakeTransport()
	m := NewManager(NewEnumerator(&fakeRegistry{permission: true}), transport, DefaultManagerConfig())
	defer m.Close()

	err := m.Connect(context.Background(), deviceA)
	if !errors.Is(err, ErrTransportUnavailable) {
		t.Fatalf("expected ErrTransportUnavailable, got %v", err)
	}
	if calls := transport.log.snapshot(); len(calls) != 0 {
		t.Fatalf("transport must not be opened, got %v", calls)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m, _, sub := newTestManager(t, DefaultManagerConfig())

	m.Disconnect()
	m.Disconnect()
	expectKinds(t, sub, KindDisconnected, KindDisconnected)

	connect(t, m, sub, deviceA)
	m.Disconnect()
	m.Disconnect()
	states := expectKinds(t, sub, KindDisconnected, KindDisconnected)
	if states[0].Device() != deviceA.Address {
		t.Fatalf("expected Disconnected for %s, got %q", deviceA.Address, states[0].Device())
	}
}

func TestDeliberateDisconnectDoesNotReportFailure(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())
	connect(t, m, sub, deviceA)

	m.Disconnect()
	expectKinds(t, sub, KindDisconnected)

	if transport.link(deviceA.Address).IsConnected() {
		t.Fatal("expected link closed")
	}

	select {
	case s := <-sub.C():
		t.Fatalf("unexpected state after disconnect: %+v", s)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectClosesPreviousSessionFirst(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())
	connect(t, m, sub, deviceA)

	if err := m.Connect(context.Background(), deviceB); err != nil {
		t.Fatalf("second connect failed: %v", err)
	}
	states := expectKinds(t, sub, KindDisconnected, KindConnecting, KindConnected)
	if states[0].Device() != deviceA.Address || states[2].Device() != deviceB.Address {
		t.Fatalf("unexpected states: %+v", states)
	}

	want := []string{
		deviceA.Address + ".open",
		deviceA.Address + ".input.close",
		deviceA.Address + ".output.close",
		deviceA.Address + ".close",
		deviceB.Address + ".open",
	}
	if calls := transport.log.snapshot(); !reflect.DeepEqual(calls, want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
}

func TestReadErrorPublishesFailedAndReleases(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())
	connect(t, m, sub, deviceA)

	link := transport.link(deviceA.Address)
	link.failRead(errors.New("connection reset by peer"))

	states := expectKinds(t, sub, KindFailed, KindDisconnected)
	var rerr *ReadError
	if !errors.As(states[0].(Failed).Err, &rerr) {
		t.Fatalf("expected ReadError, got %v", states[0].(Failed).Err)
	}

	if link.IsConnected() {
		t.Fatal("expected link closed after read error")
	}
	if m.IsConnected() {
		t.Fatal("expected manager disconnected after read error")
	}
	if _, ok := m.Session(); ok {
		t.Fatal("expected no session after read error")
	}
}

func TestSendCommand(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())

	err := m.RequestReading(context.Background())
	var werr *WriteError
	if !errors.As(err, &werr) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected not connected WriteError, got %v", err)
	}

	connect(t, m, sub, deviceA)
	if err := m.RequestReading(context.Background()); err != nil {
		t.Fatalf("read request failed: %v", err)
	}
	if err := m.Calibrate(context.Background()); err != nil {
		t.Fatalf("calibrate failed: %v", err)
	}
	if err := m.SendCommand(context.Background(), "RATE 5"); err != nil {
		t.Fatalf("raw command failed: %v", err)
	}

	out := transport.link(deviceA.Address).out
	if got := out.written(); got != "READ\nCALIBRATE\nRATE 5" {
		t.Fatalf("unexpected bytes written: %q", got)
	}
}

func TestWriteErrorKeepsConnection(t *testing.T) {
	m, transport, sub := newTestManager(t, DefaultManagerConfig())
	connect(t, m, sub, deviceA)

	transport.link(deviceA.Address).out.failWrites(errors.New("broken pipe"))

	err := m.Calibrate(context.Background())
	var werr *WriteError
	if !errors.As(err, &werr) {
		t.Fatalf("expected WriteError, got %v", err)
	}
	if werr.Command != CommandCalibrate {
		t.Fatalf("unexpected command in error: %q", werr.Command)
	}
	if !m.IsConnected() {
		t.Fatal("write failure must not drop the connection")
	}
}

func TestSendCommandHonoursContext(t *testing.T) {
	m, _, sub := newTestManager(t, DefaultManagerConfig())
	connect(t, m, sub, deviceA)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := m.RequestReading(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
