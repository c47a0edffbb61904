package sensor

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/metrics"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

// Sensor commands. Callers of SendCommand supply their own terminator.
const (
	CommandRead      = "READ\n"
	CommandCalibrate = "CALIBRATE\n"
)

// ManagerConfig holds configuration for the connection manager
type ManagerConfig struct {
	Framing           FramingMode
	MaxFrameSize      int
	ReadBufferSize    int           // Bytes requested per read
	ReaderStopTimeout time.Duration // How long teardown waits for the reader to exit
}

// DefaultManagerConfig returns default configuration
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Framing:           FramingLine,
		MaxFrameSize:      DefaultMaxFrameSize,
		ReadBufferSize:    1024,
		ReaderStopTimeout: 2 * time.Second,
	}
}

// SessionInfo is a read-only snapshot of the open session
type SessionInfo struct {
	ID            uuid.UUID           `json:"id"`
	Device        models.PairedDevice `json:"device"`
	OpenedAt      time.Time           `json:"opened_at"`
	FramesParsed  uint64              `json:"frames_parsed"`
	ParseFailures uint64              `json:"parse_failures"`
}

// session is one open link. It is owned by the Manager; the reader only
// sees it through a frameSource.
type session struct {
	id       uuid.UUID
	device   models.PairedDevice
	link     Link
	input    io.ReadCloser
	output   OutputStream
	openedAt time.Time

	closing   atomic.Bool // set once a deliberate or failure teardown has started
	closeOnce sync.Once
	done      chan struct{} // closed when the reader has exited
	writeMu   sync.Mutex

	framesParsed  atomic.Uint64
	parseFailures atomic.Uint64
}

func newSession(device models.PairedDevice, link Link, openedAt time.Time) *session {
	return &session{
		id:       uuid.New(),
		device:   device,
		link:     link,
		input:    link.Input(),
		output:   link.Output(),
		openedAt: openedAt,
		done:     make(chan struct{}),
	}
}

// release closes input, output and the link, in that order, once
func (s *session) release() {
	s.closeOnce.Do(func() {
		logger := log.With().Str("component", "manager").Str("device", s.device.Address).Logger()
		if err := s.input.Close(); err != nil {
			logger.Debug().Err(err).Msg("Error closing input stream")
		}
		if err := s.output.Close(); err != nil {
			logger.Debug().Err(err).Msg("Error closing output stream")
		}
		if err := s.link.Close(); err != nil {
			logger.Debug().Err(err).Msg("Error closing session")
		}
	})
}

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:            s.id,
		Device:        s.device,
		OpenedAt:      s.openedAt,
		FramesParsed:  s.framesParsed.Load(),
		ParseFailures: s.parseFailures.Load(),
	}
}

// Manager owns the single sensor connection: it opens and closes sessions,
// runs the frame reader of the open one and publishes every transition.
type Manager struct {
	enumerator *Enumerator
	transport  Transport
	publisher  *Publisher
	config     ManagerConfig
	now        func() time.Time
	parse      func(raw string, capturedAt time.Time) (models.SensorReading, error)

	mu         sync.Mutex // serializes Connect and Disconnect
	current    atomic.Pointer[session]
	lastDevice string
}

// NewManager creates a connection manager. enumerator may be nil, in which
// case radio availability is not checked before connecting.
func NewManager(enumerator *Enumerator, transport Transport, config ManagerConfig) *Manager {
	defaults := DefaultManagerConfig()
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = defaults.ReadBufferSize
	}
	if config.ReaderStopTimeout <= 0 {
		config.ReaderStopTimeout = defaults.ReaderStopTimeout
	}
	if config.Framing == "" {
		config.Framing = defaults.Framing
	}

	return &Manager{
		enumerator: enumerator,
		transport:  transport,
		publisher:  NewPublisher(),
		config:     config,
		now:        time.Now,
		parse:      ParseAt,
	}
}

// Subscribe returns a subscription to the state stream
func (m *Manager) Subscribe(ctx context.Context) *Subscription {
	return m.publisher.Subscribe(ctx)
}

// State returns the latest published state
func (m *Manager) State() State {
	return m.publisher.Current()
}

// Connect opens a session to device. Any open session is torn down first.
// It returns once the open has completed; reading continues in the background.
func (m *Manager) Connect(ctx context.Context, device models.PairedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.teardownLocked(); ok {
		m.publish(Disconnected{DeviceID: prev})
	}

	m.lastDevice = device.Address
	m.publish(Connecting{DeviceID: device.Address})
	log.Info().Str("component", "manager").Str("device", device.Address).Str("name", device.Name).
		Msg("Connecting to sensor")

	if m.enumerator != nil {
		if err := m.enumerator.Check(); err != nil {
			return m.failConnectLocked(device, err)
		}
	}

	link, err := m.transport.Open(ctx, device, SerialPortService)
	if err != nil {
		return m.failConnectLocked(device, err)
	}

	sess := newSession(device, link, m.now())
	m.current.Store(sess)
	m.publish(Connected{DeviceID: device.Address, SessionID: sess.id})
	log.Info().Str("component", "manager").Str("device", device.Address).Str("session", sess.id.String()).
		Msg("Connected to sensor")

	m.startReader(sess)
	return nil
}

// Disconnect closes the open session, if any, and publishes Disconnected.
// It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.teardownLocked()
	if !ok {
		prev = m.lastDevice
	}
	m.publish(Disconnected{DeviceID: prev})
	log.Info().Str("component", "manager").Str("device", prev).Msg("Disconnected from sensor")
}

// IsConnected reports whether the open session's transport is live
func (m *Manager) IsConnected() bool {
	sess := m.current.Load()
	return sess != nil && sess.link.IsConnected()
}

// Session returns a snapshot of the open session
func (m *Manager) Session() (SessionInfo, bool) {
	sess := m.current.Load()
	if sess == nil {
		return SessionInfo{}, false
	}
	return sess.info(), true
}

// SendCommand writes text to the sensor and flushes. No terminator is added.
// A failed write does not close the session.
func (m *Manager) SendCommand(ctx context.Context, text string) (err error) {
	defer func() {
		metrics.CommandsSent.WithLabelValues(metrics.Result(err)).Inc()
	}()

	sess := m.current.Load()
	if sess == nil || !sess.link.IsConnected() {
		return &WriteError{Command: text, Err: ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return &WriteError{Command: text, Err: err}
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	if _, err := io.WriteString(sess.output, text); err != nil {
		log.Error().Str("component", "manager").Str("device", sess.device.Address).Err(err).
			Msg("Failed to send command")
		return &WriteError{Command: text, Err: err}
	}
	if err := sess.output.Flush(); err != nil {
		log.Error().Str("component", "manager").Str("device", sess.device.Address).Err(err).
			Msg("Failed to flush command")
		return &WriteError{Command: text, Err: err}
	}

	log.Debug().Str("component", "manager").Str("device", sess.device.Address).Str("command", text).
		Msg("Command sent")
	return nil
}

// RequestReading asks the sensor for a fresh reading
func (m *Manager) RequestReading(ctx context.Context) error {
	return m.SendCommand(ctx, CommandRead)
}

// Calibrate triggers sensor calibration
func (m *Manager) Calibrate(ctx context.Context) error {
	return m.SendCommand(ctx, CommandCalibrate)
}

// Close disconnects and ends every subscription
func (m *Manager) Close() {
	m.Disconnect()
	m.publisher.Close()
}

// teardownLocked releases the open session and waits for its reader. It
// reports the device that was connected. Caller holds m.mu.
func (m *Manager) teardownLocked() (string, bool) {
	sess := m.current.Swap(nil)
	if sess == nil {
		return "", false
	}

	// Mark the closure as deliberate before closing the streams so the
	// reader does not report the resulting read error.
	sess.closing.Store(true)
	sess.release()

	select {
	case <-sess.done:
	case <-time.After(m.config.ReaderStopTimeout):
		log.Warn().Str("component", "manager").Str("device", sess.device.Address).
			Dur("timeout", m.config.ReaderStopTimeout).
			Msg("Frame reader did not stop after close")
	}

	return sess.device.Address, true
}

func (m *Manager) failConnectLocked(device models.PairedDevice, err error) error {
	cerr := &ConnectError{Device: device.Address, Err: err}
	log.Error().Str("component", "manager").Str("device", device.Address).Err(err).Msg("Connection failed")

	m.publish(Failed{DeviceID: device.Address, Reason: cerr.Error(), Err: cerr})
	m.publish(Disconnected{DeviceID: device.Address})
	return cerr
}

// dropSession is the reader's failure path: the session's resources are
// already released, so only the current pointer and the final state remain.
func (m *Manager) dropSession(sess *session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current.CompareAndSwap(sess, nil) {
		// A Connect or Disconnect already tore this session down
		return
	}
	m.publish(Disconnected{DeviceID: sess.device.Address})
}

func (m *Manager) startReader(sess *session) {
	framer, err := NewFramer(m.config.Framing, m.config.MaxFrameSize)
	if err != nil {
		log.Warn().Str("component", "manager").Err(err).Msg("Falling back to line framing")
		framer = NewLineFramer(m.config.MaxFrameSize)
	}

	reader := &frameReader{
		src: frameSource{
			in:        sess.input,
			connected: sess.link.IsConnected,
			closing:   sess.closing.Load,
			claim:     func() bool { return sess.closing.CompareAndSwap(false, true) },
		},
		framer:   framer,
		deviceID: sess.device.Address,
		bufSize:  m.config.ReadBufferSize,
		now:      m.now,
		parse:    m.parse,
		publish:  m.publish,
		onFrame: func(ok bool) {
			if ok {
				sess.framesParsed.Add(1)
			} else {
				sess.parseFailures.Add(1)
			}
		},
	}

	go func() {
		err := reader.run()
		if err != nil {
			sess.release()
		}
		close(sess.done)
		if err != nil {
			m.dropSession(sess)
		}
	}()
}

func (m *Manager) publish(s State) {
	m.publisher.Publish(s)

	metrics.StateTransitions.WithLabelValues(s.Kind().String()).Inc()
	switch s.Kind() {
	case KindConnected:
		metrics.Connected.Set(1)
	case KindDisconnected:
		metrics.Connected.Set(0)
	}
}
