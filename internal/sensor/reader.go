package sensor

import (
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/metrics"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

var errConnectionLost = errors.New("connection lost")

// frameSource is the reader's read-only view of a session
type frameSource struct {
	in        io.Reader
	connected func() bool
	closing   func() bool

	// claim reports whether the reader may report a failure; it returns
	// false once a deliberate close has started
	claim func() bool
}

// frameReader pulls bytes from a session, frames them and publishes the
// parsed readings. It never closes the session itself.
type frameReader struct {
	src      frameSource
	framer   Framer
	deviceID string
	bufSize  int
	now      func() time.Time
	parse    func(raw string, capturedAt time.Time) (models.SensorReading, error)
	publish  func(State)
	onFrame  func(ok bool)
}

// run loops until the link goes away. It returns nil after a deliberate
// close and a *ReadError when the session failed underneath it.
func (r *frameReader) run() error {
	logger := log.With().Str("component", "reader").Str("device", r.deviceID).Logger()
	logger.Debug().Msg("Frame reader started")
	defer logger.Debug().Msg("Frame reader stopped")

	buf := make([]byte, r.bufSize)
	for r.src.connected() {
		n, err := r.src.in.Read(buf)
		if r.src.closing() {
			// The session is being torn down; whatever arrived belongs to it
			return nil
		}
		if n > 0 {
			r.dispatch(buf[:n])
		}
		if err != nil {
			return r.fail(err)
		}
	}

	return r.fail(errConnectionLost)
}

func (r *frameReader) fail(err error) error {
	if !r.src.claim() {
		return nil
	}

	rerr := &ReadError{Device: r.deviceID, Err: err}
	log.Error().Str("component", "reader").Str("device", r.deviceID).Err(err).Msg("Error reading data")
	r.publish(Failed{DeviceID: r.deviceID, Reason: rerr.Error(), Err: rerr})
	return rerr
}

func (r *frameReader) dispatch(chunk []byte) {
	failed := false
	for _, frame := range r.framer.Feed(chunk) {
		reading, err := r.parse(frame, r.now())
		if err != nil {
			failed = true
			metrics.ParseFailures.Inc()
			r.onFrame(false)
			log.Warn().Str("component", "reader").Str("device", r.deviceID).Err(err).
				Msg("Failed to parse sensor data")
			r.publish(Failed{DeviceID: r.deviceID, Reason: err.Error(), Err: err})
			continue
		}

		reading.DeviceID = r.deviceID
		metrics.FramesParsed.Inc()
		r.onFrame(true)
		log.Debug().Str("component", "reader").Str("device", r.deviceID).Str("reading", reading.String()).
			Msg("Parsed sensor data")
		r.publish(ReadingReceived{Reading: reading})
	}

	if failed {
		// Don't let a half line from the same burst start the next frame
		r.framer.Reset()
	}
}
