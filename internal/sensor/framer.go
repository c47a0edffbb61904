package sensor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// FramingMode selects how raw bytes are cut into frames
type FramingMode string

const (
	// FramingLine assembles newline terminated frames across reads
	FramingLine FramingMode = "line"

	// FramingBurst treats whatever one read returns as one frame
	FramingBurst FramingMode = "burst"
)

// DefaultMaxFrameSize bounds a single line frame in bytes
const DefaultMaxFrameSize = 512

// Framer turns chunks from successive reads into complete frames
type Framer interface {
	Feed(chunk []byte) []string
	Reset()
}

// NewFramer returns the framer for mode
func NewFramer(mode FramingMode, maxFrameSize int) (Framer, error) {
	switch mode {
	case FramingLine, "":
		return NewLineFramer(maxFrameSize), nil
	case FramingBurst:
		return burstFramer{}, nil
	default:
		return nil, fmt.Errorf("unknown framing mode %q", mode)
	}
}

// LineFramer accumulates bytes until a '\n' arrives. A trailing '\r' is
// dropped, blank lines are skipped and lines longer than the limit are
// discarded up to the next terminator.
type LineFramer struct {
	buf        []byte
	maxSize    int
	discarding bool
}

// NewLineFramer creates a line framer. A non-positive maxSize uses DefaultMaxFrameSize.
func NewLineFramer(maxSize int) *LineFramer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &LineFramer{
		buf:     make([]byte, 0, maxSize),
		maxSize: maxSize,
	}
}

// Feed appends chunk and returns the frames it completed, oldest first
func (f *LineFramer) Feed(chunk []byte) []string {
	var frames []string

	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			f.append(chunk)
			break
		}

		f.append(chunk[:i])
		if !f.discarding {
			line := strings.TrimRight(string(f.buf), "\r")
			if strings.TrimSpace(line) != "" {
				frames = append(frames, line)
			}
		}

		f.buf = f.buf[:0]
		f.discarding = false
		chunk = chunk[i+1:]
	}

	return frames
}

// Pending returns the number of buffered bytes of an incomplete frame
func (f *LineFramer) Pending() int {
	return len(f.buf)
}

// Reset drops any partial frame
func (f *LineFramer) Reset() {
	f.buf = f.buf[:0]
	f.discarding = false
}

func (f *LineFramer) append(b []byte) {
	if f.discarding {
		return
	}
	if len(f.buf)+len(b) > f.maxSize {
		log.Warn().
			Str("component", "framer").
			Int("limit", f.maxSize).
			Msg("Frame exceeds size limit, discarding until next terminator")
		f.buf = f.buf[:0]
		f.discarding = true
		return
	}
	f.buf = append(f.buf, b...)
}

type burstFramer struct{}

func (burstFramer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	return []string{string(chunk)}
}

func (burstFramer) Reset() {}
