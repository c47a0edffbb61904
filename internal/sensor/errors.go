package sensor

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is returned when the host is not allowed to use the radio
	ErrPermissionDenied = errors.New("bluetooth permission not granted")

	// ErrTransportUnavailable is returned when the radio is absent or powered off
	ErrTransportUnavailable = errors.New("bluetooth radio unavailable")

	// ErrNotConnected is returned by commands issued without an open session
	ErrNotConnected = errors.New("no open sensor connection")
)

// ConnectError reports a failed session open. The caller may retry.
type ConnectError struct {
	Device string
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Device, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ReadError reports an I/O failure on an established session. It is fatal to the session.
type ReadError struct {
	Device string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("data read from %s failed: %v", e.Device, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// WriteError reports a command that could not be sent
type WriteError struct {
	Command string
	Err     error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("sending command %q failed: %v", e.Command, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ParseError reports a frame the parser failed on unexpectedly. Malformed
// tokens inside a frame are not parse errors; they are skipped.
type ParseError struct {
	Frame  string
	Reason string
}

func (e *ParseError) Error() string {
	return "data parsing failed: " + e.Reason
}
