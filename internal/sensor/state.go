package sensor

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

// StateKind enumerates the variants of State
type StateKind int

const (
	KindDisconnected StateKind = iota
	KindConnecting
	KindConnected
	KindReadingReceived
	KindFailed
)

func (k StateKind) String() string {
	switch k {
	case KindDisconnected:
		return "disconnected"
	case KindConnecting:
		return "connecting"
	case KindConnected:
		return "connected"
	case KindReadingReceived:
		return "reading_received"
	case KindFailed:
		return "failed"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

// State is the connection state of the sensor link. The set of
// implementations is closed: Disconnected, Connecting, Connected,
// ReadingReceived and Failed.
type State interface {
	Kind() StateKind
	Device() string
	isState()
}

// Disconnected means no session is open
type Disconnected struct {
	DeviceID string
}

// Connecting means a session open is in progress
type Connecting struct {
	DeviceID string
}

// Connected means a session is open and its reader is running
type Connected struct {
	DeviceID  string
	SessionID uuid.UUID
}

// ReadingReceived carries a freshly parsed reading
type ReadingReceived struct {
	Reading models.SensorReading
}

// Failed carries a human readable reason and the underlying error
type Failed struct {
	DeviceID string
	Reason   string
	Err      error
}

func (Disconnected) Kind() StateKind    { return KindDisconnected }
func (Connecting) Kind() StateKind      { return KindConnecting }
func (Connected) Kind() StateKind       { return KindConnected }
func (ReadingReceived) Kind() StateKind { return KindReadingReceived }
func (Failed) Kind() StateKind          { return KindFailed }

func (s Disconnected) Device() string    { return s.DeviceID }
func (s Connecting) Device() string      { return s.DeviceID }
func (s Connected) Device() string       { return s.DeviceID }
func (s ReadingReceived) Device() string { return s.Reading.DeviceID }
func (s Failed) Device() string          { return s.DeviceID }

func (Disconnected) isState()    {}
func (Connecting) isState()      {}
func (Connected) isState()       {}
func (ReadingReceived) isState() {}
func (Failed) isState()          {}

// StateView is the wire form of a State for JSON consumers
type StateView struct {
	State     string                `json:"state"`
	DeviceID  string                `json:"device_id,omitempty"`
	SessionID string                `json:"session_id,omitempty"`
	Reading   *models.SensorReading `json:"reading,omitempty"`
	Reason    string                `json:"reason,omitempty"`
}

// View converts a State into its wire form
func View(s State) StateView {
	view := StateView{State: s.Kind().String(), DeviceID: s.Device()}

	switch st := s.(type) {
	case Disconnected, Connecting:
	case Connected:
		view.SessionID = st.SessionID.String()
	case ReadingReceived:
		reading := st.Reading
		view.Reading = &reading
	case Failed:
		view.Reason = st.Reason
	default:
		panic(fmt.Sprintf("sensor: unhandled state %T", s))
	}

	return view
}
