package sensor

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
)

// SerialPortService is the well-known serial-port-profile service class UUID
var SerialPortService = uuid.MustParse("00001101-0000-1000-8000-00805F9B34FB")

// Transport opens byte-stream sessions to paired devices
type Transport interface {
	Open(ctx context.Context, device models.PairedDevice, service uuid.UUID) (Link, error)
}

// Link is one open, ordered, bidirectional session
type Link interface {
	Input() io.ReadCloser
	Output() OutputStream
	Close() error

	// IsConnected queries the live transport, not a cached flag
	IsConnected() bool
}

// OutputStream is the write half of a Link
type OutputStream interface {
	io.WriteCloser
	Flush() error
}

// Registry is the platform's record of paired devices and radio state
type Registry interface {
	PairedDevices() ([]models.PairedDevice, error)
	RadioAvailable() bool
	PermissionGranted() bool
}
