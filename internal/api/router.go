package api

import (
	"context"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/database"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/services"
)

// SensorManager is the connection manager as the API sees it
type SensorManager interface {
	State() sensor.State
	Session() (sensor.SessionInfo, bool)
	IsConnected() bool
	Connect(ctx context.Context, device models.PairedDevice) error
	Disconnect()
	SendCommand(ctx context.Context, text string) error
	RequestReading(ctx context.Context) error
	Calibrate(ctx context.Context) error
	Subscribe(ctx context.Context) *sensor.Subscription
}

// DeviceLister is the device enumerator as the API sees it
type DeviceLister interface {
	IsTransportAvailable() bool
	HasRequiredPermission() bool
	ListPairedDevices() []models.PairedDevice
	Lookup(address string) (models.PairedDevice, bool)
}

// LatestReading returns the newest reading seen by this process
type LatestReading interface {
	Latest() (models.StoredReading, bool)
}

// SeenDevices lists the sensors that have connected since start
type SeenDevices interface {
	Devices() []services.SeenDevice
}

// Operator is told about operator connects and disconnects
type Operator interface {
	Pause()
	Resume()
}

// Checker reports whether a dependency is up
type Checker interface {
	IsConnected() bool
}

// Deps are the components behind the API. Manager and Devices are
// required; the rest may be nil.
type Deps struct {
	Manager    SensorManager
	Devices    DeviceLister
	Store      database.Store
	Readings   LatestReading
	Seen       SeenDevices
	Supervisor Operator
	MQTT       Checker
}

// Server serves the bridge's HTTP API
type Server struct {
	deps Deps
}

// NewServer creates the API server
func NewServer(deps Deps) *Server {
	if deps.Store == nil {
		deps.Store = database.NopStore{}
	}
	return &Server{deps: deps}
}

// Router returns the routes wrapped in an access log
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health).Methods("GET")
	r.HandleFunc("/devices", s.devices).Methods("GET")
	r.HandleFunc("/devices/seen", s.seenDevices).Methods("GET")
	r.HandleFunc("/state", s.state).Methods("GET")
	r.HandleFunc("/session", s.session).Methods("GET")
	r.HandleFunc("/readings/latest", s.latestReading).Methods("GET")
	r.HandleFunc("/readings", s.readings).Methods("GET")

	r.HandleFunc("/connect", s.connect).Methods("POST")
	r.HandleFunc("/disconnect", s.disconnect).Methods("POST")
	r.HandleFunc("/commands/read", s.commandRead).Methods("POST")
	r.HandleFunc("/commands/calibrate", s.commandCalibrate).Methods("POST")
	r.HandleFunc("/commands", s.command).Methods("POST")

	r.HandleFunc("/ws/state", s.stateStream).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return handlers.LoggingHandler(log.With().Str("component", "http").Logger(), r)
}
