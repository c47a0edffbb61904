package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/models"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/services"
)

const (
	defaultReadingsLimit = 50
	maxReadingsLimit     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Str("component", "http").Err(err).Msg("Couldn't send response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// errorStatus maps manager errors onto HTTP statuses
func errorStatus(err error) int {
	switch {
	case errors.Is(err, sensor.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, sensor.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, sensor.ErrNotConnected):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

type healthResponse struct {
	Status          string `json:"status"`
	SensorConnected bool   `json:"sensor_connected"`
	MQTTConnected   *bool  `json:"mqtt_connected,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", SensorConnected: s.deps.Manager.IsConnected()}
	if !resp.SensorConnected {
		resp.Status = "degraded"
	}
	if s.deps.MQTT != nil {
		up := s.deps.MQTT.IsConnected()
		resp.MQTTConnected = &up
		if !up {
			resp.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type devicesResponse struct {
	TransportAvailable bool                  `json:"transport_available"`
	PermissionGranted  bool                  `json:"permission_granted"`
	Devices            []models.PairedDevice `json:"devices"`
}

func (s *Server) devices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, devicesResponse{
		TransportAvailable: s.deps.Devices.IsTransportAvailable(),
		PermissionGranted:  s.deps.Devices.HasRequiredPermission(),
		Devices:            s.deps.Devices.ListPairedDevices(),
	})
}

// seenDevices lists sensors that connected since start
func (s *Server) seenDevices(w http.ResponseWriter, _ *http.Request) {
	devices := []services.SeenDevice{}
	if s.deps.Seen != nil {
		devices = s.deps.Seen.Devices()
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) state(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sensor.View(s.deps.Manager.State()))
}

func (s *Server) session(w http.ResponseWriter, _ *http.Request) {
	info, ok := s.deps.Manager.Session()
	if !ok {
		writeError(w, http.StatusNotFound, sensor.ErrNotConnected)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) latestReading(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Readings == nil {
		writeError(w, http.StatusNotFound, errors.New("no reading received yet"))
		return
	}
	reading, ok := s.deps.Readings.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no reading received yet"))
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) readings(w http.ResponseWriter, r *http.Request) {
	limit := defaultReadingsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxReadingsLimit {
			writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	readings, err := s.deps.Store.RecentReadings(r.Context(), r.URL.Query().Get("device"), limit)
	if err != nil {
		log.Error().Str("component", "http").Err(err).Msg("Failed to query readings")
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if readings == nil {
		readings = []models.StoredReading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

type connectRequest struct {
	Address string `json:"address"`
}

func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"address": "..."}`))
		return
	}

	device, ok := s.deps.Devices.Lookup(req.Address)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("device is not paired: "+req.Address))
		return
	}

	if s.deps.Supervisor != nil {
		s.deps.Supervisor.Resume()
	}

	if err := s.deps.Manager.Connect(r.Context(), device); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	info, _ := s.deps.Manager.Session()
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) disconnect(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Supervisor != nil {
		s.deps.Supervisor.Pause()
	}
	s.deps.Manager.Disconnect()
	writeJSON(w, http.StatusOK, sensor.View(s.deps.Manager.State()))
}

func (s *Server) commandRead(w http.ResponseWriter, r *http.Request) {
	s.commandResult(w, s.deps.Manager.RequestReading(r.Context()))
}

func (s *Server) commandCalibrate(w http.ResponseWriter, r *http.Request) {
	s.commandResult(w, s.deps.Manager.Calibrate(r.Context()))
}

type commandRequest struct {
	Command string `json:"command"`
}

// command sends the text verbatim; the caller supplies the terminator
func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, errors.New(`body must be {"command": "..."}`))
		return
	}
	s.commandResult(w, s.deps.Manager.SendCommand(r.Context(), req.Command))
}

func (s *Server) commandResult(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
