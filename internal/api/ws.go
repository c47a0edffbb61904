package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/Aly-sher/Kaasht-AI-Crop-Prediction/internal/sensor"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Display clients are served from other origins on the local network
	CheckOrigin: func(*http.Request) bool { return true },
}

// stateStream pushes every state as JSON, starting with the current one
func (s *Server) stateStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("component", "http").Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.With().Str("component", "http").Str("remote", r.RemoteAddr).Logger()
	logger.Info().Msg("State stream opened")

	sub := s.deps.Manager.Subscribe(r.Context())
	defer sub.Unsubscribe()

	// The client sends nothing; reading detects when it goes away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			logger.Info().Msg("State stream closed by client")
			return
		case st, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(sensor.View(st)); err != nil {
				logger.Warn().Err(err).Msg("State stream write failed")
				return
			}
		}
	}
}
