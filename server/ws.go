package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/flowmium/flowmium/eventbus"
	"github.com/flowmium/flowmium/scheduler"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventEnvelope wraps a scheduler event for the websocket stream.
type eventEnvelope struct {
	Event scheduler.Event `json:"event"`
}

// lagEnvelope tells a slow client how many events it missed.
type lagEnvelope struct {
	Lag uint64 `json:"lag"`
}

// handleSchedulerWS streams scheduler events to the client as JSON text
// frames. A client that cannot keep up receives a lag frame and resumes at
// the oldest retained event.
func (s *Server) handleSchedulerWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.records.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Drain incoming frames so control messages are processed and a closed
	// peer stops the stream.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		event, err := sub.Recv(ctx)

		var payload any
		var lag *eventbus.LagError
		switch {
		case errors.As(err, &lag):
			payload = lagEnvelope{Lag: lag.Count}
		case err != nil:
			return
		default:
			payload = eventEnvelope{Event: event}
		}

		if err := conn.WriteJSON(payload); err != nil {
			return
		}
	}
}
