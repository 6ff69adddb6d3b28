package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/podium/internal/events"
	"github.com/MrWong99/podium/internal/observe"
)

// handleEvents upgrades to a WebSocket and streams bus events as JSON text
// messages until the client goes away or the bus closes. The optional
// "kinds" query parameter is a comma-separated filter, e.g.
// ?kinds=clock.tick,recording.updated.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var kinds []events.Kind
	for _, k := range strings.Split(r.URL.Query().Get("kinds"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds = append(kinds, events.Kind(k))
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		// Accept has already written the HTTP error.
		observe.Logger(r.Context()).Debug("server: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := s.bus.Subscribe(kinds...)
	defer sub.Close()

	// The stream is one-way; CloseRead answers pings and cancels ctx when the
	// client disconnects.
	ctx := conn.CloseRead(r.Context())
	log := observe.Logger(ctx)
	log.Debug("server: event stream opened", "kinds", kinds)

	for {
		select {
		case <-ctx.Done():
			log.Debug("server: event stream closed", "dropped", sub.Dropped())
			return
		case e, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := s.writeEvent(ctx, conn, e); err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Debug("server: event stream write", "kind", e.Kind, "err", err)
				}
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, e events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, e)
}
