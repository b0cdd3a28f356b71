package api

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"secretboard/pkg/domain"
	"secretboard/svc/events"
	"secretboard/svc/util"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Stream serves posted-message events over a websocket.
type Stream struct {
	hub      *events.Hub
	upgrader websocket.Upgrader
}

func NewStream(hub *events.Hub, allowedOrigins []string) *Stream {
	return &Stream{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker accepts non-browser clients (no Origin), same-host origins and
// the configured allow list.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

func (s *Stream) Events(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		w.Header().Set("Content-Type", "application/json")
		writeErr(w, domain.ErrServiceUnavailable, util.GetRequestID(r.Context()))
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	id, ch, err := s.hub.Subscribe()
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "shutting down"),
			time.Now().Add(writeWait))
		return
	}
	defer s.hub.Unsubscribe(id)
	util.Debug().Uint64("subscriber", id).Msg("event subscriber connected")

	// reads only serve control frames; the client never sends data
	done := make(chan struct{})
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				util.Debug().Err(err).Uint64("subscriber", id).Msg("event write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
