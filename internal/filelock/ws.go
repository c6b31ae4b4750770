package filelock

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autobuildhq/autobuild/internal/event"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 64,
	WriteBufferSize: 1024 * 64,
	CheckOrigin: func(r *http.Request) bool {
		return true // local service only
	},
}

// wsSendBuffer bounds the per-connection event backlog. A consumer that
// falls further behind loses events rather than blocking the bus.
const wsSendBuffer = 64

// wsEnvelope frames one bus event on the wire.
type wsEnvelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// handleEvents upgrades the connection and streams every bus event to the
// client until either side closes. Messages from the client are read and
// discarded; the stream is one-way.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	send := make(chan event.Event, wsSendBuffer)
	subID := s.bus.SubscribeAll(func(e event.Event) {
		select {
		case send <- e:
		default:
		}
	})
	defer s.bus.Unsubscribe(subID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-send:
			env := wsEnvelope{Type: e.EventType(), Timestamp: e.Timestamp(), Data: e}
			if err := conn.WriteJSON(env); err != nil {
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("event stream write failed", "error", err)
				}
				return
			}
		}
	}
}
