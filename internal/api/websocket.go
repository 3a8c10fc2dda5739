package api

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"copytrade-core/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams session transitions and risk alerts to the dashboard.
func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	if s.Bus == nil {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"bus not ready"}`))
		return
	}

	topics := []events.Event{
		events.EventSessionCreated,
		events.EventSessionExecuting,
		events.EventSessionCompleted,
		events.EventSessionFailed,
		events.EventSessionCancelled,
		events.EventRelationshipStatus,
		events.EventRiskAlert,
	}

	type framed struct {
		Topic   events.Event `json:"topic"`
		Payload any          `json:"payload"`
	}

	merged := make(chan framed, 100)
	done := make(chan struct{})
	defer close(done)

	// Read pump: we never expect client frames, but reading is the only way
	// to notice the peer hanging up while the stream is idle.
	peerGone := make(chan struct{})
	go func() {
		defer close(peerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, topic := range topics {
		stream, unsub := s.Bus.Subscribe(topic, 100)
		go func(topic events.Event, stream <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-done:
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					select {
					case merged <- framed{Topic: topic, Payload: msg}:
					case <-done:
						return
					}
				}
			}
		}(topic, stream, unsub)
	}

	for {
		select {
		case <-peerGone:
			return
		case frame := <-merged:
			if err := conn.WriteJSON(frame); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}
}
