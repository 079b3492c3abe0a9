package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/screenshare-session/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// wsEnvelope frames one outbound stream event; inbound frames are raw
// SignalMessages.
type wsEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// handleWebSocket serves the websocket variant of the push stream. The
// connection is bidirectional: the hub pushes stream events down and
// accepts SignalMessage frames up, so a websocket client never needs the
// POST endpoint.
func (h *Hub) handleWebSocket(c *gin.Context) {
	sessionID := c.Param("id")
	sub, s, cleanup, ok := h.subscribe(c, sessionID)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade signal connection: %v", err)
		cleanup()
		return
	}

	done := make(chan struct{})
	go h.wsWritePump(conn, sub, done)
	h.wsReadPump(conn, s, sub)
	close(done)
	cleanup()
}

func (h *Hub) wsReadPump(conn *websocket.Conn, s *session, sub *subscriber) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Signal websocket error: %v", err)
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("Failed to parse signal message: %v", err)
			continue
		}
		msg.SenderID = sub.id
		if msg.Timestamp == 0 {
			msg.Timestamp = time.Now().UnixMilli()
		}

		ev := outEvent{name: string(models.EventSignal), data: msg}
		if msg.TargetID != "" {
			if !s.sendTo(msg.TargetID, ev) {
				log.Printf("Signal target %s not found in session %s", msg.TargetID, s.id)
			}
		} else {
			s.broadcast(ev, sub.id)
		}
	}
}

func (h *Hub) wsWritePump(conn *websocket.Conn, sub *subscriber, done <-chan struct{}) {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev := <-sub.events:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			frame, err := json.Marshal(wsEnvelope{Event: ev.name, Data: ev.data})
			if err != nil {
				log.Printf("Failed to marshal stream event: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Printf("Failed to write stream event: %v", err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
