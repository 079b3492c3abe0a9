package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mossy-p/screenshare-session/internal/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// wsEnvelope frames one stream event on the websocket. The event name
// mirrors the SSE event name; data is the event payload.
type wsEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSTransport signals over a single websocket to the collaborator's
// GET /sessions/{id}/signal/ws endpoint. Outbound signal messages and
// inbound stream events share the connection.
type WSTransport struct {
	conn   *websocket.Conn
	send   chan []byte
	events chan models.Event

	closeOnce sync.Once
	closed    chan struct{}
}

// NewWS dials the session's websocket signaling endpoint.
func NewWS(baseURL, sessionID, participantID, role, token string) (*WSTransport, error) {
	wsBase := strings.Replace(baseURL, "http", "ws", 1)
	endpoint := fmt.Sprintf("%s/sessions/%s/signal/ws?%s", wsBase, sessionID, url.Values{
		"participantId": {participantID},
		"role":          {role},
		"token":         {token},
	}.Encode())

	conn, _, err := websocket.DefaultDialer.Dial(endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing signal websocket: %w", err)
	}

	t := &WSTransport{
		conn:   conn,
		send:   make(chan []byte, 256),
		events: make(chan models.Event, 256),
		closed: make(chan struct{}),
	}
	go t.readPump()
	go t.writePump()
	return t, nil
}

func (t *WSTransport) readPump() {
	defer func() {
		t.Close()
		close(t.events)
	}()

	t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Signal websocket error: %v", err)
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("Discarding malformed websocket frame: %v", err)
			continue
		}
		if parsed, ok := parseStreamEvent(env.Event, env.Data); ok {
			t.events <- parsed
		}
	}
}

func (t *WSTransport) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		t.conn.Close()
	}()

	for {
		select {
		case message, ok := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				t.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write signal message: %v", err)
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.closed:
			return
		}
	}
}

// Send queues one signaling message for delivery
func (t *WSTransport) Send(ctx context.Context, msg models.SignalMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case t.send <- data:
		return nil
	case <-t.closed:
		return fmt.Errorf("signal websocket closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the inbound event stream
func (t *WSTransport) Events() <-chan models.Event {
	return t.events
}

// Close shuts down the websocket
func (t *WSTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.conn.Close()
	})
	return nil
}
