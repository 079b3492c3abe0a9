package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/donovanhide/eventsource"

	"github.com/mossy-p/screenshare-session/internal/models"
)

// SSETransport signals over the collaborator's HTTP interface: sends go
// through POST /sessions/{id}/signal, inbound events arrive on the
// GET /sessions/{id}/signal/stream push stream.
type SSETransport struct {
	client    *http.Client
	signalURL string

	stream *eventsource.Stream
	events chan models.Event

	closeOnce sync.Once
}

// NewSSE subscribes to the session's push stream and returns a connected
// transport.
func NewSSE(baseURL, sessionID, participantID, role, token string) (*SSETransport, error) {
	t := &SSETransport{
		client:    &http.Client{Timeout: 10 * time.Second},
		signalURL: fmt.Sprintf("%s/sessions/%s/signal", baseURL, sessionID),
		events:    make(chan models.Event, 256),
	}

	streamURL := fmt.Sprintf("%s/sessions/%s/signal/stream?%s", baseURL, sessionID, url.Values{
		"participantId": {participantID},
		"role":          {role},
		"token":         {token},
	}.Encode())
	req, err := http.NewRequest(http.MethodGet, streamURL, http.NoBody)
	if err != nil {
		return nil, err
	}
	stream, err := eventsource.SubscribeWithRequest("", req)
	if err != nil {
		return nil, fmt.Errorf("subscribing to signal stream: %w", err)
	}
	t.stream = stream

	go t.readLoop()
	return t, nil
}

func (t *SSETransport) readLoop() {
	defer close(t.events)
	for {
		select {
		case ev, ok := <-t.stream.Events:
			if !ok {
				return
			}
			if parsed, ok := parseStreamEvent(ev.Event(), []byte(ev.Data())); ok {
				t.events <- parsed
			}
		case err, ok := <-t.stream.Errors:
			if !ok {
				return
			}
			// eventsource reconnects on its own; just surface the blip.
			log.Printf("Signal stream error: %v", err)
		}
	}
}

// parseStreamEvent decodes one named stream event. Malformed payloads are
// discarded.
func parseStreamEvent(name string, data []byte) (models.Event, bool) {
	switch models.EventType(name) {
	case models.EventConnected:
		var payload models.ConnectedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			log.Printf("Discarding malformed connected event: %v", err)
			return models.Event{}, false
		}
		return models.Event{Type: models.EventConnected, Connected: &payload}, true
	case models.EventSignal:
		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Discarding malformed signal event: %v", err)
			return models.Event{}, false
		}
		return models.Event{Type: models.EventSignal, Signal: &msg}, true
	case models.EventPresenceJoin, models.EventPresenceLeave:
		var p models.Presence
		if err := json.Unmarshal(data, &p); err != nil {
			log.Printf("Discarding malformed presence event: %v", err)
			return models.Event{}, false
		}
		return models.Event{Type: models.EventType(name), Participant: &p}, true
	default:
		log.Printf("Ignoring unknown stream event type %q", name)
		return models.Event{}, false
	}
}

// Send posts one signaling message to the session
func (t *SSETransport) Send(ctx context.Context, msg models.SignalMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.signalURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		text, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("signal rejected: %s: %s", resp.Status, text)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// Events returns the inbound event stream
func (t *SSETransport) Events() <-chan models.Event {
	return t.events
}

// Close shuts down the push stream
func (t *SSETransport) Close() error {
	t.closeOnce.Do(func() {
		t.stream.Close()
	})
	return nil
}
