// Package hub is an in-memory implementation of the signaling collaborator
// endpoints the transports consume: POST /sessions/{id}/signal, the
// GET /sessions/{id}/signal/stream push stream (plus a websocket variant),
// and POST /sessions/{id}/stats. It backs the transport integration tests
// and the cmd/hub development binary; it is not the production session
// service.
package hub

import (
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/screenshare-session/internal/models"
)

// outEvent is one named event queued for a subscriber
type outEvent struct {
	name string
	data any
}

// subscriber is one participant's open stream (SSE or websocket)
type subscriber struct {
	id     string
	role   string
	events chan outEvent
}

// session holds the subscribers of one signaling session
type session struct {
	id   string
	mu   sync.RWMutex
	subs map[string]*subscriber
}

// Hub routes signaling between the participants of each session
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*session

	jwtSecret  string
	iceServers []webrtc.ICEServer
	presence   *Presence // optional Redis mirror

	statsMu sync.RWMutex
	stats   map[string]models.QualityMetrics // "session/participant" -> latest report
}

// Option configures the hub
type Option func(*Hub)

// WithJWTSecret makes the hub require a valid stream token
func WithJWTSecret(secret string) Option {
	return func(h *Hub) { h.jwtSecret = secret }
}

// WithICEServers sets the ICE server list advertised in connected events
func WithICEServers(servers []webrtc.ICEServer) Option {
	return func(h *Hub) { h.iceServers = servers }
}

// WithPresence mirrors join/leave into Redis
func WithPresence(p *Presence) Option {
	return func(h *Hub) { h.presence = p }
}

// New creates a hub
func New(opts ...Option) *Hub {
	h := &Hub{
		sessions: make(map[string]*session),
		stats:    make(map[string]models.QualityMetrics),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the hub's routes on router
func (h *Hub) Register(router *gin.Engine) {
	router.POST("/sessions/:id/signal", h.handleSignal)
	router.GET("/sessions/:id/signal/stream", h.handleStream)
	router.GET("/sessions/:id/signal/ws", h.handleWebSocket)
	router.POST("/sessions/:id/stats", h.handleStats)
}

func (h *Hub) getOrCreateSession(id string) *session {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, exists := h.sessions[id]
	if !exists {
		s = &session{
			id:   id,
			subs: make(map[string]*subscriber),
		}
		h.sessions[id] = s
		log.Printf("Created signaling session %s", id)
	}
	return s
}

func (h *Hub) lookupSession(id string) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[id]
}

func (h *Hub) removeSessionIfEmpty(s *session) {
	s.mu.RLock()
	empty := len(s.subs) == 0
	s.mu.RUnlock()
	if !empty {
		return
	}
	h.mu.Lock()
	if current, ok := h.sessions[s.id]; ok && current == s {
		delete(h.sessions, s.id)
		log.Printf("Removed empty signaling session %s", s.id)
	}
	h.mu.Unlock()
}

func (s *session) add(sub *subscriber) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.id]; exists {
		return false
	}
	s.subs[sub.id] = sub
	return true
}

func (s *session) remove(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.subs[sub.id]; ok && current == sub {
		delete(s.subs, sub.id)
	}
}

// sendTo queues an event for one participant. Returns false when the
// participant has no open stream.
func (s *session) sendTo(participantID string, ev outEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, exists := s.subs[participantID]
	if !exists {
		return false
	}
	select {
	case sub.events <- ev:
	default:
		log.Printf("Dropping event for participant %s, buffer full", participantID)
	}
	return true
}

// broadcast queues an event for every participant except excludeID
func (s *session) broadcast(ev outEvent, excludeID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for id, sub := range s.subs {
		if id == excludeID {
			continue
		}
		select {
		case sub.events <- ev:
		default:
			log.Printf("Dropping event for participant %s, buffer full", id)
		}
	}
}

// handleSignal accepts one SignalMessage and routes it to its target (or
// broadcasts when no target is set). Delivery failures are logged only;
// the sender's next message is independent.
func (h *Hub) handleSignal(c *gin.Context) {
	sessionID := c.Param("id")

	var msg models.SignalMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signal message"})
		return
	}
	if msg.SenderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "senderId is required"})
		return
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	s := h.lookupSession(sessionID)
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	ev := outEvent{name: string(models.EventSignal), data: msg}
	if msg.TargetID != "" {
		if !s.sendTo(msg.TargetID, ev) {
			log.Printf("Signal target %s not found in session %s", msg.TargetID, sessionID)
		}
	} else {
		s.broadcast(ev, msg.SenderID)
	}
	c.Status(http.StatusAccepted)
}

// subscribe registers a participant's stream and emits presence events.
// The returned cleanup must run when the stream ends.
func (h *Hub) subscribe(c *gin.Context, sessionID string) (*subscriber, *session, func(), bool) {
	participantID := c.Query("participantId")
	if participantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "participantId is required"})
		return nil, nil, nil, false
	}
	role := c.DefaultQuery("role", "viewer")

	if h.jwtSecret != "" {
		if err := validateToken(c.Query("token"), h.jwtSecret); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return nil, nil, nil, false
		}
	}

	s := h.getOrCreateSession(sessionID)
	sub := &subscriber{
		id:     participantID,
		role:   role,
		events: make(chan outEvent, 256),
	}
	if !s.add(sub) {
		c.JSON(http.StatusConflict, gin.H{"error": "participant already connected"})
		return nil, nil, nil, false
	}

	if h.presence != nil {
		h.presence.Join(c.Request.Context(), sessionID, participantID)
	}
	log.Printf("Participant %s (%s) joined session %s", participantID, role, sessionID)

	// Bootstrap payload first, then announce to the others.
	sub.events <- outEvent{name: string(models.EventConnected), data: models.ConnectedPayload{
		ParticipantID: participantID,
		ICEServers:    h.iceServers,
	}}
	presence := models.Presence{ParticipantID: participantID, Role: role}
	s.broadcast(outEvent{name: string(models.EventPresenceJoin), data: presence}, participantID)

	cleanup := func() {
		s.remove(sub)
		if h.presence != nil {
			h.presence.Leave(c.Request.Context(), sessionID, participantID)
		}
		s.broadcast(outEvent{name: string(models.EventPresenceLeave), data: presence}, participantID)
		h.removeSessionIfEmpty(s)
		log.Printf("Participant %s left session %s", participantID, sessionID)
	}
	return sub, s, cleanup, true
}

// handleStream serves the SSE push stream
func (h *Hub) handleStream(c *gin.Context) {
	sub, _, cleanup, ok := h.subscribe(c, c.Param("id"))
	if !ok {
		return
	}
	defer cleanup()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, open := <-sub.events:
			if !open {
				return false
			}
			c.SSEvent(ev.name, ev.data)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleStats accepts a fire-and-forget metrics report
func (h *Hub) handleStats(c *gin.Context) {
	sessionID := c.Param("id")
	participantID := c.Query("participantId")

	var m models.QualityMetrics
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid metrics"})
		return
	}

	h.statsMu.Lock()
	h.stats[sessionID+"/"+participantID] = m
	h.statsMu.Unlock()

	c.Status(http.StatusNoContent)
}

// LastStats returns the most recent metrics report for a participant
func (h *Hub) LastStats(sessionID, participantID string) (models.QualityMetrics, bool) {
	h.statsMu.RLock()
	defer h.statsMu.RUnlock()
	m, ok := h.stats[sessionID+"/"+participantID]
	return m, ok
}
