package control

import (
	"log"
	"sync"

	"github.com/mossy-p/screenshare-session/internal/models"
)

// SendFunc delivers a control message to one viewer's control channel
type SendFunc func(participantID string, m models.ControlMessage) error

// Registry is the host-side remote-control state machine. It is the sole
// writer of control-state transitions triggered by grant/revoke, which is
// what keeps the single-controller invariant: at most one viewer holds
// "granted" at any time, and granting to a new viewer revokes the previous
// holder before the new grant is sent.
type Registry struct {
	mu      sync.Mutex
	states  map[string]models.ControlState
	granted string // participant currently holding control, "" when none
	lastSeq map[string]uint64

	send    SendFunc
	onState func(participantID string, s models.ControlState)
}

// NewRegistry creates a registry. send delivers control messages to a
// viewer; onState (optional) observes every state transition.
func NewRegistry(send SendFunc, onState func(string, models.ControlState)) *Registry {
	return &Registry{
		states:  make(map[string]models.ControlState),
		lastSeq: make(map[string]uint64),
		send:    send,
		onState: onState,
	}
}

func (r *Registry) setStateLocked(id string, s models.ControlState) {
	r.states[id] = s
	if r.onState != nil {
		r.onState(id, s)
	}
}

// HandleRequest records a viewer's control-request. The host never replies
// automatically; the viewer stays requested until the embedder calls Grant
// or the viewer releases.
func (r *Registry) HandleRequest(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states[id] == models.ControlStateGranted {
		return
	}
	r.setStateLocked(id, models.ControlStateRequested)
}

// Grant gives control to id, first revoking the current holder if any.
// The revoke is sent before the grant so a remote trace never observes two
// granted viewers.
func (r *Registry) Grant(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.granted == id {
		return nil
	}
	if prev := r.granted; prev != "" {
		if err := r.send(prev, models.ControlMessage{Type: models.ControlTypeRevoke}); err != nil {
			log.Printf("Failed to send control-revoke to %s: %v", prev, err)
		}
		r.setStateLocked(prev, models.ControlStateViewOnly)
		r.granted = ""
	}
	if err := r.send(id, models.ControlMessage{Type: models.ControlTypeGrant}); err != nil {
		return err
	}
	r.granted = id
	r.setStateLocked(id, models.ControlStateGranted)
	return nil
}

// Revoke resets id to view-only. Revoking a viewer that does not hold
// control still resets a pending request.
func (r *Registry) Revoke(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.granted == id {
		r.granted = ""
	}
	r.setStateLocked(id, models.ControlStateViewOnly)
	return r.send(id, models.ControlMessage{Type: models.ControlTypeRevoke})
}

// HandleRelease processes a control-revoke received from the viewer itself
func (r *Registry) HandleRelease(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.granted == id {
		r.granted = ""
	}
	r.setStateLocked(id, models.ControlStateViewOnly)
}

// Granted returns the participant currently holding control, or ""
func (r *Registry) Granted() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.granted
}

// State returns id's control state
func (r *Registry) State(id string) models.ControlState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.states[id]; ok {
		return s
	}
	return models.ControlStateViewOnly
}

// AcceptInput reports whether an input message from id with the given
// sequence number should be accepted: the sender must hold control and the
// sequence must advance monotonically. Rejection is a silent no-op at the
// protocol level.
func (r *Registry) AcceptInput(id string, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.granted != id {
		return false
	}
	if seq <= r.lastSeq[id] {
		return false
	}
	r.lastSeq[id] = seq
	return true
}

// Drop forgets all state for a departed viewer
func (r *Registry) Drop(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.granted == id {
		r.granted = ""
	}
	delete(r.states, id)
	delete(r.lastSeq, id)
}
