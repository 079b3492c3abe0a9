package session

import (
	"log"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/screenshare-session/internal/models"
)

// signalSender delivers an addressed signaling message for one peer.
// Supervisors fill in sender/target ids and log delivery failures; a
// failed send never fails the negotiation step that produced it.
type signalSender func(msg models.SignalMessage)

// applyOffer applies an incoming offer and answers it. Runs on the peer's
// task queue. If an offer of our own is still pending (glare), the local
// description is rolled back first so the incoming offer wins.
func (p *Peer) applyOffer(sdp string, send signalSender) {
	if p.handle.SignalingState() != webrtc.SignalingStateStable {
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := p.handle.SetLocalDescription(rollback); err != nil {
			log.Printf("Failed to roll back local description for %s: %v", p.id, err)
			return
		}
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := p.handle.SetRemoteDescription(offer); err != nil {
		log.Printf("Failed to set remote offer from %s: %v", p.id, err)
		p.setError("negotiation failed: " + err.Error())
		return
	}

	answer, err := p.handle.CreateAnswer(nil)
	if err != nil {
		log.Printf("Failed to create answer for %s: %v", p.id, err)
		p.setError("negotiation failed: " + err.Error())
		return
	}
	if err := p.handle.SetLocalDescription(answer); err != nil {
		log.Printf("Failed to set local answer for %s: %v", p.id, err)
		p.setError("negotiation failed: " + err.Error())
		return
	}

	send(models.SignalMessage{Type: models.SignalTypeAnswer, SDP: answer.SDP})
	p.candidates.drain(p.handle.AddICECandidate)
}

// applyAnswer applies an incoming answer. Runs on the peer's task queue.
// Answers arriving while no local offer is pending (replays, latecomers)
// are logged and ignored.
func (p *Peer) applyAnswer(sdp string) {
	if p.handle.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Printf("Ignoring answer from %s in signaling state %s", p.id, p.handle.SignalingState())
		return
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := p.handle.SetRemoteDescription(answer); err != nil {
		log.Printf("Failed to set remote answer from %s: %v", p.id, err)
		p.setError("negotiation failed: " + err.Error())
		return
	}
	p.candidates.drain(p.handle.AddICECandidate)
}

// applyCandidate applies or buffers an incoming ICE candidate. Runs on
// the peer's task queue. Candidates arriving before the remote
// description are buffered, never applied early.
func (p *Peer) applyCandidate(candidate webrtc.ICECandidateInit) {
	if p.handle.RemoteDescription() == nil {
		p.candidates.add(candidate)
		return
	}
	if err := p.handle.AddICECandidate(candidate); err != nil {
		log.Printf("Failed to add ICE candidate from %s: %v", p.id, err)
	}
}

// negotiate creates and sends a (re)offer. Runs on the peer's task queue.
// opts carries ICE-restart semantics for reconnection attempts.
func (p *Peer) negotiate(opts *webrtc.OfferOptions, send signalSender) {
	offer, err := p.handle.CreateOffer(opts)
	if err != nil {
		log.Printf("Failed to create offer for %s: %v", p.id, err)
		p.setError("negotiation failed: " + err.Error())
		return
	}
	if err := p.handle.SetLocalDescription(offer); err != nil {
		log.Printf("Failed to set local offer for %s: %v", p.id, err)
		p.setError("negotiation failed: " + err.Error())
		return
	}
	send(models.SignalMessage{Type: models.SignalTypeOffer, SDP: offer.SDP})
}

// dispatch routes one signaling message onto the peer's queue in receipt
// order. Returns false when the peer is already torn down.
func (p *Peer) dispatch(msg models.SignalMessage, send signalSender) bool {
	switch msg.Type {
	case models.SignalTypeOffer:
		return p.queue.enqueue(func() { p.applyOffer(msg.SDP, send) })
	case models.SignalTypeAnswer:
		return p.queue.enqueue(func() { p.applyAnswer(msg.SDP) })
	case models.SignalTypeCandidate:
		if msg.Candidate == nil {
			log.Printf("Ignoring ice-candidate message from %s without candidate payload", msg.SenderID)
			return true
		}
		candidate := *msg.Candidate
		return p.queue.enqueue(func() { p.applyCandidate(candidate) })
	default:
		log.Printf("Ignoring unknown signal type %q from %s", msg.Type, msg.SenderID)
		return true
	}
}

// mapConnectionState maps the transport's internal state to the public
// connection state. Failed is not mapped here: failure handling belongs
// to the reconnection logic.
func mapConnectionState(s webrtc.PeerConnectionState) (models.ConnectionState, bool) {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return models.ConnectionStateIdle, true
	case webrtc.PeerConnectionStateConnecting:
		return models.ConnectionStateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return models.ConnectionStateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return models.ConnectionStateReconnecting, true
	case webrtc.PeerConnectionStateClosed:
		return models.ConnectionStateDisconnected, true
	default:
		return 0, false
	}
}
