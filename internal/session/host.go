package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/screenshare-session/internal/control"
	"github.com/mossy-p/screenshare-session/internal/models"
	"github.com/mossy-p/screenshare-session/internal/quality"
	"github.com/mossy-p/screenshare-session/internal/signaling"
)

const (
	defaultMaxReconnectAttempts = 3
	defaultSampleInterval       = 2 * time.Second
	signalSendTimeout           = 10 * time.Second
	controlChannelLabel         = "control"
)

// HostOptions configures a host supervisor
type HostOptions struct {
	// Video is the current screen track, nil when not sharing yet.
	Video webrtc.TrackLocal
	// Mic is the host microphone track, nil when unavailable.
	Mic webrtc.TrackLocal

	// NewHandle creates peer connections; defaults to the pion factory
	// using the ICE servers announced on the signal stream.
	NewHandle HandleFactory

	// Encoding returns the encoding controller for a viewer's outbound
	// video, or nil when the capture layer exposes none.
	Encoding func(participantID string) quality.EncodingController

	MaxReconnectAttempts int
	SampleInterval       time.Duration

	// Callbacks; all optional. Input events are only delivered for the
	// viewer currently holding control, with monotonic sequence numbers.
	OnInput          func(viewerID string, ev models.InputEvent)
	OnCursor         func(viewerID string, x, y float64, visible bool)
	OnControlRequest func(viewerID string)
	OnSample         func(viewerID string, m models.QualityMetrics, q models.NetworkQuality)
	OnPeerState      func(viewerID string, s models.ConnectionState)
}

// Host supervises one peer connection per viewer: it negotiates them from
// presence events, relays viewer voice between them, moderates control,
// and retires them on leave, kick, or terminal failure.
type Host struct {
	localID   string
	transport signaling.Transport
	opts      HostOptions

	mu          sync.Mutex
	peers       map[string]*Peer
	relayTracks map[string]*webrtc.TrackLocalStaticRTP
	video       webrtc.TrackLocal
	iceServers  []webrtc.ICEServer

	registry *control.Registry
	monitor  *quality.Monitor
}

// NewHost creates a host supervisor for a session. Run must be called to
// start processing.
func NewHost(localID string, transport signaling.Transport, opts HostOptions) *Host {
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = defaultSampleInterval
	}

	h := &Host{
		localID:     localID,
		transport:   transport,
		opts:        opts,
		peers:       make(map[string]*Peer),
		relayTracks: make(map[string]*webrtc.TrackLocalStaticRTP),
		video:       opts.Video,
	}
	if h.opts.NewHandle == nil {
		h.opts.NewHandle = NewPionFactory(h.currentICEServers)
	}
	h.registry = control.NewRegistry(h.sendControl, h.onControlState)
	h.monitor = quality.NewMonitor(opts.SampleInterval, h.qualityTargets, opts.OnSample)
	return h
}

func (h *Host) currentICEServers() []webrtc.ICEServer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.iceServers
}

// Run processes signaling and presence events until ctx is cancelled or
// the transport closes. All live peers are torn down on exit.
func (h *Host) Run(ctx context.Context) error {
	monitorCtx, cancelMonitor := context.WithCancel(ctx)
	defer cancelMonitor()
	go h.monitor.Run(monitorCtx)

	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-h.transport.Events():
			if !ok {
				return nil
			}
			h.handleEvent(ev)
		}
	}
}

func (h *Host) handleEvent(ev models.Event) {
	switch ev.Type {
	case models.EventConnected:
		if ev.Connected != nil && len(ev.Connected.ICEServers) > 0 {
			h.mu.Lock()
			h.iceServers = ev.Connected.ICEServers
			h.mu.Unlock()
		}
	case models.EventPresenceJoin:
		if ev.Participant != nil && ev.Participant.Role != "host" {
			h.addViewer(ev.Participant.ParticipantID)
		}
	case models.EventPresenceLeave:
		if ev.Participant != nil {
			h.destroyPeer(ev.Participant.ParticipantID, models.ConnectionStateDisconnected)
		}
	case models.EventSignal:
		if ev.Signal != nil {
			h.handleSignal(*ev.Signal)
		}
	}
}

func (h *Host) handleSignal(msg models.SignalMessage) {
	p := h.peer(msg.SenderID)
	if p == nil {
		// Unknown peer: a protocol violation, never a crash.
		log.Printf("Ignoring %s from unknown participant %s", msg.Type, msg.SenderID)
		return
	}
	p.dispatch(msg, h.senderFor(p.id))
}

// senderFor builds the addressed signal sender for one peer
func (h *Host) senderFor(peerID string) signalSender {
	return func(msg models.SignalMessage) {
		msg.SenderID = h.localID
		msg.TargetID = peerID
		ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
		defer cancel()
		if err := h.transport.Send(ctx, msg); err != nil {
			log.Printf("Failed to send %s to %s: %v", msg.Type, peerID, err)
		}
	}
}

// addViewer creates and negotiates the connection for a newly joined
// viewer: current local tracks attached, control channel created, offer
// sent.
func (h *Host) addViewer(id string) {
	if h.peer(id) != nil {
		log.Printf("Ignoring duplicate join for %s", id)
		return
	}

	handle, err := h.opts.NewHandle()
	if err != nil {
		log.Printf("Failed to create peer connection for %s: %v", id, err)
		return
	}

	p := newPeer(id, "viewer", handle)
	if h.opts.Encoding != nil {
		p.encoding = h.opts.Encoding(id)
	}
	p.setState(models.ConnectionStateConnecting)

	// Publish the peer and snapshot the current tracks in one critical
	// section: a relay track registered after this snapshot sees the peer
	// in the live set and attaches itself via the peer's task queue, so
	// every relay lands in exactly one of the two paths.
	h.mu.Lock()
	video := h.video
	relays := make(map[string]*webrtc.TrackLocalStaticRTP, len(h.relayTracks))
	for src, t := range h.relayTracks {
		relays[src] = t
	}
	h.peers[id] = p
	h.mu.Unlock()

	if video != nil {
		if sender, err := handle.AddTrack(video); err != nil {
			log.Printf("Failed to attach screen track for %s: %v", id, err)
		} else {
			p.videoSender = sender
			go drainSender(sender)
		}
	}
	if h.opts.Mic != nil {
		if sender, err := handle.AddTrack(h.opts.Mic); err != nil {
			log.Printf("Failed to attach mic track for %s: %v", id, err)
		} else {
			p.micSender = sender
			go drainSender(sender)
		}
	}
	for src, t := range relays {
		if sender, err := handle.AddTrack(t); err != nil {
			log.Printf("Failed to attach relayed audio of %s for %s: %v", src, id, err)
		} else {
			p.mu.Lock()
			p.relaySenders[src] = sender
			p.mu.Unlock()
			go drainSender(sender)
		}
	}

	// The host always creates the control channel; the viewer receives it.
	ordered := true
	dc, err := handle.CreateDataChannel(controlChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		log.Printf("Failed to create control channel for %s: %v", id, err)
		h.destroyPeer(id, models.ConnectionStateFailed)
		return
	}
	p.setControl(control.NewChannel(dc, h.controlHandler(p)))

	handle.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !p.alive() {
			return
		}
		init := c.ToJSON()
		h.senderFor(id)(models.SignalMessage{Type: models.SignalTypeCandidate, Candidate: &init})
	})
	handle.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		h.handleConnectionState(p, s)
	})
	handle.OnTrack(func(track RemoteTrack) {
		if !p.alive() {
			return
		}
		go h.relayFrom(p, track)
	})

	p.queue.enqueue(func() { p.negotiate(nil, h.senderFor(id)) })
	h.notifyState(p, models.ConnectionStateConnecting)
}

func (h *Host) handleConnectionState(p *Peer, s webrtc.PeerConnectionState) {
	if !p.alive() || h.peer(p.id) != p {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		p.mu.Lock()
		p.retries = 0
		p.state = models.ConnectionStateConnected
		p.mu.Unlock()
		h.notifyState(p, models.ConnectionStateConnected)
	case webrtc.PeerConnectionStateFailed:
		p.queue.enqueue(func() { h.retryOrFail(p) })
	default:
		if mapped, ok := mapConnectionState(s); ok {
			p.setState(mapped)
			h.notifyState(p, mapped)
		}
	}
}

// retryOrFail performs one bounded ICE-restart attempt. Runs on the
// peer's task queue so restarts serialize with regular negotiation.
func (h *Host) retryOrFail(p *Peer) {
	if !p.alive() {
		return
	}
	p.mu.Lock()
	if p.retries >= h.opts.MaxReconnectAttempts {
		p.mu.Unlock()
		p.setError(fmt.Sprintf("connection failed after %d reconnection attempts", h.opts.MaxReconnectAttempts))
		h.destroyPeer(p.id, models.ConnectionStateFailed)
		return
	}
	p.retries++
	attempt := p.retries
	p.state = models.ConnectionStateReconnecting
	p.mu.Unlock()

	log.Printf("Connection to %s failed, ICE restart attempt %d/%d", p.id, attempt, h.opts.MaxReconnectAttempts)
	h.notifyState(p, models.ConnectionStateReconnecting)
	p.negotiate(&webrtc.OfferOptions{ICERestart: true}, h.senderFor(p.id))
}

// destroyPeer is the single teardown path for leave, kick, and terminal
// failure: media loops stop, the control channel and connection close,
// and only then is the peer removed from the live set. Idempotent.
func (h *Host) destroyPeer(id string, final models.ConnectionState) {
	p := h.peer(id)
	if p == nil {
		return
	}
	p.stop()
	p.setState(final)

	h.mu.Lock()
	if current, ok := h.peers[id]; ok && current == p {
		delete(h.peers, id)
	}
	h.mu.Unlock()

	h.registry.Drop(id)
	h.removeRelay(id)
	h.notifyState(p, final)
	log.Printf("Removed viewer %s (%s)", id, final)
}

func (h *Host) shutdown() {
	h.mu.Lock()
	ids := make([]string, 0, len(h.peers))
	for id := range h.peers {
		ids = append(ids, id)
	}
	h.mu.Unlock()
	for _, id := range ids {
		h.destroyPeer(id, models.ConnectionStateDisconnected)
	}
}

func (h *Host) notifyState(p *Peer, s models.ConnectionState) {
	if h.opts.OnPeerState != nil {
		h.opts.OnPeerState(p.id, s)
	}
}

// peer returns the live peer for id, or nil
func (h *Host) peer(id string) *Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peers[id]
}

// Peers returns a snapshot of the live peer set
func (h *Host) Peers() []*Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

func (h *Host) qualityTargets() []quality.Target {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]quality.Target, 0, len(h.peers))
	for _, p := range h.peers {
		out = append(out, p)
	}
	return out
}

// GrantControl gives remote control to a viewer, revoking any previous
// holder first
func (h *Host) GrantControl(id string) error {
	if h.peer(id) == nil {
		return fmt.Errorf("no connection for participant %s", id)
	}
	return h.registry.Grant(id)
}

// RevokeControl resets a viewer to view-only
func (h *Host) RevokeControl(id string) error {
	if h.peer(id) == nil {
		return fmt.Errorf("no connection for participant %s", id)
	}
	return h.registry.Revoke(id)
}

// Kick removes a viewer: the kick message is sent best-effort before the
// connection is torn down
func (h *Host) Kick(id, reason string) {
	p := h.peer(id)
	if p == nil {
		return
	}
	if ch := p.controlChannel(); ch != nil {
		if err := ch.Send(models.ControlMessage{Type: models.ControlTypeKick, Reason: reason}); err != nil {
			log.Printf("Failed to send kick to %s: %v", id, err)
		}
	}
	h.destroyPeer(id, models.ConnectionStateDisconnected)
}

// SetMuted instructs a viewer to gate its own outbound audio. The viewer
// side enforces the mute; the host records it for bookkeeping only.
func (h *Host) SetMuted(id string, muted bool) error {
	p := h.peer(id)
	if p == nil {
		return fmt.Errorf("no connection for participant %s", id)
	}
	p.setMuted(muted)
	ch := p.controlChannel()
	if ch == nil {
		return fmt.Errorf("no control channel for participant %s", id)
	}
	return ch.Send(models.ControlMessage{
		Type:          models.ControlTypeMute,
		ParticipantID: id,
		Muted:         muted,
	})
}

// Reconnect manually rebuilds a viewer's connection from scratch: full
// teardown followed by a fresh negotiation, with the retry counter reset.
func (h *Host) Reconnect(id string) {
	h.destroyPeer(id, models.ConnectionStateDisconnected)
	h.addViewer(id)
}

// StartScreenShare publishes (or swaps) the screen track to every viewer
func (h *Host) StartScreenShare(track webrtc.TrackLocal) {
	h.mu.Lock()
	h.video = track
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.queue.enqueue(func() {
			if !p.alive() {
				return
			}
			if p.videoSender != nil {
				if err := p.videoSender.ReplaceTrack(track); err != nil {
					log.Printf("Failed to replace screen track for %s: %v", p.id, err)
				}
				return
			}
			sender, err := p.handle.AddTrack(track)
			if err != nil {
				log.Printf("Failed to attach screen track for %s: %v", p.id, err)
				return
			}
			p.videoSender = sender
			go drainSender(sender)
			p.negotiate(nil, h.senderFor(p.id))
		})
	}
}

// StopScreenShare replaces the video sender's track with no track rather
// than removing the sender, keeping the negotiated media lines stable.
func (h *Host) StopScreenShare() {
	h.mu.Lock()
	h.video = nil
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.queue.enqueue(func() {
			if !p.alive() || p.videoSender == nil {
				return
			}
			if err := p.videoSender.ReplaceTrack(nil); err != nil {
				log.Printf("Failed to clear screen track for %s: %v", p.id, err)
			}
		})
	}
}

// sendControl delivers a control message to one viewer (registry wiring)
func (h *Host) sendControl(id string, m models.ControlMessage) error {
	p := h.peer(id)
	if p == nil {
		return fmt.Errorf("no connection for participant %s", id)
	}
	ch := p.controlChannel()
	if ch == nil {
		return fmt.Errorf("no control channel for participant %s", id)
	}
	return ch.Send(m)
}

func (h *Host) onControlState(id string, s models.ControlState) {
	if p := h.peer(id); p != nil {
		p.setControlState(s)
	}
}

// controlHandler decodes a viewer's inbound control traffic
func (h *Host) controlHandler(p *Peer) func(models.ControlMessage) {
	return func(m models.ControlMessage) {
		if !p.alive() {
			return
		}
		switch m.Type {
		case models.ControlTypeRequest:
			h.registry.HandleRequest(p.id)
			if h.opts.OnControlRequest != nil {
				h.opts.OnControlRequest(p.id)
			}
		case models.ControlTypeRevoke:
			h.registry.HandleRelease(p.id)
		case models.ControlTypeInput:
			// Input from a viewer that does not hold control is a
			// silent no-op, as is a stale sequence number.
			if m.Event != nil && h.registry.AcceptInput(p.id, m.Sequence) && h.opts.OnInput != nil {
				h.opts.OnInput(p.id, *m.Event)
			}
		case models.ControlTypeCursor:
			if h.opts.OnCursor != nil {
				h.opts.OnCursor(p.id, m.X, m.Y, m.Visible)
			}
		default:
			log.Printf("Ignoring unexpected %s control message from %s", m.Type, p.id)
		}
	}
}

// drainSender discards inbound RTCP on a sender so interceptors keep
// processing reports
func drainSender(sender TrackSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
