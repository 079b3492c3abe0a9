package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/screenshare-session/internal/control"
	"github.com/mossy-p/screenshare-session/internal/models"
	"github.com/mossy-p/screenshare-session/internal/quality"
	"github.com/mossy-p/screenshare-session/internal/signaling"
)

const defaultKeyframeInterval = 3 * time.Second

// AudioSource provides the viewer's microphone track together with its
// local mute gate. The gate is authoritative: a muted source stops
// feeding media regardless of what the host believes.
type AudioSource interface {
	Track() webrtc.TrackLocal
	SetMuted(muted bool)
}

// ViewerOptions configures a viewer supervisor
type ViewerOptions struct {
	// HostID is the participant id of the session host.
	HostID string

	// NewHandle creates peer connections; defaults to the pion factory
	// using the ICE servers announced on the signal stream.
	NewHandle HandleFactory

	// Audio is the viewer's microphone, nil when unavailable.
	Audio AudioSource

	MaxReconnectAttempts int
	SampleInterval       time.Duration
	KeyframeInterval     time.Duration

	// Reporter posts periodic quality samples upstream; nil disables
	// reporting.
	Reporter *quality.Reporter

	// Callbacks; all optional.
	OnTrack        func(track RemoteTrack)
	OnState        func(s models.ConnectionState)
	OnControlState func(s models.ControlState)
	OnKicked       func(reason string)
	OnMuted        func(muted bool)
	OnPresence     func(participantID string, joined bool)
	OnSample       func(m models.QualityMetrics, q models.NetworkQuality)
}

// Viewer supervises the single connection to the host: it answers the
// host's offers, receives the screen and relayed audio, drives the
// control protocol from the viewer side, and performs the same bounded
// reconnection as the host.
type Viewer struct {
	localID   string
	transport signaling.Transport
	opts      ViewerOptions

	mu          sync.Mutex
	peer        *Peer
	iceServers  []webrtc.ICEServer
	lastMetrics models.QualityMetrics
	sampled     bool

	seq     atomic.Uint64
	monitor *quality.Monitor

	closeOnce sync.Once
	closed    chan struct{}
}

// NewViewer creates a viewer supervisor. Run must be called to start
// processing.
func NewViewer(localID string, transport signaling.Transport, opts ViewerOptions) *Viewer {
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = defaultSampleInterval
	}
	if opts.KeyframeInterval == 0 {
		opts.KeyframeInterval = defaultKeyframeInterval
	}

	v := &Viewer{
		localID:   localID,
		transport: transport,
		opts:      opts,
		closed:    make(chan struct{}),
	}
	if v.opts.NewHandle == nil {
		v.opts.NewHandle = NewPionFactory(v.currentICEServers)
	}
	v.monitor = quality.NewMonitor(opts.SampleInterval, v.qualityTargets, v.recordSample)
	return v
}

func (v *Viewer) currentICEServers() []webrtc.ICEServer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.iceServers
}

// Run connects to the host and processes signaling until ctx is
// cancelled, the transport closes, or the viewer is kicked.
func (v *Viewer) Run(ctx context.Context) error {
	if err := v.initPeer(false); err != nil {
		return err
	}

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go v.monitor.Run(bgCtx)
	if v.opts.Reporter != nil {
		go v.opts.Reporter.Run(bgCtx)
	}

	defer v.teardown(models.ConnectionStateDisconnected)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.closed:
			return nil
		case ev, ok := <-v.transport.Events():
			if !ok {
				return nil
			}
			v.handleEvent(ev)
		}
	}
}

func (v *Viewer) handleEvent(ev models.Event) {
	switch ev.Type {
	case models.EventConnected:
		if ev.Connected != nil && len(ev.Connected.ICEServers) > 0 {
			v.mu.Lock()
			v.iceServers = ev.Connected.ICEServers
			v.mu.Unlock()
		}
	case models.EventPresenceJoin:
		if ev.Participant != nil && v.opts.OnPresence != nil {
			v.opts.OnPresence(ev.Participant.ParticipantID, true)
		}
	case models.EventPresenceLeave:
		if ev.Participant != nil && v.opts.OnPresence != nil {
			v.opts.OnPresence(ev.Participant.ParticipantID, false)
		}
	case models.EventSignal:
		if ev.Signal == nil {
			return
		}
		if ev.Signal.SenderID != v.opts.HostID {
			log.Printf("Ignoring %s from non-host participant %s", ev.Signal.Type, ev.Signal.SenderID)
			return
		}
		p := v.current()
		if p == nil {
			log.Printf("Ignoring %s with no active connection", ev.Signal.Type)
			return
		}
		p.dispatch(*ev.Signal, v.send)
	}
}

// send addresses every outbound signal to the host
func (v *Viewer) send(msg models.SignalMessage) {
	msg.SenderID = v.localID
	msg.TargetID = v.opts.HostID
	ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
	defer cancel()
	if err := v.transport.Send(ctx, msg); err != nil {
		log.Printf("Failed to send %s to host: %v", msg.Type, err)
	}
}

// initPeer builds a fresh connection to the host. The microphone track is
// attached up front so the host's first offer negotiates it in one round.
// offerFirst makes the viewer open negotiation itself (manual reconnect);
// normally the host offers and the viewer answers.
func (v *Viewer) initPeer(offerFirst bool) error {
	handle, err := v.opts.NewHandle()
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	p := newPeer(v.opts.HostID, "host", handle)
	p.setState(models.ConnectionStateConnecting)

	if v.opts.Audio != nil {
		if t := v.opts.Audio.Track(); t != nil {
			if sender, err := handle.AddTrack(t); err != nil {
				log.Printf("Failed to attach microphone track: %v", err)
			} else {
				p.micSender = sender
				go drainSender(sender)
			}
		}
	}

	handle.OnDataChannel(func(dc control.DataChannel) {
		if dc.Label() != controlChannelLabel {
			log.Printf("Ignoring unexpected data channel %q", dc.Label())
			return
		}
		p.setControl(control.NewChannel(dc, v.controlHandler(p)))
	})
	handle.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !p.alive() {
			return
		}
		init := c.ToJSON()
		v.send(models.SignalMessage{Type: models.SignalTypeCandidate, Candidate: &init})
	})
	handle.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		v.handleConnectionState(p, s)
	})
	handle.OnTrack(func(track RemoteTrack) {
		if !p.alive() {
			return
		}
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go v.keyframeLoop(p, track)
		}
		if v.opts.OnTrack != nil {
			v.opts.OnTrack(track)
		}
	})

	v.mu.Lock()
	v.peer = p
	v.mu.Unlock()

	if offerFirst {
		p.queue.enqueue(func() { p.negotiate(nil, v.send) })
	}
	v.notifyState(models.ConnectionStateConnecting)
	return nil
}

func (v *Viewer) handleConnectionState(p *Peer, s webrtc.PeerConnectionState) {
	if !p.alive() || v.current() != p {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		p.mu.Lock()
		p.retries = 0
		p.state = models.ConnectionStateConnected
		p.mu.Unlock()
		v.notifyState(models.ConnectionStateConnected)
	case webrtc.PeerConnectionStateFailed:
		p.queue.enqueue(func() { v.retryOrFail(p) })
	default:
		if mapped, ok := mapConnectionState(s); ok {
			p.setState(mapped)
			v.notifyState(mapped)
		}
	}
}

// retryOrFail performs one bounded ICE-restart attempt toward the host.
// Past the cap the connection is failed terminally; only a manual
// Reconnect recovers from that.
func (v *Viewer) retryOrFail(p *Peer) {
	if !p.alive() {
		return
	}
	p.mu.Lock()
	if p.retries >= v.opts.MaxReconnectAttempts {
		p.mu.Unlock()
		p.setError(fmt.Sprintf("connection failed after %d reconnection attempts", v.opts.MaxReconnectAttempts))
		v.teardown(models.ConnectionStateFailed)
		return
	}
	p.retries++
	attempt := p.retries
	p.state = models.ConnectionStateReconnecting
	p.mu.Unlock()

	log.Printf("Connection to host failed, ICE restart attempt %d/%d", attempt, v.opts.MaxReconnectAttempts)
	v.notifyState(models.ConnectionStateReconnecting)
	p.negotiate(&webrtc.OfferOptions{ICERestart: true}, v.send)
}

// teardown stops the current connection. The stopped peer is kept so the
// final state (failed, disconnected) stays visible until Reconnect
// replaces it. Idempotent.
func (v *Viewer) teardown(final models.ConnectionState) {
	p := v.current()
	if p == nil || !p.alive() {
		return
	}
	p.stop()
	p.setState(final)
	v.notifyState(final)
}

// Reconnect manually rebuilds the connection from scratch: full teardown,
// a fresh peer connection, and a viewer-initiated offer the host answers.
func (v *Viewer) Reconnect() error {
	v.teardown(models.ConnectionStateDisconnected)
	return v.initPeer(true)
}

// Close ends the viewer session
func (v *Viewer) Close() {
	v.closeOnce.Do(func() { close(v.closed) })
}

func (v *Viewer) current() *Peer {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peer
}

// State returns the public connection state toward the host
func (v *Viewer) State() models.ConnectionState {
	p := v.current()
	if p == nil {
		return models.ConnectionStateDisconnected
	}
	return p.State()
}

// HasMic reports whether the viewer is publishing a microphone track.
// It is false when no audio source was supplied or when capture failed
// and the source has no track to offer; the session runs view-only audio
// in that case rather than erroring.
func (v *Viewer) HasMic() bool {
	return v.opts.Audio != nil && v.opts.Audio.Track() != nil
}

// ControlState returns the viewer's remote-control state
func (v *Viewer) ControlState() models.ControlState {
	p := v.current()
	if p == nil {
		return models.ControlStateViewOnly
	}
	return p.ControlState()
}

func (v *Viewer) notifyState(s models.ConnectionState) {
	if v.opts.OnState != nil {
		v.opts.OnState(s)
	}
}

func (v *Viewer) controlChannel() *control.Channel {
	p := v.current()
	if p == nil {
		return nil
	}
	return p.controlChannel()
}

// RequestControl asks the host for remote control. The local state moves
// to requested; granted arrives (or not) as the host decides.
func (v *Viewer) RequestControl() error {
	ch := v.controlChannel()
	p := v.current()
	if ch == nil || p == nil {
		return fmt.Errorf("no control channel")
	}
	if err := ch.Send(models.ControlMessage{Type: models.ControlTypeRequest}); err != nil {
		return err
	}
	p.setControlState(models.ControlStateRequested)
	if v.opts.OnControlState != nil {
		v.opts.OnControlState(models.ControlStateRequested)
	}
	return nil
}

// ReleaseControl voluntarily gives control back to the host
func (v *Viewer) ReleaseControl() error {
	ch := v.controlChannel()
	p := v.current()
	if ch == nil || p == nil {
		return fmt.Errorf("no control channel")
	}
	if err := ch.Send(models.ControlMessage{Type: models.ControlTypeRevoke}); err != nil {
		return err
	}
	p.setControlState(models.ControlStateViewOnly)
	if v.opts.OnControlState != nil {
		v.opts.OnControlState(models.ControlStateViewOnly)
	}
	return nil
}

// SendInput transmits one input event. Events sent without control, or
// while the channel is not open, are dropped silently: input is lossy by
// contract and the next event is independent.
func (v *Viewer) SendInput(ev models.InputEvent) {
	ch := v.controlChannel()
	p := v.current()
	if ch == nil || p == nil || !ch.IsOpen() || p.ControlState() != models.ControlStateGranted {
		return
	}
	msg := models.ControlMessage{
		Type:     models.ControlTypeInput,
		Sequence: v.seq.Add(1),
		Event:    &ev,
	}
	if err := ch.Send(msg); err != nil {
		log.Printf("Failed to send input event: %v", err)
	}
}

// SendCursor transmits the viewer's cursor position for display overlay
func (v *Viewer) SendCursor(x, y float64, visible bool) {
	ch := v.controlChannel()
	if ch == nil || !ch.IsOpen() {
		return
	}
	if err := ch.Send(models.ControlMessage{Type: models.ControlTypeCursor, X: x, Y: y, Visible: visible}); err != nil {
		log.Printf("Failed to send cursor position: %v", err)
	}
}

// controlHandler decodes host-to-viewer control traffic
func (v *Viewer) controlHandler(p *Peer) func(models.ControlMessage) {
	return func(m models.ControlMessage) {
		if !p.alive() {
			return
		}
		switch m.Type {
		case models.ControlTypeGrant:
			p.setControlState(models.ControlStateGranted)
			if v.opts.OnControlState != nil {
				v.opts.OnControlState(models.ControlStateGranted)
			}
		case models.ControlTypeRevoke:
			p.setControlState(models.ControlStateViewOnly)
			if v.opts.OnControlState != nil {
				v.opts.OnControlState(models.ControlStateViewOnly)
			}
		case models.ControlTypeKick:
			log.Printf("Kicked from session: %s", m.Reason)
			if v.opts.OnKicked != nil {
				v.opts.OnKicked(m.Reason)
			}
			v.teardown(models.ConnectionStateDisconnected)
			v.Close()
		case models.ControlTypeMute:
			// The local gate enforces the mute; the host's flag alone
			// stops nothing.
			p.setMuted(m.Muted)
			if v.opts.Audio != nil {
				v.opts.Audio.SetMuted(m.Muted)
			}
			if v.opts.OnMuted != nil {
				v.opts.OnMuted(m.Muted)
			}
		default:
			log.Printf("Ignoring unexpected %s control message from host", m.Type)
		}
	}
}

// keyframeLoop periodically requests a keyframe for the inbound screen
// track so late joins and loss recover quickly
func (v *Viewer) keyframeLoop(p *Peer, track RemoteTrack) {
	ticker := time.NewTicker(v.opts.KeyframeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopped:
			return
		case <-ticker.C:
			pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
			if err := p.handle.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				return
			}
		}
	}
}

func (v *Viewer) qualityTargets() []quality.Target {
	p := v.current()
	if p == nil {
		return nil
	}
	return []quality.Target{p}
}

func (v *Viewer) recordSample(_ string, m models.QualityMetrics, q models.NetworkQuality) {
	v.mu.Lock()
	v.lastMetrics = m
	v.sampled = true
	v.mu.Unlock()
	if v.opts.OnSample != nil {
		v.opts.OnSample(m, q)
	}
}

// LastSample feeds the stats reporter: the most recent metrics sample
// and whether one exists yet
func (v *Viewer) LastSample() (models.QualityMetrics, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastMetrics, v.sampled
}
