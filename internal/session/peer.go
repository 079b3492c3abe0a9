// Package session implements the orchestration core: per-participant
// connection supervision, signaling application order, the audio relay
// mesh, and bounded reconnection. The host supervises one connection per
// viewer; a viewer supervises exactly one (the host).
package session

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/screenshare-session/internal/control"
	"github.com/mossy-p/screenshare-session/internal/models"
	"github.com/mossy-p/screenshare-session/internal/quality"
)

// PeerHandle is the peer-connection capability: the enumerated operations
// the supervisors need, nothing more. The pion-backed implementation is
// the production one; tests drive the supervisors with fakes.
type PeerHandle interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) (TrackSender, error)
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (control.DataChannel, error)
	WriteRTCP(pkts []rtcp.Packet) error
	GetStats() webrtc.StatsReport

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(RemoteTrack))
	OnDataChannel(f func(control.DataChannel))

	Close() error
}

// TrackSender is the subset of *webrtc.RTPSender the session needs
type TrackSender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
	Read(b []byte) (n int, a interceptor.Attributes, err error)
}

// RemoteTrack is the subset of *webrtc.TrackRemote the session needs
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// HandleFactory creates a fresh peer connection
type HandleFactory func() (PeerHandle, error)

// pionHandle adapts *webrtc.PeerConnection to PeerHandle
type pionHandle struct {
	pc *webrtc.PeerConnection
}

// NewPionFactory returns a HandleFactory backed by pion. iceServers is
// called per connection so a refreshed server list (e.g. from the
// connected stream event) applies to new peers.
func NewPionFactory(iceServers func() []webrtc.ICEServer) HandleFactory {
	return func() (PeerHandle, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers: iceServers(),
		})
		if err != nil {
			return nil, err
		}
		return &pionHandle{pc: pc}, nil
	}
}

func (h *pionHandle) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return h.pc.CreateOffer(options)
}

func (h *pionHandle) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return h.pc.CreateAnswer(options)
}

func (h *pionHandle) SetLocalDescription(desc webrtc.SessionDescription) error {
	return h.pc.SetLocalDescription(desc)
}

func (h *pionHandle) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return h.pc.SetRemoteDescription(desc)
}

func (h *pionHandle) LocalDescription() *webrtc.SessionDescription {
	return h.pc.LocalDescription()
}

func (h *pionHandle) RemoteDescription() *webrtc.SessionDescription {
	return h.pc.RemoteDescription()
}

func (h *pionHandle) SignalingState() webrtc.SignalingState {
	return h.pc.SignalingState()
}

func (h *pionHandle) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return h.pc.AddICECandidate(candidate)
}

func (h *pionHandle) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	sender, err := h.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

func (h *pionHandle) CreateDataChannel(label string, options *webrtc.DataChannelInit) (control.DataChannel, error) {
	dc, err := h.pc.CreateDataChannel(label, options)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (h *pionHandle) WriteRTCP(pkts []rtcp.Packet) error {
	return h.pc.WriteRTCP(pkts)
}

func (h *pionHandle) GetStats() webrtc.StatsReport {
	return h.pc.GetStats()
}

func (h *pionHandle) OnICECandidate(f func(*webrtc.ICECandidate)) {
	h.pc.OnICECandidate(f)
}

func (h *pionHandle) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	h.pc.OnConnectionStateChange(f)
}

func (h *pionHandle) OnTrack(f func(RemoteTrack)) {
	h.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		f(track)
	})
}

func (h *pionHandle) OnDataChannel(f func(control.DataChannel)) {
	h.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(dc)
	})
}

func (h *pionHandle) Close() error {
	return h.pc.Close()
}

// Peer is the local record of one remote participant's connection (the
// host keeps one per viewer; a viewer keeps one for the host). It is
// created and destroyed only by its supervisor; signaling application
// runs on its task queue.
type Peer struct {
	id   string
	role string

	handle  PeerHandle
	control *control.Channel

	// queue serializes signaling application for this peer; candidates
	// is touched only from queue tasks.
	queue      *taskQueue
	candidates candidateBuffer

	mu           sync.Mutex
	state        models.ConnectionState
	controlState models.ControlState
	netQuality   models.NetworkQuality
	preset       models.BitratePreset
	muted        bool
	lastError    string
	retries      int

	encoding quality.EncodingController

	videoSender  TrackSender
	micSender    TrackSender
	relaySenders map[string]TrackSender // source viewer id -> sender

	// stopped is closed on teardown; long-running loops tied to this
	// peer (relay copy, keyframe requests) watch it.
	stopOnce sync.Once
	stopped  chan struct{}
}

func newPeer(id, role string, handle PeerHandle) *Peer {
	return &Peer{
		id:           id,
		role:         role,
		handle:       handle,
		queue:        newTaskQueue(),
		state:        models.ConnectionStateIdle,
		controlState: models.ControlStateViewOnly,
		relaySenders: make(map[string]TrackSender),
		stopped:      make(chan struct{}),
	}
}

// ID returns the remote participant id
func (p *Peer) ID() string { return p.id }

func (p *Peer) setControl(ch *control.Channel) {
	p.mu.Lock()
	p.control = ch
	p.mu.Unlock()
}

// controlChannel returns the control channel, nil until it exists
func (p *Peer) controlChannel() *control.Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.control
}

// State returns the public connection state
func (p *Peer) State() models.ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s models.ConnectionState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Error returns the last human-readable error for this peer, if any
func (p *Peer) Error() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastError
}

func (p *Peer) setError(msg string) {
	p.mu.Lock()
	p.lastError = msg
	p.mu.Unlock()
}

// ControlState returns the peer's remote-control state
func (p *Peer) ControlState() models.ControlState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.controlState
}

func (p *Peer) setControlState(s models.ControlState) {
	p.mu.Lock()
	p.controlState = s
	p.mu.Unlock()
}

// Muted reports the host-side mute bookkeeping for this viewer
func (p *Peer) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

func (p *Peer) setMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// Stats samples the underlying transport statistics
func (p *Peer) Stats() webrtc.StatsReport {
	return p.handle.GetStats()
}

// Quality returns the quality tier of the currently applied preset
func (p *Peer) Quality() models.NetworkQuality {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.netQuality
}

// SetQuality records a newly applied preset
func (p *Peer) SetQuality(q models.NetworkQuality, preset models.BitratePreset) {
	p.mu.Lock()
	p.netQuality = q
	p.preset = preset
	p.mu.Unlock()
}

// Preset returns the currently applied bitrate preset
func (p *Peer) Preset() models.BitratePreset {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.preset
}

// Encoding returns the encoding controller for this peer's outbound video
func (p *Peer) Encoding() quality.EncodingController {
	return p.encoding
}

// alive reports whether teardown has not started yet
func (p *Peer) alive() bool {
	select {
	case <-p.stopped:
		return false
	default:
		return true
	}
}

// stop releases the peer's resources exactly once: media loops first,
// then the control channel, then the connection, and finally the task
// queue. Safe to call repeatedly.
func (p *Peer) stop() {
	p.stopOnce.Do(func() {
		close(p.stopped)
		if ch := p.controlChannel(); ch != nil {
			ch.Close()
		}
		p.handle.Close()
		p.queue.close()
	})
}
