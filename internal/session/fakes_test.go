package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/screenshare-session/internal/control"
	"github.com/mossy-p/screenshare-session/internal/models"
)

// waitFor polls cond until it holds or the deadline expires
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

// flush waits until every task queued on the peer so far has run
func flush(t *testing.T, p *Peer) {
	t.Helper()
	done := make(chan struct{})
	if !p.queue.enqueue(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task queue did not drain in time")
	}
}

// fakeTransport records sends and lets tests push inbound events
type fakeTransport struct {
	mu     sync.Mutex
	msgs   []models.SignalMessage
	events chan models.Event

	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan models.Event, 64)}
}

func (t *fakeTransport) Send(_ context.Context, msg models.SignalMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, msg)
	return nil
}

func (t *fakeTransport) Events() <-chan models.Event { return t.events }

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.events) })
	return nil
}

func (t *fakeTransport) push(ev models.Event) { t.events <- ev }

func (t *fakeTransport) join(id, role string) {
	t.push(models.Event{Type: models.EventPresenceJoin, Participant: &models.Presence{ParticipantID: id, Role: role}})
}

func (t *fakeTransport) leave(id, role string) {
	t.push(models.Event{Type: models.EventPresenceLeave, Participant: &models.Presence{ParticipantID: id, Role: role}})
}

func (t *fakeTransport) sent() []models.SignalMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.SignalMessage, len(t.msgs))
	copy(out, t.msgs)
	return out
}

func (t *fakeTransport) sentOfType(st models.SignalType) []models.SignalMessage {
	var out []models.SignalMessage
	for _, m := range t.sent() {
		if m.Type == st {
			out = append(out, m)
		}
	}
	return out
}

// fakeSender records track replacements; Read blocks until the handle
// closes, like a live RTP sender
type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced []webrtc.TrackLocal
	closed   chan struct{}
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced = append(s.replaced, track)
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (s *fakeSender) Read([]byte) (int, interceptor.Attributes, error) {
	<-s.closed
	return 0, nil, io.EOF
}

func (s *fakeSender) replacements() []webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(s.replaced))
	copy(out, s.replaced)
	return out
}

// fakeControlDC is an open in-memory control channel endpoint
type fakeControlDC struct {
	label string
	mu    sync.Mutex
	state webrtc.DataChannelState
	sent  [][]byte

	sendHook  func(data []byte)
	onOpen    func()
	onClose   func()
	onMessage func(msg webrtc.DataChannelMessage)
}

func (d *fakeControlDC) Label() string { return d.label }

func (d *fakeControlDC) ReadyState() webrtc.DataChannelState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *fakeControlDC) Send(data []byte) error {
	d.mu.Lock()
	d.sent = append(d.sent, data)
	hook := d.sendHook
	d.mu.Unlock()
	if hook != nil {
		hook(data)
	}
	return nil
}

func (d *fakeControlDC) OnOpen(f func())                               { d.onOpen = f }
func (d *fakeControlDC) OnClose(f func())                              { d.onClose = f }
func (d *fakeControlDC) OnMessage(f func(msg webrtc.DataChannelMessage)) { d.onMessage = f }

func (d *fakeControlDC) Close() error {
	d.mu.Lock()
	d.state = webrtc.DataChannelStateClosed
	d.mu.Unlock()
	if d.onClose != nil {
		d.onClose()
	}
	return nil
}

func (d *fakeControlDC) deliver(t *testing.T, m models.ControlMessage) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal control message: %v", err)
	}
	d.onMessage(webrtc.DataChannelMessage{Data: data})
}

func (d *fakeControlDC) sentMessages(t *testing.T) []models.ControlMessage {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.ControlMessage, 0, len(d.sent))
	for _, data := range d.sent {
		var m models.ControlMessage
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatalf("unmarshal control message: %v", err)
		}
		out = append(out, m)
	}
	return out
}

// fakeRemoteTrack feeds RTP packets to a relay loop until closed
type fakeRemoteTrack struct {
	id   string
	kind webrtc.RTPCodecType
	pkts chan *rtp.Packet
}

func newFakeAudioTrack(id string) *fakeRemoteTrack {
	return &fakeRemoteTrack{id: id, kind: webrtc.RTPCodecTypeAudio, pkts: make(chan *rtp.Packet, 16)}
}

func (f *fakeRemoteTrack) ID() string               { return f.id }
func (f *fakeRemoteTrack) StreamID() string         { return "stream-" + f.id }
func (f *fakeRemoteTrack) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeRemoteTrack) SSRC() webrtc.SSRC        { return 1234 }

func (f *fakeRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
	}
}

func (f *fakeRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	pkt, ok := <-f.pkts
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

// fakeHandle is an in-memory PeerHandle with just enough signaling-state
// bookkeeping to exercise the supervisors
type fakeHandle struct {
	mu         sync.Mutex
	signaling  webrtc.SignalingState
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	ops        []string
	candidates []webrtc.ICECandidateInit
	offerOpts  []*webrtc.OfferOptions
	rtcp       [][]rtcp.Packet
	senders    []*fakeSender
	dc         *fakeControlDC
	stats      webrtc.StatsReport
	closed     bool
	offerSeq   int

	onICE         func(*webrtc.ICECandidate)
	onConnState   func(webrtc.PeerConnectionState)
	onTrack       func(RemoteTrack)
	onDataChannel func(control.DataChannel)
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{signaling: webrtc.SignalingStateStable}
}

func (f *fakeHandle) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerOpts = append(f.offerOpts, options)
	f.offerSeq++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%d", f.offerSeq)}, nil
}

func (f *fakeHandle) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakeHandle) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeRollback:
		f.ops = append(f.ops, "rollback")
		f.signaling = webrtc.SignalingStateStable
		f.local = nil
	case webrtc.SDPTypeOffer:
		f.ops = append(f.ops, "local-offer")
		f.signaling = webrtc.SignalingStateHaveLocalOffer
		f.local = &desc
	case webrtc.SDPTypeAnswer:
		f.ops = append(f.ops, "local-answer")
		f.signaling = webrtc.SignalingStateStable
		f.local = &desc
	}
	return nil
}

func (f *fakeHandle) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		f.ops = append(f.ops, "remote-offer")
		f.signaling = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		f.ops = append(f.ops, "remote-answer")
		f.signaling = webrtc.SignalingStateStable
	}
	f.remote = &desc
	return nil
}

func (f *fakeHandle) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeHandle) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakeHandle) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signaling
}

func (f *fakeHandle) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "candidate:"+candidate.Candidate)
	f.candidates = append(f.candidates, candidate)
	return nil
}

func (f *fakeHandle) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSender{track: track, closed: make(chan struct{})}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakeHandle) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (control.DataChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dc = &fakeControlDC{label: label, state: webrtc.DataChannelStateOpen}
	return f.dc, nil
}

func (f *fakeHandle) WriteRTCP(pkts []rtcp.Packet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rtcp = append(f.rtcp, pkts)
	return nil
}

func (f *fakeHandle) GetStats() webrtc.StatsReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeHandle) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakeHandle) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConnState = fn
}

func (f *fakeHandle) OnTrack(fn func(RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeHandle) OnDataChannel(fn func(control.DataChannel)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDataChannel = fn
}

func (f *fakeHandle) fireConnState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onConnState
	f.mu.Unlock()
	fn(s)
}

func (f *fakeHandle) fireTrack(track RemoteTrack) {
	f.mu.Lock()
	fn := f.onTrack
	f.mu.Unlock()
	fn(track)
}

func (f *fakeHandle) fireDataChannel(dc control.DataChannel) {
	f.mu.Lock()
	fn := f.onDataChannel
	f.mu.Unlock()
	fn(dc)
}

func (f *fakeHandle) dataChannelWired() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.onDataChannel != nil
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, s := range f.senders {
		close(s.closed)
	}
	return nil
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeHandle) candidateList() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(f.candidates))
	copy(out, f.candidates)
	return out
}

func (f *fakeHandle) opTrace() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.ops))
	copy(out, f.ops)
	return out
}

func (f *fakeHandle) senderList() []*fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*fakeSender, len(f.senders))
	copy(out, f.senders)
	return out
}

func (f *fakeHandle) restartOffers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.offerOpts {
		if o != nil && o.ICERestart {
			n++
		}
	}
	return n
}

// handleFarm hands out fake handles in creation order
type handleFarm struct {
	mu      sync.Mutex
	handles []*fakeHandle
}

func (hf *handleFarm) factory() (PeerHandle, error) {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	h := newFakeHandle()
	hf.handles = append(hf.handles, h)
	return h, nil
}

func (hf *handleFarm) count() int {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	return len(hf.handles)
}

func (hf *handleFarm) at(i int) *fakeHandle {
	hf.mu.Lock()
	defer hf.mu.Unlock()
	return hf.handles[i]
}
