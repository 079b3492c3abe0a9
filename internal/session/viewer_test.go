package session

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/screenshare-session/internal/models"
)

type fakeAudioSource struct {
	mu    sync.Mutex
	muted bool
}

func (a *fakeAudioSource) Track() webrtc.TrackLocal { return nil }

func (a *fakeAudioSource) SetMuted(muted bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.muted = muted
}

func (a *fakeAudioSource) isMuted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.muted
}

func startViewer(t *testing.T, opts ViewerOptions) (*Viewer, *fakeTransport, *handleFarm, <-chan struct{}) {
	t.Helper()
	tr := newFakeTransport()
	farm := &handleFarm{}
	opts.HostID = "host"
	opts.NewHandle = farm.factory
	v := NewViewer("v1", tr, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		v.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	waitFor(t, func() bool { return farm.count() == 1 })
	return v, tr, farm, done
}

func hostOffer(sdp string) models.Event {
	return models.Event{Type: models.EventSignal, Signal: &models.SignalMessage{
		Type: models.SignalTypeOffer, SDP: sdp, SenderID: "host", TargetID: "v1",
	}}
}

// attachControl wires an open control channel the way the host's
// connection would deliver it
func attachControl(t *testing.T, fh *fakeHandle) *fakeControlDC {
	t.Helper()
	dc := &fakeControlDC{label: "control", state: webrtc.DataChannelStateOpen}
	waitFor(t, fh.dataChannelWired)
	fh.fireDataChannel(dc)
	return dc
}

func TestViewerAnswersHostOffer(t *testing.T) {
	_, tr, farm, _ := startViewer(t, ViewerOptions{})

	tr.push(hostOffer("host-offer"))

	waitFor(t, func() bool { return len(tr.sentOfType(models.SignalTypeAnswer)) == 1 })
	answer := tr.sentOfType(models.SignalTypeAnswer)[0]
	assert.Equal(t, "v1", answer.SenderID)
	assert.Equal(t, "host", answer.TargetID)
	assert.Equal(t, webrtc.SignalingStateStable, farm.at(0).SignalingState())
}

func TestViewerBuffersEarlyCandidates(t *testing.T) {
	_, tr, farm, _ := startViewer(t, ViewerOptions{})

	c := webrtc.ICECandidateInit{Candidate: "early"}
	tr.push(models.Event{Type: models.EventSignal, Signal: &models.SignalMessage{
		Type: models.SignalTypeCandidate, Candidate: &c, SenderID: "host", TargetID: "v1",
	}})
	tr.push(hostOffer("host-offer"))

	waitFor(t, func() bool { return len(farm.at(0).candidateList()) == 1 })
	assert.Equal(t, "early", farm.at(0).candidateList()[0].Candidate)
}

func TestViewerIgnoresNonHostSignal(t *testing.T) {
	_, tr, _, _ := startViewer(t, ViewerOptions{})

	tr.push(models.Event{Type: models.EventSignal, Signal: &models.SignalMessage{
		Type: models.SignalTypeOffer, SDP: "spoofed", SenderID: "mallory", TargetID: "v1",
	}})
	tr.push(hostOffer("host-offer"))

	waitFor(t, func() bool { return len(tr.sentOfType(models.SignalTypeAnswer)) == 1 })
	assert.Len(t, tr.sent(), 1)
}

func TestViewerControlHandshake(t *testing.T) {
	var states []models.ControlState
	var mu sync.Mutex
	v, _, farm, _ := startViewer(t, ViewerOptions{
		OnControlState: func(s models.ControlState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})
	dc := attachControl(t, farm.at(0))

	require.NoError(t, v.RequestControl())
	assert.Equal(t, models.ControlStateRequested, v.ControlState())

	dc.deliver(t, models.ControlMessage{Type: models.ControlTypeGrant})
	assert.Equal(t, models.ControlStateGranted, v.ControlState())

	dc.deliver(t, models.ControlMessage{Type: models.ControlTypeRevoke})
	assert.Equal(t, models.ControlStateViewOnly, v.ControlState())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.ControlState{
		models.ControlStateRequested,
		models.ControlStateGranted,
		models.ControlStateViewOnly,
	}, states)
}

func TestViewerInputRequiresGrant(t *testing.T) {
	v, _, farm, _ := startViewer(t, ViewerOptions{})
	dc := attachControl(t, farm.at(0))

	// Not granted: dropped without error.
	v.SendInput(models.InputEvent{Kind: "keydown", Key: "a"})
	assert.Empty(t, dc.sentMessages(t))

	dc.deliver(t, models.ControlMessage{Type: models.ControlTypeGrant})
	v.SendInput(models.InputEvent{Kind: "keydown", Key: "a"})
	v.SendInput(models.InputEvent{Kind: "keyup", Key: "a"})

	msgs := dc.sentMessages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(1), msgs[0].Sequence)
	assert.Equal(t, uint64(2), msgs[1].Sequence)

	// Releasing stops further input.
	require.NoError(t, v.ReleaseControl())
	v.SendInput(models.InputEvent{Kind: "keydown", Key: "b"})
	msgs = dc.sentMessages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, models.ControlTypeRevoke, msgs[2].Type)
}

func TestViewerKickDisconnects(t *testing.T) {
	var mu sync.Mutex
	var reason string
	v, _, farm, done := startViewer(t, ViewerOptions{
		OnKicked: func(r string) {
			mu.Lock()
			reason = r
			mu.Unlock()
		},
	})
	dc := attachControl(t, farm.at(0))

	dc.deliver(t, models.ControlMessage{Type: models.ControlTypeKick, Reason: "session over"})

	<-done
	mu.Lock()
	assert.Equal(t, "session over", reason)
	mu.Unlock()
	assert.Equal(t, models.ConnectionStateDisconnected, v.State())
	assert.True(t, farm.at(0).isClosed())
}

func TestViewerMuteDrivesLocalGate(t *testing.T) {
	audio := &fakeAudioSource{}
	var mu sync.Mutex
	var notified []bool
	_, _, farm, _ := startViewer(t, ViewerOptions{
		Audio: audio,
		OnMuted: func(muted bool) {
			mu.Lock()
			notified = append(notified, muted)
			mu.Unlock()
		},
	})
	dc := attachControl(t, farm.at(0))

	dc.deliver(t, models.ControlMessage{Type: models.ControlTypeMute, ParticipantID: "v1", Muted: true})
	assert.True(t, audio.isMuted())

	dc.deliver(t, models.ControlMessage{Type: models.ControlTypeMute, ParticipantID: "v1", Muted: false})
	assert.False(t, audio.isMuted())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, notified)
}

func TestViewerBoundedReconnect(t *testing.T) {
	v, _, farm, _ := startViewer(t, ViewerOptions{MaxReconnectAttempts: 3})
	fh := farm.at(0)

	for i := 1; i <= 3; i++ {
		fh.fireConnState(webrtc.PeerConnectionStateFailed)
		n := i
		waitFor(t, func() bool { return fh.restartOffers() == n })
		assert.Equal(t, models.ConnectionStateReconnecting, v.State())
	}

	fh.fireConnState(webrtc.PeerConnectionStateFailed)
	waitFor(t, func() bool { return v.State() == models.ConnectionStateFailed })
	assert.Equal(t, 3, fh.restartOffers())
	assert.True(t, fh.isClosed())
}

func TestViewerManualReconnectStartsFresh(t *testing.T) {
	v, tr, farm, _ := startViewer(t, ViewerOptions{MaxReconnectAttempts: 1})
	fh := farm.at(0)

	// Exhaust the automatic budget.
	fh.fireConnState(webrtc.PeerConnectionStateFailed)
	waitFor(t, func() bool { return fh.restartOffers() == 1 })
	fh.fireConnState(webrtc.PeerConnectionStateFailed)
	waitFor(t, func() bool { return v.State() == models.ConnectionStateFailed })

	require.NoError(t, v.Reconnect())

	// A brand new connection, opened by a viewer-side offer.
	waitFor(t, func() bool { return farm.count() == 2 })
	waitFor(t, func() bool {
		offers := tr.sentOfType(models.SignalTypeOffer)
		return len(offers) > 0 && offers[len(offers)-1].SDP == "offer-1"
	})
	assert.NotEqual(t, models.ConnectionStateFailed, v.State())
}
