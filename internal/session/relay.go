package session

import (
	"errors"
	"io"
	"log"

	"github.com/pion/webrtc/v4"
)

// relayFrom fans one viewer's voice out to every other live peer. The
// host is the star center: each viewer publishes at most one audio track
// upstream and receives the others' audio as host-relayed tracks. The
// copy loop ends when the source track closes (viewer gone).
func (h *Host) relayFrom(src *Peer, track RemoteTrack) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		log.Printf("Ignoring unexpected %s track from %s", track.Kind(), src.id)
		return
	}

	local, err := webrtc.NewTrackLocalStaticRTP(track.Codec().RTPCodecCapability, "audio-"+src.id, "relay-"+src.id)
	if err != nil {
		log.Printf("Failed to create relay track for %s: %v", src.id, err)
		return
	}

	h.mu.Lock()
	if !src.alive() {
		h.mu.Unlock()
		return
	}
	h.relayTracks[src.id] = local
	targets := make([]*Peer, 0, len(h.peers))
	for id, p := range h.peers {
		if id != src.id {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	for _, target := range targets {
		h.attachRelay(target, src.id, local)
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			break
		}
		if err := local.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Printf("Failed to relay audio from %s: %v", src.id, err)
		}
	}

	h.mu.Lock()
	if h.relayTracks[src.id] == local {
		delete(h.relayTracks, src.id)
	}
	h.mu.Unlock()
}

// attachRelay adds one relayed audio track to a target peer and
// renegotiates it. Runs on the target's task queue so the offer
// serializes with any in-flight signaling.
func (h *Host) attachRelay(target *Peer, srcID string, local webrtc.TrackLocal) {
	target.queue.enqueue(func() {
		if !target.alive() {
			return
		}
		sender, err := target.handle.AddTrack(local)
		if err != nil {
			log.Printf("Failed to attach relayed audio of %s for %s: %v", srcID, target.id, err)
			return
		}
		go drainSender(sender)
		target.mu.Lock()
		target.relaySenders[srcID] = sender
		target.mu.Unlock()
		target.negotiate(nil, h.senderFor(target.id))
	})
}

// removeRelay withdraws a departed viewer's audio from the remaining
// peers. The sender's track is replaced with no track rather than
// removed, keeping every target's negotiated media lines stable.
func (h *Host) removeRelay(srcID string) {
	h.mu.Lock()
	delete(h.relayTracks, srcID)
	targets := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		targets = append(targets, p)
	}
	h.mu.Unlock()

	for _, target := range targets {
		target.queue.enqueue(func() {
			target.mu.Lock()
			sender, ok := target.relaySenders[srcID]
			delete(target.relaySenders, srcID)
			target.mu.Unlock()
			if !ok {
				return
			}
			if err := sender.ReplaceTrack(nil); err != nil {
				log.Printf("Failed to clear relayed audio of %s for %s: %v", srcID, target.id, err)
			}
		})
	}
}
