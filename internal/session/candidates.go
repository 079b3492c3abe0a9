package session

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// candidateBuffer holds ICE candidates that arrived before the peer's
// remote description. Candidates are never applied directly in that
// window; they drain, in arrival order, once a remote description is set.
// All access happens on the peer's task queue, so no locking is needed.
type candidateBuffer struct {
	pending []webrtc.ICECandidateInit
}

func (b *candidateBuffer) add(c webrtc.ICECandidateInit) {
	b.pending = append(b.pending, c)
}

func (b *candidateBuffer) size() int {
	return len(b.pending)
}

// drain applies every buffered candidate in order and empties the buffer.
// Individual application failures are logged and skipped.
func (b *candidateBuffer) drain(apply func(webrtc.ICECandidateInit) error) {
	for _, c := range b.pending {
		if err := apply(c); err != nil {
			log.Printf("Failed to apply buffered ICE candidate: %v", err)
		}
	}
	b.pending = nil
}
