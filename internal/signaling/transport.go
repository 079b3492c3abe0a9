// Package signaling provides transports that deliver addressed
// offer/answer/candidate messages between two participants plus the
// session's presence stream. Two adapters exist: SSE (HTTP POST + server
// push stream) and WebSocket. Both deliver events in arrival order on a
// single channel.
package signaling

import (
	"context"
	"fmt"

	"github.com/mossy-p/screenshare-session/config"
	"github.com/mossy-p/screenshare-session/internal/models"
)

// Transport carries signaling between this participant and the session.
// Events are delivered in arrival order; consumers that need per-peer
// ordering get it for free by reading the channel from one goroutine.
type Transport interface {
	// Send delivers one signaling message. A delivery failure only
	// affects this message; the next send is independent.
	Send(ctx context.Context, msg models.SignalMessage) error

	// Events returns the inbound event stream. The channel is closed
	// when the transport shuts down.
	Events() <-chan models.Event

	Close() error
}

// Dial connects the transport named by the configuration ("sse" or
// "websocket") for one participant.
func Dial(cfg *config.Config, role string) (Transport, error) {
	switch cfg.Transport {
	case "sse", "":
		return NewSSE(cfg.SignalingURL, cfg.SessionID, cfg.ParticipantID, role, cfg.Token)
	case "websocket":
		return NewWS(cfg.SignalingURL, cfg.SessionID, cfg.ParticipantID, role, cfg.Token)
	default:
		return nil, fmt.Errorf("unknown signaling transport %q", cfg.Transport)
	}
}
