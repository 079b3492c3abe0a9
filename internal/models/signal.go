package models

import "github.com/pion/webrtc/v4"

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "ice-candidate"
)

// SignalMessage is a signaling message addressed between exactly two
// participants. It exists only in transit and is never persisted.
type SignalMessage struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	SenderID  string                   `json:"senderId"`
	TargetID  string                   `json:"targetId,omitempty"`
	Timestamp int64                    `json:"timestamp"`
}

// EventType identifies an event on the signaling push stream
type EventType string

const (
	EventConnected     EventType = "connected"
	EventSignal        EventType = "signal"
	EventPresenceJoin  EventType = "presence-join"
	EventPresenceLeave EventType = "presence-leave"
)

// Presence identifies a participant joining or leaving the session
type Presence struct {
	ParticipantID string `json:"participantId"`
	Role          string `json:"role"` // "host" or "viewer"
}

// ConnectedPayload is the payload of the initial "connected" stream event
type ConnectedPayload struct {
	ParticipantID string             `json:"participantId,omitempty"`
	ICEServers    []webrtc.ICEServer `json:"iceServers,omitempty"`
}

// Event is one event delivered by a signaling transport. Exactly one of
// Signal/Participant is set depending on Type; Connected carries the
// session bootstrap payload.
type Event struct {
	Type        EventType
	Signal      *SignalMessage
	Participant *Presence
	Connected   *ConnectedPayload
}
