package models

// ControlType tags a message on the per-peer control channel
type ControlType string

const (
	ControlTypeRequest ControlType = "control-request"
	ControlTypeGrant   ControlType = "control-grant"
	ControlTypeRevoke  ControlType = "control-revoke"
	ControlTypeInput   ControlType = "input"
	ControlTypeCursor  ControlType = "cursor"
	ControlTypeKick    ControlType = "kick"
	ControlTypeMute    ControlType = "mute"
)

// InputEvent is one remote-control input event (keyboard or pointer).
// Injection into the OS is the embedder's concern.
type InputEvent struct {
	Kind   string  `json:"kind"` // "keydown", "keyup", "mousedown", "mouseup", "mousemove", "wheel"
	Key    string  `json:"key,omitempty"`
	Button int     `json:"button,omitempty"`
	X      float64 `json:"x,omitempty"`
	Y      float64 `json:"y,omitempty"`
	DeltaX float64 `json:"deltaX,omitempty"`
	DeltaY float64 `json:"deltaY,omitempty"`
}

// ControlMessage is the tagged union carried on the control channel,
// JSON-encoded per message. Fields are populated per Type.
type ControlMessage struct {
	Type ControlType `json:"type"`

	// input
	Sequence uint64      `json:"sequence,omitempty"`
	Event    *InputEvent `json:"event,omitempty"`

	// cursor
	X       float64 `json:"x,omitempty"`
	Y       float64 `json:"y,omitempty"`
	Visible bool    `json:"visible,omitempty"`

	// kick
	Reason string `json:"reason,omitempty"`

	// mute
	ParticipantID string `json:"participantId,omitempty"`
	Muted         bool   `json:"muted,omitempty"`
}

// ControlState is the viewer-scoped remote-control state machine
type ControlState string

const (
	ControlStateViewOnly  ControlState = "view-only"
	ControlStateRequested ControlState = "requested"
	ControlStateGranted   ControlState = "granted"
)
