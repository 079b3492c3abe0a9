package models

// ConnectionState is the public state of one peer connection, mapped from
// the underlying transport's internal states.
type ConnectionState int

const (
	ConnectionStateIdle ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateConnected
	ConnectionStateReconnecting
	ConnectionStateFailed
	ConnectionStateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateIdle:
		return "idle"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateConnected:
		return "connected"
	case ConnectionStateReconnecting:
		return "reconnecting"
	case ConnectionStateFailed:
		return "failed"
	case ConnectionStateDisconnected:
		return "disconnected"
	}
	return "unknown"
}
