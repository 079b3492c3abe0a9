package control

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/screenshare-session/internal/models"
)

// DataChannel is the subset of *webrtc.DataChannel the control protocol
// needs. *webrtc.DataChannel satisfies it directly; tests substitute fakes.
type DataChannel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	Send(data []byte) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

// ChannelState tracks the control channel lifecycle
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosed
)

// Channel wraps the ordered reliable data channel created at peer-connection
// setup time. Messages are JSON-encoded one per frame. Sends while the
// channel is not open are dropped; inbound frames that fail to decode are
// discarded.
type Channel struct {
	dc DataChannel

	mu    sync.Mutex
	state ChannelState

	onMessage func(models.ControlMessage)
	onOpen    func()
}

// NewChannel wraps dc and starts decoding inbound messages. onMessage is
// invoked from the data channel's delivery goroutine, in arrival order.
func NewChannel(dc DataChannel, onMessage func(models.ControlMessage)) *Channel {
	c := &Channel{
		dc:        dc,
		state:     ChannelConnecting,
		onMessage: onMessage,
	}
	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.state = ChannelOpen
	}

	dc.OnOpen(func() {
		c.mu.Lock()
		c.state = ChannelOpen
		open := c.onOpen
		c.mu.Unlock()
		if open != nil {
			open()
		}
	})
	dc.OnClose(func() {
		c.mu.Lock()
		c.state = ChannelClosed
		c.mu.Unlock()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var m models.ControlMessage
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			log.Printf("Discarding malformed control message on %q: %v", dc.Label(), err)
			return
		}
		if c.onMessage != nil {
			c.onMessage(m)
		}
	})
	return c
}

// SetOnOpen registers a callback for the channel reaching the open state
func (c *Channel) SetOnOpen(f func()) {
	c.mu.Lock()
	c.onOpen = f
	c.mu.Unlock()
}

// State returns the current channel state
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether Send will actually transmit
func (c *Channel) IsOpen() bool {
	return c.State() == ChannelOpen
}

// Send transmits one control message. Messages sent while the channel is
// not open are dropped without error: the next message is independent and
// callers that care check IsOpen first.
func (c *Channel) Send(m models.ControlMessage) error {
	if !c.IsOpen() {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.dc.Send(data)
}

// Close closes the underlying data channel
func (c *Channel) Close() error {
	c.mu.Lock()
	c.state = ChannelClosed
	c.mu.Unlock()
	return c.dc.Close()
}
