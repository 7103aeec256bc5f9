package repl

import "fmt"

// ClientState is the client-side connection state.
type ClientState int

const (
	Disconnected ClientState = iota
	Connecting
	Connected
)

func (s ClientState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ClientOutbound is one queued client send.
type ClientOutbound struct {
	Channel uint8
	Payload []byte
}

// Client is the client-side message layer.
type Client struct {
	state       ClientState
	clientChans int

	received   queues
	sent       []ClientOutbound
	stats      Stats
	disconnect bool
}

// NewClient creates a disconnected client that sends on clientChannels
// channels and receives on serverChannels.
func NewClient(serverChannels, clientChannels int) *Client {
	return &Client{
		clientChans: clientChannels,
		received:    newQueues(serverChannels),
	}
}

func (c *Client) State() ClientState { return c.state }

// SetState moves to st. Moving to Disconnected clears every queue and the
// stats; nothing from one connection leaks into the next.
func (c *Client) SetState(st ClientState) {
	if st == Disconnected {
		c.received.clear()
		c.sent = nil
		c.stats = Stats{}
	}
	c.state = st
}

func (c *Client) IsConnected() bool { return c.state == Connected }

func (c *Client) InsertReceived(ch uint8, payload []byte) error {
	return c.received.push(ch, payload)
}

// Receive drains what the server sent on channel ch, oldest first.
func (c *Client) Receive(ch uint8) [][]byte { return c.received.drain(ch) }

func (c *Client) Send(ch uint8, payload []byte) error {
	if int(ch) >= c.clientChans {
		return fmt.Errorf("%w: %d (have %d)", ErrUnknownChannel, ch, c.clientChans)
	}
	c.sent = append(c.sent, ClientOutbound{Channel: ch, Payload: payload})
	return nil
}

func (c *Client) DrainSent() []ClientOutbound {
	out := c.sent
	c.sent = nil
	return out
}

func (c *Client) Stats() Stats { return c.stats }

// StatsMut lets the bridge write figures in place.
func (c *Client) StatsMut() *Stats { return &c.stats }

// RequestDisconnect asks the bridge to close the connection on its next tick.
func (c *Client) RequestDisconnect() { c.disconnect = true }

// TakeDisconnectRequest reports and clears a pending request.
func (c *Client) TakeDisconnectRequest() bool {
	r := c.disconnect
	c.disconnect = false
	return r
}
