package transport

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ChannelKind is the delivery class of one transport channel.
type ChannelKind int

const (
	// Unreliable payloads may be dropped or reordered.
	Unreliable ChannelKind = iota
	// UnorderedReliable payloads always arrive, in any order.
	UnorderedReliable
	// OrderedReliable payloads always arrive, in the order sent.
	OrderedReliable
)

func (k ChannelKind) String() string {
	switch k {
	case Unreliable:
		return "unreliable"
	case UnorderedReliable:
		return "unordered-reliable"
	case OrderedReliable:
		return "ordered-reliable"
	default:
		return fmt.Sprintf("channel-kind(%d)", int(k))
	}
}

// Reliable reports whether the class retransmits lost payloads.
func (k ChannelKind) Reliable() bool { return k == UnorderedReliable || k == OrderedReliable }

// ChannelConfig configures one send channel. The channel id is its position
// in the list handed to the transport.
type ChannelConfig struct {
	Kind ChannelKind
	// MaxFrameSize bounds a single reliable payload. Ignored for Unreliable.
	MaxFrameSize int
}

// MaxChannels is the number of positional channel ids that fit in a u8.
const MaxChannels = 255

// ConnectionID is assigned by the transport when a connection is accepted.
type ConnectionID uint64

var (
	ErrClosed            = errors.New("transport: closed")
	ErrUnknownChannel    = errors.New("transport: unknown channel")
	ErrFrameTooLarge     = errors.New("transport: frame too large")
	ErrUnknownConnection = errors.New("transport: unknown connection")
	ErrNotListening      = errors.New("transport: endpoint not listening")
)

// CheckSend validates a payload against the channel list the endpoint was
// opened with. maxDatagram <= 0 disables the unreliable size check.
func CheckSend(channels []ChannelConfig, channel uint8, payload []byte, maxDatagram int) error {
	if int(channel) >= len(channels) {
		return fmt.Errorf("%w: %d (have %d)", ErrUnknownChannel, channel, len(channels))
	}
	cfg := channels[channel]
	switch {
	case cfg.Kind.Reliable() && cfg.MaxFrameSize > 0 && len(payload) > cfg.MaxFrameSize:
		return fmt.Errorf("%w: %d > %d on channel %d", ErrFrameTooLarge, len(payload), cfg.MaxFrameSize, channel)
	case !cfg.Kind.Reliable() && maxDatagram > 0 && len(payload) > maxDatagram:
		return fmt.Errorf("%w: %d > %d datagram on channel %d", ErrFrameTooLarge, len(payload), maxDatagram, channel)
	}
	return nil
}

// PathStats is a snapshot of the transport's view of the network path.
type PathStats struct {
	RTT         time.Duration
	SentPackets uint64
	LostPackets uint64
}

// Connection is one open transport connection. Every method returns
// immediately; the transport does its own I/O in the background.
type Connection interface {
	ID() ConnectionID
	// Receive pops the next inbound payload. ok is false when nothing is queued.
	Receive() (channel uint8, payload []byte, ok bool)
	// Send queues payload on channel. The transport owns payload afterwards.
	Send(channel uint8, payload []byte) error
	// ClearSentBytes returns the payload bytes sent since the last call and resets the counter.
	ClearSentBytes() uint64
	// ClearReceivedBytes returns the payload bytes received since the last call and resets the counter.
	ClearReceivedBytes() uint64
	PathStats() (PathStats, bool)
	MaxDatagramSize() (int, bool)
}

// ServerEventKind tells connects from losses.
type ServerEventKind int

const (
	EventConnected ServerEventKind = iota
	EventLost
)

func (k ServerEventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventLost:
		return "lost"
	default:
		return "unknown"
	}
}

// ServerEvent is a connection lifecycle signal observed by a server endpoint.
type ServerEvent struct {
	Kind ServerEventKind
	ID   ConnectionID
	Err  error // set on EventLost when the transport knows why
}

// Server is a listening endpoint.
type Server interface {
	Listening() bool
	// DrainEvents returns the connect/lost signals observed since the last call, oldest first.
	DrainEvents() []ServerEvent
	Connection(id ConnectionID) (Connection, bool)
	// Connections lists the open connection ids in ascending order.
	Connections() []ConnectionID
	// Disconnect closes one connection. It does not produce an EventLost.
	Disconnect(id ConnectionID) error
	Stop() error
	Addr() net.Addr
}

// ClientStatus is the transport's level view of a client connection.
type ClientStatus int

const (
	StatusIdle ClientStatus = iota
	StatusConnecting
	StatusConnected
	StatusClosed
)

func (s ClientStatus) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Client is one outbound connection attempt.
type Client interface {
	Status() ClientStatus
	// Connection is available only while Status is StatusConnected.
	Connection() (Connection, bool)
	Close() error
}
