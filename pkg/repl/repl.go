// Package repl is the replication message layer as seen by a transport
// bridge: per-channel byte queues, lifecycle state, connected clients,
// statistics and disconnect requests. It has no transport opinions and is
// driven from a single goroutine.
package repl

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownChannel = errors.New("repl: unknown channel")
	ErrUnknownClient  = errors.New("repl: unknown client")
)

// Handle identifies a connected client on the server. Zero is never issued.
type Handle uint64

func (h Handle) String() string { return fmt.Sprintf("client#%d", uint64(h)) }

// Stats are a connection's figures as last written by the bridge.
type Stats struct {
	RTT         time.Duration
	PacketLoss  float64 // percent
	SentBps     float64
	ReceivedBps float64
}

// RTTSeconds is RTT as a float, the unit the message layer reports.
func (s Stats) RTTSeconds() float64 { return s.RTT.Seconds() }

// DisconnectReason tells why a client went away.
type DisconnectReason int

const (
	// ReasonRequested means the application asked for the disconnect.
	ReasonRequested DisconnectReason = iota
	// ReasonLost means the transport observed the connection ending.
	ReasonLost
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonRequested:
		return "requested"
	case ReasonLost:
		return "lost"
	default:
		return "unknown"
	}
}

// EventKind distinguishes client connect and disconnect notifications.
type EventKind int

const (
	ClientConnected EventKind = iota
	ClientDisconnected
)

// Event is a client add/remove notification raised by the bridge.
type Event struct {
	Kind   EventKind
	Handle Handle
	Reason DisconnectReason // ClientDisconnected only
}

type queues [][][]byte

func newQueues(n int) queues { return make(queues, n) }

func (q queues) push(ch uint8, p []byte) error {
	if int(ch) >= len(q) {
		return fmt.Errorf("%w: %d (have %d)", ErrUnknownChannel, ch, len(q))
	}
	q[ch] = append(q[ch], p)
	return nil
}

func (q queues) drain(ch uint8) [][]byte {
	if int(ch) >= len(q) {
		return nil
	}
	out := q[ch]
	q[ch] = nil
	return out
}

func (q queues) clear() {
	for i := range q {
		q[i] = nil
	}
}
