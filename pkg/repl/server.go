package repl

import (
	"fmt"
	"sort"
)

// ServerState is the global state of the server side.
type ServerState int

const (
	ServerStopped ServerState = iota
	ServerRunning
)

func (s ServerState) String() string {
	if s == ServerRunning {
		return "running"
	}
	return "stopped"
}

// ConnectedClient is what the message layer knows about one client.
type ConnectedClient struct {
	Handle Handle
	// MaxSize is the largest payload the transport currently accepts on
	// unreliable channels.
	MaxSize int
	Stats   Stats
}

// Outbound is one queued server send.
type Outbound struct {
	Handle  Handle
	Channel uint8
	Payload []byte
}

// Received is one inbound payload from a client.
type Received struct {
	Handle  Handle
	Payload []byte
}

// Server is the server-side message layer.
type Server struct {
	state       ServerState
	serverChans int
	clientChans int

	clients  map[Handle]*ConnectedClient
	received map[Handle]queues
	sent     []Outbound
	requests []Handle
	events   []Event
}

// NewServer creates a stopped server that sends on serverChannels channels
// and receives on clientChannels.
func NewServer(serverChannels, clientChannels int) *Server {
	return &Server{
		serverChans: serverChannels,
		clientChans: clientChannels,
		clients:     make(map[Handle]*ConnectedClient),
		received:    make(map[Handle]queues),
	}
}

func (s *Server) State() ServerState      { return s.state }
func (s *Server) SetState(st ServerState) { s.state = st }

// AddClient registers a newly connected client and raises ClientConnected.
// It reports false when h is already registered.
func (s *Server) AddClient(h Handle, maxSize int) bool {
	if _, ok := s.clients[h]; ok {
		return false
	}
	s.clients[h] = &ConnectedClient{Handle: h, MaxSize: maxSize}
	s.received[h] = newQueues(s.clientChans)
	s.events = append(s.events, Event{Kind: ClientConnected, Handle: h})
	return true
}

// RemoveClient drops the client with its undelivered inbound payloads and
// raises ClientDisconnected. It reports false when h is not registered.
func (s *Server) RemoveClient(h Handle, reason DisconnectReason) bool {
	if _, ok := s.clients[h]; !ok {
		return false
	}
	delete(s.clients, h)
	delete(s.received, h)
	s.events = append(s.events, Event{Kind: ClientDisconnected, Handle: h, Reason: reason})
	return true
}

func (s *Server) Client(h Handle) (*ConnectedClient, bool) {
	c, ok := s.clients[h]
	return c, ok
}

// Clients lists the connected handles in ascending order.
func (s *Server) Clients() []Handle {
	out := make([]Handle, 0, len(s.clients))
	for h := range s.clients {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// InsertReceived queues a payload the client h sent on channel ch.
func (s *Server) InsertReceived(h Handle, ch uint8, payload []byte) error {
	q, ok := s.received[h]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownClient, h)
	}
	return q.push(ch, payload)
}

// Receive drains what client h sent on channel ch, oldest first.
func (s *Server) Receive(h Handle, ch uint8) [][]byte {
	q, ok := s.received[h]
	if !ok {
		return nil
	}
	return q.drain(ch)
}

// ReceiveAll drains channel ch for every client, in handle order.
func (s *Server) ReceiveAll(ch uint8) []Received {
	var out []Received
	for _, h := range s.Clients() {
		for _, p := range s.received[h].drain(ch) {
			out = append(out, Received{Handle: h, Payload: p})
		}
	}
	return out
}

// Send queues payload for client h on channel ch. Sends to clients that
// leave before the bridge flushes are dropped.
func (s *Server) Send(h Handle, ch uint8, payload []byte) error {
	if int(ch) >= s.serverChans {
		return fmt.Errorf("%w: %d (have %d)", ErrUnknownChannel, ch, s.serverChans)
	}
	s.sent = append(s.sent, Outbound{Handle: h, Channel: ch, Payload: payload})
	return nil
}

// Broadcast queues payload for every connected client.
func (s *Server) Broadcast(ch uint8, payload []byte) error {
	for _, h := range s.Clients() {
		if err := s.Send(h, ch, payload); err != nil {
			return err
		}
	}
	return nil
}

// DrainSent hands every queued send to the caller, in enqueue order.
func (s *Server) DrainSent() []Outbound {
	out := s.sent
	s.sent = nil
	return out
}

// RequestDisconnect asks the bridge to close the connection of client h.
// It takes effect on the bridge's next tick.
func (s *Server) RequestDisconnect(h Handle) {
	s.requests = append(s.requests, h)
}

func (s *Server) DrainDisconnectRequests() []Handle {
	out := s.requests
	s.requests = nil
	return out
}

// DrainEvents returns the connect/disconnect notifications, oldest first.
func (s *Server) DrainEvents() []Event {
	out := s.events
	s.events = nil
	return out
}

// Reset drops all clients and queues without raising events. Used when the
// endpoint goes away.
func (s *Server) Reset() {
	s.clients = make(map[Handle]*ConnectedClient)
	s.received = make(map[Handle]queues)
	s.sent = nil
	s.requests = nil
}
