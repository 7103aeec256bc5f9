// Package mem is an in-process transport with the same channel semantics as
// the network backends. Useful for tests and single-process setups.
package mem

import (
	"errors"
	"net"
	"sort"
	"sync"
	"time"

	"replibridge/pkg/transport"
)

// DefaultMaxDatagramSize matches the initial QUIC datagram budget.
const DefaultMaxDatagramSize = 1200

var ErrListenerExists = errors.New("mem: listener already exists")

// Options tune the simulated link.
type Options struct {
	// RTT is reported by PathStats; nothing is actually delayed.
	RTT time.Duration
	// MaxDatagramSize bounds unreliable payloads. Zero means DefaultMaxDatagramSize.
	MaxDatagramSize int
	// DropUnreliable, when set, is consulted once per unreliable send;
	// returning true loses the payload and counts a lost packet.
	DropUnreliable func(channel uint8, payload []byte) bool
}

// Transport is an in-process transport. Everything happens under one lock
// and only when one side polls, which makes it deterministic in tests.
// Dialed clients stay connecting until the server next drains its events.
type Transport struct {
	mu        sync.Mutex
	opts      Options
	listeners map[string]*Server
}

func New(opts Options) *Transport {
	if opts.MaxDatagramSize <= 0 {
		opts.MaxDatagramSize = DefaultMaxDatagramSize
	}
	return &Transport{opts: opts, listeners: make(map[string]*Server)}
}

// Listen opens a named endpoint whose send channels are channels.
func (t *Transport) Listen(name string, channels []transport.ChannelConfig) (*Server, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.listeners[name]; ok {
		return nil, ErrListenerExists
	}
	s := &Server{
		t:         t,
		name:      name,
		channels:  append([]transport.ChannelConfig(nil), channels...),
		conns:     make(map[transport.ConnectionID]*Conn),
		listening: true,
	}
	t.listeners[name] = s
	return s, nil
}

// Dial starts a connection attempt to the endpoint called name. A missing
// endpoint fails the attempt: the client reports StatusClosed.
func (t *Transport) Dial(name string, channels []transport.ChannelConfig) *Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Client{
		t:        t,
		channels: append([]transport.ChannelConfig(nil), channels...),
		status:   transport.StatusConnecting,
	}
	s := t.listeners[name]
	if s == nil || !s.listening {
		c.status = transport.StatusClosed
		return c
	}
	c.server = s
	s.pending = append(s.pending, c)
	return c
}

// ---- Server ----

type Server struct {
	t         *Transport
	name      string
	channels  []transport.ChannelConfig
	pending   []*Client
	conns     map[transport.ConnectionID]*Conn
	events    []transport.ServerEvent
	nextID    transport.ConnectionID
	listening bool
}

var _ transport.Server = (*Server)(nil)

func (s *Server) Listening() bool {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	return s.listening
}

func (s *Server) Addr() net.Addr { return memAddr(s.name) }

// DrainEvents accepts every pending dial, then hands back all queued events.
func (s *Server) DrainEvents() []transport.ServerEvent {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	for _, c := range s.pending {
		s.nextID++
		id := s.nextID
		srv := &Conn{t: s.t, id: id, send: s.channels, server: s}
		cli := &Conn{t: s.t, id: id, send: c.channels, client: c}
		srv.peer, cli.peer = cli, srv
		s.conns[id] = srv
		c.conn = cli
		c.status = transport.StatusConnected
		s.events = append(s.events, transport.ServerEvent{Kind: transport.EventConnected, ID: id})
	}
	s.pending = nil
	out := s.events
	s.events = nil
	return out
}

func (s *Server) Connection(id transport.ConnectionID) (transport.Connection, bool) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func (s *Server) Connections() []transport.ConnectionID {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	out := make([]transport.ConnectionID, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Server) Disconnect(id transport.ConnectionID) error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return transport.ErrUnknownConnection
	}
	delete(s.conns, id)
	c.closeLocked()
	return nil
}

// Stop closes every connection and the endpoint. No lost events are queued
// for connections closed this way.
func (s *Server) Stop() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	if !s.listening {
		return transport.ErrNotListening
	}
	s.listening = false
	for id, c := range s.conns {
		delete(s.conns, id)
		c.closeLocked()
	}
	for _, c := range s.pending {
		c.status = transport.StatusClosed
	}
	s.pending = nil
	s.events = nil
	delete(s.t.listeners, s.name)
	return nil
}

// ---- Client ----

type Client struct {
	t        *Transport
	server   *Server
	channels []transport.ChannelConfig
	status   transport.ClientStatus
	conn     *Conn
}

var _ transport.Client = (*Client)(nil)

func (c *Client) Status() transport.ClientStatus {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.status
}

func (c *Client) Connection() (transport.Connection, bool) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.status != transport.StatusConnected || c.conn == nil {
		return nil, false
	}
	return c.conn, true
}

// Close ends the attempt or the connection. The server sees EventLost on its
// next drain if the connection had been accepted.
func (c *Client) Close() error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.status == transport.StatusClosed {
		return transport.ErrClosed
	}
	if c.status == transport.StatusConnecting && c.server != nil {
		kept := c.server.pending[:0]
		for _, p := range c.server.pending {
			if p != c {
				kept = append(kept, p)
			}
		}
		c.server.pending = kept
	}
	c.status = transport.StatusClosed
	if c.conn != nil {
		c.conn.closeLocked()
	}
	return nil
}

// ---- Connection ----

type frame struct {
	channel uint8
	payload []byte
}

// Conn is one side of an accepted connection.
type Conn struct {
	t      *Transport
	id     transport.ConnectionID
	send   []transport.ChannelConfig
	peer   *Conn
	server *Server // set on the server side only
	client *Client // set on the client side only

	inbound       []frame
	closed        bool
	sentBytes     uint64
	receivedBytes uint64
	sentPackets   uint64
	lostPackets   uint64
}

var _ transport.Connection = (*Conn)(nil)

func (c *Conn) ID() transport.ConnectionID { return c.id }

func (c *Conn) Receive() (uint8, []byte, bool) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if len(c.inbound) == 0 {
		return 0, nil, false
	}
	f := c.inbound[0]
	c.inbound[0] = frame{}
	c.inbound = c.inbound[1:]
	c.receivedBytes += uint64(len(f.payload))
	return f.channel, f.payload, true
}

func (c *Conn) Send(channel uint8, payload []byte) error {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	if err := transport.CheckSend(c.send, channel, payload, c.t.opts.MaxDatagramSize); err != nil {
		return err
	}
	c.sentPackets++
	c.sentBytes += uint64(len(payload))
	if c.send[channel].Kind == transport.Unreliable && c.t.opts.DropUnreliable != nil &&
		c.t.opts.DropUnreliable(channel, payload) {
		c.lostPackets++
		return nil
	}
	p := make([]byte, len(payload))
	copy(p, payload)
	c.peer.inbound = append(c.peer.inbound, frame{channel: channel, payload: p})
	return nil
}

func (c *Conn) ClearSentBytes() uint64 {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	n := c.sentBytes
	c.sentBytes = 0
	return n
}

func (c *Conn) ClearReceivedBytes() uint64 {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	n := c.receivedBytes
	c.receivedBytes = 0
	return n
}

func (c *Conn) PathStats() (transport.PathStats, bool) {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return transport.PathStats{RTT: c.t.opts.RTT, SentPackets: c.sentPackets, LostPackets: c.lostPackets}, true
}

func (c *Conn) MaxDatagramSize() (int, bool) { return c.t.opts.MaxDatagramSize, true }

// closeLocked tears down both sides. Whichever side did not initiate the
// close learns about it the way a network peer would.
func (c *Conn) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	p := c.peer
	if p == nil || p.closed {
		return
	}
	p.closed = true
	srv := c.server
	if srv == nil {
		srv = p.server
	}
	if srv == nil {
		return
	}
	if c.server == nil {
		// client initiated: the server observes a loss
		if _, ok := srv.conns[c.id]; ok {
			delete(srv.conns, c.id)
			srv.events = append(srv.events, transport.ServerEvent{Kind: transport.EventLost, ID: c.id})
		}
		return
	}
	// server initiated: the client observes a close
	if p.client != nil {
		p.client.status = transport.StatusClosed
	}
}

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
