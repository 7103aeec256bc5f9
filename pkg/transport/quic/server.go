package quic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	quicgo "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"replibridge/pkg/transport"
)

// Server is a QUIC endpoint. Connections are accepted and handshaken in the
// background; the owner observes them through DrainEvents.
type Server struct {
	cfg    ServerConfig
	log    *zap.Logger
	l      *quicgo.Listener
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listening bool
	conns     map[transport.ConnectionID]*conn
	events    []transport.ServerEvent
	nextID    transport.ConnectionID
}

var _ transport.Server = (*Server)(nil)

// Listen opens the endpoint. The returned server keeps accepting until Stop
// is called or ctx is cancelled.
func Listen(ctx context.Context, cfg ServerConfig) (*Server, error) {
	cfg.Options = cfg.Options.withDefaults()
	if err := checkChannels(cfg.Channels); err != nil {
		return nil, err
	}
	tlsConf, err := serverTLS(cfg.Certificate)
	if err != nil {
		return nil, err
	}
	l, err := quicgo.ListenAddr(cfg.ListenAddr, tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic: listen %s: %w", cfg.ListenAddr, err)
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &Server{
		cfg:       cfg,
		log:       cfg.Logger.Named("quic-server"),
		l:         l,
		ctx:       sctx,
		cancel:    cancel,
		listening: true,
		conns:     make(map[transport.ConnectionID]*conn),
	}
	go s.acceptLoop()
	go func() { <-sctx.Done(); _ = s.Stop() }()
	s.log.Info("listening", zap.Stringer("addr", l.Addr()), zap.Int("channels", len(cfg.Channels)))
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.l.Addr() }

func (s *Server) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listening
}

func (s *Server) DrainEvents() []transport.ServerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

func (s *Server) Connection(id transport.ConnectionID) (transport.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[id]
	if !ok {
		return nil, false
	}
	return c, true
}

func (s *Server) Connections() []transport.ConnectionID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.ConnectionID, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Server) Disconnect(id transport.ConnectionID) error {
	s.mu.Lock()
	c, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if !ok {
		return transport.ErrUnknownConnection
	}
	c.close(codeDisconnected, "disconnected by server")
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		return transport.ErrNotListening
	}
	s.listening = false
	conns := s.conns
	s.conns = make(map[transport.ConnectionID]*conn)
	s.events = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.close(codeClosed, "server stopped")
	}
	s.cancel()
	err := s.l.Close()
	s.log.Info("stopped", zap.Int("closed", len(conns)))
	return err
}

func (s *Server) acceptLoop() {
	for {
		qc, err := s.l.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && !errors.Is(err, quicgo.ErrServerClosed) {
				s.log.Warn("accept failed", zap.Error(err))
			}
			return
		}
		go s.handshake(qc)
	}
}

// handshake reads the client's hello from the control stream, registers the
// connection and answers with a welcome carrying the assigned id.
func (s *Server) handshake(qc *quicgo.Conn) {
	log := s.log.With(zap.Stringer("remote", qc.RemoteAddr()))
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	ctrl, err := qc.AcceptStream(ctx)
	if err != nil {
		log.Debug("no control stream", zap.Error(err))
		_ = qc.CloseWithError(codeProtocol, "no control stream")
		return
	}
	var h hello
	if err := readControl(ctrl, &h); err != nil {
		log.Warn("bad hello", zap.Error(err))
		_ = qc.CloseWithError(codeProtocol, "bad hello")
		return
	}
	if h.Version != protocolVersion {
		log.Warn("rejecting client", zap.Error(errBadVersion), zap.Uint32("version", h.Version))
		_ = qc.CloseWithError(codeProtocol, errBadVersion.Error())
		return
	}
	peer, err := fromWire(h.Channels)
	if err != nil {
		log.Warn("rejecting client", zap.Error(err))
		_ = qc.CloseWithError(codeProtocol, "bad channels")
		return
	}

	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		_ = qc.CloseWithError(codeClosed, "server stopped")
		return
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	c := newConn(id, qc, s.cfg.Channels, peer, s.log)
	w := welcome{Version: protocolVersion, ConnectionID: uint64(id), Channels: toWire(s.cfg.Channels)}
	if err := writeControl(ctrl, w); err != nil {
		log.Warn("welcome failed", zap.Error(err))
		_ = qc.CloseWithError(codeProtocol, "welcome failed")
		return
	}

	s.mu.Lock()
	if !s.listening {
		s.mu.Unlock()
		c.close(codeClosed, "server stopped")
		return
	}
	s.conns[id] = c
	s.events = append(s.events, transport.ServerEvent{Kind: transport.EventConnected, ID: id})
	s.mu.Unlock()

	c.start()
	log.Info("client connected", zap.Uint64("conn", uint64(id)))
	go s.watch(c)
}

// watch reports a loss once the connection ends, unless the server already
// dropped it through Disconnect or Stop.
func (s *Server) watch(c *conn) {
	<-c.ctx.Done()
	cause := context.Cause(c.ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.conns, c.id)
	s.events = append(s.events, transport.ServerEvent{Kind: transport.EventLost, ID: c.id, Err: cause})
	s.log.Info("client lost", zap.Uint64("conn", uint64(c.id)), zap.Error(cause))
}
