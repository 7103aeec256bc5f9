package bridge

import (
	"time"

	"go.uber.org/zap"

	"replibridge/pkg/identity"
	"replibridge/pkg/lifecycle"
	"replibridge/pkg/repl"
	"replibridge/pkg/stats"
	"replibridge/pkg/transport"
)

// DefaultMaxSize is reported for a client until its transport knows better.
const DefaultMaxSize = 1200

// Options are shared by both bridges.
type Options struct {
	Logger      *zap.Logger
	StatsPeriod time.Duration
}

func (o Options) logger(name string) *zap.Logger {
	if o.Logger == nil {
		return zap.L().Named(name)
	}
	return o.Logger.Named(name)
}

// Server moves payloads, lifecycle and stats between a transport endpoint
// and the server-side message layer. Call Update once per tick from the
// goroutine that owns msgs.
type Server struct {
	log      *zap.Logger
	msgs     *repl.Server
	endpoint transport.Server
	ids      *identity.Map
	samplers map[repl.Handle]*stats.Sampler
	period   time.Duration
}

func NewServer(msgs *repl.Server, opts Options) *Server {
	log := opts.logger("bridge-server")
	return &Server{
		log:      log,
		msgs:     msgs,
		ids:      identity.NewMap(log),
		samplers: make(map[repl.Handle]*stats.Sampler),
		period:   opts.StatsPeriod,
	}
}

// Attach hands the bridge an opened endpoint. Replacing an endpoint tears
// down the previous one's handles at once and leaves the server stopped, so
// the next tick raises the running edge for the new endpoint.
func (b *Server) Attach(ep transport.Server) {
	if b.endpoint != nil && b.endpoint != ep {
		b.teardown()
		if b.msgs.State() == repl.ServerRunning {
			b.msgs.SetState(repl.ServerStopped)
			b.log.Info("server stopped", zap.String("cause", "endpoint replaced"))
		}
	}
	b.endpoint = ep
}

func (b *Server) Endpoint() transport.Server { return b.endpoint }

// ConnectionID resolves a client handle, for callers that need the
// transport's view of a client.
func (b *Server) ConnectionID(h repl.Handle) (transport.ConnectionID, bool) {
	return b.ids.LookupID(h)
}

// Update runs one full tick.
func (b *Server) Update(dt time.Duration) {
	b.ReceivePhase(dt)
	b.SendPhase()
}

// ReceivePhase pulls transport to message layer: lifecycle, then packets,
// then stats.
func (b *Server) ReceivePhase(dt time.Duration) {
	if !b.syncLifecycle() {
		return
	}
	b.relayInbound()
	b.sampleStats(dt)
}

// SendPhase pushes queued sends, then applies disconnect requests.
func (b *Server) SendPhase() {
	b.relayOutbound()
	b.reconcileDisconnects()
}

func (b *Server) listening() bool {
	return b.endpoint != nil && b.endpoint.Listening()
}

// syncLifecycle applies the running/stopped edge and the endpoint's
// connect/lost events. It reports whether the endpoint is usable.
func (b *Server) syncLifecycle() bool {
	listening := b.listening()
	if st, fired := lifecycle.NextServer(b.msgs.State(), listening); fired {
		b.msgs.SetState(st)
		if st == repl.ServerRunning {
			b.log.Info("server running", zap.Stringer("addr", b.endpoint.Addr()))
		} else {
			b.teardown()
			b.log.Info("server stopped")
		}
	}
	if !listening {
		return false
	}
	for _, ev := range b.endpoint.DrainEvents() {
		switch ev.Kind {
		case transport.EventConnected:
			b.onConnect(ev.ID)
		case transport.EventLost:
			b.onLost(ev.ID, ev.Err)
		}
	}
	return true
}

func (b *Server) onConnect(id transport.ConnectionID) {
	h, err := b.ids.OnConnect(id)
	if err != nil {
		return
	}
	size := DefaultMaxSize
	if c, ok := b.endpoint.Connection(id); ok {
		if n, ok := c.MaxDatagramSize(); ok {
			size = n
		}
	}
	b.msgs.AddClient(h, size)
	b.samplers[h] = stats.New(b.period)
	b.log.Info("client connected", zap.Uint64("conn", uint64(id)), zap.Stringer("handle", h))
}

func (b *Server) onLost(id transport.ConnectionID, cause error) {
	h, ok := b.ids.OnDisconnect(id)
	if !ok {
		return
	}
	delete(b.samplers, h)
	b.msgs.RemoveClient(h, repl.ReasonLost)
	b.log.Info("client disconnected", zap.Uint64("conn", uint64(id)), zap.Stringer("handle", h), zap.NamedError("cause", cause))
}

// teardown removes every handle once the endpoint has gone away.
func (b *Server) teardown() {
	for _, h := range b.ids.Clear() {
		b.msgs.RemoveClient(h, repl.ReasonLost)
	}
	clear(b.samplers)
	b.msgs.Reset()
}

func (b *Server) relayInbound() {
	for _, id := range b.endpoint.Connections() {
		h, ok := b.ids.LookupHandle(id)
		if !ok {
			continue
		}
		c, ok := b.endpoint.Connection(id)
		if !ok {
			continue
		}
		for {
			ch, payload, ok := c.Receive()
			if !ok {
				break
			}
			if err := b.msgs.InsertReceived(h, ch, payload); err != nil {
				b.log.Debug("inbound payload dropped", zap.Stringer("handle", h), zap.Uint8("channel", ch), zap.Error(err))
			}
		}
	}
}

func (b *Server) sampleStats(dt time.Duration) {
	for _, h := range b.msgs.Clients() {
		id, ok := b.ids.LookupID(h)
		if !ok {
			continue
		}
		c, ok := b.endpoint.Connection(id)
		if !ok {
			continue
		}
		cc, _ := b.msgs.Client(h)
		s := b.samplers[h]
		if s == nil {
			s = stats.New(b.period)
			b.samplers[h] = s
		}
		s.Update(dt, c, &cc.Stats)
		if n, ok := c.MaxDatagramSize(); ok {
			cc.MaxSize = n
		}
	}
}

func (b *Server) relayOutbound() {
	out := b.msgs.DrainSent()
	if !b.listening() {
		return
	}
	for _, m := range out {
		id, ok := b.ids.LookupID(m.Handle)
		if !ok {
			b.log.Debug("send to unknown client dropped", zap.Stringer("handle", m.Handle), zap.Uint8("channel", m.Channel))
			continue
		}
		c, ok := b.endpoint.Connection(id)
		if !ok {
			b.log.Debug("send to closed connection dropped", zap.Uint64("conn", uint64(id)))
			continue
		}
		if err := c.Send(m.Channel, m.Payload); err != nil {
			b.log.Warn("send failed", zap.Stringer("handle", m.Handle), zap.Uint8("channel", m.Channel), zap.Error(err))
		}
	}
}

// reconcileDisconnects removes requested handles at once and then closes
// their transport connections. A lost event that may still arrive for such
// a connection is a tolerated miss.
func (b *Server) reconcileDisconnects() {
	for _, h := range b.msgs.DrainDisconnectRequests() {
		id, ok := b.ids.RemoveHandle(h)
		if !ok {
			b.log.Debug("disconnect for unknown client", zap.Stringer("handle", h))
			continue
		}
		delete(b.samplers, h)
		b.msgs.RemoveClient(h, repl.ReasonRequested)
		if !b.listening() {
			continue
		}
		if err := b.endpoint.Disconnect(id); err != nil {
			b.log.Debug("transport disconnect", zap.Uint64("conn", uint64(id)), zap.Error(err))
		}
		b.log.Info("client disconnected", zap.Uint64("conn", uint64(id)), zap.Stringer("handle", h), zap.String("reason", repl.ReasonRequested.String()))
	}
}
