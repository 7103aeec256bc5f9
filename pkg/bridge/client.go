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

// Client is the client-side mirror of Server.
type Client struct {
	log     *zap.Logger
	msgs    *repl.Client
	conn    transport.Client
	slot    identity.Slot
	sampler *stats.Sampler
}

func NewClient(msgs *repl.Client, opts Options) *Client {
	return &Client{
		log:     opts.logger("bridge-client"),
		msgs:    msgs,
		sampler: stats.New(opts.StatsPeriod),
	}
}

// Attach hands the bridge a dialed transport client.
func (b *Client) Attach(c transport.Client) { b.conn = c }

// ConnectionID is the id the server assigned, while connected.
func (b *Client) ConnectionID() (transport.ConnectionID, bool) { return b.slot.Get() }

func (b *Client) Update(dt time.Duration) {
	b.ReceivePhase(dt)
	b.SendPhase()
}

func (b *Client) ReceivePhase(dt time.Duration) {
	c, ok := b.syncLifecycle()
	if !ok {
		return
	}
	for {
		ch, payload, ok := c.Receive()
		if !ok {
			break
		}
		if err := b.msgs.InsertReceived(ch, payload); err != nil {
			b.log.Debug("inbound payload dropped", zap.Uint8("channel", ch), zap.Error(err))
		}
	}
	b.sampler.Update(dt, c, b.msgs.StatsMut())
}

// SendPhase hands queued sends to the live connection. Without one they
// stay queued; a transition to Disconnected discards them.
func (b *Client) SendPhase() {
	if c, ok := b.current(); ok {
		for _, m := range b.msgs.DrainSent() {
			if err := c.Send(m.Channel, m.Payload); err != nil {
				b.log.Warn("send failed", zap.Uint8("channel", m.Channel), zap.Error(err))
			}
		}
	}
	if b.msgs.TakeDisconnectRequest() {
		b.disconnect()
	}
}

// current returns the live connection matching the slot.
func (b *Client) current() (transport.Connection, bool) {
	id, ok := b.slot.Get()
	if !ok || b.conn == nil {
		return nil, false
	}
	c, ok := b.conn.Connection()
	if !ok || c.ID() != id {
		return nil, false
	}
	return c, true
}

func (b *Client) syncLifecycle() (transport.Connection, bool) {
	st, fired := lifecycle.NextClient(b.msgs.State(), lifecycle.ObserveClient(b.conn))
	if fired {
		switch st {
		case repl.Connected:
			c, ok := b.conn.Connection()
			if !ok {
				// status and connection disagree; try again next tick
				return nil, false
			}
			b.slot.Set(c.ID())
			b.sampler.Reset()
			b.log.Info("connected", zap.Uint64("conn", uint64(c.ID())))
		case repl.Connecting:
			b.log.Info("connecting")
		case repl.Disconnected:
			b.slot.Clear()
			b.log.Info("disconnected")
		}
		b.msgs.SetState(st)
	}
	return b.current()
}

// disconnect closes the transport and reports Disconnected immediately.
func (b *Client) disconnect() {
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			b.log.Debug("transport close", zap.Error(err))
		}
	}
	b.slot.Clear()
	if b.msgs.State() != repl.Disconnected {
		b.msgs.SetState(repl.Disconnected)
		b.log.Info("disconnected", zap.String("reason", repl.ReasonRequested.String()))
	}
}
