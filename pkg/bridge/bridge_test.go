package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"replibridge/pkg/channels"
	"replibridge/pkg/repl"
	"replibridge/pkg/stats"
	"replibridge/pkg/transport"
	"replibridge/pkg/transport/mem"
)

const tick = 16 * time.Millisecond

var testSet = channels.Set{
	Server: []channels.Kind{channels.Unordered, channels.Ordered},
	Client: []channels.Kind{channels.Unordered, channels.Ordered},
}

const orderedCh = 1

type harness struct {
	t      *testing.T
	net    *mem.Transport
	sMsgs  *repl.Server
	server *Server
}

func newHarness(t *testing.T, opts mem.Options) *harness {
	t.Helper()
	net := mem.New(opts)
	ep, err := net.Listen("srv", testSet.MustServerConfigs())
	require.NoError(t, err)

	sMsgs := repl.NewServer(len(testSet.Server), len(testSet.Client))
	sb := NewServer(sMsgs, Options{Logger: zaptest.NewLogger(t)})
	sb.Attach(ep)
	sb.Update(tick)
	require.Equal(t, repl.ServerRunning, sMsgs.State())
	return &harness{t: t, net: net, sMsgs: sMsgs, server: sb}
}

type peer struct {
	msgs   *repl.Client
	bridge *Client
	tr     *mem.Client
}

func (h *harness) dial() *peer {
	h.t.Helper()
	return h.dialTo("srv")
}

func (h *harness) dialTo(addr string) *peer {
	h.t.Helper()
	msgs := repl.NewClient(len(testSet.Server), len(testSet.Client))
	b := NewClient(msgs, Options{Logger: zaptest.NewLogger(h.t)})
	tr := h.net.Dial(addr, testSet.MustClientConfigs())
	b.Attach(tr)
	return &peer{msgs: msgs, bridge: b, tr: tr}
}

// connect runs the ticks needed for one client to be connected on both sides.
func (h *harness) connect() (*peer, repl.Handle) {
	h.t.Helper()
	p := h.dial()
	p.bridge.Update(tick)
	require.Equal(h.t, repl.Connecting, p.msgs.State())
	h.server.Update(tick)
	p.bridge.Update(tick)
	require.Equal(h.t, repl.Connected, p.msgs.State())

	var handle repl.Handle
	for _, ev := range h.sMsgs.DrainEvents() {
		if ev.Kind == repl.ClientConnected {
			handle = ev.Handle
		}
	}
	require.NotZero(h.t, handle)
	return p, handle
}

func TestOneClientConnects(t *testing.T) {
	h := newHarness(t, mem.Options{})
	p := h.dial()
	p.bridge.Update(tick)

	// one post-connect tick on each side
	h.server.Update(tick)
	p.bridge.Update(tick)

	assert.Len(t, h.sMsgs.Clients(), 1)
	assert.Equal(t, repl.Connected, p.msgs.State())

	handle := h.sMsgs.Clients()[0]
	srvID, ok := h.server.ConnectionID(handle)
	require.True(t, ok)
	cliID, ok := p.bridge.ConnectionID()
	require.True(t, ok)
	assert.Equal(t, srvID, cliID)

	cc, ok := h.sMsgs.Client(handle)
	require.True(t, ok)
	assert.Equal(t, mem.DefaultMaxDatagramSize, cc.MaxSize)
}

func TestOrderedPayloadsArriveInOrder(t *testing.T) {
	h := newHarness(t, mem.Options{})
	p, handle := h.connect()

	for _, s := range []string{"one", "two", "three"} {
		require.NoError(t, p.msgs.Send(orderedCh, []byte(s)))
	}
	p.bridge.SendPhase()
	h.server.ReceivePhase(tick)

	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, h.sMsgs.Receive(handle, orderedCh))
	assert.Empty(t, h.sMsgs.Receive(handle, 0))
}

func TestSendsQueuedWhileConnectingAreDelivered(t *testing.T) {
	h := newHarness(t, mem.Options{})
	p := h.dial()
	p.bridge.Update(tick)
	require.Equal(t, repl.Connecting, p.msgs.State())

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, p.msgs.Send(orderedCh, []byte(s)))
	}
	// the server has not accepted yet, so this tick has nowhere to send
	p.bridge.Update(tick)
	require.Equal(t, repl.Connecting, p.msgs.State())

	h.server.Update(tick)
	p.bridge.Update(tick)
	require.Equal(t, repl.Connected, p.msgs.State())
	h.server.Update(tick)

	handles := h.sMsgs.Clients()
	require.Len(t, handles, 1)
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, h.sMsgs.Receive(handles[0], orderedCh))
}

func TestServerToClientRelay(t *testing.T) {
	h := newHarness(t, mem.Options{})
	p, handle := h.connect()

	require.NoError(t, h.sMsgs.Send(handle, 0, []byte("u")))
	require.NoError(t, h.sMsgs.Broadcast(orderedCh, []byte("b")))
	h.server.Update(tick)
	p.bridge.Update(tick)

	assert.Equal(t, [][]byte{[]byte("u")}, p.msgs.Receive(0))
	assert.Equal(t, [][]byte{[]byte("b")}, p.msgs.Receive(orderedCh))
}

func TestRequestedDisconnect(t *testing.T) {
	h := newHarness(t, mem.Options{})
	p, handle := h.connect()

	h.sMsgs.RequestDisconnect(handle)
	h.server.Update(tick)

	assert.Empty(t, h.sMsgs.Clients())
	_, ok := h.server.ConnectionID(handle)
	assert.False(t, ok)
	assert.Empty(t, h.server.Endpoint().Connections())
	assert.Equal(t, []repl.Event{{Kind: repl.ClientDisconnected, Handle: handle, Reason: repl.ReasonRequested}}, h.sMsgs.DrainEvents())

	p.bridge.Update(tick)
	assert.Equal(t, repl.Disconnected, p.msgs.State())
	_, ok = p.bridge.ConnectionID()
	assert.False(t, ok)

	// nothing more is reported for that connection
	h.server.Update(tick)
	assert.Empty(t, h.sMsgs.DrainEvents())
}

func TestClientLossRemovesHandle(t *testing.T) {
	h := newHarness(t, mem.Options{})
	p, handle := h.connect()

	require.NoError(t, p.tr.Close())
	h.server.Update(tick)

	assert.Empty(t, h.sMsgs.Clients())
	assert.Equal(t, []repl.Event{{Kind: repl.ClientDisconnected, Handle: handle, Reason: repl.ReasonLost}}, h.sMsgs.DrainEvents())
	p.bridge.Update(tick)
	assert.Equal(t, repl.Disconnected, p.msgs.State())
}

func TestClientRequestedDisconnect(t *testing.T) {
	h := newHarness(t, mem.Options{})
	p, _ := h.connect()

	require.NoError(t, p.msgs.Send(orderedCh, []byte("last")))
	p.msgs.RequestDisconnect()
	p.bridge.Update(tick)

	assert.Equal(t, repl.Disconnected, p.msgs.State())
	assert.Equal(t, transport.StatusClosed, p.tr.Status())
	h.server.Update(tick)
	assert.Empty(t, h.sMsgs.Clients())
}

func TestStaleHandleSendDropped(t *testing.T) {
	h := newHarness(t, mem.Options{})
	gone, goneHandle := h.connect()
	stay, stayHandle := h.connect()

	require.NoError(t, h.sMsgs.Send(goneHandle, orderedCh, []byte("late")))
	require.NoError(t, h.sMsgs.Send(stayHandle, orderedCh, []byte("ok")))
	require.NoError(t, h.sMsgs.Send(repl.Handle(999), orderedCh, []byte("never")))
	require.NoError(t, gone.tr.Close())

	require.NotPanics(t, func() { h.server.Update(tick) })
	stay.bridge.Update(tick)
	assert.Equal(t, [][]byte{[]byte("ok")}, stay.msgs.Receive(orderedCh))
	assert.Equal(t, []repl.Handle{stayHandle}, h.sMsgs.Clients())
}

// dupServer replays every connect event twice.
type dupServer struct {
	transport.Server
}

func (d dupServer) DrainEvents() []transport.ServerEvent {
	var out []transport.ServerEvent
	for _, ev := range d.Server.DrainEvents() {
		out = append(out, ev)
		if ev.Kind == transport.EventConnected {
			out = append(out, ev)
		}
	}
	return out
}

func TestDuplicateConnectIgnored(t *testing.T) {
	h := newHarness(t, mem.Options{})
	h.server.Attach(dupServer{h.server.Endpoint()})

	p := h.dial()
	h.server.Update(tick)
	p.bridge.Update(tick)

	assert.Len(t, h.sMsgs.Clients(), 1)
	events := h.sMsgs.DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, repl.ClientConnected, events[0].Kind)
	assert.Equal(t, repl.Connected, p.msgs.State())
}

func TestServerStopTearsDownHandles(t *testing.T) {
	h := newHarness(t, mem.Options{})
	p1, h1 := h.connect()
	_, h2 := h.connect()

	require.NoError(t, h.server.Endpoint().Stop())
	require.NoError(t, h.sMsgs.Send(h1, 0, []byte("dropped")))
	h.server.Update(tick)

	assert.Equal(t, repl.ServerStopped, h.sMsgs.State())
	assert.Empty(t, h.sMsgs.Clients())
	assert.ElementsMatch(t, []repl.Event{
		{Kind: repl.ClientDisconnected, Handle: h1, Reason: repl.ReasonLost},
		{Kind: repl.ClientDisconnected, Handle: h2, Reason: repl.ReasonLost},
	}, h.sMsgs.DrainEvents())

	p1.bridge.Update(tick)
	assert.Equal(t, repl.Disconnected, p1.msgs.State())

	// ticks without an endpoint are no-ops
	h.server.Attach(nil)
	require.NotPanics(t, func() { h.server.Update(tick) })
}

func TestReattachTearsDownPreviousEndpoint(t *testing.T) {
	h := newHarness(t, mem.Options{})
	old, oldHandle := h.connect()

	require.NoError(t, h.server.Endpoint().Stop())
	ep2, err := h.net.Listen("srv2", testSet.MustServerConfigs())
	require.NoError(t, err)
	h.server.Attach(ep2)

	assert.Equal(t, repl.ServerStopped, h.sMsgs.State())
	assert.Empty(t, h.sMsgs.Clients())
	_, ok := h.server.ConnectionID(oldHandle)
	assert.False(t, ok)
	assert.Equal(t, []repl.Event{{Kind: repl.ClientDisconnected, Handle: oldHandle, Reason: repl.ReasonLost}}, h.sMsgs.DrainEvents())

	p := h.dialTo("srv2")
	p.bridge.Update(tick)
	h.server.Update(tick)
	p.bridge.Update(tick)

	assert.Equal(t, repl.ServerRunning, h.sMsgs.State())
	assert.Equal(t, repl.Connected, p.msgs.State())
	clients := h.sMsgs.Clients()
	require.Len(t, clients, 1)
	assert.NotEqual(t, oldHandle, clients[0])
	events := h.sMsgs.DrainEvents()
	require.Len(t, events, 1)
	assert.Equal(t, repl.ClientConnected, events[0].Kind)
	assert.Equal(t, clients[0], events[0].Handle)

	old.bridge.Update(tick)
	assert.Equal(t, repl.Disconnected, old.msgs.State())
}

func TestDialWithoutServer(t *testing.T) {
	net := mem.New(mem.Options{})
	msgs := repl.NewClient(1, 1)
	b := NewClient(msgs, Options{Logger: zaptest.NewLogger(t)})
	require.NotPanics(t, func() { b.Update(tick) })
	assert.Equal(t, repl.Disconnected, msgs.State())

	b.Attach(net.Dial("nowhere", nil))
	b.Update(tick)
	assert.Equal(t, repl.Disconnected, msgs.State())
}

func TestStatsSampledPerConnection(t *testing.T) {
	h := newHarness(t, mem.Options{RTT: 30 * time.Millisecond})
	p, handle := h.connect()

	for i := 0; i < 4; i++ {
		require.NoError(t, h.sMsgs.Send(handle, orderedCh, make([]byte, 100)))
	}
	// the sends land in this tick's outbound phase; the next period samples them
	h.server.Update(tick)
	for elapsed := time.Duration(0); elapsed < stats.BytesPerSecPeriod; elapsed += 25 * time.Millisecond {
		h.server.Update(25 * time.Millisecond)
	}

	cc, ok := h.sMsgs.Client(handle)
	require.True(t, ok)
	assert.Equal(t, 30*time.Millisecond, cc.Stats.RTT)
	assert.Zero(t, cc.Stats.PacketLoss)
	assert.InDelta(t, 400/stats.BytesPerSecPeriod.Seconds(), cc.Stats.SentBps, 1e-6)

	for elapsed := time.Duration(0); elapsed < stats.BytesPerSecPeriod; elapsed += 25 * time.Millisecond {
		p.bridge.Update(25 * time.Millisecond)
	}
	assert.InDelta(t, 400/stats.BytesPerSecPeriod.Seconds(), p.msgs.Stats().ReceivedBps, 1e-6)
	assert.Equal(t, 30*time.Millisecond, p.msgs.Stats().RTT)
}
