package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"replibridge/pkg/repl"
	"replibridge/pkg/transport"
)

type fakeClient struct{ status transport.ClientStatus }

func (f fakeClient) Status() transport.ClientStatus           { return f.status }
func (f fakeClient) Connection() (transport.Connection, bool) { return nil, false }
func (f fakeClient) Close() error                             { return nil }

func TestNextClientTable(t *testing.T) {
	var (
		connecting = ClientObservation{Connecting: true}
		connected  = ClientObservation{Connected: true}
		closed     = ClientObservation{Closed: true}
		none       = ClientObservation{}
	)
	cases := []struct {
		name  string
		cur   repl.ClientState
		obs   ClientObservation
		want  repl.ClientState
		fired bool
	}{
		{"idle stays", repl.Disconnected, none, repl.Disconnected, false},
		{"start connecting", repl.Disconnected, connecting, repl.Connecting, true},
		{"connecting is level", repl.Connecting, connecting, repl.Connecting, false},
		{"handshake done", repl.Connecting, connected, repl.Connected, true},
		{"fast handshake", repl.Disconnected, connected, repl.Connected, true},
		{"connected is level", repl.Connected, connected, repl.Connected, false},
		{"no going back to connecting", repl.Connected, connecting, repl.Connected, false},
		{"lost", repl.Connected, closed, repl.Disconnected, true},
		{"handshake failed", repl.Connecting, closed, repl.Disconnected, true},
		{"closed is level", repl.Disconnected, closed, repl.Disconnected, false},
		{"closed wins", repl.Connected, ClientObservation{Connected: true, Closed: true}, repl.Disconnected, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, fired := NextClient(tc.cur, tc.obs)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.fired, fired)
		})
	}
}

func TestNextClientFiresOncePerEdge(t *testing.T) {
	st := repl.Disconnected
	fires := 0
	for _, status := range []transport.ClientStatus{
		transport.StatusConnecting, transport.StatusConnecting,
		transport.StatusConnected, transport.StatusConnected, transport.StatusConnected,
		transport.StatusClosed, transport.StatusClosed,
	} {
		var fired bool
		st, fired = NextClient(st, ObserveClient(fakeClient{status}))
		if fired {
			fires++
		}
	}
	assert.Equal(t, repl.Disconnected, st)
	assert.Equal(t, 3, fires)
}

func TestObserveClient(t *testing.T) {
	assert.Equal(t, ClientObservation{Closed: true}, ObserveClient(nil))
	assert.Equal(t, ClientObservation{}, ObserveClient(fakeClient{transport.StatusIdle}))
	assert.Equal(t, ClientObservation{Connected: true}, ObserveClient(fakeClient{transport.StatusConnected}))
}

func TestNextServer(t *testing.T) {
	st, fired := NextServer(repl.ServerStopped, true)
	assert.Equal(t, repl.ServerRunning, st)
	assert.True(t, fired)

	st, fired = NextServer(st, true)
	assert.Equal(t, repl.ServerRunning, st)
	assert.False(t, fired)

	st, fired = NextServer(st, false)
	assert.Equal(t, repl.ServerStopped, st)
	assert.True(t, fired)
}
