// Package lifecycle derives message-layer connection states from what the
// transport reports. Transitions are edge-triggered: a function reports
// fired only when the state actually changes.
package lifecycle

import (
	"replibridge/pkg/repl"
	"replibridge/pkg/transport"
)

// ClientObservation is the set of client predicates sampled in one tick.
type ClientObservation struct {
	Connecting bool
	Connected  bool
	Closed     bool
}

// ObserveClient samples a transport client. A nil client reads as closed.
func ObserveClient(c transport.Client) ClientObservation {
	if c == nil {
		return ClientObservation{Closed: true}
	}
	switch c.Status() {
	case transport.StatusConnecting:
		return ClientObservation{Connecting: true}
	case transport.StatusConnected:
		return ClientObservation{Connected: true}
	case transport.StatusClosed:
		return ClientObservation{Closed: true}
	}
	return ClientObservation{}
}

var clientAllowed = map[repl.ClientState][]repl.ClientState{
	repl.Disconnected: {repl.Connecting, repl.Connected},
	repl.Connecting:   {repl.Connected, repl.Disconnected},
	repl.Connected:    {repl.Disconnected},
}

func validClient(from, to repl.ClientState) bool {
	for _, s := range clientAllowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextClient returns the client state after observing obs. Closed wins over
// the other predicates; a handshake that completed within one tick moves
// straight from Disconnected to Connected.
func NextClient(cur repl.ClientState, obs ClientObservation) (repl.ClientState, bool) {
	var want repl.ClientState
	switch {
	case obs.Closed:
		want = repl.Disconnected
	case obs.Connected:
		want = repl.Connected
	case obs.Connecting:
		want = repl.Connecting
	default:
		return cur, false
	}
	if want == cur || !validClient(cur, want) {
		return cur, false
	}
	return want, true
}

// NextServer returns the server state for the endpoint's listening flag.
func NextServer(cur repl.ServerState, listening bool) (repl.ServerState, bool) {
	want := repl.ServerStopped
	if listening {
		want = repl.ServerRunning
	}
	return want, want != cur
}
