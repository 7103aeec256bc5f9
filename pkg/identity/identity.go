// Package identity keeps transport connection ids and application client
// handles consistent.
//
// The server side is an arena keyed by the transport's connection id with a
// reverse index by handle; removal is a single table deletion on each side.
// The client side holds at most one connection.
package identity

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"replibridge/pkg/repl"
	"replibridge/pkg/transport"
)

var ErrAlreadyMapped = errors.New("identity: connection already mapped")

// Map is the server's connection table. Not safe for concurrent use.
type Map struct {
	log      *zap.Logger
	byID     map[transport.ConnectionID]repl.Handle
	byHandle map[repl.Handle]transport.ConnectionID
	next     repl.Handle
}

func NewMap(log *zap.Logger) *Map {
	if log == nil {
		log = zap.L()
	}
	return &Map{
		log:      log,
		byID:     make(map[transport.ConnectionID]repl.Handle),
		byHandle: make(map[repl.Handle]transport.ConnectionID),
	}
}

// OnConnect allocates a fresh handle for id. A second connect for an id that
// is already mapped is logged and ignored; the existing handle is kept.
func (m *Map) OnConnect(id transport.ConnectionID) (repl.Handle, error) {
	if h, ok := m.byID[id]; ok {
		m.log.Warn("duplicate connect ignored", zap.Uint64("conn", uint64(id)), zap.Stringer("handle", h))
		return h, fmt.Errorf("%w: %d", ErrAlreadyMapped, id)
	}
	m.next++
	h := m.next
	m.byID[id] = h
	m.byHandle[h] = id
	return h, nil
}

// OnDisconnect removes id and returns its handle for teardown. An unmapped
// id is a tolerated miss: the handle may already be gone.
func (m *Map) OnDisconnect(id transport.ConnectionID) (repl.Handle, bool) {
	h, ok := m.byID[id]
	if !ok {
		m.log.Debug("disconnect for unmapped connection", zap.Uint64("conn", uint64(id)))
		return 0, false
	}
	delete(m.byID, id)
	delete(m.byHandle, h)
	return h, true
}

// RemoveHandle is OnDisconnect keyed by handle.
func (m *Map) RemoveHandle(h repl.Handle) (transport.ConnectionID, bool) {
	id, ok := m.byHandle[h]
	if !ok {
		return 0, false
	}
	delete(m.byHandle, h)
	delete(m.byID, id)
	return id, true
}

func (m *Map) LookupHandle(id transport.ConnectionID) (repl.Handle, bool) {
	h, ok := m.byID[id]
	return h, ok
}

func (m *Map) LookupID(h repl.Handle) (transport.ConnectionID, bool) {
	id, ok := m.byHandle[h]
	return id, ok
}

func (m *Map) Len() int { return len(m.byID) }

// Each visits every mapping. fn must not modify the map.
func (m *Map) Each(fn func(id transport.ConnectionID, h repl.Handle)) {
	for id, h := range m.byID {
		fn(id, h)
	}
}

// Clear removes every mapping and returns the handles that were live.
func (m *Map) Clear() []repl.Handle {
	out := make([]repl.Handle, 0, len(m.byHandle))
	for h := range m.byHandle {
		out = append(out, h)
	}
	clear(m.byID)
	clear(m.byHandle)
	return out
}

// Slot is the client's single active connection.
type Slot struct {
	id  transport.ConnectionID
	set bool
}

func (s *Slot) Set(id transport.ConnectionID) { s.id, s.set = id, true }
func (s *Slot) Clear()                        { s.id, s.set = 0, false }

func (s *Slot) Get() (transport.ConnectionID, bool) { return s.id, s.set }
