package identity

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"replibridge/pkg/repl"
	"replibridge/pkg/transport"
)

func TestConnectDisconnect(t *testing.T) {
	m := NewMap(zaptest.NewLogger(t))

	h1, err := m.OnConnect(10)
	require.NoError(t, err)
	h2, err := m.OnConnect(11)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.NotZero(t, h1)

	got, ok := m.LookupHandle(11)
	require.True(t, ok)
	assert.Equal(t, h2, got)
	id, ok := m.LookupID(h1)
	require.True(t, ok)
	assert.Equal(t, transport.ConnectionID(10), id)

	h, ok := m.OnDisconnect(10)
	require.True(t, ok)
	assert.Equal(t, h1, h)
	_, ok = m.LookupID(h1)
	assert.False(t, ok)
	_, ok = m.OnDisconnect(10)
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())
}

func TestDuplicateConnectKeepsHandle(t *testing.T) {
	m := NewMap(zaptest.NewLogger(t))
	h, err := m.OnConnect(5)
	require.NoError(t, err)

	again, err := m.OnConnect(5)
	require.ErrorIs(t, err, ErrAlreadyMapped)
	assert.Equal(t, h, again)
	assert.Equal(t, 1, m.Len())
}

func TestHandlesNeverReused(t *testing.T) {
	m := NewMap(zaptest.NewLogger(t))
	seen := map[repl.Handle]bool{}
	for i := 0; i < 20; i++ {
		id := transport.ConnectionID(i % 3)
		m.OnDisconnect(id)
		h, err := m.OnConnect(id)
		require.NoError(t, err)
		require.False(t, seen[h], "handle %v reused", h)
		seen[h] = true
	}

	// no two live ids share a handle
	live := map[repl.Handle]transport.ConnectionID{}
	m.Each(func(id transport.ConnectionID, h repl.Handle) {
		_, dup := live[h]
		require.False(t, dup)
		live[h] = id
	})
	assert.Len(t, live, 3)
}

func TestRemoveHandleAndClear(t *testing.T) {
	m := NewMap(zaptest.NewLogger(t))
	a, _ := m.OnConnect(1)
	b, _ := m.OnConnect(2)

	id, ok := m.RemoveHandle(a)
	require.True(t, ok)
	assert.Equal(t, transport.ConnectionID(1), id)
	_, ok = m.LookupHandle(1)
	assert.False(t, ok)
	_, ok = m.RemoveHandle(a)
	assert.False(t, ok)

	c, _ := m.OnConnect(3)
	hs := m.Clear()
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	assert.Equal(t, []repl.Handle{b, c}, hs)
	assert.Zero(t, m.Len())
}

func TestSlot(t *testing.T) {
	var s Slot
	_, ok := s.Get()
	assert.False(t, ok)
	s.Set(4)
	id, ok := s.Get()
	assert.True(t, ok)
	assert.Equal(t, transport.ConnectionID(4), id)
	s.Clear()
	_, ok = s.Get()
	assert.False(t, ok)
}
