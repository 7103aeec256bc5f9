package repl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerClientRegistry(t *testing.T) {
	s := NewServer(2, 2)
	assert.Equal(t, ServerStopped, s.State())

	require.True(t, s.AddClient(3, 1200))
	require.True(t, s.AddClient(1, 1200))
	require.False(t, s.AddClient(3, 1200))
	assert.Equal(t, []Handle{1, 3}, s.Clients())

	c, ok := s.Client(3)
	require.True(t, ok)
	assert.Equal(t, 1200, c.MaxSize)

	require.True(t, s.RemoveClient(3, ReasonRequested))
	require.False(t, s.RemoveClient(3, ReasonLost))

	assert.Equal(t, []Event{
		{Kind: ClientConnected, Handle: 3},
		{Kind: ClientConnected, Handle: 1},
		{Kind: ClientDisconnected, Handle: 3, Reason: ReasonRequested},
	}, s.DrainEvents())
	assert.Empty(t, s.DrainEvents())
}

func TestServerReceiveQueues(t *testing.T) {
	s := NewServer(1, 2)
	s.AddClient(1, 0)
	s.AddClient(2, 0)

	require.NoError(t, s.InsertReceived(2, 1, []byte("b1")))
	require.NoError(t, s.InsertReceived(1, 1, []byte("a1")))
	require.NoError(t, s.InsertReceived(1, 1, []byte("a2")))
	require.ErrorIs(t, s.InsertReceived(1, 2, []byte("x")), ErrUnknownChannel)
	require.ErrorIs(t, s.InsertReceived(9, 0, []byte("x")), ErrUnknownClient)

	assert.Equal(t, [][]byte{[]byte("a1"), []byte("a2")}, s.Receive(1, 1))
	assert.Empty(t, s.Receive(1, 1))
	assert.Equal(t, []Received{{Handle: 2, Payload: []byte("b1")}}, s.ReceiveAll(1))

	require.NoError(t, s.InsertReceived(2, 0, []byte("gone")))
	s.RemoveClient(2, ReasonLost)
	assert.Empty(t, s.Receive(2, 0))
}

func TestServerSendAndRequests(t *testing.T) {
	s := NewServer(2, 1)
	s.AddClient(1, 0)
	s.AddClient(2, 0)

	require.NoError(t, s.Send(2, 0, []byte("x")))
	require.NoError(t, s.Broadcast(1, []byte("all")))
	require.ErrorIs(t, s.Send(1, 5, nil), ErrUnknownChannel)

	assert.Equal(t, []Outbound{
		{Handle: 2, Channel: 0, Payload: []byte("x")},
		{Handle: 1, Channel: 1, Payload: []byte("all")},
		{Handle: 2, Channel: 1, Payload: []byte("all")},
	}, s.DrainSent())
	assert.Empty(t, s.DrainSent())

	s.RequestDisconnect(2)
	s.RequestDisconnect(7)
	assert.Equal(t, []Handle{2, 7}, s.DrainDisconnectRequests())
	assert.Empty(t, s.DrainDisconnectRequests())
}

func TestClientDisconnectClearsQueues(t *testing.T) {
	c := NewClient(2, 1)
	c.SetState(Connected)
	require.True(t, c.IsConnected())

	require.NoError(t, c.InsertReceived(1, []byte("s")))
	require.ErrorIs(t, c.InsertReceived(2, nil), ErrUnknownChannel)
	require.NoError(t, c.Send(0, []byte("c")))
	require.ErrorIs(t, c.Send(1, nil), ErrUnknownChannel)
	c.StatsMut().SentBps = 80

	c.SetState(Disconnected)
	assert.Empty(t, c.Receive(1))
	assert.Empty(t, c.DrainSent())
	assert.Zero(t, c.Stats())
}

func TestStatsRTTSeconds(t *testing.T) {
	s := Stats{RTT: 250_000_000}
	assert.InDelta(t, 0.25, s.RTTSeconds(), 1e-9)
}

func TestClientDisconnectRequest(t *testing.T) {
	c := NewClient(1, 1)
	assert.False(t, c.TakeDisconnectRequest())
	c.RequestDisconnect()
	c.RequestDisconnect()
	assert.True(t, c.TakeDisconnectRequest())
	assert.False(t, c.TakeDisconnectRequest())
}
