package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/concord/pkg/protocol"
)

func TestClientStateString(t *testing.T) {
	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.Equal(t, "identifying", StateIdentifying.String())
	assert.Equal(t, "pending", StatePending.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "ClientState(9)", ClientState(9).String())
}

func TestClientManagerReplacesConnection(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	cm := srv.clients

	first, _ := newTestClient(srv, "alice")
	second, _ := newTestClient(srv, "alice")
	second.setIdentity(first.ID(), "alice")

	assert.Nil(t, cm.Add(first))
	assert.Nil(t, cm.Add(first), "adding the same connection twice is not a replacement")
	assert.Same(t, first, cm.Add(second))

	// The replaced connection's teardown leaves the new one registered
	assert.False(t, cm.Remove(first))
	got, ok := cm.Get(first.ID())
	require.True(t, ok)
	assert.Same(t, second, got)

	assert.True(t, cm.Remove(second))
	assert.Zero(t, cm.Count())
}

func TestClientManagerPending(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	cm := srv.clients

	c, conn := newTestClient(srv, "carol")
	c.setState(StatePending)
	cm.AddPending(c)
	active, activeConn := newTestClient(srv, "dave")
	cm.Add(active)

	assert.Len(t, cm.PendingClients(), 1)
	assert.Equal(t, 1, cm.Count(), "pending clients are not active")

	// Broadcasts skip pending clients
	require.NoError(t, cm.Broadcast(protocol.Warning("all")))
	assert.Empty(t, conn.take(t, srv.registry))
	requireWarning(t, activeConn.take(t, srv.registry), "all")

	taken, ok := cm.TakePending(c.ID())
	require.True(t, ok)
	assert.Same(t, c, taken)
	_, ok = cm.TakePending(c.ID())
	assert.False(t, ok)

	cm.AddPending(c)
	cm.CloseAll()
	assert.True(t, conn.isClosed())
	assert.True(t, activeConn.isClosed())
	assert.Equal(t, StateClosed, c.State())
}

func TestClientManagerPendingReplacement(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	cm := srv.clients

	first, _ := newTestClient(srv, "erin")
	second, _ := newTestClient(srv, "erin")
	second.setIdentity(first.ID(), "erin")

	assert.Nil(t, cm.AddPending(first))
	assert.Same(t, first, cm.AddPending(second))
	assert.Nil(t, cm.AddPending(second), "re-adding the same connection displaces nothing")

	// The displaced connection's teardown leaves the newer one parked
	cm.RemovePending(first)
	taken, ok := cm.TakePending(first.ID())
	require.True(t, ok)
	assert.Same(t, second, taken)
}

func TestClientSendAfterClose(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	c, conn := newTestClient(srv, "erin")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.True(t, c.Closed())
	assert.Error(t, c.Send(protocol.Warning("too late")))
	assert.Empty(t, conn.take(t, srv.registry))
}
