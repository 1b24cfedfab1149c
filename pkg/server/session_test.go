package server

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/concord/pkg/protocol"
)

// closingConn closes its client as soon as the first write has gone out,
// like a peer that hangs up right after receiving the welcome
type closingConn struct {
	*captureConn
	client *Client
}

func (c *closingConn) Write(b []byte) (int, error) {
	n, err := c.captureConn.Write(b)
	c.client.Close()
	return n, err
}

func TestLogInUndoneWhenClosedDuringWelcome(t *testing.T) {
	srv := newTestServer(t, testConfig(t))
	bob, bobConn := connectTestClient(t, srv, "bob")

	conn := &closingConn{captureConn: &captureConn{}}
	c := newClient(conn, "tcp", srv.registry, srv.metrics)
	conn.client = c
	c.reader = conn
	c.writer = conn

	err := srv.logIn(c, &ConnectionData{UserID: srv.ids.NewID(), Nickname: "ghost"})
	require.ErrorIs(t, err, net.ErrClosed)

	welcomes := messagesOf[*protocol.ServerWelcome](conn.take(t, srv.registry))
	assert.Len(t, welcomes, 1, "the welcome went out before the close")

	_, ok := srv.clients.Get(c.ID())
	assert.False(t, ok, "closed client must not stay registered")
	assert.Equal(t, 1, srv.clients.Count())
	assert.Equal(t, 1, srv.channels.DefaultChannel().Size())
	for _, u := range srv.clients.Users() {
		assert.NotEqual(t, "ghost", u.Name)
	}
	assert.Equal(t, srv.channels.DefaultChannel().ID(), bob.ChannelID())

	// Server user lists sent to bob never include the closed client
	for _, users := range messagesOf[*protocol.ServerUsers](bobConn.take(t, srv.registry)) {
		for _, u := range users.Users {
			assert.NotEqual(t, "ghost", u.Name)
		}
	}
}

// hookConn runs onClose before it closes
type hookConn struct {
	*captureConn
	onClose func()
}

func (c *hookConn) Close() error {
	c.onClose()
	return c.captureConn.Close()
}

func TestStopDisconnectsClientsBeforeClosingListener(t *testing.T) {
	srv := startTestServer(t, testConfig(t))
	addr := srv.Addr().String()

	dialErr := net.ErrClosed
	conn := &hookConn{captureConn: &captureConn{}, onClose: func() {
		d, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			d.Close()
		}
		dialErr = err
	}}
	srv.live.Add(newClient(conn, "tcp", srv.registry, srv.metrics))

	require.NoError(t, srv.Stop())
	assert.NoError(t, dialErr, "the listener was already closed when clients were disconnected")
	assert.True(t, conn.isClosed())

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err, "the listener must be closed once Stop returns")
}

func TestMalformedIdentifyInputEndsConnection(t *testing.T) {
	srv := newTestServer(t, testConfig(t))

	late, err := srv.registry.Marshal(&protocol.Identification{Nickname: "late"})
	require.NoError(t, err)

	conn := &captureConn{}
	c := newClient(conn, "tcp", srv.registry, srv.metrics)
	c.reader = bytes.NewReader(append([]byte{0xFF}, late...))
	c.writer = conn
	c.setState(StateIdentifying)

	err = srv.identify(c)
	require.Error(t, err)
	assert.True(t, protocol.IsProtocolError(err))
	assert.Empty(t, messagesOf[*protocol.ServerWelcome](conn.take(t, srv.registry)),
		"nothing after the bad frame is read")
	assert.Zero(t, srv.clients.Count())
}
