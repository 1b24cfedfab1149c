package server

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/concord/pkg/client"
	"github.com/aeolun/concord/pkg/database"
	"github.com/aeolun/concord/pkg/protocol"
)

const testTimeout = 5 * time.Second

func tcpAddress(srv *Server) string {
	return fmt.Sprintf("127.0.0.1:%d", srv.Addr().(*net.TCPAddr).Port)
}

// dialTestServer connects and completes the key exchange
func dialTestServer(t *testing.T, address string, opts client.Options) *client.Conn {
	t.Helper()
	conn, err := client.Dial(address, opts)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(testTimeout)))
	return conn
}

// expectMessage reads until a message of type T arrives
func expectMessage[T protocol.Message](t *testing.T, conn *client.Conn) T {
	t.Helper()
	for {
		msg, err := conn.Receive()
		require.NoError(t, err)
		if m, ok := msg.(T); ok {
			return m
		}
	}
}

// expectClosed reads until the server hangs up
func expectClosed(t *testing.T, conn *client.Conn) {
	t.Helper()
	for i := 0; i < 100; i++ {
		if _, err := conn.Receive(); err != nil {
			var netErr net.Error
			require.False(t, errors.As(err, &netErr) && netErr.Timeout(), "server did not close the connection")
			return
		}
	}
	t.Fatal("server kept sending without closing the connection")
}

func TestWelcomeFlow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Name = "Test Server"
	srv := startTestServer(t, cfg)

	conn := dialTestServer(t, tcpAddress(srv), client.Options{})
	welcome, err := conn.Identify("alice", nil)
	require.NoError(t, err)

	general := srv.channels.DefaultChannel()
	assert.NotEqual(t, uuid.Nil, welcome.ClientID)
	assert.Len(t, welcome.SessionToken, SessionTokenLength)
	assert.Equal(t, general.ID(), welcome.CurrentChannelID)
	assert.Equal(t, "general", welcome.CurrentChannelName)
	assert.Equal(t, "Test Server", welcome.MetaData.Name)
	require.Len(t, welcome.MetaData.Channels, 2)
	assert.Equal(t, "general", welcome.MetaData.Channels[0].Name)
	assert.Equal(t, "random", welcome.MetaData.Channels[1].Name)

	// Joining the channel comes before the server-wide user list
	msg, err := conn.Receive()
	require.NoError(t, err)
	occupancy, ok := msg.(*protocol.ChannelUsersResponse)
	require.True(t, ok, "got %T", msg)
	assert.Equal(t, []string{"alice"}, userNames(occupancy.Users))

	msg, err = conn.Receive()
	require.NoError(t, err)
	users, ok := msg.(*protocol.ServerUsers)
	require.True(t, ok, "got %T", msg)
	require.Len(t, users.Users, 1)
	assert.Equal(t, welcome.ClientID, users.Users[0].ID)

	require.Eventually(t, func() bool { return srv.clients.Count() == 1 }, testTimeout, 10*time.Millisecond)
	c, ok := srv.clients.Get(welcome.ClientID)
	require.True(t, ok)
	assert.Equal(t, StateActive, c.State())
	assert.Equal(t, "tcp", c.Transport())
}

func TestChatBetweenClients(t *testing.T) {
	srv := startTestServer(t, testConfig(t))

	alice := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err := alice.Identify("alice", nil)
	require.NoError(t, err)

	bob := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err = bob.Identify("bob", nil)
	require.NoError(t, err)

	// Alice sees bob arrive before she speaks
	for {
		users := expectMessage[*protocol.ServerUsers](t, alice)
		if len(users.Users) == 2 {
			break
		}
	}

	require.NoError(t, alice.Chat("hi bob"))

	chat := expectMessage[*protocol.Chat](t, bob)
	assert.Equal(t, alice.ID(), chat.SenderID)
	assert.Equal(t, "alice", chat.SenderNickname)
	assert.Equal(t, "hi bob", chat.Message)

	// The sender gets its own message back with the same id
	echo := expectMessage[*protocol.Chat](t, alice)
	assert.Equal(t, chat.ID, echo.ID)
}

func TestMoveAndHistoryOverTCP(t *testing.T) {
	srv := startTestServer(t, testConfig(t))
	random, _ := srv.channels.ChannelByName("random")

	conn := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err := conn.Identify("alice", nil)
	require.NoError(t, err)

	require.NoError(t, conn.Move(random.ID()))
	move := expectMessage[*protocol.MoveToChannel](t, conn)
	assert.Equal(t, random.ID(), move.ID)

	require.NoError(t, conn.Chat("first"))
	expectMessage[*protocol.Chat](t, conn)
	require.NoError(t, conn.Chat("second"))
	expectMessage[*protocol.Chat](t, conn)

	require.NoError(t, conn.RequestHistory(random.ID(), map[string]string{"count": "10"}))
	history := expectMessage[*protocol.ChatHistoryResponse](t, conn)
	require.Len(t, history.Messages, 2)
	assert.Equal(t, "first", history.Messages[0].Message)
	assert.Equal(t, "second", history.Messages[1].Message)

	require.NoError(t, conn.RequestChannelUsers(random.ID()))
	occupancy := expectMessage[*protocol.ChannelUsersResponse](t, conn)
	assert.Equal(t, []string{"alice"}, userNames(occupancy.Users))
}

func TestResumeSessionOverTCP(t *testing.T) {
	srv := startTestServer(t, testConfig(t))

	first := dialTestServer(t, tcpAddress(srv), client.Options{})
	welcome, err := first.Identify("alice", nil)
	require.NoError(t, err)
	first.Close()

	second := dialTestServer(t, tcpAddress(srv), client.Options{})
	resumed, err := second.Resume(welcome.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, welcome.ClientID, resumed.ClientID)
	assert.NotEqual(t, welcome.SessionToken, resumed.SessionToken)

	// The spent token is refused
	third := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err = third.Resume(welcome.SessionToken)
	var serverErr *client.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, protocol.LevelWarning, serverErr.Level)
	assert.Equal(t, "Invalid session token.", serverErr.Message)
	expectClosed(t, third)
}

func TestRegisterAndLogin(t *testing.T) {
	srv := startTestServer(t, testConfig(t))

	conn := dialTestServer(t, tcpAddress(srv), client.Options{})
	welcome, err := conn.Register(&protocol.ClientRegistration{Username: "bob", Password: "secret", Name: "Bob"})
	require.NoError(t, err)
	conn.Close()

	conn = dialTestServer(t, tcpAddress(srv), client.Options{})
	again, err := conn.Login("bob", "secret")
	require.NoError(t, err)
	assert.Equal(t, welcome.ClientID, again.ClientID)

	conn = dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err = conn.Login("bob", "wrong")
	var serverErr *client.ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, "Invalid username or password.", serverErr.Message)
	expectClosed(t, conn)
}

func TestPendingRegistrationAccepted(t *testing.T) {
	cfg := testConfig(t)
	cfg.AcceptAllNewClients = false
	srv := startTestServer(t, cfg)

	conn := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err := conn.Register(&protocol.ClientRegistration{Username: "carol", Password: "secret"})
	require.ErrorIs(t, err, client.ErrPending)

	require.Eventually(t, func() bool { return len(srv.clients.PendingClients()) == 1 }, testTimeout, 10*time.Millisecond)
	assert.Zero(t, srv.clients.Count(), "pending users are not routable")

	pending, err := srv.auth.PendingUsers()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Messages sent while pending are dropped
	require.NoError(t, conn.Chat("let me in"))

	require.NoError(t, srv.DecidePendingUser(pending[0].ID, true))

	welcome, err := conn.AwaitWelcome()
	require.NoError(t, err)
	assert.Equal(t, pending[0].ID, welcome.ClientID)
	assert.NotEmpty(t, welcome.SessionToken)
	assert.Empty(t, srv.clients.PendingClients())
}

func TestPendingRegistrationRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.AcceptAllNewClients = false
	srv := startTestServer(t, cfg)

	conn := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err := conn.Register(&protocol.ClientRegistration{Username: "dan", Password: "secret"})
	require.ErrorIs(t, err, client.ErrPending)
	require.Eventually(t, func() bool { return len(srv.clients.PendingClients()) == 1 }, testTimeout, 10*time.Millisecond)

	pending, err := srv.auth.PendingUsers()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, srv.DecidePendingUser(pending[0].ID, false))

	_, err = conn.AwaitWelcome()
	assert.ErrorIs(t, err, client.ErrRejected)
	expectClosed(t, conn)

	assert.ErrorIs(t, srv.DecidePendingUser(pending[0].ID, true), database.ErrUserNotFound)
}

func TestPendingUserLoginWaits(t *testing.T) {
	cfg := testConfig(t)
	cfg.AcceptAllNewClients = false
	srv := startTestServer(t, cfg)

	conn := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err := conn.Register(&protocol.ClientRegistration{Username: "erin", Password: "secret"})
	require.ErrorIs(t, err, client.ErrPending)
	conn.Close()

	// Logging in again parks the new connection as well
	conn = dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err = conn.Login("erin", "secret")
	require.ErrorIs(t, err, client.ErrPending)
	require.Eventually(t, func() bool { return len(srv.clients.PendingClients()) == 1 }, testTimeout, 10*time.Millisecond)

	pending, err := srv.auth.PendingUsers()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, srv.DecidePendingUser(pending[0].ID, true))

	welcome, err := conn.AwaitWelcome()
	require.NoError(t, err)
	assert.Equal(t, pending[0].ID, welcome.ClientID)
}

func TestSecondPendingConnectionReplacesFirst(t *testing.T) {
	cfg := testConfig(t)
	cfg.AcceptAllNewClients = false
	srv := startTestServer(t, cfg)

	first := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err := first.Register(&protocol.ClientRegistration{Username: "erin", Password: "secret"})
	require.ErrorIs(t, err, client.ErrPending)

	second := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err = second.Login("erin", "secret")
	require.ErrorIs(t, err, client.ErrPending)

	warning := expectMessage[*protocol.Error](t, first)
	assert.Equal(t, protocol.LevelWarning, warning.Level)
	assert.Equal(t, "Logged in from another connection.", warning.Message)
	expectClosed(t, first)

	require.Eventually(t, func() bool {
		pending := srv.clients.PendingClients()
		return len(pending) == 1 && !pending[0].Closed()
	}, testTimeout, 10*time.Millisecond)

	users, err := srv.auth.PendingUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.NoError(t, srv.DecidePendingUser(users[0].ID, false))

	_, err = second.AwaitWelcome()
	assert.ErrorIs(t, err, client.ErrRejected)
	expectClosed(t, second)
	assert.Empty(t, srv.clients.PendingClients())
}

func TestDuplicateLoginReplacesConnection(t *testing.T) {
	srv := startTestServer(t, testConfig(t))

	conn := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err := conn.Register(&protocol.ClientRegistration{Username: "frank", Password: "secret"})
	require.NoError(t, err)

	other := dialTestServer(t, tcpAddress(srv), client.Options{})
	welcome, err := other.Login("frank", "secret")
	require.NoError(t, err)

	warning := expectMessage[*protocol.Error](t, conn)
	assert.Equal(t, protocol.LevelWarning, warning.Level)
	assert.Equal(t, "Logged in from another connection.", warning.Message)
	expectClosed(t, conn)

	require.Eventually(t, func() bool {
		c, ok := srv.clients.Get(welcome.ClientID)
		return ok && !c.Closed() && srv.clients.Count() == 1
	}, testTimeout, 10*time.Millisecond)

	// The new connection still works
	require.NoError(t, other.Chat("still here"))
	chat := expectMessage[*protocol.Chat](t, other)
	assert.Equal(t, "still here", chat.Message)
}

func TestIdentifyAttempts(t *testing.T) {
	cfg := testConfig(t)
	srv := startTestServer(t, cfg)

	t.Run("identify after stray messages", func(t *testing.T) {
		conn := dialTestServer(t, tcpAddress(srv), client.Options{})
		for i := 0; i < cfg.MaxIdentifyAttempts-1; i++ {
			require.NoError(t, conn.Chat("too early"))
		}
		_, err := conn.Identify("patient", nil)
		require.NoError(t, err)
	})

	t.Run("too many stray messages", func(t *testing.T) {
		conn := dialTestServer(t, tcpAddress(srv), client.Options{})
		for i := 0; i < cfg.MaxIdentifyAttempts; i++ {
			require.NoError(t, conn.Chat("too early"))
		}
		expectClosed(t, conn)
	})

	t.Run("missing nickname", func(t *testing.T) {
		conn := dialTestServer(t, tcpAddress(srv), client.Options{})
		_, err := conn.Identify("", nil)
		var serverErr *client.ServerError
		require.ErrorAs(t, err, &serverErr)
		assert.Equal(t, "Missing nickname.", serverErr.Message)
		expectClosed(t, conn)
	})
}

func TestDisconnectUpdatesUsers(t *testing.T) {
	srv := startTestServer(t, testConfig(t))

	alice := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err := alice.Identify("alice", nil)
	require.NoError(t, err)

	bob := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err = bob.Identify("bob", nil)
	require.NoError(t, err)

	// Skip alice's own login-time list until bob's arrival is announced
	for {
		users := expectMessage[*protocol.ServerUsers](t, alice)
		if len(users.Users) == 2 {
			break
		}
	}

	bob.Close()

	for {
		users := expectMessage[*protocol.ServerUsers](t, alice)
		if len(users.Users) == 1 {
			assert.Equal(t, alice.ID(), users.Users[0].ID)
			break
		}
	}
	assert.Equal(t, 1, srv.clients.Count())
	assert.Equal(t, 1, srv.channels.DefaultChannel().Size())
}

func TestStopDisconnectsClients(t *testing.T) {
	srv := startTestServer(t, testConfig(t))

	identified := dialTestServer(t, tcpAddress(srv), client.Options{})
	_, err := identified.Identify("alice", nil)
	require.NoError(t, err)

	// Still identifying when the server stops
	waiting := dialTestServer(t, tcpAddress(srv), client.Options{})

	require.NoError(t, srv.Stop())

	expectClosed(t, identified)
	expectClosed(t, waiting)

	select {
	case <-srv.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	_, err = net.DialTimeout("tcp", tcpAddress(srv), time.Second)
	assert.Error(t, err)
}
