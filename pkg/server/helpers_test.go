package server

import (
	"bytes"
	"io"
	"log"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/concord/pkg/database"
	"github.com/aeolun/concord/pkg/protocol"
)

// initTestLoggers silences the package loggers for the duration of a test
func initTestLoggers(t *testing.T) {
	t.Helper()
	prevError, prevDebug, prevStd := errorLog.Writer(), debugLog.Writer(), log.Writer()
	errorLog.SetOutput(io.Discard)
	debugLog.SetOutput(io.Discard)
	log.SetOutput(io.Discard)
	t.Cleanup(func() {
		errorLog.SetOutput(prevError)
		debugLog.SetOutput(prevDebug)
		log.SetOutput(prevStd)
	})
}

// testConfig listens on a random TCP port, with every optional listener off
// and cheap password hashing
func testConfig(t *testing.T) ServerConfig {
	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.BcryptCost = bcrypt.MinCost
	cfg.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")
	cfg.AcceptAllNewClients = true
	cfg.Channels = []ChannelConfig{
		{Name: "general", Description: "General discussion"},
		{Name: "random", Description: "Off topic"},
	}
	return cfg
}

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

// newTestServer creates a server that is not listening; Stop closes its store
func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	initTestLoggers(t)
	srv, err := NewServerWithStore(openTestDB(t), cfg, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// startTestServer creates and starts a server on a random port
func startTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	srv := newTestServer(t, cfg)
	require.NoError(t, srv.Start())
	return srv
}

// freePort finds a TCP port nothing listens on right now
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

// captureConn records everything written to it. Reads report end of stream.
type captureConn struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (c *captureConn) Read(b []byte) (int, error) { return 0, io.EOF }

func (c *captureConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(b)
}

func (c *captureConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *captureConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *captureConn) LocalAddr() net.Addr                { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8123} }
func (c *captureConn) RemoteAddr() net.Addr               { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }
func (c *captureConn) SetDeadline(t time.Time) error      { return nil }
func (c *captureConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *captureConn) SetWriteDeadline(t time.Time) error { return nil }

// take decodes and clears everything written so far
func (c *captureConn) take(t *testing.T, reg *protocol.Registry) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	data := append([]byte(nil), c.buf.Bytes()...)
	c.buf.Reset()
	c.mu.Unlock()

	r := bytes.NewReader(data)
	var msgs []protocol.Message
	for r.Len() > 0 {
		msg, err := reg.Decode(r)
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}
	return msgs
}

// newTestClient creates an active, identified client whose traffic is
// written in the clear to the returned capture
func newTestClient(s *Server, nickname string) (*Client, *captureConn) {
	conn := &captureConn{}
	c := newClient(conn, "tcp", s.registry, s.metrics)
	c.reader = conn
	c.writer = conn
	c.setIdentity(s.ids.NewID(), nickname)
	c.setState(StateActive)
	return c, conn
}

// connectTestClient registers a test client and puts it in the default channel
func connectTestClient(t *testing.T, s *Server, nickname string) (*Client, *captureConn) {
	t.Helper()
	c, conn := newTestClient(s, nickname)
	require.Nil(t, s.clients.Add(c))
	s.channels.Join(c, s.channels.DefaultChannel())
	conn.take(t, s.registry)
	return c, conn
}

// messagesOf filters msgs down to one message type
func messagesOf[T protocol.Message](msgs []protocol.Message) []T {
	var out []T
	for _, m := range msgs {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// requireWarning asserts that msgs hold exactly one Error, a warning with text
func requireWarning(t *testing.T, msgs []protocol.Message, text string) {
	t.Helper()
	errs := messagesOf[*protocol.Error](msgs)
	require.Len(t, errs, 1)
	require.Equal(t, protocol.LevelWarning, errs[0].Level)
	require.Equal(t, text, errs[0].Message)
}
