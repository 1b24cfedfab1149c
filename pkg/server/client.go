package server

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/aeolun/concord/pkg/protocol"
)

// ClientState is the position of a connection in its lifecycle
type ClientState int32

const (
	StateHandshaking ClientState = iota
	StateIdentifying
	StatePending // registered, waiting for an operator decision
	StateActive
	StateClosed
)

func (s ClientState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateIdentifying:
		return "identifying"
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ClientState(%d)", int32(s))
}

// Client is the server side of one connection. All writes go through a
// single mutex, so broadcasts from other goroutines never interleave with
// this connection's own replies.
type Client struct {
	conn      net.Conn
	transport string
	registry  *protocol.Registry
	metrics   *Metrics

	reader  io.Reader // decrypting, set after the handshake
	writer  io.Writer // encrypting, set after the handshake
	writeMu sync.Mutex

	mu        sync.RWMutex
	id        uuid.UUID // user id, uuid.Nil until identified
	nickname  string
	channelID uuid.UUID // uuid.Nil while outside any channel

	state  atomic.Int32
	closed atomic.Bool
}

func newClient(conn net.Conn, transport string, reg *protocol.Registry, metrics *Metrics) *Client {
	return &Client{
		conn:      conn,
		transport: transport,
		registry:  reg,
		metrics:   metrics,
	}
}

// attach installs the encrypted stream produced by the handshake
func (c *Client) attach(stream *protocol.EncryptedStream) {
	c.writeMu.Lock()
	c.reader = stream.Reader
	c.writer = stream.Writer
	c.writeMu.Unlock()
}

// ID returns the user id, uuid.Nil before identification
func (c *Client) ID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Nickname returns the display name
func (c *Client) Nickname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nickname
}

func (c *Client) setIdentity(id uuid.UUID, nickname string) {
	c.mu.Lock()
	c.id = id
	c.nickname = nickname
	c.mu.Unlock()
}

// ChannelID returns the id of the channel the connection is in
func (c *Client) ChannelID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.channelID
}

func (c *Client) setChannelID(id uuid.UUID) {
	c.mu.Lock()
	c.channelID = id
	c.mu.Unlock()
}

// UserData returns the public view of this client
func (c *Client) UserData() protocol.UserData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return protocol.UserData{ID: c.id, Name: c.nickname}
}

// State returns the lifecycle state
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

func (c *Client) setState(s ClientState) {
	c.state.Store(int32(s))
}

// Transport names how the client connected: tcp, websocket or ssh
func (c *Client) Transport() string {
	return c.transport
}

// RemoteAddr returns the peer address
func (c *Client) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send encodes and writes one message
func (c *Client) Send(msg protocol.Message) error {
	data, err := c.registry.Marshal(msg)
	if err != nil {
		return err
	}
	return c.SendBytes(msg.Type(), data)
}

// SendBytes writes an already encoded message, used by broadcasts that
// encode once for every recipient
func (c *Client) SendBytes(t protocol.MessageType, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return net.ErrClosed
	}
	if c.writer == nil {
		return fmt.Errorf("client %s: write before handshake", c.RemoteAddr())
	}
	if _, err := c.writer.Write(data); err != nil {
		return err
	}
	c.metrics.RecordMessageSent(t)
	return nil
}

// Receive reads the next message from the encrypted stream
func (c *Client) Receive() (protocol.Message, error) {
	msg, err := c.registry.Decode(c.reader)
	if err != nil {
		return nil, err
	}
	c.metrics.RecordMessageReceived(msg.Type())
	return msg, nil
}

// Close closes the transport, which unblocks the connection's read loop.
// Only the first call has any effect.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.setState(StateClosed)
	return c.conn.Close()
}

// Closed reports whether Close has been called
func (c *Client) Closed() bool {
	return c.closed.Load()
}

func (c *Client) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.id == uuid.Nil {
		return c.conn.RemoteAddr().String()
	}
	return fmt.Sprintf("%s (%s)", c.nickname, c.id)
}
