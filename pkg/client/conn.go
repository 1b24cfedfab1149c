package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/aeolun/concord/pkg/protocol"
)

var (
	// ErrPending is returned when a registration waits for an operator.
	// AwaitWelcome blocks until the decision arrives.
	ErrPending = errors.New("registration is pending approval")
	// ErrRejected is returned when an operator rejected the registration
	ErrRejected = errors.New("registration was rejected")
)

// ServerError is an Error message received while waiting for a reply
type ServerError struct {
	Level   protocol.ErrorLevel
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %s", e.Level, e.Message)
}

// Options tune Dial
type Options struct {
	// HostKeyCallback verifies ssh:// servers; defaults to ~/.ssh/known_hosts
	HostKeyCallback ssh.HostKeyCallback
	// Logger receives connection events when set
	Logger *log.Logger
}

// Conn is an encrypted connection to a Concord server. Receive must only be
// called from one goroutine; Send is safe for concurrent use.
type Conn struct {
	raw      net.Conn
	registry *protocol.Registry
	stream   *protocol.EncryptedStream
	logger   *log.Logger

	writeMu sync.Mutex

	mu      sync.RWMutex
	welcome *protocol.ServerWelcome
}

// Dial connects to address (see ParseAddress) and completes the key exchange
func Dial(address string, opts Options) (*Conn, error) {
	target, err := ParseAddress(address)
	if err != nil {
		return nil, err
	}
	raw, err := dialTransport(target, opts)
	if err != nil {
		return nil, err
	}
	c, err := NewConn(raw, opts.Logger)
	if err != nil {
		raw.Close()
		return nil, err
	}
	c.logf("Connected to %s", target)
	return c, nil
}

// NewConn runs the key exchange over an already open transport
func NewConn(raw net.Conn, logger *log.Logger) (*Conn, error) {
	reg := protocol.NewRegistry()
	stream, err := protocol.Handshake(reg, bufio.NewReader(raw), raw)
	if err != nil {
		return nil, err
	}
	return &Conn{raw: raw, registry: reg, stream: stream, logger: logger}, nil
}

func (c *Conn) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Send encodes and writes one message
func (c *Conn) Send(msg protocol.Message) error {
	data, err := c.registry.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.stream.Write(data)
	return err
}

// Receive reads the next message
func (c *Conn) Receive() (protocol.Message, error) {
	return c.registry.Decode(c.stream)
}

// SetDeadline bounds reads and writes on the transport; SSH channels ignore it
func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

// Close closes the transport
func (c *Conn) Close() error {
	return c.raw.Close()
}

// Welcome returns the welcome message, or nil before identification succeeded
func (c *Conn) Welcome() *protocol.ServerWelcome {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.welcome
}

// ID returns the user id assigned by the server
func (c *Conn) ID() uuid.UUID {
	if w := c.Welcome(); w != nil {
		return w.ClientID
	}
	return uuid.Nil
}

// Identify joins as a guest, or resumes an account when token is set
func (c *Conn) Identify(nickname string, token *string) (*protocol.ServerWelcome, error) {
	if err := c.Send(&protocol.Identification{Nickname: nickname, SessionToken: token}); err != nil {
		return nil, err
	}
	return c.AwaitWelcome()
}

// Register creates an account. ErrPending means the connection stays open
// until an operator decides; call AwaitWelcome to wait for it.
func (c *Conn) Register(reg *protocol.ClientRegistration) (*protocol.ServerWelcome, error) {
	if err := c.Send(reg); err != nil {
		return nil, err
	}
	return c.AwaitWelcome()
}

// Login authenticates with a username and password
func (c *Conn) Login(username, password string) (*protocol.ServerWelcome, error) {
	if err := c.Send(&protocol.ClientLogin{Username: username, Password: password}); err != nil {
		return nil, err
	}
	return c.AwaitWelcome()
}

// Resume authenticates with a session token from an earlier welcome. The
// token is spent; the new welcome carries its replacement.
func (c *Conn) Resume(token string) (*protocol.ServerWelcome, error) {
	if err := c.Send(&protocol.ClientSessionResume{SessionToken: token}); err != nil {
		return nil, err
	}
	return c.AwaitWelcome()
}

// AwaitWelcome reads until the server welcomes, refuses or parks the client
func (c *Conn) AwaitWelcome() (*protocol.ServerWelcome, error) {
	for {
		msg, err := c.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("server closed the connection: %w", err)
			}
			return nil, err
		}

		switch m := msg.(type) {
		case *protocol.ServerWelcome:
			c.mu.Lock()
			c.welcome = m
			c.mu.Unlock()
			c.logf("Welcomed as %s in #%s", m.ClientID, m.CurrentChannelName)
			return m, nil
		case *protocol.Error:
			return nil, &ServerError{Level: m.Level, Message: m.Message}
		case *protocol.RegistrationStatus:
			switch m.Status {
			case protocol.RegistrationPending:
				return nil, ErrPending
			case protocol.RegistrationRejected:
				return nil, ErrRejected
			}
		default:
			c.logf("Ignoring %s before welcome", msg.Type())
		}
	}
}

// Chat sends a message to the current channel
func (c *Conn) Chat(message string) error {
	return c.Send(&protocol.Chat{Message: message})
}

// Move asks to switch to a channel, or to the private channel with a user
func (c *Conn) Move(id uuid.UUID) error {
	return c.Send(&protocol.MoveToChannel{ID: id})
}

// RequestHistory asks for messages of a channel; params are count, from, to or id
func (c *Conn) RequestHistory(channelID uuid.UUID, params map[string]string) error {
	req, err := protocol.NewChatHistoryRequest(channelID, params)
	if err != nil {
		return err
	}
	return c.Send(req)
}

// RequestChannelUsers asks for the occupancy of a channel
func (c *Conn) RequestChannelUsers(channelID uuid.UUID) error {
	return c.Send(&protocol.ChannelUsersRequest{ChannelID: channelID})
}
