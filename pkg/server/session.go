package server

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"

	"github.com/google/uuid"

	"github.com/aeolun/concord/pkg/protocol"
)

var errTooManyAttempts = errors.New("client did not identify")

// handleConnection drives one connection through handshake, identification
// and the active read loop, then tears it down
func (s *Server) handleConnection(conn net.Conn, transport string) {
	defer s.connWg.Done()

	c := newClient(conn, transport, s.registry, s.metrics)
	s.live.Add(c)
	defer s.live.Remove(c)
	defer s.teardown(c)

	// Stop may have already snapshotted the live set
	select {
	case <-s.shutdown:
		return
	default:
	}

	s.metrics.RecordConnection(transport)
	debugLog.Printf("%s connection from %s", transport, conn.RemoteAddr())

	// The handshake and the decrypting reader must share one buffered reader
	br := bufio.NewReader(conn)
	c.setState(StateHandshaking)
	stream, err := protocol.Handshake(s.registry, br, conn)
	if err != nil {
		debugLog.Printf("Client %s: %v", conn.RemoteAddr(), err)
		return
	}
	c.attach(stream)

	c.setState(StateIdentifying)
	if err := s.identify(c); err != nil {
		debugLog.Printf("Client %s: identification ended: %v", c, err)
		return
	}

	s.readLoop(c)
}

// identify reads until an identification message succeeds or fails, giving
// up after MaxIdentifyAttempts other messages
func (s *Server) identify(c *Client) error {
	for attempt := 1; attempt <= s.config.MaxIdentifyAttempts; attempt++ {
		msg, err := c.Receive()
		if err != nil {
			// Malformed input is a protocol error and never counts as an
			// attempt: the frame boundary is lost, so the connection ends.
			return err
		}

		var data *ConnectionData
		switch m := msg.(type) {
		case *protocol.Identification:
			data, err = s.auth.Identify(m)
		case *protocol.ClientRegistration:
			data, err = s.register(m)
		case *protocol.ClientLogin:
			data, err = s.auth.Login(m)
		case *protocol.ClientSessionResume:
			data, err = s.auth.ResumeSession(m.SessionToken)
		default:
			debugLog.Printf("Client %s: expected identification, got %s (attempt %d)", c, msg.Type(), attempt)
			continue
		}

		if err != nil {
			return s.refuse(c, err)
		}
		if data.Pending {
			return s.park(c, data)
		}
		return s.logIn(c, data)
	}

	s.metrics.RecordIdentification("failed")
	return errTooManyAttempts
}

// register creates an accepted or a pending user depending on configuration
func (s *Server) register(reg *protocol.ClientRegistration) (*ConnectionData, error) {
	if s.config.AcceptAllNewClients {
		return s.auth.RegisterNewClient(reg)
	}
	id, err := s.auth.RegisterPendingClient(reg)
	if err != nil {
		return nil, err
	}
	return &ConnectionData{UserID: id, Nickname: registrationNickname(reg), NewClient: true, Pending: true}, nil
}

// refuse tells the client why identification failed
func (s *Server) refuse(c *Client, err error) error {
	var idErr *IdentificationError
	if errors.As(err, &idErr) {
		s.metrics.RecordIdentification("rejected")
		c.Send(protocol.Warning(idErr.Reason))
		return err
	}

	errorLog.Printf("Client %s: identification failed: %v", c, err)
	s.metrics.RecordIdentification("failed")
	c.Send(protocol.Failure("Internal server error."))
	return err
}

// park keeps a pending user connected, unroutable, until an operator decides
func (s *Server) park(c *Client, data *ConnectionData) error {
	c.setIdentity(data.UserID, data.Nickname)
	if err := c.Send(&protocol.RegistrationStatus{Status: protocol.RegistrationPending}); err != nil {
		return err
	}
	c.setState(StatePending)
	if previous := s.clients.AddPending(c); previous != nil {
		previous.Send(protocol.Warning("Logged in from another connection."))
		previous.Close()
	}
	s.metrics.RecordIdentification("pending")
	log.Printf("Client %s is waiting for approval", c)
	return nil
}

// logIn runs the welcome flow: the welcome message first, then the default
// channel, then the updated user list for everyone
func (s *Server) logIn(c *Client, data *ConnectionData) error {
	c.setIdentity(data.UserID, data.Nickname)

	ch := s.channels.DefaultChannel()
	err := c.Send(&protocol.ServerWelcome{
		ClientID:           data.UserID,
		SessionToken:       data.SessionToken,
		CurrentChannelID:   ch.ID(),
		CurrentChannelName: ch.Name(),
		MetaData:           s.MetaData(),
	})
	if err != nil {
		return fmt.Errorf("failed to send welcome: %w", err)
	}

	c.setState(StateActive)
	if previous := s.clients.Add(c); previous != nil {
		previous.Send(protocol.Warning("Logged in from another connection."))
		previous.Close()
	}
	s.channels.Join(c, ch)

	// The handler may have torn c down between the welcome and Add. Its
	// teardown found nothing to remove then, so undo the registration here.
	if c.Closed() {
		s.channels.Leave(c)
		if s.clients.Remove(c) {
			s.broadcastUsers()
		}
		return net.ErrClosed
	}

	firstTime := ""
	if data.NewClient {
		firstTime = " for the first time"
	}
	log.Printf("Client %s joined%s, and was put into %s", c, firstTime, ch)
	s.metrics.RecordIdentification("welcome")

	s.broadcastUsers()
	return nil
}

// readLoop dispatches messages until the connection fails. Messages from
// pending clients are dropped.
func (s *Server) readLoop(c *Client) {
	for {
		msg, err := c.Receive()
		if err != nil {
			if protocol.IsProtocolError(err) {
				errorLog.Printf("Client %s: protocol error: %v", c, err)
			}
			return
		}

		switch c.State() {
		case StateActive:
			s.dispatch(c, msg)
		case StatePending:
			debugLog.Printf("Client %s: ignoring %s while pending", c, msg.Type())
		default:
			return
		}
	}
}

// teardown deregisters the client once its handler is done
func (s *Server) teardown(c *Client) {
	c.Close()
	s.clients.RemovePending(c)
	s.channels.Leave(c)

	if s.clients.Remove(c) {
		log.Printf("Client %s has disconnected", c)
		s.broadcastUsers()
	}
}

// broadcastUsers sends the sorted user list to every active client
func (s *Server) broadcastUsers() {
	if err := s.clients.Broadcast(&protocol.ServerUsers{Users: s.clients.Users()}); err != nil {
		errorLog.Printf("Failed to broadcast users: %v", err)
	}
}

// broadcastMetaData sends fresh server metadata to every active client
func (s *Server) broadcastMetaData() {
	meta := s.MetaData()
	if err := s.clients.Broadcast(&meta); err != nil {
		errorLog.Printf("Failed to broadcast metadata: %v", err)
	}
}

// DecidePendingUser accepts or rejects a pending registration. An accepted
// user that is still connected is welcomed in place; a rejected one is told
// and disconnected.
func (s *Server) DecidePendingUser(userID uuid.UUID, accepted bool) error {
	if !accepted {
		if err := s.auth.Reject(userID); err != nil {
			return err
		}
		if c, ok := s.clients.TakePending(userID); ok {
			c.Send(&protocol.RegistrationStatus{Status: protocol.RegistrationRejected})
			c.Close()
		}
		log.Printf("Rejected pending user %s", userID)
		return nil
	}

	data, err := s.auth.Approve(userID)
	if err != nil {
		return err
	}
	log.Printf("Accepted pending user %s", userID)

	c, ok := s.clients.TakePending(userID)
	if !ok {
		return nil
	}
	if err := c.Send(&protocol.RegistrationStatus{Status: protocol.RegistrationAccepted}); err != nil {
		c.Close()
		return nil
	}
	if err := s.logIn(c, data); err != nil {
		c.Close()
		return err
	}
	return nil
}

// registrationNickname is the display name of a registered user
func registrationNickname(reg *protocol.ClientRegistration) string {
	if name := strings.TrimSpace(reg.Name); name != "" {
		return name
	}
	return reg.Username
}
