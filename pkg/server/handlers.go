package server

import (
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/aeolun/concord/pkg/database"
	"github.com/aeolun/concord/pkg/protocol"
)

// HandlerFunc handles one message from an active client. A returned error is
// logged and answered with a generic error; the connection stays open.
type HandlerFunc func(c *Client, msg protocol.Message) error

// handle adapts a handler for one concrete message type
func handle[T protocol.Message](fn func(*Client, T) error) HandlerFunc {
	return func(c *Client, msg protocol.Message) error {
		m, ok := msg.(T)
		if !ok {
			return fmt.Errorf("handler for %s got %T", msg.Type(), msg)
		}
		return fn(c, m)
	}
}

// newHandlers builds the dispatch table
func (s *Server) newHandlers() map[protocol.MessageType]HandlerFunc {
	return map[protocol.MessageType]HandlerFunc{
		protocol.TypeChat:                handle(s.handleChat),
		protocol.TypeMoveToChannel:       handle(s.handleMoveToChannel),
		protocol.TypeChatHistoryRequest:  handle(s.handleChatHistoryRequest),
		protocol.TypeCreateThread:        handle(s.handleCreateThread),
		protocol.TypeChannelUsersRequest: handle(s.handleChannelUsersRequest),
	}
}

// dispatch runs the handler for msg on the client's own goroutine
func (s *Server) dispatch(c *Client, msg protocol.Message) {
	h, ok := s.handlers[msg.Type()]
	if !ok {
		debugLog.Printf("Client %s: no handler for %s", c, msg.Type())
		return
	}
	if err := h(c, msg); err != nil {
		errorLog.Printf("Client %s: %s failed: %v", c, msg.Type(), err)
		if err := c.Send(protocol.Failure("Internal server error.")); err != nil {
			debugLog.Printf("Client %s: error reply failed: %v", c, err)
		}
	}
}

// warn sends a warning to the client; a failed send only matters to the
// client's own read loop
func (s *Server) warn(c *Client, message string) error {
	if err := c.Send(protocol.Warning(message)); err != nil {
		debugLog.Printf("Client %s: warning %q not delivered: %v", c, message, err)
	}
	return nil
}

// handleChat stamps a chat with a server id, persists it to the sender's
// channel and broadcasts it there
func (s *Server) handleChat(c *Client, msg *protocol.Chat) error {
	if utf8.RuneCountInString(msg.Message) > s.config.MaxMessageLength {
		return s.warn(c, "Message is too long.")
	}
	ch, ok := s.channels.Current(c)
	if !ok {
		return s.warn(c, "You are not in a channel.")
	}

	// Never trust the client's id, sender or clock
	chat := &protocol.Chat{
		ID:             s.ids.NewID(),
		SenderID:       c.ID(),
		SenderNickname: c.Nickname(),
		Timestamp:      time.Now().UnixMilli(),
		Message:        msg.Message,
	}

	start := time.Now()
	err := s.db.PostChat(&database.ChatMessage{
		ID:             chat.ID,
		ChannelID:      ch.ID(),
		SenderID:       chat.SenderID,
		SenderNickname: chat.SenderNickname,
		Timestamp:      chat.Timestamp,
		Message:        chat.Message,
	})
	if err != nil {
		return fmt.Errorf("failed to persist chat: %w", err)
	}
	s.metrics.RecordChatPersist(time.Since(start))

	debugLog.Printf("%s | %s: %s", ch, chat.SenderNickname, chat.Message)
	return ch.Broadcast(chat)
}

// handleMoveToChannel moves the client to a public channel, or to the
// private channel shared with another connected user
func (s *Server) handleMoveToChannel(c *Client, msg *protocol.MoveToChannel) error {
	if ch, ok := s.channels.ChannelByID(msg.ID); ok {
		s.channels.MoveToChannel(c, ch)
		return nil
	}

	if other, ok := s.clients.Get(msg.ID); ok && other.ID() != c.ID() {
		ch, err := s.channels.GetPrivateChannel([]uuid.UUID{c.ID(), other.ID()})
		if err != nil {
			return err
		}
		s.channels.MoveToChannel(c, ch)
		return nil
	}

	// Re-entering a known private channel while the other side is offline
	ch, ok, err := s.channels.PrivateChannelFor(c.ID(), msg.ID)
	if err != nil {
		return err
	}
	if ok {
		s.channels.MoveToChannel(c, ch)
		return nil
	}

	return s.warn(c, "Unknown channel or client id.")
}

// handleChatHistoryRequest answers with a page of a channel's log, oldest first
func (s *Server) handleChatHistoryRequest(c *Client, msg *protocol.ChatHistoryRequest) error {
	ch, ok, err := s.channels.ResolveForUser(c.ID(), msg.ChannelID)
	if err != nil {
		return err
	}
	if !ok {
		return s.warn(c, "Unknown channel id.")
	}

	params := msg.Params()
	var chats []*database.ChatMessage

	if raw, ok := params["id"]; ok {
		// A single message by id; every other parameter is ignored
		if id, err := uuid.Parse(raw); err == nil {
			m, err := s.db.GetChat(ch.ID(), id)
			switch {
			case err == nil:
				chats = append(chats, m)
			case !errors.Is(err, database.ErrChatNotFound):
				return fmt.Errorf("failed to load chat %s: %w", id, err)
			}
		}
	} else {
		count := int(paramInt(params, "count", int64(s.config.ChatHistoryDefaultCount)))
		if count < 0 {
			count = s.config.ChatHistoryDefaultCount
		}
		if count > s.config.ChatHistoryMaxCount {
			count = s.config.ChatHistoryMaxCount
		}
		filter := database.HistoryFilter{
			Limit:  count,
			After:  paramOptInt(params, "from"),
			Before: paramOptInt(params, "to"),
		}

		chats, err = s.db.ListChats(ch.ID(), filter)
		if err != nil {
			return fmt.Errorf("failed to load history of %s: %w", ch, err)
		}
		// Fetched newest first, answered oldest first
		for i, j := 0, len(chats)-1; i < j; i, j = i+1, j-1 {
			chats[i], chats[j] = chats[j], chats[i]
		}
	}

	resp := &protocol.ChatHistoryResponse{ChannelID: ch.ID()}
	for _, m := range chats {
		resp.Messages = append(resp.Messages, protocol.Chat{
			ID:             m.ID,
			SenderID:       m.SenderID,
			SenderNickname: m.SenderNickname,
			Timestamp:      m.Timestamp,
			Message:        m.Message,
		})
	}
	return c.Send(resp)
}

// handleCreateThread relays a thread anchor to the client's channel
func (s *Server) handleCreateThread(c *Client, msg *protocol.CreateThread) error {
	ch, ok := s.channels.Current(c)
	if !ok {
		return s.warn(c, "You are not in a channel.")
	}
	debugLog.Printf("%s | %s opened thread %q on %s", ch, c.Nickname(), safeDeref(msg.Title, ""), msg.MessageID)
	return ch.Broadcast(msg)
}

// handleChannelUsersRequest answers with the occupancy of a channel
func (s *Server) handleChannelUsersRequest(c *Client, msg *protocol.ChannelUsersRequest) error {
	ch, ok, err := s.channels.ResolveForUser(c.ID(), msg.ChannelID)
	if err != nil {
		return err
	}
	if !ok {
		return s.warn(c, "Unknown channel id.")
	}
	return c.Send(&protocol.ChannelUsersResponse{Users: ch.Users()})
}

// paramInt parses an integer query parameter, falling back to def when it
// is absent or malformed
func paramInt(params map[string]string, key string, def int64) int64 {
	if v := paramOptInt(params, key); v != nil {
		return *v
	}
	return def
}

func paramOptInt(params map[string]string, key string) *int64 {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil
	}
	return &v
}
