package server

import (
	"github.com/google/uuid"

	"github.com/aeolun/concord/pkg/database"
)

// Store defines the persistence operations used by the server.
// *database.DB implements it; tests may substitute their own.
type Store interface {
	// User operations
	CreateUser(u *database.User) error
	GetUser(id uuid.UUID) (*database.User, error)
	GetUserByUsername(username string) (*database.User, error)
	UsernameExists(username string) (bool, error)
	ListPendingUsers() ([]*database.User, error)
	SetUserPending(id uuid.UUID, pending bool) error
	DeleteUser(id uuid.UUID) error
	QueueNicknameUpdate(id uuid.UUID, nickname string)

	// Session token operations
	CreateSessionToken(t *database.SessionToken) error
	ConsumeSessionToken(token string, now int64) (*database.SessionToken, error)
	DeleteExpiredSessionTokens(now int64) (int64, error)

	// Chat log operations
	PostChat(m *database.ChatMessage) error
	GetChat(channelID, id uuid.UUID) (*database.ChatMessage, error)
	ListChats(channelID uuid.UUID, f database.HistoryFilter) ([]*database.ChatMessage, error)
	DeleteChannelChats(channelID uuid.UUID) (int64, error)

	// Private channel operations
	CreatePrivateChannel(pc *database.PrivateChannel) error
	GetPrivateChannel(key string) (*database.PrivateChannel, error)
	GetPrivateChannelByID(id uuid.UUID) (*database.PrivateChannel, error)

	Close() error
}

var _ Store = (*database.DB)(nil)

// IDGenerator hands out ids for users, chats and private channels
type IDGenerator interface {
	NewID() uuid.UUID
}

// RandomIDs generates random (version 4) UUIDs
type RandomIDs struct{}

func (RandomIDs) NewID() uuid.UUID { return uuid.New() }
