package server

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/concord/pkg/database"
	"github.com/aeolun/concord/pkg/protocol"
)

const (
	// SessionTokenLength is the number of characters in a session token
	SessionTokenLength = 128
	// DefaultSessionTokenTTL is how long an issued token stays valid
	DefaultSessionTokenTTL = 7 * 24 * time.Hour

	sessionTokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789_-=+[]{}()<>"
)

var (
	ErrUsernameTaken       = errors.New("username already taken")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidSession      = errors.New("invalid session token")
	ErrMissingNickname     = errors.New("missing nickname")
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrNotPending          = errors.New("user is not pending")
)

// IdentificationError is a recoverable identification failure. Reason is
// sent to the client as a warning before the connection is closed.
type IdentificationError struct {
	Reason string
	Err    error
}

func (e *IdentificationError) Error() string { return e.Reason }
func (e *IdentificationError) Unwrap() error { return e.Err }

func invalidIdentification(err error, reason string) error {
	return &IdentificationError{Reason: reason, Err: err}
}

// ConnectionData describes an identified user. SessionToken is empty for
// pending users.
type ConnectionData struct {
	UserID       uuid.UUID
	Nickname     string
	SessionToken string
	NewClient    bool
	Pending      bool
}

// AuthService registers users, checks credentials and issues session tokens
type AuthService struct {
	store      Store
	ids        IDGenerator
	bcryptCost int
	tokenTTL   time.Duration
	now        func() time.Time
}

// NewAuthService creates the service. A bcryptCost outside bcrypt's range
// falls back to bcrypt.DefaultCost.
func NewAuthService(store Store, ids IDGenerator, bcryptCost int, tokenTTL time.Duration) *AuthService {
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	if tokenTTL <= 0 {
		tokenTTL = DefaultSessionTokenTTL
	}
	return &AuthService{
		store:      store,
		ids:        ids,
		bcryptCost: bcryptCost,
		tokenTTL:   tokenTTL,
		now:        time.Now,
	}
}

// GenerateSessionToken returns a random token of SessionTokenLength characters
func GenerateSessionToken() (string, error) {
	const n = len(sessionTokenAlphabet)
	// Largest multiple of n below 256, so every character is equally likely
	const limit = 256 - 256%n

	var sb strings.Builder
	sb.Grow(SessionTokenLength)
	buf := make([]byte, SessionTokenLength)
	for sb.Len() < SessionTokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			sb.WriteByte(sessionTokenAlphabet[int(b)%n])
			if sb.Len() == SessionTokenLength {
				break
			}
		}
	}
	return sb.String(), nil
}

// IssueSessionToken creates and persists a new token for the user
func (a *AuthService) IssueSessionToken(userID uuid.UUID) (string, error) {
	token, err := GenerateSessionToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	err = a.store.CreateSessionToken(&database.SessionToken{
		Token:     token,
		UserID:    userID,
		ExpiresAt: a.now().Add(a.tokenTTL).UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store session token: %w", err)
	}
	return token, nil
}

func (a *AuthService) newUser(reg *protocol.ClientRegistration, pending bool) (*database.User, error) {
	if strings.TrimSpace(reg.Username) == "" {
		return nil, invalidIdentification(ErrInvalidRegistration, "Missing username.")
	}
	if reg.Password == "" {
		return nil, invalidIdentification(ErrInvalidRegistration, "Missing password.")
	}

	exists, err := a.store.UsernameExists(reg.Username)
	if err != nil {
		return nil, fmt.Errorf("failed to check username: %w", err)
	}
	if exists {
		return nil, invalidIdentification(ErrUsernameTaken, "Username is already taken.")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), a.bcryptCost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return nil, invalidIdentification(ErrInvalidRegistration, "Password is too long.")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	nickname := registrationNickname(reg)
	username, passwordHash := reg.Username, string(hash)
	user := &database.User{
		ID:           a.ids.NewID(),
		Username:     &username,
		PasswordHash: &passwordHash,
		Nickname:     nickname,
		Description:  reg.Description,
		CreatedAt:    a.now().UnixMilli(),
		Pending:      pending,
	}
	if err := a.store.CreateUser(user); err != nil {
		// Lost a race with a concurrent registration
		if errors.Is(err, database.ErrUsernameTaken) {
			return nil, invalidIdentification(ErrUsernameTaken, "Username is already taken.")
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// RegisterNewClient creates an accepted user and issues a session token
func (a *AuthService) RegisterNewClient(reg *protocol.ClientRegistration) (*ConnectionData, error) {
	user, err := a.newUser(reg, false)
	if err != nil {
		return nil, err
	}
	token, err := a.IssueSessionToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &ConnectionData{UserID: user.ID, Nickname: user.Nickname, SessionToken: token, NewClient: true}, nil
}

// RegisterPendingClient creates a user that must be approved before it can
// connect. No session token is issued.
func (a *AuthService) RegisterPendingClient(reg *protocol.ClientRegistration) (uuid.UUID, error) {
	user, err := a.newUser(reg, true)
	if err != nil {
		return uuid.Nil, err
	}
	return user.ID, nil
}

// Login checks a username and password. Pending users get ConnectionData
// with Pending set and no token.
func (a *AuthService) Login(login *protocol.ClientLogin) (*ConnectionData, error) {
	user, err := a.store.GetUserByUsername(login.Username)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, invalidIdentification(ErrInvalidCredentials, "Invalid username or password.")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user.PasswordHash == nil ||
		bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte(login.Password)) != nil {
		return nil, invalidIdentification(ErrInvalidCredentials, "Invalid username or password.")
	}

	if user.Pending {
		return &ConnectionData{UserID: user.ID, Nickname: user.Nickname, Pending: true}, nil
	}

	token, err := a.IssueSessionToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &ConnectionData{UserID: user.ID, Nickname: user.Nickname, SessionToken: token}, nil
}

// consume redeems a token, returning its user. Tokens are single use.
func (a *AuthService) consume(token string) (*database.User, error) {
	if token == "" {
		return nil, invalidIdentification(ErrInvalidSession, "Invalid session token.")
	}
	st, err := a.store.ConsumeSessionToken(token, a.now().UnixMilli())
	if errors.Is(err, database.ErrSessionTokenNotFound) {
		return nil, invalidIdentification(ErrInvalidSession, "Invalid session token.")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to redeem session token: %w", err)
	}

	user, err := a.store.GetUser(st.UserID)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, invalidIdentification(ErrInvalidSession, "Invalid session token.")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return user, nil
}

// ResumeSession redeems a token and rotates it
func (a *AuthService) ResumeSession(token string) (*ConnectionData, error) {
	user, err := a.consume(token)
	if err != nil {
		return nil, err
	}
	next, err := a.IssueSessionToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &ConnectionData{UserID: user.ID, Nickname: user.Nickname, SessionToken: next}, nil
}

// Identify handles the nickname-only path. Without a token it creates a
// guest user; with one it resumes that user and applies the nickname if given.
func (a *AuthService) Identify(id *protocol.Identification) (*ConnectionData, error) {
	nickname := strings.TrimSpace(id.Nickname)

	if id.SessionToken == nil {
		if nickname == "" {
			return nil, invalidIdentification(ErrMissingNickname, "Missing nickname.")
		}
		user := &database.User{
			ID:        a.ids.NewID(),
			Nickname:  nickname,
			CreatedAt: a.now().UnixMilli(),
		}
		if err := a.store.CreateUser(user); err != nil {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		token, err := a.IssueSessionToken(user.ID)
		if err != nil {
			return nil, err
		}
		return &ConnectionData{UserID: user.ID, Nickname: nickname, SessionToken: token, NewClient: true}, nil
	}

	data, err := a.ResumeSession(*id.SessionToken)
	if err != nil {
		return nil, err
	}
	if nickname != "" && nickname != data.Nickname {
		a.store.QueueNicknameUpdate(data.UserID, nickname)
		data.Nickname = nickname
	}
	return data, nil
}

// Approve clears a user's pending flag and issues its first session token
func (a *AuthService) Approve(userID uuid.UUID) (*ConnectionData, error) {
	user, err := a.store.GetUser(userID)
	if err != nil {
		return nil, err
	}
	if !user.Pending {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, userID)
	}
	if err := a.store.SetUserPending(userID, false); err != nil {
		return nil, fmt.Errorf("failed to accept user: %w", err)
	}
	token, err := a.IssueSessionToken(userID)
	if err != nil {
		return nil, err
	}
	return &ConnectionData{UserID: userID, Nickname: user.Nickname, SessionToken: token, NewClient: true}, nil
}

// Reject deletes a pending user
func (a *AuthService) Reject(userID uuid.UUID) error {
	user, err := a.store.GetUser(userID)
	if err != nil {
		return err
	}
	if !user.Pending {
		return fmt.Errorf("%w: %s", ErrNotPending, userID)
	}
	return a.store.DeleteUser(userID)
}

// PendingUsers lists registrations waiting for a decision
func (a *AuthService) PendingUsers() ([]*database.User, error) {
	return a.store.ListPendingUsers()
}

// RemoveExpiredSessionTokens deletes tokens past their expiry
func (a *AuthService) RemoveExpiredSessionTokens() (int64, error) {
	return a.store.DeleteExpiredSessionTokens(a.now().UnixMilli())
}
