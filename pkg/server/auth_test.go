package server

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aeolun/concord/pkg/database"
	"github.com/aeolun/concord/pkg/protocol"
)

func newTestAuth(t *testing.T) (*AuthService, *database.DB) {
	t.Helper()
	db := openTestDB(t)
	t.Cleanup(func() { db.Close() })
	return NewAuthService(db, RandomIDs{}, bcrypt.MinCost, time.Hour), db
}

func registration(username string) *protocol.ClientRegistration {
	return &protocol.ClientRegistration{Username: username, Password: "hunter22", Name: "", Description: "tester"}
}

// requireIdentificationError asserts err is a recoverable failure with reason
func requireIdentificationError(t *testing.T, err error, reason string) {
	t.Helper()
	var idErr *IdentificationError
	require.True(t, errors.As(err, &idErr), "expected IdentificationError, got %v", err)
	assert.Equal(t, reason, idErr.Reason)
}

func TestGenerateSessionToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		token, err := GenerateSessionToken()
		require.NoError(t, err)
		require.Len(t, token, SessionTokenLength)
		for _, r := range token {
			require.True(t, strings.ContainsRune(sessionTokenAlphabet, r), "unexpected character %q", r)
		}
		require.False(t, seen[token], "duplicate token")
		seen[token] = true
	}
}

func TestIdentifyGuest(t *testing.T) {
	auth, db := newTestAuth(t)

	data, err := auth.Identify(&protocol.Identification{Nickname: "  alice "})
	require.NoError(t, err)
	assert.Equal(t, "alice", data.Nickname)
	assert.True(t, data.NewClient)
	assert.Len(t, data.SessionToken, SessionTokenLength)

	user, err := db.GetUser(data.UserID)
	require.NoError(t, err)
	assert.Nil(t, user.Username)
	assert.Equal(t, "alice", user.Nickname)

	_, err = auth.Identify(&protocol.Identification{Nickname: "   "})
	requireIdentificationError(t, err, "Missing nickname.")
	assert.ErrorIs(t, err, ErrMissingNickname)
}

func TestIdentifyWithTokenResumes(t *testing.T) {
	auth, _ := newTestAuth(t)

	guest, err := auth.Identify(&protocol.Identification{Nickname: "alice"})
	require.NoError(t, err)

	token := guest.SessionToken
	data, err := auth.Identify(&protocol.Identification{Nickname: "alicia", SessionToken: &token})
	require.NoError(t, err)
	assert.Equal(t, guest.UserID, data.UserID)
	assert.Equal(t, "alicia", data.Nickname)
	assert.False(t, data.NewClient)
	assert.NotEqual(t, token, data.SessionToken)
}

func TestRegisterNewClient(t *testing.T) {
	auth, db := newTestAuth(t)

	reg := registration("bob")
	reg.Name = "Bobby"
	data, err := auth.RegisterNewClient(reg)
	require.NoError(t, err)
	assert.True(t, data.NewClient)
	assert.Equal(t, "Bobby", data.Nickname)
	assert.NotEmpty(t, data.SessionToken)

	user, err := db.GetUserByUsername("bob")
	require.NoError(t, err)
	assert.False(t, user.Pending)
	require.NotNil(t, user.PasswordHash)
	assert.NotEqual(t, "hunter22", *user.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(*user.PasswordHash), []byte("hunter22")))

	_, err = auth.RegisterNewClient(registration("bob"))
	requireIdentificationError(t, err, "Username is already taken.")
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestRegisterRejectsIncompleteRegistrations(t *testing.T) {
	auth, _ := newTestAuth(t)

	_, err := auth.RegisterNewClient(&protocol.ClientRegistration{Username: " ", Password: "x"})
	requireIdentificationError(t, err, "Missing username.")

	_, err = auth.RegisterNewClient(&protocol.ClientRegistration{Username: "carol"})
	requireIdentificationError(t, err, "Missing password.")
}

func TestRegistrationNickname(t *testing.T) {
	assert.Equal(t, "Robert", registrationNickname(&protocol.ClientRegistration{Username: "bob", Name: " Robert "}))
	assert.Equal(t, "bob", registrationNickname(&protocol.ClientRegistration{Username: "bob", Name: "  "}))
}

func TestLogin(t *testing.T) {
	auth, _ := newTestAuth(t)

	registered, err := auth.RegisterNewClient(registration("dave"))
	require.NoError(t, err)

	data, err := auth.Login(&protocol.ClientLogin{Username: "dave", Password: "hunter22"})
	require.NoError(t, err)
	assert.Equal(t, registered.UserID, data.UserID)
	assert.False(t, data.Pending)
	assert.NotEqual(t, registered.SessionToken, data.SessionToken)

	_, err = auth.Login(&protocol.ClientLogin{Username: "dave", Password: "wrong"})
	requireIdentificationError(t, err, "Invalid username or password.")

	_, err = auth.Login(&protocol.ClientLogin{Username: "nobody", Password: "hunter22"})
	requireIdentificationError(t, err, "Invalid username or password.")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginPendingUser(t *testing.T) {
	auth, _ := newTestAuth(t)

	id, err := auth.RegisterPendingClient(registration("erin"))
	require.NoError(t, err)

	data, err := auth.Login(&protocol.ClientLogin{Username: "erin", Password: "hunter22"})
	require.NoError(t, err)
	assert.True(t, data.Pending)
	assert.Equal(t, id, data.UserID)
	assert.Empty(t, data.SessionToken)
}

func TestResumeSessionRotatesToken(t *testing.T) {
	auth, _ := newTestAuth(t)

	guest, err := auth.Identify(&protocol.Identification{Nickname: "frank"})
	require.NoError(t, err)

	resumed, err := auth.ResumeSession(guest.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, guest.UserID, resumed.UserID)
	assert.NotEqual(t, guest.SessionToken, resumed.SessionToken)

	// Tokens are single use
	_, err = auth.ResumeSession(guest.SessionToken)
	requireIdentificationError(t, err, "Invalid session token.")
	assert.ErrorIs(t, err, ErrInvalidSession)

	_, err = auth.ResumeSession(resumed.SessionToken)
	require.NoError(t, err)

	_, err = auth.ResumeSession("")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestExpiredSessionTokens(t *testing.T) {
	auth, _ := newTestAuth(t)

	guest, err := auth.Identify(&protocol.Identification{Nickname: "grace"})
	require.NoError(t, err)
	_, err = auth.Identify(&protocol.Identification{Nickname: "heidi"})
	require.NoError(t, err)

	later := time.Now().Add(2 * time.Hour)
	auth.now = func() time.Time { return later }

	_, err = auth.ResumeSession(guest.SessionToken)
	requireIdentificationError(t, err, "Invalid session token.")

	removed, err := auth.RemoveExpiredSessionTokens()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))

	removed, err = auth.RemoveExpiredSessionTokens()
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestApprovePendingUser(t *testing.T) {
	auth, db := newTestAuth(t)

	id, err := auth.RegisterPendingClient(registration("ivan"))
	require.NoError(t, err)

	pending, err := auth.PendingUsers()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	data, err := auth.Approve(id)
	require.NoError(t, err)
	assert.Equal(t, id, data.UserID)
	assert.True(t, data.NewClient)
	assert.NotEmpty(t, data.SessionToken)

	user, err := db.GetUser(id)
	require.NoError(t, err)
	assert.False(t, user.Pending)

	_, err = auth.Approve(id)
	assert.ErrorIs(t, err, ErrNotPending)
	assert.ErrorIs(t, auth.Reject(id), ErrNotPending)

	pending, err = auth.PendingUsers()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRejectPendingUser(t *testing.T) {
	auth, db := newTestAuth(t)

	id, err := auth.RegisterPendingClient(registration("judy"))
	require.NoError(t, err)

	require.NoError(t, auth.Reject(id))

	_, err = db.GetUser(id)
	assert.ErrorIs(t, err, database.ErrUserNotFound)

	// The username is free again
	_, err = auth.RegisterPendingClient(registration("judy"))
	assert.NoError(t, err)

	assert.ErrorIs(t, auth.Reject(uuid.New()), database.ErrUserNotFound)
}
