package database

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// FlushInterval is how long the write buffer collects chat inserts before committing them
const FlushInterval = 10 * time.Millisecond

var (
	// ErrUserNotFound indicates no user matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken indicates the username is already registered.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrSessionTokenNotFound indicates the token is unknown or expired.
	ErrSessionTokenNotFound = errors.New("session token not found")
	// ErrChatNotFound indicates the chat message does not exist in the channel.
	ErrChatNotFound = errors.New("chat message not found")
	// ErrPrivateChannelNotFound indicates no private channel has the key or id.
	ErrPrivateChannelNotFound = errors.New("private channel not found")
)

// DB wraps the SQLite database connection
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	snowflake   *Snowflake
	WriteBuffer *WriteBuffer
}

var pragmas = []string{
	// WAL allows multiple readers and one writer at the same time
	"PRAGMA journal_mode = WAL",
	// Wait and retry instead of failing immediately with SQLITE_BUSY
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
	"PRAGMA synchronous = NORMAL",
}

func configure(conn *sql.DB) error {
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

// Open opens a connection to the SQLite database at the given path
// and migrates the schema if needed
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Readers share a pool; SQLite allows one writer at a time
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := configure(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := configure(writeConn); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to configure write connection: %w", err)
	}

	// Snowflake epoch: 2024-01-01, worker 0
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, 0),
	}

	// Backs up the database first if migrations are pending
	if err := migrate(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db.WriteBuffer = NewWriteBuffer(db, FlushInterval)

	return db, nil
}

// Close flushes pending writes and closes the database connections
func (db *DB) Close() error {
	if db.WriteBuffer != nil {
		db.WriteBuffer.Close()
	}
	db.writeConn.Close()
	return db.conn.Close()
}

// User is a persisted identity. Username and PasswordHash are nil for nickname-only users.
type User struct {
	ID           uuid.UUID
	Username     *string
	PasswordHash *string
	Nickname     string
	Description  string
	CreatedAt    int64 // Unix timestamp in milliseconds
	Pending      bool
}

// SessionToken is a single-use credential for resuming a session
type SessionToken struct {
	Token     string
	UserID    uuid.UUID
	ExpiresAt int64 // Unix timestamp in milliseconds
}

// ChatMessage is one entry of a channel's chat log
type ChatMessage struct {
	Seq            int64 // Snowflake, breaks timestamp ties in insertion order
	ID             uuid.UUID
	ChannelID      uuid.UUID
	SenderID       uuid.UUID
	SenderNickname string
	Timestamp      int64 // Unix timestamp in milliseconds
	Message        string
}

// PrivateChannel maps a participant set to a stable channel id
type PrivateChannel struct {
	Key            string
	ID             uuid.UUID
	Name           string
	ParticipantIDs []uuid.UUID
	CreatedAt      int64
}

// HistoryFilter bounds a chat log query. After and Before are exclusive.
type HistoryFilter struct {
	Limit  int
	After  *int64
	Before *int64
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// isUniqueViolation reports whether err is a SQLite UNIQUE constraint failure
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return &ns.String
}

// CreateUser inserts a user record
func (db *DB) CreateUser(u *User) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = nowMillis()
	}
	_, err := db.writeConn.Exec(`
		INSERT INTO users (id, username, password_hash, nickname, description, created_at, pending)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID.String(), nullString(u.Username), nullString(u.PasswordHash), u.Nickname, u.Description, u.CreatedAt, u.Pending)
	if isUniqueViolation(err) {
		return ErrUsernameTaken
	}
	return err
}

const userColumns = `id, username, password_hash, nickname, description, created_at, pending`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u                  User
		id                 string
		username, password sql.NullString
	)
	if err := row.Scan(&id, &username, &password, &u.Nickname, &u.Description, &u.CreatedAt, &u.Pending); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("corrupt user id %q: %w", id, err)
	}
	u.ID = parsed
	u.Username = stringPtr(username)
	u.PasswordHash = stringPtr(password)
	return &u, nil
}

// GetUser returns a user by id
func (db *DB) GetUser(id uuid.UUID) (*User, error) {
	return scanUser(db.conn.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id.String()))
}

// GetUserByUsername returns a password user by username
func (db *DB) GetUserByUsername(username string) (*User, error) {
	return scanUser(db.conn.QueryRow(`SELECT `+userColumns+` FROM users WHERE username = ?`, username))
}

// UsernameExists checks whether a username is registered
func (db *DB) UsernameExists(username string) (bool, error) {
	var exists bool
	err := db.conn.QueryRow(`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username).Scan(&exists)
	return exists, err
}

// ListPendingUsers returns users awaiting approval, oldest first
func (db *DB) ListPendingUsers() ([]*User, error) {
	rows, err := db.conn.Query(`SELECT ` + userColumns + ` FROM users WHERE pending = 1 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetUserPending updates the pending-approval flag
func (db *DB) SetUserPending(id uuid.UUID, pending bool) error {
	res, err := db.writeConn.Exec(`UPDATE users SET pending = ? WHERE id = ?`, pending, id.String())
	if err != nil {
		return err
	}
	return requireRow(res, ErrUserNotFound)
}

// UpdateUserNickname stores a user's current display name
func (db *DB) UpdateUserNickname(id uuid.UUID, nickname string) error {
	res, err := db.writeConn.Exec(`UPDATE users SET nickname = ? WHERE id = ?`, nickname, id.String())
	if err != nil {
		return err
	}
	return requireRow(res, ErrUserNotFound)
}

// DeleteUser removes a user and, by cascade, their session tokens
func (db *DB) DeleteUser(id uuid.UUID) error {
	res, err := db.writeConn.Exec(`DELETE FROM users WHERE id = ?`, id.String())
	if err != nil {
		return err
	}
	return requireRow(res, ErrUserNotFound)
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// CreateSessionToken stores a newly issued token
func (db *DB) CreateSessionToken(t *SessionToken) error {
	_, err := db.writeConn.Exec(`INSERT INTO session_tokens (token, user_id, expires_at) VALUES (?, ?, ?)`,
		t.Token, t.UserID.String(), t.ExpiresAt)
	return err
}

// ConsumeSessionToken deletes a token that is still valid at now and returns it.
// Unknown, expired, or already consumed tokens return ErrSessionTokenNotFound.
func (db *DB) ConsumeSessionToken(token string, now int64) (*SessionToken, error) {
	tx, err := db.writeConn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	st := &SessionToken{Token: token}
	var userID string
	err = tx.QueryRow(`SELECT user_id, expires_at FROM session_tokens WHERE token = ? AND expires_at > ?`, token, now).
		Scan(&userID, &st.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	if st.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("corrupt token owner %q: %w", userID, err)
	}

	if _, err := tx.Exec(`DELETE FROM session_tokens WHERE token = ?`, token); err != nil {
		return nil, err
	}
	return st, tx.Commit()
}

// DeleteExpiredSessionTokens removes tokens whose expiry is at or before now
func (db *DB) DeleteExpiredSessionTokens(now int64) (int64, error) {
	res, err := db.writeConn.Exec(`DELETE FROM session_tokens WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertChat appends a chat message to its channel log immediately
func (db *DB) InsertChat(m *ChatMessage) error {
	if m.Seq == 0 {
		m.Seq = db.snowflake.NextID()
	}
	_, err := db.writeConn.Exec(insertChatSQL, chatArgs(m)...)
	return err
}

const insertChatSQL = `
	INSERT INTO chat_messages (seq, id, channel_id, sender_id, sender_nickname, timestamp, message)
	VALUES (?, ?, ?, ?, ?, ?, ?)
`

func chatArgs(m *ChatMessage) []any {
	return []any{m.Seq, m.ID.String(), m.ChannelID.String(), m.SenderID.String(), m.SenderNickname, m.Timestamp, m.Message}
}

const chatColumns = `seq, id, channel_id, sender_id, sender_nickname, timestamp, message`

func scanChat(row interface{ Scan(...any) error }) (*ChatMessage, error) {
	var (
		m                         ChatMessage
		id, channelID, senderID string
	)
	if err := row.Scan(&m.Seq, &id, &channelID, &senderID, &m.SenderNickname, &m.Timestamp, &m.Message); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	var err error
	if m.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt chat id %q: %w", id, err)
	}
	if m.ChannelID, err = uuid.Parse(channelID); err != nil {
		return nil, fmt.Errorf("corrupt channel id %q: %w", channelID, err)
	}
	if m.SenderID, err = uuid.Parse(senderID); err != nil {
		return nil, fmt.Errorf("corrupt sender id %q: %w", senderID, err)
	}
	return &m, nil
}

// GetChat returns one chat message from a channel's log
func (db *DB) GetChat(channelID, id uuid.UUID) (*ChatMessage, error) {
	return scanChat(db.conn.QueryRow(`SELECT `+chatColumns+` FROM chat_messages WHERE channel_id = ? AND id = ?`,
		channelID.String(), id.String()))
}

// ListChats returns a channel's chat messages newest first
func (db *DB) ListChats(channelID uuid.UUID, f HistoryFilter) ([]*ChatMessage, error) {
	query := `SELECT ` + chatColumns + ` FROM chat_messages WHERE channel_id = ?`
	args := []any{channelID.String()}

	if f.After != nil {
		query += ` AND timestamp > ?`
		args = append(args, *f.After)
	}
	if f.Before != nil {
		query += ` AND timestamp < ?`
		args = append(args, *f.Before)
	}

	query += ` ORDER BY timestamp DESC, seq DESC LIMIT ?`
	args = append(args, f.Limit)

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*ChatMessage
	for rows.Next() {
		m, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteChannelChats drops a channel's whole chat log
func (db *DB) DeleteChannelChats(channelID uuid.UUID) (int64, error) {
	res, err := db.writeConn.Exec(`DELETE FROM chat_messages WHERE channel_id = ?`, channelID.String())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PrivateChannelKey is the stable lookup key for a participant set: the
// sorted participant ids concatenated.
func PrivateChannelKey(participants []uuid.UUID) string {
	ids := make([]string, len(participants))
	for i, p := range participants {
		ids[i] = p.String()
	}
	sort.Strings(ids)
	return strings.Join(ids, "")
}

// CreatePrivateChannel persists a private channel mapping
func (db *DB) CreatePrivateChannel(pc *PrivateChannel) error {
	if pc.CreatedAt == 0 {
		pc.CreatedAt = nowMillis()
	}
	ids := make([]string, len(pc.ParticipantIDs))
	for i, p := range pc.ParticipantIDs {
		ids[i] = p.String()
	}
	_, err := db.writeConn.Exec(`
		INSERT INTO private_channels (participant_key, id, name, participant_ids, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, pc.Key, pc.ID.String(), pc.Name, strings.Join(ids, ","), pc.CreatedAt)
	return err
}

func scanPrivateChannel(row *sql.Row) (*PrivateChannel, error) {
	var (
		pc       PrivateChannel
		id, list string
	)
	if err := row.Scan(&pc.Key, &id, &pc.Name, &list, &pc.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPrivateChannelNotFound
		}
		return nil, err
	}
	var err error
	if pc.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("corrupt private channel id %q: %w", id, err)
	}
	for _, s := range strings.Split(list, ",") {
		p, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("corrupt participant id %q: %w", s, err)
		}
		pc.ParticipantIDs = append(pc.ParticipantIDs, p)
	}
	return &pc, nil
}

const privateChannelColumns = `participant_key, id, name, participant_ids, created_at`

// GetPrivateChannel looks up a private channel by participant key
func (db *DB) GetPrivateChannel(key string) (*PrivateChannel, error) {
	return scanPrivateChannel(db.conn.QueryRow(`SELECT `+privateChannelColumns+` FROM private_channels WHERE participant_key = ?`, key))
}

// GetPrivateChannelByID looks up a private channel by its channel id
func (db *DB) GetPrivateChannelByID(id uuid.UUID) (*PrivateChannel, error) {
	return scanPrivateChannel(db.conn.QueryRow(`SELECT `+privateChannelColumns+` FROM private_channels WHERE id = ?`, id.String()))
}

// PostChat persists a chat message through the write buffer, blocking until committed
func (db *DB) PostChat(m *ChatMessage) error {
	return db.WriteBuffer.PostChat(m)
}

// QueueNicknameUpdate schedules a nickname change for the next buffered flush
func (db *DB) QueueNicknameUpdate(id uuid.UUID, nickname string) {
	db.WriteBuffer.UpdateNickname(id, nickname)
}
