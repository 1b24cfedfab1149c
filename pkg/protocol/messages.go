package protocol

import (
	"io"

	"github.com/google/uuid"
)

// ErrorLevel classifies an Error message
type ErrorLevel int32

const (
	LevelWarning ErrorLevel = iota
	LevelError
	errorLevelCount
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	}
	return "NULL"
}

// RegistrationState is carried by RegistrationStatus
type RegistrationState int32

const (
	RegistrationPending RegistrationState = iota
	RegistrationAccepted
	RegistrationRejected
	registrationStateCount
)

func (s RegistrationState) String() string {
	switch s {
	case RegistrationPending:
		return "PENDING"
	case RegistrationAccepted:
		return "ACCEPTED"
	case RegistrationRejected:
		return "REJECTED"
	}
	return "NULL"
}

// Identification (0) - legacy identify with a nickname and optional session token
type Identification struct {
	Nickname     string
	SessionToken *string
}

func (m *Identification) Type() MessageType { return TypeIdentification }

func (m *Identification) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Nickname); err != nil {
		return err
	}
	return WriteNullableString(w, m.SessionToken)
}

func (m *Identification) DecodeFrom(r io.Reader) error {
	nickname, err := ReadString(r)
	if err != nil {
		return err
	}
	token, err := ReadNullableString(r)
	if err != nil {
		return err
	}
	m.Nickname = nickname
	m.SessionToken = token
	return nil
}

// ServerWelcome (1) - first message after successful identification
type ServerWelcome struct {
	ClientID           uuid.UUID
	SessionToken       string
	CurrentChannelID   uuid.UUID
	CurrentChannelName string
	MetaData           ServerMetaData
}

func (m *ServerWelcome) Type() MessageType { return TypeServerWelcome }

func (m *ServerWelcome) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.ClientID); err != nil {
		return err
	}
	if err := WriteString(w, m.SessionToken); err != nil {
		return err
	}
	if err := WriteUUID(w, m.CurrentChannelID); err != nil {
		return err
	}
	if err := WriteString(w, m.CurrentChannelName); err != nil {
		return err
	}
	return m.MetaData.EncodeTo(w)
}

func (m *ServerWelcome) DecodeFrom(r io.Reader) error {
	var err error
	if m.ClientID, err = ReadUUID(r); err != nil {
		return err
	}
	if m.SessionToken, err = ReadString(r); err != nil {
		return err
	}
	if m.CurrentChannelID, err = ReadUUID(r); err != nil {
		return err
	}
	if m.CurrentChannelName, err = ReadString(r); err != nil {
		return err
	}
	return m.MetaData.DecodeFrom(r)
}

// ClientRegistration (2) - create a new account
type ClientRegistration struct {
	Name        string
	Description string
	Username    string
	Password    string
}

func (m *ClientRegistration) Type() MessageType { return TypeClientRegistration }

func (m *ClientRegistration) EncodeTo(w io.Writer) error {
	for _, s := range []string{m.Name, m.Description, m.Username, m.Password} {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func (m *ClientRegistration) DecodeFrom(r io.Reader) error {
	for _, s := range []*string{&m.Name, &m.Description, &m.Username, &m.Password} {
		v, err := ReadString(r)
		if err != nil {
			return err
		}
		*s = v
	}
	return nil
}

// ClientLogin (3) - authenticate with username and password
type ClientLogin struct {
	Username string
	Password string
}

func (m *ClientLogin) Type() MessageType { return TypeClientLogin }

func (m *ClientLogin) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Username); err != nil {
		return err
	}
	return WriteString(w, m.Password)
}

func (m *ClientLogin) DecodeFrom(r io.Reader) error {
	var err error
	if m.Username, err = ReadString(r); err != nil {
		return err
	}
	m.Password, err = ReadString(r)
	return err
}

// ClientSessionResume (4) - reconnect with a previously issued session token
type ClientSessionResume struct {
	SessionToken string
}

func (m *ClientSessionResume) Type() MessageType { return TypeClientSessionResume }

func (m *ClientSessionResume) EncodeTo(w io.Writer) error {
	return WriteString(w, m.SessionToken)
}

func (m *ClientSessionResume) DecodeFrom(r io.Reader) error {
	var err error
	m.SessionToken, err = ReadString(r)
	return err
}

// RegistrationStatus (5) - outcome of a registration awaiting approval
type RegistrationStatus struct {
	Status RegistrationState
}

func (m *RegistrationStatus) Type() MessageType { return TypeRegistrationStatus }

func (m *RegistrationStatus) EncodeTo(w io.Writer) error {
	return WriteEnum(w, int32(m.Status))
}

func (m *RegistrationStatus) DecodeFrom(r io.Reader) error {
	v, err := ReadEnum(r, int32(registrationStateCount))
	if err != nil {
		return err
	}
	m.Status = RegistrationState(v)
	return nil
}

// Chat (6) - a chat line. ID is assigned by the server; uuid.Nil is null on the wire.
type Chat struct {
	ID             uuid.UUID
	SenderID       uuid.UUID
	SenderNickname string
	Timestamp      int64
	Message        string
}

func (m *Chat) Type() MessageType { return TypeChat }

func (m *Chat) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.ID); err != nil {
		return err
	}
	if err := WriteUUID(w, m.SenderID); err != nil {
		return err
	}
	if err := WriteString(w, m.SenderNickname); err != nil {
		return err
	}
	if err := WriteInt64(w, m.Timestamp); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *Chat) DecodeFrom(r io.Reader) error {
	var err error
	if m.ID, err = ReadUUID(r); err != nil {
		return err
	}
	if m.SenderID, err = ReadUUID(r); err != nil {
		return err
	}
	if m.SenderNickname, err = ReadString(r); err != nil {
		return err
	}
	if m.Timestamp, err = ReadInt64(r); err != nil {
		return err
	}
	m.Message, err = ReadString(r)
	return err
}

// ChatHistoryRequest (7) - query a channel's persisted chat log
type ChatHistoryRequest struct {
	ChannelID uuid.UUID
	Query     string
}

func (m *ChatHistoryRequest) Type() MessageType { return TypeChatHistoryRequest }

func (m *ChatHistoryRequest) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.ChannelID); err != nil {
		return err
	}
	return WriteString(w, m.Query)
}

func (m *ChatHistoryRequest) DecodeFrom(r io.Reader) error {
	var err error
	if m.ChannelID, err = ReadUUID(r); err != nil {
		return err
	}
	m.Query, err = ReadString(r)
	return err
}

// ChatHistoryResponse (8) - chats in ascending timestamp order
type ChatHistoryResponse struct {
	ChannelID uuid.UUID
	Messages  []Chat
}

func (m *ChatHistoryResponse) Type() MessageType { return TypeChatHistoryResponse }

func (m *ChatHistoryResponse) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.ChannelID); err != nil {
		return err
	}
	return WriteList(w, m.Messages, writeValue[Chat])
}

func (m *ChatHistoryResponse) DecodeFrom(r io.Reader) error {
	var err error
	if m.ChannelID, err = ReadUUID(r); err != nil {
		return err
	}
	m.Messages, err = ReadList(r, readValue[Chat])
	return err
}

// MoveToChannel (9) - client request to move, and server confirmation of a move
type MoveToChannel struct {
	ID          uuid.UUID
	ChannelName *string
}

func (m *MoveToChannel) Type() MessageType { return TypeMoveToChannel }

func (m *MoveToChannel) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.ID); err != nil {
		return err
	}
	return WriteNullableString(w, m.ChannelName)
}

func (m *MoveToChannel) DecodeFrom(r io.Reader) error {
	var err error
	if m.ID, err = ReadUUID(r); err != nil {
		return err
	}
	m.ChannelName, err = ReadNullableString(r)
	return err
}

// CreateThread (10) - announces a thread anchored on a chat message
type CreateThread struct {
	MessageID uuid.UUID
	Title     *string
}

func (m *CreateThread) Type() MessageType { return TypeCreateThread }

func (m *CreateThread) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.MessageID); err != nil {
		return err
	}
	return WriteNullableString(w, m.Title)
}

func (m *CreateThread) DecodeFrom(r io.Reader) error {
	var err error
	if m.MessageID, err = ReadUUID(r); err != nil {
		return err
	}
	m.Title, err = ReadNullableString(r)
	return err
}

// ServerUsers (11) - every connected user, sorted by nickname
type ServerUsers struct {
	Users []UserData
}

func (m *ServerUsers) Type() MessageType { return TypeServerUsers }

func (m *ServerUsers) EncodeTo(w io.Writer) error {
	return WriteList(w, m.Users, writeValue[UserData])
}

func (m *ServerUsers) DecodeFrom(r io.Reader) error {
	var err error
	m.Users, err = ReadList(r, readValue[UserData])
	return err
}

// ChannelData is a ServerMetaData list element
type ChannelData struct {
	ID   uuid.UUID
	Name string
}

func (c *ChannelData) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, c.ID); err != nil {
		return err
	}
	return WriteString(w, c.Name)
}

func (c *ChannelData) DecodeFrom(r io.Reader) error {
	var err error
	if c.ID, err = ReadUUID(r); err != nil {
		return err
	}
	c.Name, err = ReadString(r)
	return err
}

// ServerMetaData (12) - server name and public channels sorted by name
type ServerMetaData struct {
	Name     string
	Channels []ChannelData
}

func (m *ServerMetaData) Type() MessageType { return TypeServerMetaData }

func (m *ServerMetaData) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	return WriteList(w, m.Channels, writeValue[ChannelData])
}

func (m *ServerMetaData) DecodeFrom(r io.Reader) error {
	var err error
	if m.Name, err = ReadString(r); err != nil {
		return err
	}
	m.Channels, err = ReadList(r, readValue[ChannelData])
	return err
}

// UserData (13) - a user's id and display name
type UserData struct {
	ID   uuid.UUID
	Name string
}

func (m *UserData) Type() MessageType { return TypeUserData }

func (m *UserData) EncodeTo(w io.Writer) error {
	if err := WriteUUID(w, m.ID); err != nil {
		return err
	}
	return WriteString(w, m.Name)
}

func (m *UserData) DecodeFrom(r io.Reader) error {
	var err error
	if m.ID, err = ReadUUID(r); err != nil {
		return err
	}
	m.Name, err = ReadString(r)
	return err
}

// KeyData (14) - handshake key material, the only frame sent unencrypted
type KeyData struct {
	IV        []byte
	Salt      []byte
	PublicKey []byte
}

func (m *KeyData) Type() MessageType { return TypeKeyData }

func (m *KeyData) EncodeTo(w io.Writer) error {
	for _, b := range [][]byte{m.IV, m.Salt, m.PublicKey} {
		if err := WriteBytes(w, b); err != nil {
			return err
		}
	}
	return nil
}

func (m *KeyData) DecodeFrom(r io.Reader) error {
	for _, b := range []*[]byte{&m.IV, &m.Salt, &m.PublicKey} {
		v, err := ReadBytes(r)
		if err != nil {
			return err
		}
		*b = v
	}
	return nil
}

// Error (15) - a warning or error shown to the client
type Error struct {
	Level   ErrorLevel
	Message string
}

// Warning builds a warning-level Error
func Warning(message string) *Error {
	return &Error{Level: LevelWarning, Message: message}
}

// Failure builds an error-level Error
func Failure(message string) *Error {
	return &Error{Level: LevelError, Message: message}
}

func (m *Error) Type() MessageType { return TypeError }

func (m *Error) EncodeTo(w io.Writer) error {
	if err := WriteEnum(w, int32(m.Level)); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *Error) DecodeFrom(r io.Reader) error {
	level, err := ReadEnum(r, int32(errorLevelCount))
	if err != nil {
		return err
	}
	m.Level = ErrorLevel(level)
	m.Message, err = ReadString(r)
	return err
}

// ChannelUsersRequest (16) - ask who occupies a channel
type ChannelUsersRequest struct {
	ChannelID uuid.UUID
}

func (m *ChannelUsersRequest) Type() MessageType { return TypeChannelUsersRequest }

func (m *ChannelUsersRequest) EncodeTo(w io.Writer) error {
	return WriteUUID(w, m.ChannelID)
}

func (m *ChannelUsersRequest) DecodeFrom(r io.Reader) error {
	var err error
	m.ChannelID, err = ReadUUID(r)
	return err
}

// ChannelUsersResponse (17) - channel occupancy, also pushed on join and leave
type ChannelUsersResponse struct {
	Users []UserData
}

func (m *ChannelUsersResponse) Type() MessageType { return TypeChannelUsersResponse }

func (m *ChannelUsersResponse) EncodeTo(w io.Writer) error {
	return WriteList(w, m.Users, writeValue[UserData])
}

func (m *ChannelUsersResponse) DecodeFrom(r io.Reader) error {
	var err error
	m.Users, err = ReadList(r, readValue[UserData])
	return err
}
