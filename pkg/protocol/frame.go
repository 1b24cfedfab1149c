package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// ErrUnsupportedType is returned when a frame carries a tag with no registered message type.
var ErrUnsupportedType = errors.New("unsupported message type")

// MessageType is the one-byte wire tag that prefixes every frame.
type MessageType uint8

// Wire tags, assigned by position in declaration order. This order is a
// compatibility contract with deployed clients: append new types at the end,
// never reorder or remove.
const (
	TypeIdentification MessageType = iota
	TypeServerWelcome
	TypeClientRegistration
	TypeClientLogin
	TypeClientSessionResume
	TypeRegistrationStatus
	TypeChat
	TypeChatHistoryRequest
	TypeChatHistoryResponse
	TypeMoveToChannel
	TypeCreateThread
	TypeServerUsers
	TypeServerMetaData
	TypeUserData
	TypeKeyData
	TypeError
	TypeChannelUsersRequest
	TypeChannelUsersResponse
)

var typeNames = [...]string{
	"Identification",
	"ServerWelcome",
	"ClientRegistration",
	"ClientLogin",
	"ClientSessionResume",
	"RegistrationStatus",
	"Chat",
	"ChatHistoryRequest",
	"ChatHistoryResponse",
	"MoveToChannel",
	"CreateThread",
	"ServerUsers",
	"ServerMetaData",
	"UserData",
	"KeyData",
	"Error",
	"ChannelUsersRequest",
	"ChannelUsersResponse",
}

func (t MessageType) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// Value is anything with a fixed wire layout
type Value interface {
	EncodeTo(w io.Writer) error
	DecodeFrom(r io.Reader) error
}

// Message is a tagged wire value that can be sent as a frame
type Message interface {
	Value
	Type() MessageType
}

// Registry maps wire tags to message constructors.
// Frame format: [Type (1 byte)][Payload (N bytes)]
type Registry struct {
	factories []func() Message
}

// NewRegistry returns a registry holding every message type in declaration order
func NewRegistry() *Registry {
	r := &Registry{}
	r.register(TypeIdentification, func() Message { return &Identification{} })
	r.register(TypeServerWelcome, func() Message { return &ServerWelcome{} })
	r.register(TypeClientRegistration, func() Message { return &ClientRegistration{} })
	r.register(TypeClientLogin, func() Message { return &ClientLogin{} })
	r.register(TypeClientSessionResume, func() Message { return &ClientSessionResume{} })
	r.register(TypeRegistrationStatus, func() Message { return &RegistrationStatus{} })
	r.register(TypeChat, func() Message { return &Chat{} })
	r.register(TypeChatHistoryRequest, func() Message { return &ChatHistoryRequest{} })
	r.register(TypeChatHistoryResponse, func() Message { return &ChatHistoryResponse{} })
	r.register(TypeMoveToChannel, func() Message { return &MoveToChannel{} })
	r.register(TypeCreateThread, func() Message { return &CreateThread{} })
	r.register(TypeServerUsers, func() Message { return &ServerUsers{} })
	r.register(TypeServerMetaData, func() Message { return &ServerMetaData{} })
	r.register(TypeUserData, func() Message { return &UserData{} })
	r.register(TypeKeyData, func() Message { return &KeyData{} })
	r.register(TypeError, func() Message { return &Error{} })
	r.register(TypeChannelUsersRequest, func() Message { return &ChannelUsersRequest{} })
	r.register(TypeChannelUsersResponse, func() Message { return &ChannelUsersResponse{} })
	return r
}

// register appends a message type. Tags must be registered in order.
func (r *Registry) register(t MessageType, factory func() Message) {
	if int(t) != len(r.factories) {
		panic(fmt.Sprintf("protocol: %s registered at position %d", t, len(r.factories)))
	}
	r.factories = append(r.factories, factory)
}

// Registered reports whether a tag has a message type
func (r *Registry) Registered(t MessageType) bool {
	return int(t) < len(r.factories)
}

// New returns an empty message for the given tag
func (r *Registry) New(t MessageType) (Message, error) {
	if !r.Registered(t) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, uint8(t))
	}
	return r.factories[t](), nil
}

// Marshal encodes a message into a complete frame
func (r *Registry) Marshal(m Message) ([]byte, error) {
	if !r.Registered(m.Type()) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedType, uint8(m.Type()))
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(m.Type()))
	if err := m.EncodeTo(buf); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return buf.Bytes(), nil
}

// Encode writes a message frame to w in a single Write call
func (r *Registry) Encode(w io.Writer, m Message) error {
	data, err := r.Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Decode reads one frame. A clean end of stream before the tag byte returns io.EOF.
func (r *Registry) Decode(rd io.Reader) (Message, error) {
	var tag [1]byte
	if _, err := io.ReadFull(rd, tag[:]); err != nil {
		return nil, err
	}

	m, err := r.New(MessageType(tag[0]))
	if err != nil {
		return nil, err
	}
	if err := m.DecodeFrom(rd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.Type(), err)
	}
	return m, nil
}

// IsProtocolError reports whether err means the byte stream can no longer be trusted
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrUnsupportedType) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrFieldTooLarge) ||
		errors.Is(err, ErrInvalidLength) ||
		errors.Is(err, ErrInvalidEnum) ||
		errors.Is(err, ErrInvalidUTF8)
}
