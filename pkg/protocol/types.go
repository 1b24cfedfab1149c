package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxFieldSize bounds any length-prefixed field or list count (1 MB)
	MaxFieldSize = 1024 * 1024

	// EnumNull is the wire ordinal of an absent enum value
	EnumNull int32 = -1

	nullLength int32 = -1
)

var (
	// ErrTruncated indicates the stream ended before a declared field was complete.
	ErrTruncated = errors.New("truncated stream")
	// ErrFieldTooLarge indicates a length prefix larger than MaxFieldSize.
	ErrFieldTooLarge = errors.New("field exceeds maximum size (1 MB)")
	// ErrInvalidLength indicates a negative length prefix other than the null sentinel.
	ErrInvalidLength = errors.New("invalid length prefix")
	// ErrInvalidEnum indicates an ordinal outside the declared value list.
	ErrInvalidEnum = errors.New("enum ordinal out of range")
	ErrInvalidUTF8 = errors.New("invalid UTF-8 string")
)

// nullUUIDHalf is written for both halves of an absent UUID. Random (v4)
// UUIDs can never be all ones, so the sentinel does not collide with real ids.
const nullUUIDHalf int64 = -1

// readFull reads exactly len(buf) bytes, mapping short reads to ErrTruncated
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	return nil
}

// WriteInt32 writes a 32-bit signed integer in big-endian
func WriteInt32(w io.Writer, v int32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(v))
	_, err := w.Write(buf)
	return err
}

// ReadInt32 reads a 32-bit signed integer in big-endian
func ReadInt32(r io.Reader) (int32, error) {
	buf := make([]byte, 4)
	if err := readFull(r, buf); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf)), nil
}

// WriteInt64 writes a 64-bit signed integer in big-endian
func WriteInt64(w io.Writer, v int64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	_, err := w.Write(buf)
	return err
}

// ReadInt64 reads a 64-bit signed integer in big-endian
func ReadInt64(r io.Reader) (int64, error) {
	buf := make([]byte, 8)
	if err := readFull(r, buf); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf)), nil
}

// WriteUUID writes a UUID as its most and least significant halves.
// uuid.Nil is written as the null sentinel (-1, -1).
func WriteUUID(w io.Writer, id uuid.UUID) error {
	if id == uuid.Nil {
		if err := WriteInt64(w, nullUUIDHalf); err != nil {
			return err
		}
		return WriteInt64(w, nullUUIDHalf)
	}
	_, err := w.Write(id[:])
	return err
}

// ReadUUID reads a UUID, returning uuid.Nil for the null sentinel
func ReadUUID(r io.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	if err := readFull(r, id[:]); err != nil {
		return uuid.Nil, err
	}
	msb := int64(binary.BigEndian.Uint64(id[:8]))
	lsb := int64(binary.BigEndian.Uint64(id[8:]))
	if msb == nullUUIDHalf && lsb == nullUUIDHalf {
		return uuid.Nil, nil
	}
	return id, nil
}

// readLength reads a length prefix. ok is false for the null sentinel.
func readLength(r io.Reader) (n int, ok bool, err error) {
	length, err := ReadInt32(r)
	if err != nil {
		return 0, false, err
	}
	switch {
	case length == nullLength:
		return 0, false, nil
	case length < 0:
		return 0, false, fmt.Errorf("%w: %d", ErrInvalidLength, length)
	case length > MaxFieldSize:
		return 0, false, ErrFieldTooLarge
	}
	return int(length), true, nil
}

// WriteString writes a length-prefixed UTF-8 string
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxFieldSize {
		return ErrFieldTooLarge
	}
	if err := WriteInt32(w, int32(len(s))); err != nil {
		return err
	}
	if len(s) == 0 {
		return nil
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a length-prefixed UTF-8 string. A null string reads as "".
func ReadString(r io.Reader) (string, error) {
	s, err := ReadNullableString(r)
	if err != nil || s == nil {
		return "", err
	}
	return *s, nil
}

// WriteNullableString writes a string that may be absent (nil → length -1)
func WriteNullableString(w io.Writer, s *string) error {
	if s == nil {
		return WriteInt32(w, nullLength)
	}
	return WriteString(w, *s)
}

// ReadNullableString reads a string that may be absent
func ReadNullableString(r io.Reader) (*string, error) {
	n, ok, err := readLength(r)
	if err != nil || !ok {
		return nil, err
	}
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return nil, err
	}
	if !utf8.Valid(buf) {
		return nil, ErrInvalidUTF8
	}
	s := string(buf)
	return &s, nil
}

// WriteEnum writes an enum ordinal (EnumNull for an absent value)
func WriteEnum(w io.Writer, ordinal int32) error {
	return WriteInt32(w, ordinal)
}

// ReadEnum reads an enum ordinal and checks it against the number of declared values
func ReadEnum(r io.Reader, count int32) (int32, error) {
	ordinal, err := ReadInt32(r)
	if err != nil {
		return 0, err
	}
	if ordinal != EnumNull && (ordinal < 0 || ordinal >= count) {
		return 0, fmt.Errorf("%w: %d of %d", ErrInvalidEnum, ordinal, count)
	}
	return ordinal, nil
}

// WriteBytes writes a length-prefixed byte blob
func WriteBytes(w io.Writer, b []byte) error {
	if len(b) > MaxFieldSize {
		return ErrFieldTooLarge
	}
	if err := WriteInt32(w, int32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

// ReadBytes reads a length-prefixed byte blob
func ReadBytes(r io.Reader) ([]byte, error) {
	n, ok, err := readLength(r)
	if err != nil || !ok {
		return nil, err
	}
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteList writes a count followed by each element, without per-element tags
func WriteList[T any](w io.Writer, items []T, write func(io.Writer, T) error) error {
	if len(items) > MaxFieldSize {
		return ErrFieldTooLarge
	}
	if err := WriteInt32(w, int32(len(items))); err != nil {
		return err
	}
	for _, item := range items {
		if err := write(w, item); err != nil {
			return err
		}
	}
	return nil
}

// ReadList reads a counted list using the given element decoder
func ReadList[T any](r io.Reader, read func(io.Reader) (T, error)) ([]T, error) {
	n, ok, err := readLength(r)
	if err != nil || !ok || n == 0 {
		return nil, err
	}
	// Don't trust the count for preallocation
	items := make([]T, 0, min(n, 64))
	for i := 0; i < n; i++ {
		item, err := read(r)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// writeValue and readValue adapt a wire value type to WriteList / ReadList
func writeValue[T any, PT interface {
	*T
	Value
}](w io.Writer, v T) error {
	return PT(&v).EncodeTo(w)
}

func readValue[T any, PT interface {
	*T
	Value
}](r io.Reader) (T, error) {
	var v T
	err := PT(&v).DecodeFrom(r)
	return v, err
}
