package protocol

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadInt32(t *testing.T) {
	tests := []struct {
		name  string
		value int32
		wire  []byte
	}{
		{"zero", 0, []byte{0, 0, 0, 0}},
		{"one", 1, []byte{0, 0, 0, 1}},
		{"minus one", -1, []byte{0xFF, 0xFF, 0xFF, 0xFF}},
		{"max", 2147483647, []byte{0x7F, 0xFF, 0xFF, 0xFF}},
		{"min", -2147483648, []byte{0x80, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, WriteInt32(buf, tt.value))
			assert.Equal(t, tt.wire, buf.Bytes())

			result, err := ReadInt32(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.value, result)
		})
	}
}

func TestWriteReadInt64(t *testing.T) {
	tests := []struct {
		name  string
		value int64
	}{
		{"zero", 0},
		{"minus one", -1},
		{"timestamp", 1700000000000},
		{"max", 9223372036854775807},
		{"min", -9223372036854775808},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, WriteInt64(buf, tt.value))
			assert.Equal(t, 8, buf.Len())

			result, err := ReadInt64(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.value, result)
		})
	}
}

func TestUUIDEncoding(t *testing.T) {
	t.Run("halves are big-endian", func(t *testing.T) {
		id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUUID(buf, id))
		assert.Equal(t, []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, buf.Bytes())

		decoded, err := ReadUUID(buf)
		require.NoError(t, err)
		assert.Equal(t, id, decoded)
	})

	t.Run("nil is the null sentinel", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUUID(buf, uuid.Nil))
		assert.Equal(t, bytes.Repeat([]byte{0xFF}, 16), buf.Bytes())

		decoded, err := ReadUUID(buf)
		require.NoError(t, err)
		assert.Equal(t, uuid.Nil, decoded)
	})

	t.Run("truncated", func(t *testing.T) {
		_, err := ReadUUID(bytes.NewReader([]byte{1, 2, 3}))
		assert.ErrorIs(t, err, ErrTruncated)
	})
}

func TestStringEncoding(t *testing.T) {
	tests := []struct {
		name string
		s    string
		wire []byte
	}{
		{"empty", "", []byte{0, 0, 0, 0}},
		{"ascii", "hi", []byte{0, 0, 0, 2, 'h', 'i'}},
		{"multibyte uses byte length", "é", []byte{0, 0, 0, 2, 0xC3, 0xA9}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			require.NoError(t, WriteString(buf, tt.s))
			assert.Equal(t, tt.wire, buf.Bytes())

			s, err := ReadString(buf)
			require.NoError(t, err)
			assert.Equal(t, tt.s, s)
		})
	}
}

func TestNullableString(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteNullableString(buf, nil))
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, buf.Bytes())

	s, err := ReadNullableString(buf)
	require.NoError(t, err)
	assert.Nil(t, s)

	empty := ""
	buf.Reset()
	require.NoError(t, WriteNullableString(buf, &empty))
	s, err = ReadNullableString(buf)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "", *s)
}

func TestReadStringErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		err  error
	}{
		{"missing length", []byte{0, 0}, ErrTruncated},
		{"short body", []byte{0, 0, 0, 5, 'a', 'b'}, ErrTruncated},
		{"negative length", []byte{0xFF, 0xFF, 0xFF, 0xFE}, ErrInvalidLength},
		{"too large", []byte{0x7F, 0xFF, 0xFF, 0xFF}, ErrFieldTooLarge},
		{"invalid utf8", []byte{0, 0, 0, 2, 0xFF, 0xFE}, ErrInvalidUTF8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadString(bytes.NewReader(tt.data))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEnumEncoding(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteEnum(buf, EnumNull))
	v, err := ReadEnum(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, EnumNull, v)

	buf.Reset()
	require.NoError(t, WriteEnum(buf, 1))
	v, err = ReadEnum(buf, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(1), v)

	buf.Reset()
	require.NoError(t, WriteEnum(buf, 2))
	_, err = ReadEnum(buf, 2)
	assert.ErrorIs(t, err, ErrInvalidEnum)
}

func TestBytesEncoding(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteBytes(buf, []byte{9, 8, 7}))
	assert.Equal(t, []byte{0, 0, 0, 3, 9, 8, 7}, buf.Bytes())

	b, err := ReadBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 8, 7}, b)

	_, err = ReadBytes(bytes.NewReader([]byte{0, 0, 0, 4, 1}))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestListEncoding(t *testing.T) {
	users := []UserData{
		{ID: uuid.New(), Name: "alice"},
		{ID: uuid.New(), Name: "bob"},
	}

	buf := new(bytes.Buffer)
	require.NoError(t, WriteList(buf, users, writeValue[UserData]))

	// Count, then elements without tags
	assert.Equal(t, []byte{0, 0, 0, 2}, buf.Bytes()[:4])
	assert.Equal(t, 4+2*(16+4)+len("alice")+len("bob"), buf.Len())

	decoded, err := ReadList(buf, readValue[UserData])
	require.NoError(t, err)
	assert.Equal(t, users, decoded)
}

func TestReadListTruncated(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteInt32(buf, 3))
	u := UserData{ID: uuid.New(), Name: "only one"}
	require.NoError(t, u.EncodeTo(buf))

	_, err := ReadList(buf, readValue[UserData])
	assert.ErrorIs(t, err, ErrTruncated)
}
