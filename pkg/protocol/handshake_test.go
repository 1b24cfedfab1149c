package protocol

import (
	"bytes"
	"crypto/aes"
	"encoding/hex"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handshakeResult struct {
	stream *EncryptedStream
	err    error
}

// handshakePair runs both ends of the handshake over an in-memory pipe
func handshakePair(t *testing.T) (client, server *EncryptedStream, cleanup func()) {
	t.Helper()
	reg := NewRegistry()
	a, b := net.Pipe()

	results := make(chan handshakeResult, 1)
	go func() {
		s, err := Handshake(reg, b, b)
		results <- handshakeResult{s, err}
	}()

	client, err := Handshake(reg, a, a)
	require.NoError(t, err)
	res := <-results
	require.NoError(t, res.err)

	return client, res.stream, func() {
		a.Close()
		b.Close()
	}
}

func TestHandshakeDerivesSameKey(t *testing.T) {
	// Repeat so both orderings of the public keys are exercised
	for i := 0; i < 16; i++ {
		client, server, cleanup := handshakePair(t)
		assert.Len(t, client.Key(), 32)
		assert.Equal(t, client.Key(), server.Key())
		cleanup()
	}
}

func TestHandshakeCarriesEncryptedFrames(t *testing.T) {
	client, server, cleanup := handshakePair(t)
	defer cleanup()
	reg := NewRegistry()

	sent := &Chat{ID: uuid.New(), SenderID: uuid.New(), SenderNickname: "alice", Timestamp: 42, Message: "secret text"}
	errc := make(chan error, 1)
	go func() { errc <- reg.Encode(client, sent) }()

	received, err := reg.Decode(server)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, sent, received)

	// And the other direction
	go func() { errc <- reg.Encode(server, Warning("hi")) }()
	received, err = reg.Decode(client)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, Warning("hi"), received)
}

func TestHandshakeCiphertextDiffersFromPlaintext(t *testing.T) {
	reg := NewRegistry()
	plain, err := reg.Marshal(&Chat{Message: "clearly visible"})
	require.NoError(t, err)

	block, err := aes.NewCipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	out := make([]byte, len(plain))
	newCFB8Encrypter(block, make([]byte, IVSize)).XORKeyStream(out, plain)

	assert.False(t, bytes.Contains(out, []byte("clearly visible")))
}

func TestHandshakeRejectsWrongMessage(t *testing.T) {
	reg := NewRegistry()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		// Peer skips the key exchange and sends a chat
		reg.Decode(b)
		reg.Encode(b, &Chat{Message: "plaintext"})
	}()

	_, err := Handshake(reg, a, a)
	assert.ErrorIs(t, err, ErrHandshake)
}

func TestHandshakeRejectsBadKeyMaterial(t *testing.T) {
	tests := []struct {
		name string
		peer *KeyData
	}{
		{"short iv", &KeyData{IV: []byte{1, 2}, Salt: make([]byte, SaltSize), PublicKey: []byte{1}}},
		{"garbage key", &KeyData{IV: make([]byte, IVSize), Salt: make([]byte, SaltSize), PublicKey: []byte("not a key")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			a, b := net.Pipe()
			defer a.Close()
			defer b.Close()

			go func() {
				reg.Decode(b)
				reg.Encode(b, tt.peer)
			}()

			_, err := Handshake(reg, a, a)
			assert.ErrorIs(t, err, ErrHandshake)
		})
	}
}

func TestDeriveKeyIsOrderIndependent(t *testing.T) {
	shared := []byte("shared secret")
	tests := []struct {
		name string
		a, b []byte
	}{
		{"unsigned order", []byte{0x01, 0x02}, []byte{0x01, 0x03}},
		{"high bit sorts first", []byte{0x01}, []byte{0x80}},
		{"prefix", []byte{0x05}, []byte{0x05, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, DeriveKey(shared, tt.a, tt.b), DeriveKey(shared, tt.b, tt.a))
		})
	}
}

func TestCompareSigned(t *testing.T) {
	assert.Equal(t, 0, compareSigned([]byte{1, 2}, []byte{1, 2}))
	assert.Equal(t, -1, compareSigned([]byte{1, 2}, []byte{1, 3}))
	// 0x80 is -128 as a signed byte
	assert.Equal(t, -1, compareSigned([]byte{0x80}, []byte{0x01}))
	assert.Equal(t, 1, compareSigned([]byte{0x7F}, []byte{0xFF}))
	assert.Equal(t, -1, compareSigned([]byte{5}, []byte{5, 0}))
}

func TestCFB8KnownAnswer(t *testing.T) {
	// NIST SP 800-38A F.3.7 CFB8-AES128.Encrypt
	key, _ := hex.DecodeString("2b7e151628aed2a6abf7158809cf4f3c")
	iv, _ := hex.DecodeString("000102030405060708090a0b0c0d0e0f")
	plaintext, _ := hex.DecodeString("6bc1bee22e409f96e93d7e117393172aae2d")
	ciphertext, _ := hex.DecodeString("3b79424c9c0dd436bace9e0ed4586a4f32b9")

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	out := make([]byte, len(plaintext))
	newCFB8Encrypter(block, iv).XORKeyStream(out, plaintext)
	assert.Equal(t, ciphertext, out)

	// Decrypt byte by byte to exercise the streaming register
	back := make([]byte, len(ciphertext))
	dec := newCFB8Decrypter(block, iv)
	for i := range ciphertext {
		dec.XORKeyStream(back[i:i+1], ciphertext[i:i+1])
	}
	assert.Equal(t, plaintext, back)
}
