package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
)

const (
	// IVSize is the AES block size; each side picks its own IV
	IVSize   = 16
	SaltSize = 8
)

// ErrHandshake wraps every failure of the key exchange.
var ErrHandshake = errors.New("encryption handshake failed")

// EncryptedStream carries protocol frames over an AES/CFB-8 stream in each direction.
type EncryptedStream struct {
	Reader io.Reader
	Writer io.Writer
	key    []byte
}

func (s *EncryptedStream) Read(p []byte) (int, error)  { return s.Reader.Read(p) }
func (s *EncryptedStream) Write(p []byte) (int, error) { return s.Writer.Write(p) }

// Key returns the derived symmetric key
func (s *EncryptedStream) Key() []byte { return s.key }

// Handshake exchanges KeyData with the peer over the raw stream and returns the
// encrypted stream. r must be the same reader later used for protocol traffic,
// since buffered readers may already hold encrypted bytes.
func Handshake(reg *Registry, r io.Reader, w io.Writer) (*EncryptedStream, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %v", ErrHandshake, err)
	}
	publicKey, err := x509.MarshalPKIXPublicKey(priv.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("%w: encode public key: %v", ErrHandshake, err)
	}

	local := &KeyData{
		IV:        make([]byte, IVSize),
		Salt:      make([]byte, SaltSize),
		PublicKey: publicKey,
	}
	if _, err := rand.Read(local.IV); err != nil {
		return nil, fmt.Errorf("%w: generate iv: %v", ErrHandshake, err)
	}
	if _, err := rand.Read(local.Salt); err != nil {
		return nil, fmt.Errorf("%w: generate salt: %v", ErrHandshake, err)
	}

	// Send and receive concurrently so unbuffered transports cannot deadlock
	sent := make(chan error, 1)
	go func() { sent <- reg.Encode(w, local) }()

	msg, err := reg.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read key data: %w", ErrHandshake, err)
	}
	if err := <-sent; err != nil {
		return nil, fmt.Errorf("%w: send key data: %w", ErrHandshake, err)
	}
	peer, ok := msg.(*KeyData)
	if !ok {
		return nil, fmt.Errorf("%w: expected KeyData, got %s", ErrHandshake, msg.Type())
	}
	if len(peer.IV) != IVSize {
		return nil, fmt.Errorf("%w: peer iv is %d bytes", ErrHandshake, len(peer.IV))
	}

	peerKey, err := parsePublicKey(peer.PublicKey)
	if err != nil {
		return nil, err
	}
	shared, err := priv.ECDH(peerKey)
	if err != nil {
		return nil, fmt.Errorf("%w: key agreement: %v", ErrHandshake, err)
	}

	key := DeriveKey(shared, publicKey, peer.PublicKey)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	return &EncryptedStream{
		Reader: &cipher.StreamReader{S: newCFB8Decrypter(block, peer.IV), R: r},
		Writer: &cipher.StreamWriter{S: newCFB8Encrypter(block, local.IV), W: w},
		key:    key,
	}, nil
}

// parsePublicKey decodes an X.509 SubjectPublicKeyInfo P-256 key
func parsePublicKey(der []byte) (*ecdh.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parse peer key: %v", ErrHandshake, err)
	}
	switch k := parsed.(type) {
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: peer key is not on P-256", ErrHandshake)
		}
		pub, err := k.ECDH()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		return pub, nil
	case *ecdh.PublicKey:
		if k.Curve() != ecdh.P256() {
			return nil, fmt.Errorf("%w: peer key is not on P-256", ErrHandshake)
		}
		return k, nil
	}
	return nil, fmt.Errorf("%w: unsupported peer key type %T", ErrHandshake, parsed)
}

// DeriveKey hashes the shared secret with both public keys, smaller key first,
// so both peers derive the same key.
func DeriveKey(shared, keyA, keyB []byte) []byte {
	if compareSigned(keyA, keyB) > 0 {
		keyA, keyB = keyB, keyA
	}
	h := sha256.New()
	h.Write(shared)
	h.Write(keyA)
	h.Write(keyB)
	return h.Sum(nil)
}

// compareSigned orders byte slices lexicographically treating bytes as signed,
// matching java.nio.ByteBuffer.compareTo.
func compareSigned(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		x, y := int8(a[i]), int8(b[i])
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}
