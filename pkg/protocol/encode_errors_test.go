package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

// failingWriter is a writer that always fails
type failingWriter struct{}

func (w *failingWriter) Write(p []byte) (n int, err error) {
	return 0, errors.New("write failed")
}

// conditionalFailWriter fails after a certain number of successful writes
type conditionalFailWriter struct {
	successCount int
	writeCount   int
}

func (w *conditionalFailWriter) Write(p []byte) (n int, err error) {
	w.writeCount++
	if w.writeCount > w.successCount {
		return 0, errors.New("write failed")
	}
	return len(p), nil
}

func TestEncodeWriteErrors(t *testing.T) {
	reg := NewRegistry()

	for _, m := range sampleMessages() {
		t.Run(m.Type().String(), func(t *testing.T) {
			assert.Error(t, reg.Encode(&failingWriter{}, m))
			assert.Error(t, m.EncodeTo(&failingWriter{}))
		})
	}
}

func TestEncodeFailsPartway(t *testing.T) {
	msg := &ClientRegistration{Name: "a", Description: "b", Username: "c", Password: "d"}

	// Each string is two writes (length, body); fail on the last body
	w := &conditionalFailWriter{successCount: 7}
	assert.Error(t, msg.EncodeTo(w))
	assert.Equal(t, 8, w.writeCount)
}

func TestMarshalUnregisteredType(t *testing.T) {
	reg := &Registry{}
	_, err := reg.Marshal(&Chat{})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}
