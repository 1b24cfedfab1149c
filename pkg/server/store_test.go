package server

import (
	"errors"

	"github.com/aeolun/concord/pkg/database"
)

var errStoreDown = errors.New("store unavailable")

// failingStore is a real database whose chat writes can be made to fail
type failingStore struct {
	*database.DB
	postErr error
}

func (f *failingStore) PostChat(m *database.ChatMessage) error {
	if f.postErr != nil {
		return f.postErr
	}
	return f.DB.PostChat(m)
}
