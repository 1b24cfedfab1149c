package database

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrWriteBufferClosed is returned for writes queued after Close.
var ErrWriteBufferClosed = errors.New("write buffer closed")

// WriteBuffer batches chat inserts and nickname updates into one transaction
// per flush interval, so concurrent senders share a single SQLite write lock.
// PostChat blocks until its row is committed or has failed.
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu              sync.Mutex
	chatInserts     []*pendingChat
	nicknameUpdates map[uuid.UUID]string // userID -> nickname
	closed          bool

	shutdown chan struct{}
	wg       sync.WaitGroup
}

type pendingChat struct {
	msg    *ChatMessage
	result chan error
}

// NewWriteBuffer creates a new write buffer with the given flush interval
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:              db,
		flushInterval:   flushInterval,
		chatInserts:     make([]*pendingChat, 0, 100),
		nicknameUpdates: make(map[uuid.UUID]string),
		shutdown:        make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// PostChat queues a chat insert and waits for the flush that commits it.
// The Snowflake sequence is assigned before queueing.
func (wb *WriteBuffer) PostChat(m *ChatMessage) error {
	if m.Seq == 0 {
		m.Seq = wb.db.snowflake.NextID()
	}
	result := make(chan error, 1)

	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return ErrWriteBufferClosed
	}
	wb.chatInserts = append(wb.chatInserts, &pendingChat{msg: m, result: result})
	wb.mu.Unlock()

	return <-result
}

// UpdateNickname queues a nickname update; the last update per user wins
func (wb *WriteBuffer) UpdateNickname(userID uuid.UUID, nickname string) {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	if wb.closed {
		return
	}
	wb.nicknameUpdates[userID] = nickname
}

// flushLoop periodically flushes buffered writes
func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case <-wb.shutdown:
			// Final flush on shutdown
			wb.flush()
			return
		}
	}
}

// flush writes all buffered updates in a single transaction
func (wb *WriteBuffer) flush() {
	wb.mu.Lock()
	chats := wb.chatInserts
	nicknames := wb.nicknameUpdates
	wb.chatInserts = make([]*pendingChat, 0, 100)
	wb.nicknameUpdates = make(map[uuid.UUID]string)
	wb.mu.Unlock()

	if len(chats) == 0 && len(nicknames) == 0 {
		return
	}

	start := time.Now()
	results := make([]error, len(chats))
	err := wb.commit(chats, nicknames, results)

	for i, p := range chats {
		if err != nil {
			p.result <- err
		} else {
			p.result <- results[i]
		}
	}

	// Only log slow flushes
	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d chats and %d nicknames in %v", len(chats), len(nicknames), elapsed)
	}
}

// commit runs one transaction. Per-row insert failures go to results;
// a failed transaction is returned and fails every row.
func (wb *WriteBuffer) commit(chats []*pendingChat, nicknames map[uuid.UUID]string, results []error) error {
	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		log.Printf("WriteBuffer: failed to begin transaction: %v", err)
		return err
	}
	defer tx.Rollback()

	if len(chats) > 0 {
		stmt, err := tx.Prepare(insertChatSQL)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare chat insert: %v", err)
			return err
		}
		defer stmt.Close()

		for i, p := range chats {
			if _, err := stmt.Exec(chatArgs(p.msg)...); err != nil {
				results[i] = err
			}
		}
	}

	if len(nicknames) > 0 {
		stmt, err := tx.Prepare(`UPDATE users SET nickname = ? WHERE id = ?`)
		if err != nil {
			log.Printf("WriteBuffer: failed to prepare nickname update: %v", err)
			return err
		}
		defer stmt.Close()

		for userID, nickname := range nicknames {
			if _, err := stmt.Exec(nickname, userID.String()); err != nil {
				log.Printf("WriteBuffer: failed to update nickname for %s: %v", userID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("WriteBuffer: failed to commit transaction: %v", err)
		return err
	}
	return nil
}

// Close flushes remaining writes and stops the flush loop
func (wb *WriteBuffer) Close() {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return
	}
	wb.closed = true
	wb.mu.Unlock()

	close(wb.shutdown)
	wb.wg.Wait()
}
