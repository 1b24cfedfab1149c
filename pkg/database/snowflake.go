package database

import (
	"sync/atomic"
	"time"
)

// Snowflake generates time-ordered 63-bit ids for chat log rows.
// Layout: 41 bits milliseconds since epoch | 10 bits worker | 12 bits sequence.
// Ids from one generator are strictly increasing, even if the wall clock
// steps backwards.
type Snowflake struct {
	epoch    int64
	workerID int64
	state    atomic.Int64 // last millisecond << sequenceBits | sequence
	now      func() int64
}

const (
	workerIDBits   = 10
	sequenceBits   = 12
	workerIDShift  = sequenceBits
	timestampShift = sequenceBits + workerIDBits
	sequenceMask   = (1 << sequenceBits) - 1
	maxWorkerID    = (1 << workerIDBits) - 1
)

// NewSnowflake creates a generator. epoch is in Unix milliseconds; workerID
// outside 0-1023 is treated as 0.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	if workerID < 0 || workerID > maxWorkerID {
		workerID = 0
	}
	return &Snowflake{
		epoch:    epoch,
		workerID: workerID,
		now:      func() int64 { return time.Now().UnixMilli() },
	}
}

// NextID returns the next id. Lock-free; safe for concurrent use.
func (s *Snowflake) NextID() int64 {
	for {
		old := s.state.Load()
		lastMillis, seq := old>>sequenceBits, old&sequenceMask

		millis := s.now()
		if millis > lastMillis {
			seq = 0
		} else {
			// Same millisecond, or the clock went backwards: stay on the
			// last millisecond and borrow from the next one on overflow
			millis = lastMillis
			seq = (seq + 1) & sequenceMask
			if seq == 0 {
				millis++
			}
		}

		if s.state.CompareAndSwap(old, millis<<sequenceBits|seq) {
			return (millis-s.epoch)<<timestampShift | s.workerID<<workerIDShift | seq
		}
	}
}
