package gateway

import (
	"sync"

	"microstructure-v1/internal/ringbuf"
)

// replayEntry is one broadcast envelope kept for backfill.
type replayEntry struct {
	Seq  int64
	Data []byte
}

// ReplayBuffer keeps the most recent envelopes of one topic so a client
// that sees a topic_seq gap can fetch what it missed.
type ReplayBuffer struct {
	mu  sync.RWMutex
	win *ringbuf.Window[replayEntry]
}

// NewReplayBuffer creates a replay buffer holding capacity envelopes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 500
	}
	return &ReplayBuffer{win: ringbuf.New[replayEntry](capacity)}
}

// Push appends an envelope, evicting the oldest when full. data is copied.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	cp := make([]byte, len(data))
	copy(cp, data)

	rb.mu.Lock()
	rb.win.Push(replayEntry{Seq: seq, Data: cp})
	rb.mu.Unlock()
}

// Range returns entries with seq in [fromSeq, toSeq], oldest first.
func (rb *ReplayBuffer) Range(fromSeq, toSeq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []replayEntry
	for i := 0; i < rb.win.Len(); i++ {
		e := rb.win.At(i)
		if e.Seq >= fromSeq && e.Seq <= toSeq {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered envelopes.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.win.Len()
}
