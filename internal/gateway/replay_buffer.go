package gateway

import (
	"encoding/json"
	"sort"
	"sync"
)

// Window is the answer to a replay query over one channel.
type Window struct {
	Data      []json.RawMessage // envelopes oldest first
	Oldest    int64             // lowest channel seq still held; 0 when nothing is held
	Truncated bool              // part of the requested range was already evicted
}

// ReplayBuffer keeps the most recent envelopes of one channel keyed by
// channel seq. Seqs must be pushed in increasing order.
type ReplayBuffer struct {
	mu      sync.RWMutex
	seqs    []int64
	data    []json.RawMessage
	head    int // slot of the oldest entry
	n       int
	evicted int64 // highest seq overwritten so far
}

// NewReplayBuffer creates a buffer holding up to capacity envelopes.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = replayCapacity
	}
	return &ReplayBuffer{
		seqs: make([]int64, capacity),
		data: make([]json.RawMessage, capacity),
	}
}

// Push stores a copy of env under seq, evicting the oldest when full.
func (rb *ReplayBuffer) Push(seq int64, env []byte) {
	cp := append(json.RawMessage(nil), env...)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	size := len(rb.seqs)
	if rb.n == size {
		rb.evicted = rb.seqs[rb.head]
		rb.seqs[rb.head], rb.data[rb.head] = seq, cp
		rb.head = (rb.head + 1) % size
		return
	}
	slot := (rb.head + rb.n) % size
	rb.seqs[slot], rb.data[slot] = seq, cp
	rb.n++
}

// Range returns the held envelopes with seq in [from, to].
func (rb *ReplayBuffer) Range(from, to int64) Window {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	w := Window{Truncated: rb.evicted > 0 && from <= rb.evicted}
	if rb.n == 0 {
		return w
	}
	w.Oldest = rb.seqs[rb.head]

	at := func(i int) int { return (rb.head + i) % len(rb.seqs) }
	lo := sort.Search(rb.n, func(i int) bool { return rb.seqs[at(i)] >= from })
	for i := lo; i < rb.n && rb.seqs[at(i)] <= to; i++ {
		w.Data = append(w.Data, rb.data[at(i)])
	}
	return w
}

// Len returns the number of envelopes held.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.n
}
