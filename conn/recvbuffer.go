package conn

import (
	"sync"
	"time"
)

// Record is one received chunk together with its arrival timestamp as
// observed by the I/O worker. Records are immutable once inserted.
type Record struct {
	At   time.Time
	Data []byte
}

// receiveBuffer is a fixed-capacity, insertion-ordered history of Records
// with oldest-first eviction. The worker is the only producer; arbitrary
// caller goroutines read. Waiters are woken through a replace-and-close
// notification channel.
type receiveBuffer struct {
	mu      sync.Mutex
	ring    []Record // fixed ring storage, len == capacity
	head    int      // index of the oldest record
	count   int
	arrival chan struct{} // closed and replaced on every push and reset
}

func newReceiveBuffer(capacity int) *receiveBuffer {
	b := &receiveBuffer{arrival: make(chan struct{})}
	if capacity > 0 {
		b.ring = make([]Record, capacity)
	}
	return b
}

// push appends rec, evicting the oldest record when full, and wakes all
// waiters. With zero capacity nothing is retained.
func (b *receiveBuffer) push(rec Record) {
	b.mu.Lock()
	if n := len(b.ring); n > 0 {
		b.ring[(b.head+b.count)%n] = rec
		if b.count == n {
			b.head = (b.head + 1) % n
		} else {
			b.count++
		}
	}
	ch := b.arrival
	b.arrival = make(chan struct{})
	b.mu.Unlock()
	close(ch)
}

// get returns a copy of the record numBefore positions behind the newest
// (0 = newest), or nil when the offset is negative or beyond the current
// count.
func (b *receiveBuffer) get(numBefore int) *Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	if numBefore < 0 || numBefore >= b.count {
		return nil
	}
	rec := b.ring[(b.head+b.count-1-numBefore)%len(b.ring)]
	return &rec
}

// firstAfter returns the earliest retained record whose timestamp is
// strictly after t.
func (b *receiveBuffer) firstAfter(t time.Time) (*Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < b.count; i++ {
		rec := b.ring[(b.head+i)%len(b.ring)]
		if rec.At.After(t) {
			return &rec, true
		}
	}
	return nil, false
}

// waitChan returns a channel that is closed on the next push or reset.
// Grab it before re-checking the buffer to avoid missing an insert.
func (b *receiveBuffer) waitChan() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.arrival
}

func (b *receiveBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// reset drops all retained records and wakes waiters so they can observe
// the lifecycle change instead of sleeping out their timeout.
func (b *receiveBuffer) reset() {
	b.mu.Lock()
	if len(b.ring) > 0 {
		clear(b.ring)
	}
	b.head = 0
	b.count = 0
	ch := b.arrival
	b.arrival = make(chan struct{})
	b.mu.Unlock()
	close(ch)
}
