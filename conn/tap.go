package conn

import (
	"errors"
	"sync/atomic"
	"syscall"

	"github.com/smallnest/ringbuffer"
)

// DefaultTapSize is the capacity, in bytes, of a connection's raw tap.
const DefaultTapSize = 8192

// Tap mirrors the raw incoming byte stream into a bounded ring buffer for
// monitors and loggers. The worker writes, any single consumer reads; when
// the consumer falls behind, the overflow is dropped and counted.
type Tap struct {
	rb      *ringbuffer.RingBuffer
	dropped atomic.Uint64
}

func newTap(size int) *Tap {
	return &Tap{rb: ringbuffer.New(size)}
}

// write mirrors data into the tap, dropping whatever does not fit. A
// partial write surfaces as ErrTooMuchDataToWrite with n = bytes accepted;
// both overflow errors count the remainder as dropped.
func (t *Tap) write(data []byte) {
	n, err := t.rb.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) &&
		!errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return
	}
	if n < len(data) {
		t.dropped.Add(uint64(len(data) - n))
	}
}

// Read implements a non-blocking io.Reader over the mirrored stream.
// Returns syscall.EAGAIN when no data is buffered; poll and retry.
func (t *Tap) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := t.rb.TryRead(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// Dropped returns how many mirrored bytes were discarded because the tap
// was full.
func (t *Tap) Dropped() uint64 {
	return t.dropped.Load()
}

// Len returns the number of buffered bytes.
func (t *Tap) Len() int {
	return t.rb.Length()
}

func (t *Tap) reset() {
	t.rb.Reset()
}
