package conn

import (
	"bytes"
	"time"
)

// WaitFor blocks until a record arriving after `after` matches expected
// (compared with surrounding whitespace trimmed), bounded overall by the
// configured timeout. Returns false when the timeout elapses without a
// match. It never sends and never retries anything.
func (c *Connection) WaitFor(expected []byte, after time.Time) (bool, error) {
	want := bytes.TrimSpace(expected)

	var deadline time.Time
	if c.cfg.Timeout != Forever {
		deadline = time.Now().Add(c.cfg.Timeout)
	}

	mark := after
	for {
		rec, err := c.GetNew(mark)
		if err != nil {
			return false, err
		}
		if rec == nil {
			return false, nil // timed out with no newer record
		}
		if bytes.Equal(bytes.TrimSpace(rec.Data), want) {
			return true, nil
		}
		mark = rec.At

		if !deadline.IsZero() && time.Now().After(deadline) {
			return false, nil
		}
	}
}
