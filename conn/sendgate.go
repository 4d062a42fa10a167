package conn

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/comlink/internal/ringchan"
)

// maxPendingSends caps the outgoing queue. Payloads offered while the queue
// is full are silently dropped (lossy backpressure, not an error).
const maxPendingSends = 65536

// SendOptions controls payload assembly. The zero value means an empty
// separator and no terminator; Send uses the conventional
// space-separator / CRLF-terminator defaults.
type SendOptions struct {
	// Separator joins the normalized parts.
	Separator string
	// Terminator is appended after the joined parts.
	Terminator string
	// Raw skips type-aware normalization and formats every part with
	// fmt.Sprint as-is.
	Raw bool
}

// sendGate is the interval-throttled, bounded outgoing queue. Callers offer
// payloads; the I/O worker drains them in FIFO order.
type sendGate struct {
	interval time.Duration

	mu           sync.Mutex
	lastAccepted time.Time // zero until the first accepted send of a session

	queue *ringchan.RingChannel[[]byte]
	now   func() time.Time // injectable clock for tests

	throttled atomic.Uint64
}

func newSendGate(interval time.Duration, capacity int) *sendGate {
	return &sendGate{
		interval: interval,
		queue:    ringchan.New[[]byte](capacity),
		now:      time.Now,
	}
}

// offer queues payload unless the send interval has not elapsed since the
// last accepted send (throttled) or the queue is at capacity (dropped).
// Both outcomes are ordinary negative results. The throttle clock advances
// only on accepted sends.
func (g *sendGate) offer(payload []byte) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if !g.lastAccepted.IsZero() && now.Sub(g.lastAccepted) < g.interval {
		g.throttled.Add(1)
		return false
	}
	if !g.queue.TrySend(payload) {
		return false // at capacity, dropped
	}
	g.lastAccepted = now
	return true
}

// tryNext pops the oldest pending payload without blocking.
func (g *sendGate) tryNext() ([]byte, bool) {
	return g.queue.TryReceive()
}

func (g *sendGate) pending() int {
	return g.queue.Len()
}

// reset drops all pending payloads and re-arms the throttle.
func (g *sendGate) reset() {
	g.queue.Drain()
	g.mu.Lock()
	g.lastAccepted = time.Time{}
	g.mu.Unlock()
}

// buildPayload normalizes parts, joins them with the separator, appends the
// terminator and encodes to bytes. Produced once at enqueue time.
func buildPayload(opts SendOptions, parts ...any) []byte {
	fields := make([]string, len(parts))
	for i, part := range parts {
		fields[i] = normalizePart(part, opts.Raw)
	}
	return []byte(strings.Join(fields, opts.Separator) + opts.Terminator)
}

// normalizePart converts a single argument to its wire text: byte slices
// decode to trimmed text, composite values encode as JSON, everything else
// goes through fmt.Sprint.
func normalizePart(v any, raw bool) string {
	if raw {
		return fmt.Sprint(v)
	}

	switch val := v.(type) {
	case []byte:
		return strings.TrimSpace(string(val))
	case string:
		return strings.TrimSpace(val)
	}

	switch reflect.ValueOf(v).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct:
		if b, err := json.Marshal(v); err == nil {
			return strings.TrimSpace(string(b))
		}
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
