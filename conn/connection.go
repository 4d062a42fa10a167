// Package conn implements a concurrent serial-device connection manager.
//
// A Connection owns one physical link. All device I/O is confined to a
// single background worker goroutine; callers interact through the
// throttled send queue, the bounded timestamped receive history and the
// connect/disconnect/reconnect lifecycle. Abrupt link loss is detected by
// the worker and folded back into the lifecycle by the disconnect monitor.
package conn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/comlink/internal/groutine"
)

// State is the lifecycle tri-state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// reconnectCadence is the fixed spacing between reconnect attempts.
const reconnectCadence = 500 * time.Millisecond

// Stats is a point-in-time counter snapshot for monitoring.
type Stats struct {
	State          State
	RxRecords      uint64 // records inserted into the history
	RxBytes        uint64
	TxPayloads     uint64 // payloads fully written to the device
	TxBytes        uint64
	PendingSends   int    // payloads queued, not yet drained
	ThrottledSends uint64 // sends rejected by the interval throttle
	DroppedSends   uint64 // sends dropped because the queue was full
	TapDropped     uint64 // tap bytes lost to a slow consumer
}

// Connection manages one serial device session.
//
// Lifecycle transitions are serialized by a single transition lock acquired
// with TryLock, so overlapping transition attempts fail fast rather than
// queue. The current state is kept in an atomic for lock-free queries.
type Connection struct {
	cfg    Config
	logger *logrus.Logger
	opener PortOpener

	transition sync.Mutex
	state      atomic.Int32

	// port and cancel are owned by whichever path holds the transition
	// lock; the worker uses its own captured port reference.
	port   Port
	cancel context.CancelFunc
	wg     sync.WaitGroup

	gate    *sendGate
	history *receiveBuffer
	tap     *Tap

	cbMu         sync.Mutex
	onDisconnect func(error)

	rxRecords  atomic.Uint64
	rxBytes    atomic.Uint64
	txPayloads atomic.Uint64
	txBytes    atomic.Uint64
}

// New validates cfg and returns a Connection in the Disconnected state,
// holding only configuration. Fails with *ConfigError on invalid values.
func New(cfg Config) (*Connection, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}
	opener := cfg.Opener
	if opener == nil {
		opener = PortFactory
	}

	return &Connection{
		cfg:     cfg,
		logger:  logger,
		opener:  opener,
		gate:    newSendGate(cfg.SendInterval, maxPendingSends),
		history: newReceiveBuffer(cfg.QueueSize),
		tap:     newTap(DefaultTapSize),
	}, nil
}

// Connected reports whether the session is live.
func (c *Connection) Connected() bool {
	return State(c.state.Load()) == StateConnected
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Target returns the currently configured device path.
func (c *Connection) Target() string {
	c.transition.Lock()
	defer c.transition.Unlock()
	return c.cfg.Port
}

// Tap returns the raw incoming byte stream mirror.
func (c *Connection) Tap() *Tap {
	return c.tap
}

// OnDisconnect registers the abrupt-loss notification callback, invoked at
// most once per disconnection event when NotifyOnDisconnect is set.
// Delivery is best-effort; fn must be safe to call from another goroutine.
func (c *Connection) OnDisconnect(fn func(error)) {
	c.cbMu.Lock()
	c.onDisconnect = fn
	c.cbMu.Unlock()
}

// Connect opens the device and starts the I/O worker.
//
// Fails with StateError if the session is not Disconnected or another
// transition is in flight (suppressed to nil in non-strict mode). A device
// open failure is a *TransportError in both modes.
func (c *Connection) Connect() error {
	if !c.transition.TryLock() {
		return c.stateErr("connect", ErrTransitionInProgress)
	}
	defer c.transition.Unlock()

	if s := State(c.state.Load()); s != StateDisconnected {
		return c.stateErr("connect", ErrAlreadyConnected)
	}

	port, err := c.opener(c.cfg.Port, c.cfg.BaudRate, c.cfg.Timeout)
	if err != nil {
		return &TransportError{Op: "open", Port: c.cfg.Port, Err: err}
	}

	c.startSession(port)
	c.logger.WithFields(logrus.Fields{
		"port": c.cfg.Port,
		"baud": c.cfg.BaudRate,
	}).Info("Serial connection established")
	return nil
}

// startSession resets the buffers, installs the port and spawns the
// worker. Caller holds the transition lock.
func (c *Connection) startSession(port Port) {
	c.gate.reset()
	c.history.reset()
	c.tap.reset()

	ctx, cancel := context.WithCancel(context.Background())
	c.port = port
	c.cancel = cancel
	c.wg.Add(1)
	c.state.Store(int32(StateConnected))

	groutine.Go(ctx, "serial-io-worker", func(ctx context.Context) {
		c.ioLoop(ctx, port)
	})
}

// Disconnect stops the worker, closes the device and clears the buffers.
// Idempotent and never fails; safe to call from any state.
func (c *Connection) Disconnect() error {
	c.transition.Lock()
	defer c.transition.Unlock()

	if State(c.state.Load()) == StateDisconnected {
		return nil
	}
	c.state.Store(int32(StateDisconnected))

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	// Closing after cancel wakes a worker parked in a blocking read; the
	// worker observes the cancelled context and exits without treating it
	// as link loss.
	port := c.port
	c.port = nil
	if port != nil {
		_ = port.Close()
	}
	c.wg.Wait()

	c.gate.reset()
	c.history.reset()
	c.logger.WithField("port", c.cfg.Port).Info("Serial connection closed")
	return nil
}

// ReconnectOptions tunes Reconnect. The zero value retries the current
// target forever.
type ReconnectOptions struct {
	// Port optionally retargets the connection.
	Port string
	// Timeout bounds the whole retry loop; zero retries indefinitely.
	Timeout time.Duration
}

// Reconnect repeats the connect path at a fixed cadence until it succeeds,
// ctx is cancelled, or the overall timeout elapses. Legal only from the
// Disconnected state; calling it while Connected or Reconnecting fails
// with StateError regardless of strict mode.
//
// Returns (true, nil) on success. On timeout it returns (false, nil) in
// non-strict mode or (false, ErrReconnectTimeout) in strict mode. A
// concurrent Disconnect aborts the loop with (false, nil).
func (c *Connection) Reconnect(ctx context.Context, opts *ReconnectOptions) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts == nil {
		opts = &ReconnectOptions{}
	}

	if !c.transition.TryLock() {
		return false, &StateError{Op: "reconnect", State: c.State(), Err: ErrTransitionInProgress}
	}
	if s := State(c.state.Load()); s != StateDisconnected {
		c.transition.Unlock()
		return false, &StateError{Op: "reconnect", State: s, Err: ErrAlreadyConnected}
	}
	if opts.Port != "" {
		c.cfg.Port = opts.Port
	}
	c.state.Store(int32(StateReconnecting))
	c.transition.Unlock()

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	for {
		ok, aborted := c.tryReestablish()
		if ok {
			c.logger.WithField("port", c.cfg.Port).Info("Reconnected")
			return true, nil
		}
		if aborted {
			return false, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			c.abortReconnect()
			if c.cfg.Strict {
				return false, fmt.Errorf("reconnect %s: %w", c.cfg.Port, ErrReconnectTimeout)
			}
			return false, nil
		}

		select {
		case <-ctx.Done():
			c.abortReconnect()
			return false, ctx.Err()
		case <-time.After(reconnectCadence):
		}
	}
}

// tryReestablish performs one connect attempt while Reconnecting.
// aborted is true when the lifecycle left Reconnecting underneath us
// (a concurrent Disconnect).
func (c *Connection) tryReestablish() (ok, aborted bool) {
	if !c.transition.TryLock() {
		// A Disconnect is running; re-check the state next tick.
		return false, State(c.state.Load()) != StateReconnecting
	}
	defer c.transition.Unlock()

	if State(c.state.Load()) != StateReconnecting {
		return false, true
	}

	port, err := c.opener(c.cfg.Port, c.cfg.BaudRate, c.cfg.Timeout)
	if err != nil {
		c.logger.WithError(err).WithField("port", c.cfg.Port).Debug("Reconnect attempt failed")
		return false, false
	}
	c.startSession(port)
	return true, false
}

func (c *Connection) abortReconnect() {
	c.transition.Lock()
	defer c.transition.Unlock()
	if State(c.state.Load()) == StateReconnecting {
		c.state.Store(int32(StateDisconnected))
	}
}

// Send normalizes parts, joins them with a space, appends CRLF and queues
// the payload for the worker. Equivalent to SendWith with the conventional
// defaults.
func (c *Connection) Send(parts ...any) (bool, error) {
	return c.SendWith(SendOptions{Separator: " ", Terminator: "\r\n"}, parts...)
}

// SendWith queues one payload built from parts according to opts.
//
// Returns (false, nil) when the send interval has not elapsed or the queue
// is full; both are ordinary backpressure, not errors. Fails with
// StateError (strict) or (false, nil) (non-strict) when not Connected.
func (c *Connection) SendWith(opts SendOptions, parts ...any) (bool, error) {
	if !c.Connected() {
		return false, c.stateErr("send", ErrNotConnected)
	}
	return c.gate.offer(buildPayload(opts, parts...)), nil
}

// Get returns the record numBefore positions behind the newest received
// one (0 = newest). A negative or out-of-range offset yields the nil
// sentinel. Fails with StateError (strict) when not Connected.
func (c *Connection) Get(numBefore int) (*Record, error) {
	if !c.Connected() {
		return nil, c.stateErr("get", ErrNotConnected)
	}
	return c.history.get(numBefore), nil
}

// GetNew blocks until a record with a timestamp strictly after `after` is
// inserted, bounded by the configured timeout (Forever blocks
// indefinitely). Returns the nil sentinel on timeout. A disconnect while
// waiting wakes the call, which then reports the state change.
func (c *Connection) GetNew(after time.Time) (*Record, error) {
	if !c.Connected() {
		return nil, c.stateErr("getnew", ErrNotConnected)
	}

	var timeout <-chan time.Time
	if c.cfg.Timeout != Forever {
		timer := time.NewTimer(c.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		// Arm the wait before re-checking so a concurrent push cannot be
		// missed between the check and the select.
		wait := c.history.waitChan()
		if rec, ok := c.history.firstAfter(after); ok {
			return rec, nil
		}

		select {
		case <-wait:
			if !c.Connected() {
				return nil, c.stateErr("getnew", ErrNotConnected)
			}
		case <-timeout:
			return nil, nil
		}
	}
}

// Stats returns a snapshot of the session counters.
func (c *Connection) Stats() Stats {
	qm := c.gate.queue.GetMetrics()
	return Stats{
		State:          c.State(),
		RxRecords:      c.rxRecords.Load(),
		RxBytes:        c.rxBytes.Load(),
		TxPayloads:     c.txPayloads.Load(),
		TxBytes:        c.txBytes.Load(),
		PendingSends:   c.gate.pending(),
		ThrottledSends: c.gate.throttled.Load(),
		DroppedSends:   uint64(qm.Dropped),
		TapDropped:     c.tap.Dropped(),
	}
}

// stateErr builds a StateError for op, or nil in non-strict mode where the
// caller's negative sentinel stands alone.
func (c *Connection) stateErr(op string, cause error) error {
	if !c.cfg.Strict {
		return nil
	}
	return &StateError{Op: op, State: c.State(), Err: cause}
}
