package conn

import (
	"errors"
	"fmt"
)

// Sentinel causes carried by StateError. Test with errors.Is.
var (
	// ErrAlreadyConnected indicates a connect-style operation on a session
	// that is already Connected or Reconnecting.
	ErrAlreadyConnected = errors.New("connection already established")

	// ErrNotConnected indicates an operation that requires a live session.
	ErrNotConnected = errors.New("no connection established")

	// ErrTransitionInProgress indicates another lifecycle transition holds
	// the state lock; the request fails fast instead of queueing.
	ErrTransitionInProgress = errors.New("lifecycle transition in progress")

	// ErrReconnectTimeout indicates Reconnect gave up after its overall
	// timeout elapsed without a successful connect.
	ErrReconnectTimeout = errors.New("reconnect timed out")
)

// StateError reports an operation that is invalid for the current lifecycle
// state. In non-strict mode these are suppressed and the operation returns
// its negative sentinel instead.
type StateError struct {
	Op    string
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v (state %s)", e.Op, e.Err, e.State)
}

func (e *StateError) Unwrap() error { return e.Err }

// ConfigError reports invalid construction parameters. Surfaced by New only,
// regardless of strict mode.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Reason)
}

// TransportError reports a device open failure that is not attributable to
// disconnection. Never suppressed, even in non-strict mode.
type TransportError struct {
	Op   string
	Port string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Port, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
