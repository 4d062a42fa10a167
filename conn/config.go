package conn

import (
	"io"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Forever makes read-side waits (the worker's bounded read and GetNew)
// block indefinitely instead of timing out.
const Forever time.Duration = -1

// Config holds the construction parameters of a Connection.
//
// The zero value is not usable; start from DefaultConfig and set Port.
type Config struct {
	// Port is the target device, e.g. /dev/ttyUSB0.
	Port string

	// BaudRate is the transfer rate of the link.
	BaudRate int `default:"9600"`

	// Timeout bounds the worker's per-iteration read and the blocking
	// receive operations. Zero polls without waiting; Forever blocks
	// indefinitely.
	Timeout time.Duration `default:"1s"`

	// SendInterval is the minimum spacing between accepted sends. Sends
	// issued earlier are rejected, not queued.
	SendInterval time.Duration `default:"1s"`

	// QueueSize is how many received records the history retains before
	// evicting the oldest. Zero retains nothing.
	QueueSize int `default:"256"`

	// Strict surfaces state-misuse errors (StateError). When false those
	// calls return their negative sentinel with a nil error instead.
	Strict bool `default:"true"`

	// NotifyOnDisconnect enables the best-effort callback registered with
	// OnDisconnect when the link is lost abruptly.
	NotifyOnDisconnect bool

	// Logger receives structured lifecycle and worker logs. Nil discards.
	Logger *logrus.Logger

	// Opener overrides the package-level PortFactory, mainly for tests.
	Opener PortOpener
}

// DefaultConfig returns a Config with the stock defaults applied
// (9600 baud, 1s timeout, 1s send interval, 256-record history, strict).
func DefaultConfig() Config {
	cfg := Config{}
	defaults.SetDefaults(&cfg)
	return cfg
}

func (c *Config) validate() error {
	if c.Port == "" {
		return &ConfigError{Field: "Port", Reason: "must not be empty"}
	}
	if c.BaudRate <= 0 {
		return &ConfigError{Field: "BaudRate", Reason: "must be a positive integer"}
	}
	if c.Timeout < 0 && c.Timeout != Forever {
		return &ConfigError{Field: "Timeout", Reason: "must be nonnegative or Forever"}
	}
	if c.SendInterval < 0 {
		return &ConfigError{Field: "SendInterval", Reason: "must be nonnegative"}
	}
	if c.QueueSize < 0 {
		return &ConfigError{Field: "QueueSize", Reason: "must be nonnegative"}
	}
	return nil
}

// noopLogger discards all output; shared so connections without a logger
// don't allocate one each.
var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()
