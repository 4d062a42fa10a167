package conn

import (
	"time"

	"github.com/srg/comlink/internal/serialport"
)

// Port is the device handle the I/O worker drives. Exactly one worker
// goroutine touches a Port while a session is live; Close may additionally
// be called once by the lifecycle to wake a parked read.
type Port interface {
	// ReadAvailable performs one bounded read and returns whatever bytes
	// are available, possibly zero. (0, nil) means no data, not an error.
	ReadAvailable(p []byte) (int, error)

	// Write writes all of p to the device.
	Write(p []byte) (int, error)

	// Close releases the device. Must be idempotent and must unblock a
	// concurrent ReadAvailable.
	Close() error
}

// PortOpener opens a device handle for a target at a given rate.
// timeout < 0 means reads block indefinitely.
type PortOpener func(device string, baud int, timeout time.Duration) (Port, error)

// PortFactory opens real serial ports. Overridable for tests and
// simulation; a per-connection Config.Opener takes precedence.
var PortFactory PortOpener = func(device string, baud int, timeout time.Duration) (Port, error) {
	return serialport.Open(serialport.Config{
		Device:      device,
		BaudRate:    baud,
		ReadTimeout: timeout,
	})
}
