// Package serialport implements the physical-link layer for Linux serial
// devices: raw termios configuration, poll-bounded reads, full writes and
// disconnect classification. A self-pipe makes Close interrupt a read that
// is parked in poll, so an infinite read timeout never wedges a caller.
package serialport

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// ErrDisconnected marks I/O failures caused by the link vanishing
// (USB adapter unplugged, remote pty closed, fd torn down). Callers test
// for it with errors.Is; everything else is an ordinary transport error.
var ErrDisconnected = errors.New("serial link disconnected")

// IsDisconnect reports whether err is a disconnection-class failure.
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

// Config holds the parameters for opening a serial port.
type Config struct {
	Device      string        // device path, e.g. /dev/ttyUSB0
	BaudRate    int           // must map to a termios B-constant
	ReadTimeout time.Duration // max wait in ReadAvailable; < 0 waits forever
}

// Port is an open serial device. A Port is safe for use by one reader and
// one writer goroutine plus a concurrent Close from any goroutine.
type Port struct {
	fd     int
	file   *os.File
	device string

	readTimeout time.Duration

	pipeR int // self-pipe, read end
	pipeW int // self-pipe, write end

	closed    atomic.Bool
	closeOnce sync.Once
}

var baudFlags = map[int]uint32{
	1200:    unix.B1200,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	2000000: unix.B2000000,
	4000000: unix.B4000000,
}

// Open opens and configures a serial port: raw 8N1 mode, no flow control,
// nonblocking fd (ReadAvailable supplies the timeout via poll).
func Open(cfg Config) (*Port, error) {
	speed, ok := baudFlags[cfg.BaudRate]
	if !ok {
		return nil, fmt.Errorf("open %s: unsupported baud rate %d", cfg.Device, cfg.BaudRate)
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0666)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("open %s: get termios: %w", cfg.Device, err)
	}

	// Raw mode, 8N1, receiver enabled, modem control lines ignored.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST | unix.ONLCR | unix.OCRNL
	t.Lflag &^= unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ECHONL |
		unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CLOCAL | unix.CREAD

	t.Cflag &^= unix.CBAUD
	t.Cflag |= speed
	t.Ispeed = speed
	t.Ospeed = speed

	// VMIN=0/VTIME=0: reads return whatever is buffered; poll provides the
	// actual wait.
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("open %s: set termios: %w", cfg.Device, err)
	}

	// Self-pipe so Close can wake a poll that would otherwise wait forever.
	pipeFds := make([]int, 2)
	if err := unix.Pipe(pipeFds); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("open %s: pipe: %w", cfg.Device, err)
	}

	return &Port{
		fd:          fd,
		file:        os.NewFile(uintptr(fd), cfg.Device),
		device:      cfg.Device,
		readTimeout: cfg.ReadTimeout,
		pipeR:       pipeFds[0],
		pipeW:       pipeFds[1],
	}, nil
}

// Name returns the device path this port was opened with.
func (p *Port) Name() string {
	return p.device
}

func (p *Port) pollTimeoutMs() int {
	if p.readTimeout < 0 {
		return -1
	}
	ms := p.readTimeout.Milliseconds()
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// ReadAvailable performs one bounded read: it waits up to the configured
// read timeout for input and returns whatever bytes are buffered, possibly
// zero. (0, nil) means the timeout elapsed with no data and is not an
// error. Link loss is reported as an error wrapping ErrDisconnected.
func (p *Port) ReadAvailable(buf []byte) (int, error) {
	if p.closed.Load() {
		return 0, fmt.Errorf("read %s: %w", p.device, ErrDisconnected)
	}
	if len(buf) == 0 {
		return 0, nil
	}

	pfd := []unix.PollFd{
		{Fd: int32(p.fd), Events: unix.POLLIN},
		{Fd: int32(p.pipeR), Events: unix.POLLIN},
	}
	nReady, err := unix.Poll(pfd, p.pollTimeoutMs())
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: poll: %w", p.device, err)
	}
	if nReady == 0 {
		return 0, nil // timeout, no data
	}

	if pfd[1].Revents&unix.POLLIN != 0 {
		// Close raised the self-pipe.
		var b [1]byte
		unix.Read(p.pipeR, b[:])
		return 0, fmt.Errorf("read %s: %w", p.device, ErrDisconnected)
	}
	if pfd[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
		return 0, fmt.Errorf("read %s: hangup: %w", p.device, ErrDisconnected)
	}

	n, err := unix.Read(p.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, p.classify("read", err)
	}
	if n == 0 {
		// EOF on a tty: the other end is gone.
		return 0, fmt.Errorf("read %s: eof: %w", p.device, ErrDisconnected)
	}
	return n, nil
}

// Write writes all of data, polling for writability on EAGAIN. It returns
// the byte count actually accepted by the device; link loss is reported as
// an error wrapping ErrDisconnected.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, fmt.Errorf("write %s: %w", p.device, ErrDisconnected)
	}

	total := 0
	for total < len(data) {
		n, err := unix.Write(p.fd, data[total:])
		if n > 0 {
			total += n
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			pfd := []unix.PollFd{
				{Fd: int32(p.fd), Events: unix.POLLOUT},
				{Fd: int32(p.pipeR), Events: unix.POLLIN},
			}
			if _, pollErr := unix.Poll(pfd, 100); pollErr != nil && !errors.Is(pollErr, unix.EINTR) {
				return total, fmt.Errorf("write %s: poll: %w", p.device, pollErr)
			}
			if pfd[1].Revents&unix.POLLIN != 0 || pfd[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				return total, fmt.Errorf("write %s: hangup: %w", p.device, ErrDisconnected)
			}
			continue
		default:
			return total, p.classify("write", err)
		}
	}
	return total, nil
}

// classify maps errnos that mean "the device is gone" onto ErrDisconnected
// and wraps everything else as-is.
func (p *Port) classify(op string, err error) error {
	switch {
	case errors.Is(err, unix.EIO),
		errors.Is(err, unix.ENXIO),
		errors.Is(err, unix.ENODEV),
		errors.Is(err, unix.EBADF),
		errors.Is(err, unix.EPIPE):
		return fmt.Errorf("%s %s: %v: %w", op, p.device, err, ErrDisconnected)
	default:
		return fmt.Errorf("%s %s: %w", op, p.device, err)
	}
}

// Close closes the port and wakes any read parked in poll. Safe to call
// multiple times; subsequent calls are no-ops.
func (p *Port) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		// Wake up poll before tearing the fds down.
		unix.Write(p.pipeW, []byte{1})
		if p.file != nil {
			err = p.file.Close()
		}
		unix.Close(p.pipeR)
		unix.Close(p.pipeW)
	})
	return err
}
