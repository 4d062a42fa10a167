package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/comlink/internal/serialport"
)

// fakePort is an in-memory Port. Data pushed into incoming shows up in
// ReadAvailable; writes are collected for inspection.
type fakePort struct {
	incoming  chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  [][]byte
	readErr  error // returned once by the next ReadAvailable
	writeErr error // returned by every Write while set
}

func newFakePort() *fakePort {
	return &fakePort{
		incoming: make(chan []byte, 16),
		closeCh:  make(chan struct{}),
	}
}

func (f *fakePort) ReadAvailable(p []byte) (int, error) {
	f.mu.Lock()
	err := f.readErr
	f.readErr = nil
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}

	select {
	case <-f.closeCh:
		return 0, fmt.Errorf("read: %w", serialport.ErrDisconnected)
	case data := <-f.incoming:
		return copy(p, data), nil
	case <-time.After(20 * time.Millisecond):
		return 0, nil
	}
}

func (f *fakePort) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	select {
	case <-f.closeCh:
		return 0, fmt.Errorf("write: %w", serialport.ErrDisconnected)
	default:
	}
	f.written = append(f.written, append([]byte(nil), p...))
	return len(p), nil
}

func (f *fakePort) Close() error {
	f.closeOnce.Do(func() { close(f.closeCh) })
	return nil
}

func (f *fakePort) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakePort) failNextRead(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakePort) failWrites(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

type ConnectionSuite struct {
	suite.Suite

	mu      sync.Mutex
	ports   []*fakePort
	openErr func() error // consulted before each open when set
}

func TestConnectionSuite(t *testing.T) {
	suite.Run(t, new(ConnectionSuite))
}

func (s *ConnectionSuite) SetupTest() {
	s.mu.Lock()
	s.ports = nil
	s.openErr = nil
	s.mu.Unlock()
}

func (s *ConnectionSuite) opener(device string, baud int, timeout time.Duration) (Port, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		if err := s.openErr(); err != nil {
			return nil, err
		}
	}
	p := newFakePort()
	s.ports = append(s.ports, p)
	return p, nil
}

func (s *ConnectionSuite) lastPort() *fakePort {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Require().NotEmpty(s.ports)
	return s.ports[len(s.ports)-1]
}

func (s *ConnectionSuite) openCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ports)
}

// newConn builds a Connection backed by the suite's fake opener. Snappy
// timeouts so blocking paths resolve quickly.
func (s *ConnectionSuite) newConn(mutate func(*Config)) *Connection {
	cfg := DefaultConfig()
	cfg.Port = "/dev/ttyFAKE0"
	cfg.Timeout = 50 * time.Millisecond
	cfg.SendInterval = 0
	cfg.QueueSize = 16
	cfg.Opener = s.opener
	if mutate != nil {
		mutate(&cfg)
	}
	cn, err := New(cfg)
	s.Require().NoError(err)
	return cn
}

func (s *ConnectionSuite) TestLifecycleStrict() {
	cn := s.newConn(nil)
	s.Equal(StateDisconnected, cn.State())
	s.False(cn.Connected())

	s.Require().NoError(cn.Connect())
	s.Equal(StateConnected, cn.State())
	s.True(cn.Connected())

	err := cn.Connect()
	var se *StateError
	s.Require().ErrorAs(err, &se)
	s.ErrorIs(err, ErrAlreadyConnected)
	s.Equal("connect", se.Op)

	s.NoError(cn.Disconnect())
	s.Equal(StateDisconnected, cn.State())
	s.NoError(cn.Disconnect()) // idempotent
}

func (s *ConnectionSuite) TestLifecycleNonStrict() {
	cn := s.newConn(func(c *Config) { c.Strict = false })

	s.Require().NoError(cn.Connect())
	s.NoError(cn.Connect()) // suppressed, still one session
	s.Equal(1, s.openCount())

	s.Require().NoError(cn.Disconnect())

	ok, err := cn.Send("x")
	s.False(ok)
	s.NoError(err)

	rec, err := cn.Get(0)
	s.Nil(rec)
	s.NoError(err)
}

func (s *ConnectionSuite) TestOpenFailureIsTransportError() {
	boom := errors.New("no such device")
	for _, strict := range []bool{true, false} {
		s.mu.Lock()
		s.openErr = func() error { return boom }
		s.mu.Unlock()

		cn := s.newConn(func(c *Config) { c.Strict = strict })
		err := cn.Connect()
		var te *TransportError
		s.Require().ErrorAs(err, &te, "strict=%v", strict)
		s.ErrorIs(err, boom)
		s.Equal(StateDisconnected, cn.State())
	}
}

func (s *ConnectionSuite) TestSendReachesDevice() {
	cn := s.newConn(nil)
	s.Require().NoError(cn.Connect())
	defer cn.Disconnect()

	ok, err := cn.Send("AT", "CMGS", 5)
	s.Require().NoError(err)
	s.Require().True(ok)

	port := s.lastPort()
	s.Require().Eventually(func() bool {
		return len(port.sent()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	s.Equal("AT CMGS 5\r\n", string(port.sent()[0]))

	stats := cn.Stats()
	s.Equal(uint64(1), stats.TxPayloads)
	s.Equal(uint64(len("AT CMGS 5\r\n")), stats.TxBytes)
}

func (s *ConnectionSuite) TestSendWhileDisconnectedStrict() {
	cn := s.newConn(nil)
	ok, err := cn.Send("x")
	s.False(ok)
	s.Require().Error(err)
	s.ErrorIs(err, ErrNotConnected)
}

func (s *ConnectionSuite) TestSendThrottled() {
	cn := s.newConn(func(c *Config) { c.SendInterval = time.Hour })
	s.Require().NoError(cn.Connect())
	defer cn.Disconnect()

	ok, err := cn.Send("first")
	s.Require().NoError(err)
	s.True(ok)

	ok, err = cn.Send("second")
	s.Require().NoError(err) // throttling is not an error
	s.False(ok)
	s.Equal(uint64(1), cn.Stats().ThrottledSends)
}

func (s *ConnectionSuite) TestReceiveFlow() {
	cn := s.newConn(nil)
	before := time.Now()
	s.Require().NoError(cn.Connect())
	defer cn.Disconnect()

	s.lastPort().incoming <- []byte("OK\r\n")

	rec, err := cn.GetNew(before)
	s.Require().NoError(err)
	s.Require().NotNil(rec)
	s.Equal("OK\r\n", string(rec.Data))
	s.True(rec.At.After(before))

	newest, err := cn.Get(0)
	s.Require().NoError(err)
	s.Require().NotNil(newest)
	s.Equal(rec.Data, newest.Data)

	stats := cn.Stats()
	s.Equal(uint64(1), stats.RxRecords)
	s.Equal(uint64(4), stats.RxBytes)
}

func (s *ConnectionSuite) TestGetNewTimeout() {
	cn := s.newConn(nil)
	s.Require().NoError(cn.Connect())
	defer cn.Disconnect()

	rec, err := cn.GetNew(time.Now())
	s.NoError(err)
	s.Nil(rec) // timed out, no data
}

func (s *ConnectionSuite) TestGetNewWokenByDisconnect() {
	cn := s.newConn(func(c *Config) { c.Timeout = Forever })
	s.Require().NoError(cn.Connect())

	type result struct {
		rec *Record
		err error
	}
	done := make(chan result, 1)
	go func() {
		rec, err := cn.GetNew(time.Now())
		done <- result{rec, err}
	}()

	time.Sleep(50 * time.Millisecond) // let GetNew park
	s.Require().NoError(cn.Disconnect())

	select {
	case r := <-done:
		s.Nil(r.rec)
		s.ErrorIs(r.err, ErrNotConnected)
	case <-time.After(2 * time.Second):
		s.Fail("GetNew did not wake on disconnect")
	}
}

func (s *ConnectionSuite) TestLinkLossOnRead() {
	cn := s.newConn(nil)
	s.Require().NoError(cn.Connect())

	s.lastPort().failNextRead(fmt.Errorf("usb gone: %w", serialport.ErrDisconnected))

	s.Require().Eventually(func() bool {
		return cn.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	ok, err := cn.Send("x")
	s.False(ok)
	s.ErrorIs(err, ErrNotConnected)

	// History was cleared along with the session.
	rec, err := cn.Get(0)
	s.Nil(rec)
	s.Error(err)
}

func (s *ConnectionSuite) TestLinkLossOnWrite() {
	cn := s.newConn(nil)
	s.Require().NoError(cn.Connect())

	s.lastPort().failWrites(fmt.Errorf("pipe: %w", serialport.ErrDisconnected))
	ok, err := cn.Send("doomed")
	s.Require().NoError(err)
	s.Require().True(ok)

	s.Require().Eventually(func() bool {
		return cn.State() == StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)
}

func (s *ConnectionSuite) TestNonDisconnectWriteErrorDropsPayload() {
	cn := s.newConn(nil)
	s.Require().NoError(cn.Connect())
	defer cn.Disconnect()

	s.lastPort().failWrites(errors.New("parity error"))
	ok, err := cn.Send("lost")
	s.Require().NoError(err)
	s.Require().True(ok)

	// The session stays up and the queue drains.
	s.Require().Eventually(func() bool {
		return cn.Stats().PendingSends == 0
	}, 2*time.Second, 10*time.Millisecond)
	s.Equal(StateConnected, cn.State())
	s.Equal(uint64(0), cn.Stats().TxPayloads)
}

func (s *ConnectionSuite) TestOnDisconnectCallbackFiresOnce() {
	cn := s.newConn(func(c *Config) { c.NotifyOnDisconnect = true })

	var cbMu sync.Mutex
	var calls []error
	cn.OnDisconnect(func(cause error) {
		cbMu.Lock()
		calls = append(calls, cause)
		cbMu.Unlock()
	})

	s.Require().NoError(cn.Connect())
	s.lastPort().failNextRead(fmt.Errorf("yanked: %w", serialport.ErrDisconnected))

	s.Require().Eventually(func() bool {
		cbMu.Lock()
		defer cbMu.Unlock()
		return len(calls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cbMu.Lock()
	s.True(serialport.IsDisconnect(calls[0]))
	cbMu.Unlock()

	// A deliberate disconnect afterwards does not re-fire the callback.
	s.Require().NoError(cn.Disconnect())
	time.Sleep(100 * time.Millisecond)
	cbMu.Lock()
	s.Len(calls, 1)
	cbMu.Unlock()
}

func (s *ConnectionSuite) TestDeliberateDisconnectDoesNotNotify() {
	cn := s.newConn(func(c *Config) { c.NotifyOnDisconnect = true })

	notified := make(chan struct{}, 1)
	cn.OnDisconnect(func(error) {
		notified <- struct{}{}
	})

	s.Require().NoError(cn.Connect())
	s.Require().NoError(cn.Disconnect())

	select {
	case <-notified:
		s.Fail("callback fired for a deliberate disconnect")
	case <-time.After(150 * time.Millisecond):
	}
}

func (s *ConnectionSuite) TestReconnectWhileConnectedFails() {
	for _, strict := range []bool{true, false} {
		cn := s.newConn(func(c *Config) { c.Strict = strict })
		s.Require().NoError(cn.Connect())

		ok, err := cn.Reconnect(context.Background(), nil)
		s.False(ok)
		var se *StateError
		s.Require().ErrorAs(err, &se, "strict=%v", strict)
		s.ErrorIs(err, ErrAlreadyConnected)

		s.Require().NoError(cn.Disconnect())
	}
}

func (s *ConnectionSuite) TestReconnectSucceedsAfterFailures() {
	cn := s.newConn(nil)
	s.Require().NoError(cn.Connect())
	s.Require().NoError(cn.Disconnect())

	attempts := 0
	s.mu.Lock()
	s.openErr = func() error {
		attempts++
		if attempts <= 2 {
			return errors.New("still unplugged")
		}
		return nil
	}
	s.mu.Unlock()

	ok, err := cn.Reconnect(context.Background(), &ReconnectOptions{Timeout: 5 * time.Second})
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(StateConnected, cn.State())
	s.Equal(3, attempts)
}

func (s *ConnectionSuite) TestReconnectTimeout() {
	s.mu.Lock()
	s.openErr = func() error { return errors.New("gone for good") }
	s.mu.Unlock()

	cn := s.newConn(nil)
	ok, err := cn.Reconnect(context.Background(), &ReconnectOptions{Timeout: 100 * time.Millisecond})
	s.False(ok)
	s.Require().Error(err)
	s.ErrorIs(err, ErrReconnectTimeout)
	s.Equal(StateDisconnected, cn.State())
}

func (s *ConnectionSuite) TestReconnectTimeoutNonStrict() {
	s.mu.Lock()
	s.openErr = func() error { return errors.New("gone for good") }
	s.mu.Unlock()

	cn := s.newConn(func(c *Config) { c.Strict = false })
	ok, err := cn.Reconnect(context.Background(), &ReconnectOptions{Timeout: 100 * time.Millisecond})
	s.False(ok)
	s.NoError(err)
	s.Equal(StateDisconnected, cn.State())
}

func (s *ConnectionSuite) TestReconnectRetargets() {
	cn := s.newConn(nil)
	s.Equal("/dev/ttyFAKE0", cn.Target())

	ok, err := cn.Reconnect(context.Background(), &ReconnectOptions{Port: "/dev/ttyFAKE1", Timeout: time.Second})
	s.Require().NoError(err)
	s.True(ok)
	s.Equal("/dev/ttyFAKE1", cn.Target())
	s.Require().NoError(cn.Disconnect())
}

func (s *ConnectionSuite) TestReconnectCancelled() {
	s.mu.Lock()
	s.openErr = func() error { return errors.New("unplugged") }
	s.mu.Unlock()

	cn := s.newConn(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	ok, err := cn.Reconnect(ctx, nil)
	s.False(ok)
	s.ErrorIs(err, context.Canceled)
	s.Equal(StateDisconnected, cn.State())
}

func (s *ConnectionSuite) TestTapMirrorsIncoming() {
	cn := s.newConn(nil)
	s.Require().NoError(cn.Connect())
	defer cn.Disconnect()

	s.lastPort().incoming <- []byte("raw-bytes")

	s.Require().Eventually(func() bool {
		return cn.Tap().Len() > 0
	}, 2*time.Second, 10*time.Millisecond)

	buf := make([]byte, 32)
	n, err := cn.Tap().Read(buf)
	s.Require().NoError(err)
	s.Equal("raw-bytes", string(buf[:n]))
}

func (s *ConnectionSuite) TestReconnectUsesFreshBuffers() {
	cn := s.newConn(nil)
	before := time.Now()
	s.Require().NoError(cn.Connect())

	s.lastPort().incoming <- []byte("old\r\n")
	rec, err := cn.GetNew(before)
	s.Require().NoError(err)
	s.Require().NotNil(rec)

	s.Require().NoError(cn.Disconnect())
	ok, err := cn.Reconnect(context.Background(), &ReconnectOptions{Timeout: time.Second})
	s.Require().NoError(err)
	s.Require().True(ok)
	defer cn.Disconnect()

	// Nothing from the previous session survives.
	got, err := cn.Get(0)
	s.Require().NoError(err)
	s.Nil(got)
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty port", func(c *Config) { c.Port = "" }, "Port"},
		{"zero baud", func(c *Config) { c.BaudRate = 0 }, "BaudRate"},
		{"negative baud", func(c *Config) { c.BaudRate = -9600 }, "BaudRate"},
		{"bad timeout", func(c *Config) { c.Timeout = -5 * time.Second }, "Timeout"},
		{"negative interval", func(c *Config) { c.SendInterval = -time.Second }, "SendInterval"},
		{"negative queue", func(c *Config) { c.QueueSize = -1 }, "QueueSize"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Port = "/dev/ttyFAKE0"
			tc.mutate(&cfg)
			_, err := New(cfg)
			var ce *ConfigError
			require.ErrorAs(t, err, &ce)
			require.Equal(t, tc.field, ce.Field)
		})
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	require.Equal(t, 9600, cfg.BaudRate)
	require.Equal(t, time.Second, cfg.Timeout)
	require.Equal(t, time.Second, cfg.SendInterval)
	require.Equal(t, 256, cfg.QueueSize)
	require.True(t, cfg.Strict)
}

func TestForeverTimeoutIsValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = "/dev/ttyFAKE0"
	cfg.Timeout = Forever
	_, err := New(cfg)
	require.NoError(t, err)
}
