package conn

import (
	"context"
	"time"

	"github.com/srg/comlink/internal/serialport"
)

const (
	readBufSize = 4096

	// sendDrainBudget bounds how long one worker iteration spends draining
	// the send queue, so write batching cannot starve reads.
	sendDrainBudget = 500 * time.Millisecond

	// sendWriteRest spaces consecutive device writes within a drain.
	sendWriteRest = 10 * time.Millisecond

	// idleRest keeps a zero/short read timeout from busy-spinning the loop.
	idleRest = 10 * time.Millisecond
)

// ioLoop is the single background worker of a session. It has exclusive
// device access: drains pending sends, performs one bounded read per
// iteration, feeds the receive history and tap, and hands
// disconnection-class errors to the monitor. Exits on context
// cancellation.
func (c *Connection) ioLoop(ctx context.Context, port Port) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("I/O worker panicked (recovered): %v", r)
		}
		c.wg.Done()
	}()

	buf := make([]byte, readBufSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.drainSends(ctx, port); err != nil {
			c.linkLost(ctx, err)
			return
		}

		n, err := port.ReadAvailable(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			c.history.push(Record{At: time.Now(), Data: data})
			c.tap.write(data)
			c.rxRecords.Add(1)
			c.rxBytes.Add(uint64(n))
		}
		if err != nil {
			if serialport.IsDisconnect(err) {
				c.linkLost(ctx, err)
				return
			}
			c.logger.WithError(err).Warn("Serial read failed")
		}

		if n == 0 && c.cfg.Timeout >= 0 && c.cfg.Timeout < idleRest {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleRest):
			}
		}
	}
}

// drainSends writes pending payloads in FIFO order for at most
// sendDrainBudget. Returns an error only for disconnection-class write
// failures; other write errors drop the payload with a warning.
func (c *Connection) drainSends(ctx context.Context, port Port) error {
	start := time.Now()
	for time.Since(start) < sendDrainBudget {
		payload, ok := c.gate.tryNext()
		if !ok {
			return nil
		}

		n, err := port.Write(payload)
		c.txBytes.Add(uint64(n))
		if err != nil {
			if serialport.IsDisconnect(err) {
				return err
			}
			c.logger.WithError(err).Warn("Serial write failed, payload dropped")
			continue
		}
		c.txPayloads.Add(1)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sendWriteRest):
		}
	}
	return nil
}
