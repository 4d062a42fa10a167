package conn

import (
	"context"

	"github.com/srg/comlink/internal/groutine"
)

// linkLost is the disconnect monitor, invoked by the worker when an I/O
// error is classified as disconnection. It forces the lifecycle to
// Disconnected, releases the device, clears the buffers and fires the
// registered notification callback at most once per loss event.
//
// Cleanup ownership: if the worker context is already cancelled, or a
// deliberate transition holds the state lock, that transition owns the
// teardown and the monitor backs off.
func (c *Connection) linkLost(ctx context.Context, cause error) {
	if ctx.Err() != nil {
		return
	}
	if !c.transition.TryLock() {
		return
	}
	defer c.transition.Unlock()

	if State(c.state.Load()) != StateConnected {
		return
	}
	c.state.Store(int32(StateDisconnected))
	c.logger.WithError(cause).WithField("port", c.cfg.Port).Warn("Serial link lost")

	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	port := c.port
	c.port = nil
	if port != nil {
		_ = port.Close()
	}

	c.gate.reset()
	c.history.reset()

	if !c.cfg.NotifyOnDisconnect {
		return
	}
	c.cbMu.Lock()
	fn := c.onDisconnect
	c.cbMu.Unlock()
	if fn != nil {
		// Best-effort delivery on its own goroutine; the worker exits
		// right after this call and must not block on host code.
		groutine.Go(nil, "disconnect-notify", func(context.Context) {
			fn(cause)
		})
	}
}
