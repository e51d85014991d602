package signalr

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/techviking/signalr/v3/protocol"
)

//keepAlive pings the server when the connection has been idle for a keep-alive interval, and closes the connection when the server has been silent past its timeout.
func (h *HubConnection) keepAlive(ctx context.Context) {
	tick := time.NewTicker(h.config.KeepAliveInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			h.heartbeat(now)
		}
	}
}

func (h *HubConnection) heartbeat(now time.Time) {
	if d := h.serverDeadline.Load(); d != 0 && now.UnixNano() > d {
		h.log.Warn().Dur("timeout", h.config.ServerTimeout).Msg("server timed out")
		h.connLock.Lock()
		t := h.transport
		h.connLock.Unlock()
		h.closeAsync(t, TimeoutError(fmt.Sprintf("server has not sent a message within %v", h.config.ServerTimeout)))
		return
	}
	if next := h.nextPing.Load(); next != 0 && now.UnixNano() < next {
		return
	}

	h.connLock.Lock()
	t := h.transport
	if t == nil || !t.IsOpen() {
		h.connLock.Unlock()
		h.log.Debug().Msg("transport is closed, stopping keep-alive")
		h.closeAsync(t, SocketError("transport closed"))
		return
	}
	err := h.sendMessageLocked(protocol.PingMessage)
	h.connLock.Unlock()
	if err != nil {
		h.log.Error().Err(err).Msg("ping failed")
		return
	}
	h.metrics.pingSent.Add(1)
	h.log.Debug().Msg("ping sent")
}

// closeAsync closes t from the tasks group. Closed callbacks must not run on
// a worker, since Dispose waits for the workers.
func (h *HubConnection) closeAsync(t Transport, cause error) {
	if t == nil {
		return
	}
	h.tasks.Go(func() error { h.closeWith(t, cause); return nil })
}

//sweepLoop discards expired pending invocations every sweep interval until ctx ends.
func (h *HubConnection) sweepLoop(ctx context.Context) {
	tick := time.NewTicker(h.config.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			h.connLock.Lock()
			n := h.pending.sweepExpired(now)
			h.connLock.Unlock()
			if n > 0 {
				h.metrics.callExpired.Add(int64(n))
				h.metrics.callPending.Set(int64(h.pending.len()))
			}
		}
	}
}
