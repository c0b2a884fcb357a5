package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/phonginreallife/chats/internal/clock"
)

// Heartbeat tracks the last ping of one connection.
type Heartbeat struct {
	mu       sync.Mutex
	lastPing time.Time
	clock    clock.Clock
}

func NewHeartbeat(clk clock.Clock) *Heartbeat {
	return &Heartbeat{lastPing: clk.Now(), clock: clk}
}

func (h *Heartbeat) Beat() {
	h.mu.Lock()
	h.lastPing = h.clock.Now()
	h.mu.Unlock()
}

func (h *Heartbeat) LastPing() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPing
}

// Expired reports whether more than timeout passed since the last ping.
func (h *Heartbeat) Expired(timeout time.Duration) bool {
	return h.clock.Now().Sub(h.LastPing()) > timeout
}

// Supervise wakes every interval and calls onExpire once the heartbeat is
// older than timeout. It returns after onExpire or when ctx ends.
func (h *Heartbeat) Supervise(ctx context.Context, interval, timeout time.Duration, onExpire func()) {
	ticker := h.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.Expired(timeout) {
				onExpire()
				return
			}
		}
	}
}
