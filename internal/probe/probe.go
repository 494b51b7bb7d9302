// Package probe checks whether the inference backend accepts connections.
package probe

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/Charancs/v-try-on-FP2/internal/backend"
	"github.com/Charancs/v-try-on-FP2/internal/types"
)

const DefaultTimeout = 3 * time.Second

// Check dials addr once and closes the connection straight away.
func Check(ctx context.Context, d backend.Dialer, addr string, timeout time.Duration) types.BackendStatus {
	if d == nil {
		d = &net.Dialer{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	status := types.BackendStatus{Addr: addr, CheckedAt: start}
	conn, err := d.DialContext(ctx, "tcp", addr)
	status.Latency = time.Since(start)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	_ = conn.Close()
	status.Reachable = true
	return status
}

// Poll checks addr immediately and then every interval until ctx ends.
func Poll(ctx context.Context, d backend.Dialer, addr string, interval time.Duration, update func(types.BackendStatus)) {
	if addr == "" || update == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		update(Check(ctx, d, addr, min(interval, DefaultTimeout)))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tracker keeps the most recent status for readers such as /status.
type Tracker struct {
	mu     sync.RWMutex
	status types.BackendStatus
	seen   bool
}

func (t *Tracker) Update(s types.BackendStatus) {
	t.mu.Lock()
	t.status = s
	t.seen = true
	t.mu.Unlock()
}

// Latest returns the last status and whether any probe has completed.
func (t *Tracker) Latest() (types.BackendStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status, t.seen
}
