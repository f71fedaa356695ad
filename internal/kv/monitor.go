// ABOUTME: Liveness monitor that tracks whether a Store is reachable
// ABOUTME: Callers consult Alive() before dispatching to pick a primary or fallback path

package kv

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Monitor holds a liveness flag for a Store. The flag is refreshed by a
// periodic Ping and can be lowered early by callers that observe a failure.
type Monitor struct {
	store    Store
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	alive atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewMonitor creates a monitor and runs one synchronous probe so the flag is
// meaningful immediately. A nil store is permanently down.
func NewMonitor(ctx context.Context, store Store, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m := &Monitor{
		store:    store,
		interval: interval,
		timeout:  2 * time.Second,
		logger:   logger.With("component", "kv-monitor"),
		done:     make(chan struct{}),
	}
	m.probe(ctx)
	return m
}

// Alive reports the last known reachability of the store.
func (m *Monitor) Alive() bool {
	if m == nil {
		return false
	}
	return m.alive.Load()
}

// MarkDown lowers the flag until the next successful probe.
func (m *Monitor) MarkDown(err error) {
	if m == nil {
		return
	}
	if m.alive.Swap(false) {
		m.logger.Warn("shared store marked unavailable", "error", err)
	}
}

// Run probes the store every interval until ctx is canceled or Close is called.
func (m *Monitor) Run(ctx context.Context) {
	if m.store == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	if m.store == nil {
		m.alive.Store(false)
		return
	}
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.store.Ping(pctx)
	was := m.alive.Swap(err == nil)
	switch {
	case err != nil && was:
		m.logger.Warn("shared store unreachable, using local fallback", "error", err)
	case err == nil && !was:
		m.logger.Info("shared store reachable")
	}
}

// Close stops Run. It is safe to call multiple times.
func (m *Monitor) Close() {
	m.closeOnce.Do(func() { close(m.done) })
}
