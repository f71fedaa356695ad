// ABOUTME: Per-originator debounce buffer kept in the shared store
// ABOUTME: Accumulates events, decides when a burst is complete, and drains it exactly once

package buffer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-ingest/internal/inbound"
	"github.com/2389/coven-ingest/internal/kv"
)

const (
	listPrefix  = "msg_buffer:"
	timerPrefix = "msg_buffer_timer:"
	firstPrefix = "msg_buffer_first:"

	// maxListedSizes caps how many per-originator sizes Stats reports.
	maxListedSizes = 100
)

// Config holds the debounce timings.
type Config struct {
	// Debounce is the quiet time after the last event before a burst is complete.
	Debounce time.Duration
	// MaxWait is the ceiling measured from the first event of a burst.
	MaxWait time.Duration
	// SafetyMargin is added to MaxWait to form the key TTL.
	SafetyMargin time.Duration
	// RecheckInterval is the delay between re-checks once the first is not yet due.
	RecheckInterval time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		Debounce:        2 * time.Second,
		MaxWait:         20 * time.Second,
		SafetyMargin:    5 * time.Second,
		RecheckInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Debounce <= 0 {
		c.Debounce = d.Debounce
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.SafetyMargin <= 0 {
		c.SafetyMargin = d.SafetyMargin
	}
	if c.RecheckInterval <= 0 {
		c.RecheckInterval = d.RecheckInterval
	}
	return c
}

// TTL is the lifetime given to every buffer key on append.
func (c Config) TTL() time.Duration {
	return c.MaxWait + c.SafetyMargin
}

// Buffer accumulates events per originator in the shared store.
type Buffer struct {
	store  kv.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Buffer. Zero fields in cfg take their defaults.
func New(store kv.Store, cfg Config, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "buffer"),
		now:    time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (b *Buffer) SetClock(now func() time.Time) {
	b.now = now
}

// Config returns the effective timings.
func (b *Buffer) Config() Config {
	return b.cfg
}

func listKey(originator string) string  { return listPrefix + originator }
func timerKey(originator string) string { return timerPrefix + originator }
func firstKey(originator string) string { return firstPrefix + originator }

// Append adds ev to the originator's buffer, refreshes the last-event stamp,
// sets the first-event stamp if absent and re-arms the TTL on all three keys.
// It reports whether the buffer was empty before this append.
func (b *Buffer) Append(ctx context.Context, originator string, ev inbound.Event) (bool, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("encoding event: %w", err)
	}

	n, err := b.store.AppendList(ctx, kv.ListAppend{
		Key:   listKey(originator),
		Value: string(payload),
		TTL:   b.cfg.TTL(),
		Touch: []string{timerKey(originator)},
		Once:  []string{firstKey(originator)},
		Stamp: strconv.FormatInt(b.now().UnixNano(), 10),
	})
	if err != nil {
		return false, fmt.Errorf("appending to buffer for %s: %w", originator, err)
	}

	if n == 1 {
		b.logger.Info("started message buffer", "originator", originator)
		return true, nil
	}
	b.logger.Debug("added to message buffer", "originator", originator, "size", n)
	return false, nil
}

// ShouldFlush reports whether the originator's burst is complete: either the
// debounce interval has passed since the last event or the max-wait ceiling
// has passed since the first. Missing or unreadable state reports true.
func (b *Buffer) ShouldFlush(ctx context.Context, originator string) bool {
	last, err := b.readStamp(ctx, timerKey(originator))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			b.logger.Warn("no timer found, flushing", "originator", originator)
		} else {
			b.logger.Error("reading buffer timer, flushing", "originator", originator, "error", err)
		}
		return true
	}

	now := b.now()
	sinceLast := now.Sub(last)
	if sinceLast >= b.cfg.Debounce {
		b.logger.Debug("debounce reached", "originator", originator, "since_last", sinceLast)
		return true
	}

	first, err := b.readStamp(ctx, firstKey(originator))
	if err == nil {
		sinceFirst := now.Sub(first)
		if sinceFirst >= b.cfg.MaxWait {
			b.logger.Warn("max wait exceeded", "originator", originator, "since_first", sinceFirst)
			return true
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		b.logger.Error("reading buffer first stamp", "originator", originator, "error", err)
		return true
	}

	b.logger.Debug("still buffering", "originator", originator, "since_last", sinceLast)
	return false
}

func (b *Buffer) readStamp(ctx context.Context, key string) (time.Time, error) {
	raw, err := b.store.Get(ctx, key)
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing stamp %q: %w", raw, err)
	}
	return time.Unix(0, nanos), nil
}

// Drain returns the originator's buffered events in append order and clears
// the buffer and both stamps in one step. Concurrent callers never both
// receive events from the same burst. Entries that fail to decode are logged
// and skipped. A store failure yields no events.
func (b *Buffer) Drain(ctx context.Context, originator string) []inbound.Event {
	raw, err := b.store.Drain(ctx, listKey(originator), timerKey(originator), firstKey(originator))
	if err != nil {
		b.logger.Error("draining buffer", "originator", originator, "error", err)
		return nil
	}
	if len(raw) == 0 {
		return nil
	}

	events := make([]inbound.Event, 0, len(raw))
	for i, item := range raw {
		var ev inbound.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			b.logger.Error("skipping malformed buffered event", "originator", originator, "index", i, "error", err)
			continue
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		b.logger.Warn("every buffered event failed to decode", "originator", originator, "count", len(raw))
		return nil
	}

	b.logger.Info("drained message buffer", "originator", originator, "count", len(events))
	return events
}

// Size returns the number of events buffered for originator.
func (b *Buffer) Size(ctx context.Context, originator string) int64 {
	n, err := b.store.LLen(ctx, listKey(originator))
	if err != nil {
		b.logger.Error("measuring buffer", "originator", originator, "error", err)
		return 0
	}
	return n
}

// Clear discards the originator's buffer without returning it.
func (b *Buffer) Clear(ctx context.Context, originator string) error {
	if err := b.store.Delete(ctx, listKey(originator), timerKey(originator), firstKey(originator)); err != nil {
		return fmt.Errorf("clearing buffer for %s: %w", originator, err)
	}
	b.logger.Info("cleared message buffer", "originator", originator)
	return nil
}

// Stats summarizes the active buffers.
type Stats struct {
	Status        string           `json:"status"`
	Error         string           `json:"error,omitempty"`
	ActiveBuffers int              `json:"active_buffers"`
	Debounce      string           `json:"debounce_time"`
	MaxWait       string           `json:"max_wait_time"`
	BufferSizes   map[string]int64 `json:"buffer_sizes,omitempty"`
}

// Stats lists active buffers. Per-originator sizes are included only when
// fewer than 100 buffers are active.
func (b *Buffer) Stats(ctx context.Context) Stats {
	st := Stats{
		Status:   "healthy",
		Debounce: b.cfg.Debounce.String(),
		MaxWait:  b.cfg.MaxWait.String(),
	}

	keys, err := b.store.ScanPrefix(ctx, listPrefix)
	if err != nil {
		st.Status = "error"
		st.Error = err.Error()
		return st
	}
	st.ActiveBuffers = len(keys)

	if len(keys) == 0 || len(keys) >= maxListedSizes {
		return st
	}
	st.BufferSizes = make(map[string]int64, len(keys))
	for _, k := range keys {
		originator := strings.TrimPrefix(k, listPrefix)
		n, err := b.store.LLen(ctx, k)
		if err != nil {
			continue
		}
		st.BufferSizes[originator] = n
	}
	return st
}
