// ABOUTME: Duplicate suppression for inbound messages keyed by originator and message ID.
// ABOUTME: Dispatches to the shared store or the local cache based on a liveness flag.

package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-ingest/internal/kv"
)

// DefaultWindow is how long a message ID is remembered.
const DefaultWindow = 2 * time.Minute

// keyPrefix namespaces dedupe markers in the shared store.
const keyPrefix = "msg:"

// Backend names reported in Stats.
const (
	BackendShared = "redis"
	BackendLocal  = "in_memory"
)

// Liveness reports whether the shared store should be used and accepts
// failure reports from callers. *kv.Monitor implements it.
type Liveness interface {
	Alive() bool
	MarkDown(err error)
}

// backend is one path of the two-path strategy.
type backend interface {
	name() string
	seenOrMark(ctx context.Context, key string) (bool, error)
	count(ctx context.Context) (int64, error)
}

type sharedBackend struct {
	store  kv.Store
	window time.Duration
}

func (b *sharedBackend) name() string { return BackendShared }

// seenOrMark uses a single SET NX EX so two racing callers cannot both see
// the key as absent.
func (b *sharedBackend) seenOrMark(ctx context.Context, key string) (bool, error) {
	created, err := b.store.SetNX(ctx, key, "1", b.window)
	if err != nil {
		return false, err
	}
	return !created, nil
}

// count only sees dedupe markers; the store also holds buffers and media state.
func (b *sharedBackend) count(ctx context.Context) (int64, error) {
	keys, err := b.store.ScanPrefix(ctx, keyPrefix)
	if err != nil {
		return 0, err
	}
	return int64(len(keys)), nil
}

type localBackend struct {
	cache *Cache
}

func (b *localBackend) name() string { return BackendLocal }

func (b *localBackend) seenOrMark(_ context.Context, key string) (bool, error) {
	return b.cache.SeenOrMark(key), nil
}

func (b *localBackend) count(_ context.Context) (int64, error) {
	return int64(b.cache.Len()), nil
}

// Options configures a Deduplicator.
type Options struct {
	// Store is the shared backend. Nil means local only.
	Store kv.Store
	// Liveness selects the shared backend per call. Nil means always use
	// Store when it is set.
	Liveness Liveness
	Window   time.Duration
	// LocalMaxSize bounds the fallback cache.
	LocalMaxSize int
	Logger       *slog.Logger
}

// Deduplicator answers whether a message has been seen within the window.
type Deduplicator struct {
	shared   backend
	local    *localBackend
	liveness Liveness
	window   time.Duration
	logger   *slog.Logger
}

// New builds a Deduplicator from opts.
func New(opts Options) *Deduplicator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}

	d := &Deduplicator{
		local:    &localBackend{cache: NewCache(window, opts.LocalMaxSize)},
		liveness: opts.Liveness,
		window:   window,
		logger:   logger.With("component", "dedupe"),
	}
	if opts.Store != nil {
		d.shared = &sharedBackend{store: opts.Store, window: window}
	}
	return d
}

// Key returns the marker key for a message.
func Key(originator, messageID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, originator, messageID)
}

// LocalCache exposes the fallback cache, mainly so tests can control its clock.
func (d *Deduplicator) LocalCache() *Cache {
	return d.local.cache
}

func (d *Deduplicator) pick() backend {
	if d.shared == nil {
		return d.local
	}
	if d.liveness != nil && !d.liveness.Alive() {
		return d.local
	}
	return d.shared
}

// IsDuplicate reports whether (messageID, originator) was already admitted
// within the window. A fresh sighting is recorded before returning false.
// Store failures fall through to the local cache and are never returned.
func (d *Deduplicator) IsDuplicate(ctx context.Context, messageID, originator string) bool {
	if messageID == "" {
		return false
	}
	key := Key(originator, messageID)

	b := d.pick()
	dup, err := b.seenOrMark(ctx, key)
	if err != nil {
		d.logger.Warn("shared dedupe failed, using local cache", "key", key, "error", err)
		if d.liveness != nil {
			d.liveness.MarkDown(err)
		}
		dup, _ = d.local.seenOrMark(ctx, key)
	}

	if dup {
		d.logger.Info("duplicate message suppressed",
			"originator", originator,
			"message_id", messageID,
			"backend", b.name(),
		)
	}
	return dup
}

// Stats describes the dedupe backend currently in use.
type Stats struct {
	Backend string `json:"cache_type"`
	Status  string `json:"status"`
	Keys    int64  `json:"keys_count"`
	Window  string `json:"window"`
}

// Stats reports which backend would serve the next call and its key count.
func (d *Deduplicator) Stats(ctx context.Context) Stats {
	b := d.pick()
	st := Stats{Backend: b.name(), Status: "connected", Window: d.window.String()}
	if b.name() == BackendLocal {
		st.Status = "redis_unavailable"
	}

	n, err := b.count(ctx)
	if err != nil {
		st.Status = fmt.Sprintf("error: %v", err)
		return st
	}
	st.Keys = n
	return st
}
