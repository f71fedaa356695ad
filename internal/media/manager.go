// ABOUTME: Attachment cache manager with a negative cache in the shared store and files on local disk
// ABOUTME: Tracks fetch statistics as atomic hash counters; store errors degrade to cache misses

package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-ingest/internal/kv"
)

const (
	failedPrefix = "failed_media:"
	statsKey     = "media:stats"
)

// Statistics counter names.
const (
	StatTotalRequests = "total_requests"
	StatCacheHits     = "cache_hits"
	StatAPICalls      = "api_calls"
	StatFailedCalls   = "failed_calls"
	StatExpiredMedia  = "expired_media"
)

var statNames = []string{StatTotalRequests, StatCacheHits, StatAPICalls, StatFailedCalls, StatExpiredMedia}

// Config holds the cache lifetimes and storage location.
type Config struct {
	Dir string
	// FailedTTL is how long a failed ID short-circuits fetches.
	FailedTTL time.Duration
	// Freshness is the maximum age of the originating event for a fetch.
	Freshness time.Duration
	// Retention is how long a cached file is served before it is removed.
	Retention time.Duration
}

// DefaultConfig returns the stock lifetimes rooted at dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:       dir,
		FailedTTL: time.Hour,
		Freshness: 24 * time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// Attachment is a fetched or cached payload.
type Attachment struct {
	ID       string `json:"media_id"`
	Data     []byte `json:"-"`
	MimeType string `json:"mime_type"`
	// ContentType is the download response header; empty for cached results.
	ContentType string `json:"content_type,omitempty"`
	Path        string `json:"path,omitempty"`
	Cached      bool   `json:"cached"`
}

// Failure is the negative-cache record for an ID.
type Failure struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
}

// Statistics is a snapshot of the counters plus the derived hit rate.
type Statistics struct {
	TotalRequests int64  `json:"total_requests"`
	CacheHits     int64  `json:"cache_hits"`
	APICalls      int64  `json:"api_calls"`
	FailedCalls   int64  `json:"failed_calls"`
	ExpiredMedia  int64  `json:"expired_media"`
	CacheHitRate  string `json:"cache_hit_rate"`
	Error         string `json:"error,omitempty"`
}

// Manager owns the negative cache, the freshness check, the local files and
// the statistics counters.
type Manager struct {
	store  kv.Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates the storage directory and seeds the counters. A nil
// store disables the negative cache and statistics.
func NewManager(ctx context.Context, store kv.Store, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig(cfg.Dir)
	if cfg.FailedTTL <= 0 {
		cfg.FailedTTL = def.FailedTTL
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = def.Freshness
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Dir == "" {
		return nil, errors.New("media directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating media directory: %w", err)
	}

	m := &Manager{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "media"),
		now:    time.Now,
	}
	if store != nil {
		for _, name := range statNames {
			if _, err := store.HIncrBy(ctx, statsKey, name, 0); err != nil {
				m.logger.Warn("seeding media statistics", "error", err)
				break
			}
		}
	}
	return m, nil
}

// SetClock replaces the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Increment bumps one statistics counter. Failures are logged and dropped.
func (m *Manager) Increment(ctx context.Context, name string) {
	if m.store == nil {
		return
	}
	if _, err := m.store.HIncrBy(ctx, statsKey, name, 1); err != nil {
		m.logger.Warn("incrementing media statistic", "stat", name, "error", err)
	}
}

// IsFailed reports whether id is in the negative cache, counting a hit when
// it is. Store errors read as not failed.
func (m *Manager) IsFailed(ctx context.Context, id string) bool {
	if m.store == nil {
		return false
	}
	ok, err := m.store.Exists(ctx, failedPrefix+id)
	if err != nil {
		m.logger.Warn("checking failed media cache", "media_id", id, "error", err)
		return false
	}
	if ok {
		m.logger.Info("media in failed cache, skipping fetch", "media_id", id)
		m.Increment(ctx, StatCacheHits)
	}
	return ok
}

// Failure returns the negative-cache record for id, if any.
func (m *Manager) Failure(ctx context.Context, id string) (Failure, bool) {
	if m.store == nil {
		return Failure{}, false
	}
	raw, err := m.store.Get(ctx, failedPrefix+id)
	if err != nil {
		return Failure{}, false
	}
	var f Failure
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return Failure{}, false
	}
	return f, true
}

// MarkFailed records id in the negative cache for FailedTTL.
func (m *Manager) MarkFailed(ctx context.Context, id, reason string) {
	if m.store == nil {
		return
	}
	payload, _ := json.Marshal(Failure{Timestamp: m.now().UTC(), Error: reason})
	if err := m.store.Set(ctx, failedPrefix+id, string(payload), m.cfg.FailedTTL); err != nil {
		m.logger.Warn("marking media failed", "media_id", id, "error", err)
		return
	}
	m.logger.Info("marked media failed", "media_id", id, "reason", reason, "ttl", m.cfg.FailedTTL)
	m.Increment(ctx, StatFailedCalls)
}

// IsExpired reports whether an attachment referenced by an event at
// originatedAt is past the freshness window, counting expired_media when it
// is. A zero time is never expired.
func (m *Manager) IsExpired(ctx context.Context, originatedAt time.Time) bool {
	if originatedAt.IsZero() {
		return false
	}
	age := m.now().Sub(originatedAt)
	if age <= m.cfg.Freshness {
		return false
	}
	m.logger.Warn("media past freshness window", "age", age.Round(time.Minute))
	m.Increment(ctx, StatExpiredMedia)
	return true
}

// validID rejects IDs that would escape the storage directory.
func validID(id string) bool {
	return id != "" && id != "." && id != ".." && !strings.ContainsAny(id, `/\`)
}

func fileStem(id string) string {
	sum := sha256.Sum256([]byte(id))
	return id + "_" + hex.EncodeToString(sum[:])[:8]
}

// LocalPath returns where the payload for id with mimeType is stored.
func (m *Manager) LocalPath(id, mimeType string) string {
	return filepath.Join(m.cfg.Dir, fileStem(id)+ExtensionFor(mimeType))
}

// findFiles lists every stored file for id.
func (m *Manager) findFiles(id string) ([]string, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return nil, err
	}
	stem := fileStem(id)
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.TrimSuffix(name, filepath.Ext(name)) == stem {
			out = append(out, filepath.Join(m.cfg.Dir, name))
		}
	}
	return out, nil
}

// Cached returns the stored payload for id. A file older than Retention is
// removed and reported as a miss.
func (m *Manager) Cached(ctx context.Context, id string) (Attachment, bool) {
	if !validID(id) {
		return Attachment{}, false
	}
	files, err := m.findFiles(id)
	if err != nil || len(files) == 0 {
		if err != nil {
			m.logger.Warn("listing media cache", "error", err)
		}
		return Attachment{}, false
	}
	path := files[0]

	info, err := os.Stat(path)
	if err != nil {
		return Attachment{}, false
	}
	if m.now().Sub(info.ModTime()) > m.cfg.Retention {
		m.logger.Info("removing stale cached media", "file", filepath.Base(path))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("removing stale cached media", "file", path, "error", err)
		}
		return Attachment{}, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		m.logger.Warn("reading cached media", "file", path, "error", err)
		return Attachment{}, false
	}

	m.logger.Info("serving media from local cache", "media_id", id, "bytes", len(data))
	m.Increment(ctx, StatCacheHits)
	return Attachment{
		ID:       id,
		Data:     data,
		MimeType: MIMEFor(filepath.Ext(path)),
		Path:     path,
		Cached:   true,
	}, true
}

// Save writes data for id, replacing any earlier file for the same id so at
// most one exists. It returns the written path.
func (m *Manager) Save(id string, data []byte, mimeType string) (string, error) {
	if !validID(id) {
		return "", fmt.Errorf("invalid media id %q", id)
	}
	path := m.LocalPath(id, mimeType)

	tmp, err := os.CreateTemp(m.cfg.Dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing media %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing media %s: %w", id, err)
	}

	if old, err := m.findFiles(id); err == nil {
		for _, p := range old {
			if p != path {
				_ = os.Remove(p)
			}
		}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("storing media %s: %w", id, err)
	}

	m.logger.Info("saved media to local cache", "media_id", id, "bytes", len(data))
	return path, nil
}

// Sweep removes every stored file older than Retention and returns how many
// were removed.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.cfg.Dir)
	if err != nil {
		return 0, fmt.Errorf("listing media directory: %w", err)
	}

	cutoff := m.now().Add(-m.cfg.Retention)
	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.cfg.Dir, e.Name())); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				m.logger.Warn("removing old media", "file", e.Name(), "error", err)
			}
			continue
		}
		removed++
	}

	if removed > 0 {
		m.logger.Info("cleaned up old media files", "removed", removed)
	}
	return removed, nil
}

// Statistics reads the counters and derives the cache hit rate.
func (m *Manager) Statistics(ctx context.Context) Statistics {
	st := Statistics{CacheHitRate: "0%"}
	if m.store == nil {
		st.Error = "statistics unavailable without a shared store"
		return st
	}
	raw, err := m.store.HGetAll(ctx, statsKey)
	if err != nil {
		m.logger.Error("reading media statistics", "error", err)
		st.Error = err.Error()
		return st
	}

	get := func(name string) int64 {
		n, _ := strconv.ParseInt(raw[name], 10, 64)
		return n
	}
	st.TotalRequests = get(StatTotalRequests)
	st.CacheHits = get(StatCacheHits)
	st.APICalls = get(StatAPICalls)
	st.FailedCalls = get(StatFailedCalls)
	st.ExpiredMedia = get(StatExpiredMedia)
	if st.TotalRequests > 0 {
		st.CacheHitRate = fmt.Sprintf("%.1f%%", float64(st.CacheHits)/float64(st.TotalRequests)*100)
	}
	return st
}

// LogStatistics writes the current counters to the log.
func (m *Manager) LogStatistics(ctx context.Context) {
	st := m.Statistics(ctx)
	m.logger.Info("media cache statistics",
		"total_requests", st.TotalRequests,
		"cache_hits", st.CacheHits,
		"api_calls", st.APICalls,
		"failed_calls", st.FailedCalls,
		"expired_media", st.ExpiredMedia,
		"cache_hit_rate", st.CacheHitRate,
	)
}
