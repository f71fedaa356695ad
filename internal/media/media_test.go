// ABOUTME: Tests for the attachment cache manager and fetch-with-retry
// ABOUTME: Uses a scripted provider client, an in-memory store, and a temp directory

package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-ingest/internal/kv"
	"github.com/2389/coven-ingest/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// scriptedClient returns queued metadata errors before succeeding.
type scriptedClient struct {
	mu           sync.Mutex
	metaErrs     []error
	bytesErrs    []error
	mime         string
	data         []byte
	metaCalls    int
	bytesCalls   int
	omitMIMEType bool
}

func (c *scriptedClient) FetchMetadata(_ context.Context, id string) (provider.Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metaCalls++
	if len(c.metaErrs) > 0 {
		err := c.metaErrs[0]
		c.metaErrs = c.metaErrs[1:]
		if err != nil {
			return provider.Metadata{}, err
		}
	}
	md := provider.Metadata{ID: id, URL: "https://cdn.example/" + id, MimeType: c.mime}
	if c.omitMIMEType {
		md.MimeType = ""
	}
	return md, nil
}

func (c *scriptedClient) FetchBytes(_ context.Context, _ string) ([]byte, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bytesCalls++
	if len(c.bytesErrs) > 0 {
		err := c.bytesErrs[0]
		c.bytesErrs = c.bytesErrs[1:]
		if err != nil {
			return nil, "", err
		}
	}
	return c.data, c.mime, nil
}

type harness struct {
	store   *kv.MemoryStore
	manager *Manager
	fetcher *Fetcher
	client  *scriptedClient
	clock   *fakeClock
	sleeps  []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:  &fakeClock{now: time.Now()},
		store:  kv.NewMemoryStore(),
		client: &scriptedClient{mime: "image/jpeg", data: []byte("jpeg-bytes")},
	}
	h.store.SetClock(h.clock.Now)

	m, err := NewManager(context.Background(), h.store, DefaultConfig(t.TempDir()), testLogger())
	require.NoError(t, err)
	m.SetClock(h.clock.Now)
	h.manager = m

	h.fetcher = NewFetcher(m, h.client, DefaultFetcherConfig(), testLogger())
	h.fetcher.SetSleep(func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	})
	return h
}

func TestMIMETables(t *testing.T) {
	assert.Equal(t, ".jpg", ExtensionFor("image/jpeg"))
	assert.Equal(t, ".ogg", ExtensionFor("audio/ogg; codecs=opus"))
	assert.Equal(t, ".bin", ExtensionFor("application/zip"))
	assert.Equal(t, ".bin", ExtensionFor(""))

	assert.Equal(t, "image/jpeg", MIMEFor(".jpeg"))
	assert.Equal(t, "image/jpeg", MIMEFor(".JPG"))
	assert.Equal(t, "application/octet-stream", MIMEFor(".bin"))
}

func TestManager_LocalPath(t *testing.T) {
	h := newHarness(t)
	// sha256("12345") starts with 5994471a
	p := h.manager.LocalPath("12345", "image/png")
	assert.Equal(t, "12345_5994471a.png", filepath.Base(p))
}

func TestManager_SeedsStatistics(t *testing.T) {
	h := newHarness(t)
	raw, err := h.store.HGetAll(context.Background(), statsKey)
	require.NoError(t, err)
	assert.Len(t, raw, 5)

	st := h.manager.Statistics(context.Background())
	assert.Equal(t, "0%", st.CacheHitRate)
	assert.Empty(t, st.Error)
}

func TestManager_FailedCacheTTL(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.False(t, h.manager.IsFailed(ctx, "M1"))
	h.manager.MarkFailed(ctx, "M1", "boom")
	assert.True(t, h.manager.IsFailed(ctx, "M1"))

	f, ok := h.manager.Failure(ctx, "M1")
	require.True(t, ok)
	assert.Equal(t, "boom", f.Error)

	h.clock.Advance(time.Hour)
	assert.False(t, h.manager.IsFailed(ctx, "M1"), "negative cache lasts one hour")

	st := h.manager.Statistics(ctx)
	assert.Equal(t, int64(1), st.FailedCalls)
	assert.Equal(t, int64(1), st.CacheHits)
}

func TestManager_SaveReplacesAndCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.manager.Save("M1", []byte("old"), "image/png")
	require.NoError(t, err)
	second, err := h.manager.Save("M1", []byte("new"), "image/jpeg")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, err = os.Stat(first)
	assert.True(t, errors.Is(err, os.ErrNotExist), "only one file per id")

	att, ok := h.manager.Cached(ctx, "M1")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), att.Data)
	assert.Equal(t, "image/jpeg", att.MimeType)
	assert.True(t, att.Cached)
}

func TestManager_InvalidID(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Save("../escape", []byte("x"), "image/png")
	assert.Error(t, err)

	_, ok := h.manager.Cached(context.Background(), "../escape")
	assert.False(t, ok)
}

func TestManager_CachedStaleFileRemoved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	path, err := h.manager.Save("M1", []byte("x"), "image/png")
	require.NoError(t, err)
	old := h.clock.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	_, ok := h.manager.Cached(ctx, "M1")
	assert.False(t, ok)
	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.False(t, h.manager.IsFailed(ctx, "M1"), "a stale file reverts to unknown, not failed")
}

func TestManager_SweepIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	oldPath, err := h.manager.Save("OLD", []byte("x"), "image/png")
	require.NoError(t, err)
	_, err = h.manager.Save("NEW", []byte("y"), "image/png")
	require.NoError(t, err)
	old := h.clock.Now().Add(-8 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, old, old))

	n, err := h.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.manager.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second sweep removes nothing")

	_, ok := h.manager.Cached(ctx, "NEW")
	assert.True(t, ok)
}

func TestFetcher_SuccessThenCacheHit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	att, err := h.fetcher.Fetch(ctx, "M1", h.clock.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), att.Data)
	assert.Equal(t, "image/jpeg", att.MimeType)
	assert.False(t, att.Cached)
	assert.FileExists(t, att.Path)

	again, err := h.fetcher.Fetch(ctx, "M1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, att.Data, again.Data)
	assert.True(t, again.Cached)

	assert.Equal(t, 1, h.client.metaCalls, "second fetch is served without a network call")
	st := h.manager.Statistics(ctx)
	assert.Equal(t, int64(2), st.TotalRequests)
	assert.Equal(t, int64(1), st.APICalls)
	assert.Equal(t, int64(1), st.CacheHits)
	assert.Equal(t, "50.0%", st.CacheHitRate)
}

func TestFetcher_NotFoundIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.client.metaErrs = []error{&provider.StatusError{Code: 404}}

	_, err := h.fetcher.Fetch(ctx, "M404", time.Time{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, provider.ErrNotFound)

	assert.Equal(t, 1, h.client.metaCalls, "404 is never retried")
	assert.Empty(t, h.sleeps)
	assert.True(t, h.manager.IsFailed(ctx, "M404"))

	f, ok := h.manager.Failure(ctx, "M404")
	require.True(t, ok)
	assert.Equal(t, ReasonNotFound, f.Error)

	_, err = h.fetcher.Fetch(ctx, "M404", time.Time{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, h.client.metaCalls, "negative cache short-circuits later fetches")
}

func TestFetcher_DownloadNotFoundIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.client.bytesErrs = []error{&provider.StatusError{Code: 404}}

	_, err := h.fetcher.Fetch(context.Background(), "M1", time.Time{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, h.client.bytesCalls)
	assert.True(t, h.manager.IsFailed(context.Background(), "M1"))
}

func TestFetcher_NoURLIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.client.metaErrs = []error{provider.ErrNoURL}

	_, err := h.fetcher.Fetch(context.Background(), "M1", time.Time{})
	assert.ErrorIs(t, err, ErrUnavailable)
	f, ok := h.manager.Failure(context.Background(), "M1")
	require.True(t, ok)
	assert.Equal(t, ReasonNoURL, f.Error)
}

func TestFetcher_RetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	h.client.metaErrs = []error{
		&provider.StatusError{Code: 500},
		errors.New("connection reset"),
	}

	att, err := h.fetcher.Fetch(context.Background(), "M1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg-bytes"), att.Data)
	assert.Equal(t, 3, h.client.metaCalls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, h.sleeps)
	assert.Equal(t, int64(3), h.manager.Statistics(context.Background()).APICalls)
}

func TestFetcher_ExhaustsRetries(t *testing.T) {
	tests := []struct {
		name   string
		errs   []error
		reason string
	}{
		{
			name:   "status errors",
			errs:   []error{&provider.StatusError{Code: 500}, &provider.StatusError{Code: 502}, &provider.StatusError{Code: 503}},
			reason: ReasonMaxRetries,
		},
		{
			name:   "timeouts",
			errs:   []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded},
			reason: ReasonTimeout,
		},
		{
			name:   "transport errors",
			errs:   []error{errors.New("dial"), errors.New("dial"), errors.New("no route to host")},
			reason: "Request exception: no route to host",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.client.metaErrs = tt.errs

			_, err := h.fetcher.Fetch(context.Background(), "M1", time.Time{})
			assert.ErrorIs(t, err, ErrUnavailable)
			assert.Equal(t, 3, h.client.metaCalls)
			assert.Len(t, h.sleeps, 2)

			f, ok := h.manager.Failure(context.Background(), "M1")
			require.True(t, ok)
			assert.Equal(t, tt.reason, f.Error)
			assert.Equal(t, int64(1), h.manager.Statistics(context.Background()).FailedCalls)
		})
	}
}

func TestFetcher_StaleEventRejectedWithoutNetwork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.fetcher.Fetch(ctx, "M1", h.clock.Now().Add(-25*time.Hour))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 0, h.client.metaCalls)

	st := h.manager.Statistics(ctx)
	assert.Equal(t, int64(1), st.ExpiredMedia)
	assert.Equal(t, int64(0), st.APICalls)

	f, ok := h.manager.Failure(ctx, "M1")
	require.True(t, ok)
	assert.Equal(t, ReasonExpired, f.Error)
}

func TestFetcher_MissingMIMEFallsBack(t *testing.T) {
	h := newHarness(t)
	h.client.omitMIMEType = true

	att, err := h.fetcher.Fetch(context.Background(), "M1", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "application/octet-stream", att.MimeType)
	assert.Equal(t, ".bin", filepath.Ext(att.Path))
}

func TestFetcher_SleepCanceled(t *testing.T) {
	h := newHarness(t)
	h.client.metaErrs = []error{errors.New("reset")}
	h.fetcher.SetSleep(func(context.Context, time.Duration) error { return context.Canceled })

	_, err := h.fetcher.Fetch(context.Background(), "M1", time.Time{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, h.manager.IsFailed(context.Background(), "M1"), "cancellation is not a recorded failure")
}

func TestFetcher_CanceledDuringAttempt(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
	}{
		{"last attempt", 1},
		{"first of several", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fetcher = NewFetcher(h.manager, h.client, FetcherConfig{MaxAttempts: tt.maxAttempts}, testLogger())
			h.fetcher.SetSleep(func(_ context.Context, d time.Duration) error {
				h.sleeps = append(h.sleeps, d)
				return nil
			})

			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			h.client.metaErrs = []error{fmt.Errorf("fetching metadata: %w", ctx.Err())}

			_, err := h.fetcher.Fetch(ctx, "M1", time.Time{})
			assert.ErrorIs(t, err, ErrUnavailable)
			assert.ErrorIs(t, err, context.Canceled)
			assert.Equal(t, 1, h.client.metaCalls)
			assert.Empty(t, h.sleeps)
			assert.False(t, h.manager.IsFailed(context.Background(), "M1"))
			assert.Equal(t, int64(0), h.manager.Statistics(context.Background()).FailedCalls)
		})
	}
}

func TestFetcher_TooLargeIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.client.bytesErrs = []error{fmt.Errorf("%w: 200 bytes", provider.ErrTooLarge)}

	_, err := h.fetcher.Fetch(context.Background(), "M1", time.Time{})
	assert.ErrorIs(t, err, provider.ErrTooLarge)
	assert.Equal(t, 1, h.client.bytesCalls)
	assert.Empty(t, h.sleeps)

	f, ok := h.manager.Failure(context.Background(), "M1")
	require.True(t, ok)
	assert.Equal(t, ReasonTooLarge, f.Error)
	_, cached := h.manager.Cached(context.Background(), "M1")
	assert.False(t, cached)
}

func TestFetcher_Backoff(t *testing.T) {
	f := NewFetcher(nil, nil, FetcherConfig{}, nil)
	assert.Equal(t, 2*time.Second, f.Backoff(1))
	assert.Equal(t, 4*time.Second, f.Backoff(2))
	assert.Equal(t, 8*time.Second, f.Backoff(3))
}

func TestManager_NilStore(t *testing.T) {
	m, err := NewManager(context.Background(), nil, DefaultConfig(t.TempDir()), testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	m.MarkFailed(ctx, "M1", "x")
	assert.False(t, m.IsFailed(ctx, "M1"))
	assert.NotEmpty(t, m.Statistics(ctx).Error)
}

func TestNewManager_RequiresDir(t *testing.T) {
	_, err := NewManager(context.Background(), nil, Config{}, testLogger())
	assert.Error(t, err)
}
