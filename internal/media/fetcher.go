// ABOUTME: Fetch-with-retry for provider attachments, consulting the cache manager around each attempt
// ABOUTME: 404 responses are terminal; other failures back off exponentially up to a fixed ceiling

package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/2389/coven-ingest/internal/provider"
)

// ErrUnavailable wraps every fetch outcome that yields no payload.
var ErrUnavailable = errors.New("media unavailable")

// Failure reasons recorded in the negative cache.
const (
	ReasonExpired    = "Media expired (>24 hours)"
	ReasonNotFound   = "404 Not Found"
	ReasonNoURL      = "No download URL in response"
	ReasonMaxRetries = "Max retries reached"
	ReasonTimeout    = "Timeout after max retries"
	ReasonTooLarge   = "Media exceeds download limit"
)

// Client is the subset of the provider API the fetcher needs.
type Client interface {
	FetchMetadata(ctx context.Context, mediaID string) (provider.Metadata, error)
	FetchBytes(ctx context.Context, url string) ([]byte, string, error)
}

// FetcherConfig bounds the retry loop.
type FetcherConfig struct {
	MaxAttempts int
	// BackoffBase is raised to the attempt number to give the delay in seconds.
	BackoffBase float64
}

// DefaultFetcherConfig returns three attempts with base-2 backoff.
func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{MaxAttempts: 3, BackoffBase: 2}
}

// Fetcher resolves attachments through the cache manager and the provider.
type Fetcher struct {
	manager *Manager
	client  Client
	cfg     FetcherConfig
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewFetcher creates a Fetcher. Zero fields in cfg take their defaults.
func NewFetcher(manager *Manager, client Client, cfg FetcherConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultFetcherConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	return &Fetcher{
		manager: manager,
		client:  client,
		cfg:     cfg,
		logger:  logger.With("component", "media-fetcher"),
		sleep:   sleepContext,
	}
}

// SetSleep replaces the backoff sleep. Intended for tests.
func (f *Fetcher) SetSleep(sleep func(ctx context.Context, d time.Duration) error) {
	f.sleep = sleep
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff returns the delay after a failed attempt (1-based).
func (f *Fetcher) Backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(f.cfg.BackoffBase, float64(attempt)) * float64(time.Second))
}

// Fetch returns the payload for mediaID. originatedAt is the timestamp of the
// event that referenced it; zero skips the freshness check. Every failure
// wraps ErrUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, mediaID string, originatedAt time.Time) (Attachment, error) {
	m := f.manager
	m.Increment(ctx, StatTotalRequests)

	if m.IsFailed(ctx, mediaID) {
		return Attachment{}, fmt.Errorf("%w: %s is cached as failed", ErrUnavailable, mediaID)
	}

	if m.IsExpired(ctx, originatedAt) {
		m.MarkFailed(ctx, mediaID, ReasonExpired)
		return Attachment{}, fmt.Errorf("%w: %s is past the freshness window", ErrUnavailable, mediaID)
	}

	if att, ok := m.Cached(ctx, mediaID); ok {
		return att, nil
	}

	var lastErr error
	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		f.logger.Info("fetching media", "media_id", mediaID, "attempt", attempt, "max_attempts", f.cfg.MaxAttempts)
		m.Increment(ctx, StatAPICalls)

		att, err := f.attempt(ctx, mediaID)
		if err == nil {
			return att, nil
		}
		lastErr = err

		switch {
		case errors.Is(err, provider.ErrNotFound):
			f.logger.Warn("media not found, not retrying", "media_id", mediaID)
			m.MarkFailed(ctx, mediaID, ReasonNotFound)
			return Attachment{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, mediaID, err)
		case errors.Is(err, provider.ErrNoURL):
			m.MarkFailed(ctx, mediaID, ReasonNoURL)
			return Attachment{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, mediaID, err)
		case errors.Is(err, provider.ErrTooLarge):
			m.MarkFailed(ctx, mediaID, ReasonTooLarge)
			return Attachment{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, mediaID, err)
		}

		// A caller that gave up is not a provider failure; leave the ID
		// fetchable for the next turn.
		if ctx.Err() != nil {
			f.logger.Warn("media fetch canceled", "media_id", mediaID, "attempt", attempt, "error", err)
			return Attachment{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, mediaID, ctx.Err())
		}

		f.logger.Warn("media fetch attempt failed", "media_id", mediaID, "attempt", attempt, "error", err)
		if attempt == f.cfg.MaxAttempts {
			break
		}

		delay := f.Backoff(attempt)
		f.logger.Info("retrying media fetch", "media_id", mediaID, "delay", delay, "next_attempt", attempt+1)
		if err := f.sleep(ctx, delay); err != nil {
			return Attachment{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, mediaID, err)
		}
	}

	reason := ceilingReason(lastErr)
	f.logger.Error("media fetch exhausted retries", "media_id", mediaID, "attempts", f.cfg.MaxAttempts, "reason", reason)
	m.MarkFailed(ctx, mediaID, reason)
	return Attachment{}, fmt.Errorf("%w: %s: %w", ErrUnavailable, mediaID, lastErr)
}

func (f *Fetcher) attempt(ctx context.Context, mediaID string) (Attachment, error) {
	md, err := f.client.FetchMetadata(ctx, mediaID)
	if err != nil {
		return Attachment{}, err
	}

	data, contentType, err := f.client.FetchBytes(ctx, md.URL)
	if err != nil {
		return Attachment{}, err
	}

	mimeType := md.MimeType
	if mimeType == "" {
		mimeType = fallbackMIME
	}
	f.logger.Info("media downloaded", "media_id", mediaID, "bytes", len(data), "mime_type", mimeType)

	att := Attachment{ID: mediaID, Data: data, MimeType: mimeType, ContentType: contentType}
	path, err := f.manager.Save(mediaID, data, mimeType)
	if err != nil {
		f.logger.Error("saving media to cache", "media_id", mediaID, "error", err)
	} else {
		att.Path = path
	}
	return att, nil
}

// ceilingReason describes why the last attempt failed once retries run out.
func ceilingReason(err error) string {
	var serr *provider.StatusError
	switch {
	case err == nil:
		return ReasonMaxRetries
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &serr):
		return ReasonMaxRetries
	default:
		return "Request exception: " + err.Error()
	}
}
