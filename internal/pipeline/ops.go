// ABOUTME: Webhook payload dispatch and the operational surface of the pipeline
// ABOUTME: Statistics, manual cleanup, buffer and dedupe introspection used by the ops endpoints

package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-ingest/internal/buffer"
	"github.com/2389/coven-ingest/internal/dedupe"
	"github.com/2389/coven-ingest/internal/inbound"
	"github.com/2389/coven-ingest/internal/media"
)

// ErrMediaDisabled is returned by media operations when no manager is configured.
var ErrMediaDisabled = errors.New("media cache is not configured")

// IngestPayload normalizes a raw webhook body and routes it to Ingest or
// ApplyStatus. The returned error is for logging only; the webhook is
// acknowledged regardless.
func (p *Pipeline) IngestPayload(ctx context.Context, body []byte) (IngestResult, error) {
	payload, err := inbound.Normalize(body)
	if err != nil {
		if errors.Is(err, inbound.ErrUnhandled) {
			p.logger.Debug("ignoring webhook payload", "reason", err)
			return IngestResult{}, nil
		}
		return IngestResult{Dropped: DropInvalid}, fmt.Errorf("normalizing webhook payload: %w", err)
	}

	switch payload.Type {
	case inbound.PayloadInbound:
		return p.Ingest(ctx, payload.Event.Originator, *payload.Event), nil
	case inbound.PayloadStatus:
		p.ApplyStatus(ctx, *payload.Status)
		return IngestResult{Accepted: true}, nil
	default:
		return IngestResult{}, fmt.Errorf("unknown payload type %q", payload.Type)
	}
}

// StatisticsSnapshot returns the media cache counters.
func (p *Pipeline) StatisticsSnapshot(ctx context.Context) (media.Statistics, error) {
	if p.media == nil {
		return media.Statistics{}, ErrMediaDisabled
	}
	return p.media.Statistics(ctx), nil
}

// ManualCleanup removes cached files past retention and returns how many
// were removed.
func (p *Pipeline) ManualCleanup(ctx context.Context) (int, error) {
	if p.media == nil {
		return 0, ErrMediaDisabled
	}
	removed, err := p.media.Sweep(ctx)
	if err != nil {
		return removed, fmt.Errorf("sweeping media cache: %w", err)
	}
	p.logger.Info("manual media cleanup", "removed", removed)
	return removed, nil
}

// ScheduledCleanup is the periodic sweep job. It logs statistics afterwards.
func (p *Pipeline) ScheduledCleanup(ctx context.Context) {
	if p.media == nil {
		return
	}
	removed, err := p.media.Sweep(ctx)
	if err != nil {
		p.logger.Error("scheduled media cleanup failed", "error", err)
		return
	}
	p.logger.Info("scheduled media cleanup completed", "removed", removed)
	p.media.LogStatistics(ctx)
}

// BufferStats reports active buffers.
func (p *Pipeline) BufferStats(ctx context.Context) buffer.Stats {
	return p.buffer.Stats(ctx)
}

// DedupeStats reports the dedupe backend in use.
func (p *Pipeline) DedupeStats(ctx context.Context) dedupe.Stats {
	return p.dedupe.Stats(ctx)
}

// ClearBuffer discards an originator's pending events.
func (p *Pipeline) ClearBuffer(ctx context.Context, originator string) error {
	return p.buffer.Clear(ctx, originator)
}
