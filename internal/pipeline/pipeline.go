// ABOUTME: Ingest pipeline wiring dedupe, debounce buffer, coalescing, media resolution and the engine
// ABOUTME: Webhook handlers call Ingest and ApplyStatus; deferred work runs through a tasks.Scheduler

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-ingest/internal/buffer"
	"github.com/2389/coven-ingest/internal/dedupe"
	"github.com/2389/coven-ingest/internal/engine"
	"github.com/2389/coven-ingest/internal/inbound"
	"github.com/2389/coven-ingest/internal/media"
	"github.com/2389/coven-ingest/internal/store"
	"github.com/2389/coven-ingest/internal/tasks"
)

// Task priorities. Lower values are more urgent.
const (
	PriorityStatus   = 2
	PriorityMessages = 5
)

// Sender delivers a text reply and returns the provider message ID.
type Sender interface {
	SendText(ctx context.Context, to, body string) (string, error)
}

// Options holds the pipeline's collaborators. Media, Fetcher, History and
// Sender are optional.
type Options struct {
	Dedupe    *dedupe.Deduplicator
	Buffer    *buffer.Buffer
	Media     *media.Manager
	Fetcher   *media.Fetcher
	History   store.Store
	Engine    engine.Engine
	Sender    Sender
	Scheduler tasks.Scheduler
	Logger    *slog.Logger

	// ProcessRetries is how many times a failed turn is re-run. Zero means 3.
	ProcessRetries int
	// RetryDelay is the first retry delay, doubled per retry up to RetryMaxDelay.
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// Pipeline is constructed once per process and shared by all handlers.
type Pipeline struct {
	dedupe    *dedupe.Deduplicator
	buffer    *buffer.Buffer
	media     *media.Manager
	fetcher   *media.Fetcher
	history   store.Store
	engine    engine.Engine
	sender    Sender
	scheduler tasks.Scheduler
	logger    *slog.Logger

	retries       int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// New validates opts and returns a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Dedupe == nil {
		return nil, errors.New("pipeline: deduplicator is required")
	}
	if opts.Buffer == nil {
		return nil, errors.New("pipeline: buffer is required")
	}
	if opts.Engine == nil {
		return nil, errors.New("pipeline: engine is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("pipeline: scheduler is required")
	}
	if opts.Fetcher != nil && opts.Media == nil {
		return nil, errors.New("pipeline: fetcher requires a media manager")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ProcessRetries <= 0 {
		opts.ProcessRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Second
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = 60 * time.Second
	}

	return &Pipeline{
		dedupe:        opts.Dedupe,
		buffer:        opts.Buffer,
		media:         opts.Media,
		fetcher:       opts.Fetcher,
		history:       opts.History,
		engine:        opts.Engine,
		sender:        opts.Sender,
		scheduler:     opts.Scheduler,
		logger:        logger.With("component", "pipeline"),
		retries:       opts.ProcessRetries,
		retryDelay:    opts.RetryDelay,
		retryMaxDelay: opts.RetryMaxDelay,
	}, nil
}

// Drop reasons reported in IngestResult.
const (
	DropDuplicate = "duplicate"
	DropInvalid   = "invalid"
)

// IngestResult says whether an event entered processing. Callers acknowledge
// the webhook either way.
type IngestResult struct {
	Accepted bool   `json:"accepted"`
	Dropped  string `json:"dropped,omitempty"`
	// First is true when the event opened a new buffer cycle.
	First bool `json:"first,omitempty"`
}

// Ingest dedupes an event and appends it to the originator's buffer. The
// first event of a cycle schedules a buffer check after the debounce
// interval. When the buffer is unreachable the event is processed on its own.
func (p *Pipeline) Ingest(ctx context.Context, originator string, ev inbound.Event) IngestResult {
	if originator == "" || ev.MessageID == "" {
		p.logger.Error("inbound event missing originator or message id",
			"originator", originator,
			"message_id", ev.MessageID,
		)
		return IngestResult{Dropped: DropInvalid}
	}
	ev.Originator = originator

	if p.dedupe.IsDuplicate(ctx, ev.MessageID, originator) {
		p.logger.Info("duplicate message ignored", "message_id", ev.MessageID, "originator", originator)
		return IngestResult{Dropped: DropDuplicate}
	}

	first, err := p.buffer.Append(ctx, originator, ev)
	if err != nil {
		p.logger.Error("buffer unavailable, processing event directly",
			"originator", originator,
			"message_id", ev.MessageID,
			"error", err,
		)
		p.scheduleProcess(ctx, ev, 1, 0)
		return IngestResult{Accepted: true}
	}

	if first {
		delay := p.buffer.Config().Debounce
		p.logger.Info("started buffer, scheduling check", "originator", originator, "delay", delay)
		p.scheduleCheck(ctx, originator, delay)
	} else {
		p.logger.Debug("added to existing buffer", "originator", originator, "message_id", ev.MessageID)
	}
	return IngestResult{Accepted: true, First: first}
}

func (p *Pipeline) scheduleCheck(ctx context.Context, originator string, delay time.Duration) {
	err := p.scheduler.ScheduleDelayed(ctx, tasks.Task{
		Name:     "check_buffer",
		Queue:    tasks.QueueMessages,
		Priority: PriorityMessages,
		Run: func(ctx context.Context) error {
			return p.CheckBuffer(ctx, originator)
		},
	}, delay)
	if err != nil {
		p.logger.Error("scheduling buffer check", "originator", originator, "error", err)
	}
}

func (p *Pipeline) scheduleProcess(ctx context.Context, ev inbound.Event, attempt int, delay time.Duration) {
	err := p.scheduler.ScheduleDelayed(ctx, tasks.Task{
		Name:     "process_turn",
		Queue:    tasks.QueueMessages,
		Priority: PriorityMessages,
		Run: func(ctx context.Context) error {
			err := p.ProcessTurn(ctx, ev)
			if err != nil && attempt <= p.retries {
				retryIn := p.retryBackoff(attempt)
				p.logger.Warn("turn failed, retrying",
					"originator", ev.Originator,
					"message_id", ev.MessageID,
					"retry", attempt,
					"max_retries", p.retries,
					"delay", retryIn,
					"error", err,
				)
				p.scheduleProcess(ctx, ev, attempt+1, retryIn)
			}
			return err
		},
	}, delay)
	if err != nil {
		p.logger.Error("scheduling turn processing",
			"originator", ev.Originator,
			"message_id", ev.MessageID,
			"error", err,
		)
	}
}

func (p *Pipeline) retryBackoff(attempt int) time.Duration {
	d := p.retryDelay << (attempt - 1)
	if d <= 0 || d > p.retryMaxDelay {
		d = p.retryMaxDelay
	}
	return d
}

// CheckBuffer is the deferred buffer re-check. When the buffer is due it is
// drained, coalesced and handed to processing; otherwise the check is
// rescheduled after the recheck interval. A drain that finds nothing means
// another check already won.
func (p *Pipeline) CheckBuffer(ctx context.Context, originator string) error {
	if !p.buffer.ShouldFlush(ctx, originator) {
		interval := p.buffer.Config().RecheckInterval
		p.logger.Debug("originator still typing, checking again",
			"originator", originator,
			"buffer_size", p.buffer.Size(ctx, originator),
			"delay", interval,
		)
		p.scheduleCheck(ctx, originator, interval)
		return nil
	}

	events := p.buffer.Drain(ctx, originator)
	if len(events) == 0 {
		p.logger.Debug("buffer already drained", "originator", originator)
		return nil
	}

	turn := inbound.Coalesce(events)
	p.logger.Info("processing buffered events",
		"originator", originator,
		"events", len(events),
		"class", turn.Class,
		"message_id", turn.MessageID,
	)
	p.scheduleProcess(ctx, turn, 1, 0)
	return nil
}

// ProcessTurn resolves any attachment, records the inbound turn, asks the
// engine for a reply and delivers it. A failed attachment is passed to the
// engine as MediaError rather than failing the turn.
func (p *Pipeline) ProcessTurn(ctx context.Context, ev inbound.Event) error {
	turn := engine.Turn{Originator: ev.Originator, Event: ev}

	if ev.HasMedia() {
		if p.fetcher == nil {
			turn.MediaError = "media fetching is not configured"
		} else {
			att, err := p.fetcher.Fetch(ctx, ev.Media.ID, ev.Timestamp)
			if err != nil {
				if ctx.Err() != nil {
					return fmt.Errorf("resolving media %s: %w", ev.Media.ID, err)
				}
				p.logger.Warn("media unavailable", "media_id", ev.Media.ID, "error", err)
				turn.MediaError = err.Error()
			} else {
				mimeType := att.MimeType
				if mimeType == "" {
					mimeType = ev.Media.MimeType
				}
				turn.Attachment = &engine.Attachment{MediaID: att.ID, MimeType: mimeType, Data: att.Data}
			}
		}
	}

	p.recordInbound(ctx, ev, turn.MediaError)

	reply, err := p.engine.Respond(ctx, turn)
	if err != nil {
		return fmt.Errorf("engine response for %s: %w", ev.MessageID, err)
	}
	if reply.Text == "" {
		p.logger.Info("no reply for turn", "originator", ev.Originator, "message_id", ev.MessageID)
		return nil
	}

	if p.sender == nil {
		p.logger.Warn("reply produced but no sender configured", "originator", ev.Originator)
		return nil
	}
	sentID, err := p.sender.SendText(ctx, ev.Originator, reply.Text)
	if err != nil {
		return fmt.Errorf("sending reply to %s: %w", ev.Originator, err)
	}
	p.logger.Info("reply sent", "originator", ev.Originator, "message_id", sentID)

	p.recordOutbound(ctx, ev, sentID, reply.Text)
	return nil
}

func (p *Pipeline) recordInbound(ctx context.Context, ev inbound.Event, mediaError string) {
	if p.history == nil {
		return
	}
	msg := &store.Message{
		MessageID:  ev.MessageID,
		Originator: ev.Originator,
		Direction:  store.DirectionInbound,
		Class:      string(ev.Class),
		Content:    ev.Text,
		MediaError: mediaError,
		ContextID:  ev.ContextID,
		Status:     store.StatusReceived,
		CreatedAt:  ev.Timestamp,
	}
	if ev.Media != nil {
		msg.MediaID = ev.Media.ID
		msg.MimeType = ev.Media.MimeType
	}

	err := p.history.SaveMessage(ctx, msg)
	switch {
	case errors.Is(err, store.ErrDuplicateMessage):
		p.logger.Debug("inbound turn already recorded", "message_id", ev.MessageID)
	case err != nil:
		p.logger.Error("recording inbound turn", "message_id", ev.MessageID, "error", err)
	}
}

func (p *Pipeline) recordOutbound(ctx context.Context, ev inbound.Event, sentID, text string) {
	if p.history == nil {
		return
	}
	msg := &store.Message{
		MessageID:  sentID,
		Originator: ev.Originator,
		Direction:  store.DirectionOutbound,
		Class:      string(inbound.ClassText),
		Content:    text,
		ContextID:  ev.MessageID,
		Status:     store.StatusSent,
	}
	if err := p.history.SaveMessage(ctx, msg); err != nil {
		p.logger.Error("recording outbound reply", "message_id", sentID, "error", err)
	}
}

// ApplyStatus queues a delivery status update for the history store.
func (p *Pipeline) ApplyStatus(ctx context.Context, upd inbound.StatusUpdate) {
	if upd.MessageID == "" || upd.Status == "" {
		p.logger.Warn("invalid status update", "message_id", upd.MessageID, "status", upd.Status)
		return
	}
	p.logger.Info("status update received", "message_id", upd.MessageID, "status", upd.Status)

	err := p.scheduler.ScheduleDelayed(ctx, tasks.Task{
		Name:     "update_status",
		Queue:    tasks.QueueStatus,
		Priority: PriorityStatus,
		Run: func(ctx context.Context) error {
			return p.UpdateStatus(ctx, upd)
		},
	}, 0)
	if err != nil {
		p.logger.Error("scheduling status update", "message_id", upd.MessageID, "error", err)
	}
}

// UpdateStatus writes a delivery status to history. Unknown message IDs are
// logged and ignored.
func (p *Pipeline) UpdateStatus(ctx context.Context, upd inbound.StatusUpdate) error {
	if p.history == nil {
		return nil
	}
	err := p.history.UpdateMessageStatus(ctx, upd.MessageID, string(upd.Status), upd.Timestamp)
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("status for unknown message", "message_id", upd.MessageID, "status", upd.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("updating status for %s: %w", upd.MessageID, err)
	}
	p.logger.Info("status updated", "message_id", upd.MessageID, "status", upd.Status)
	return nil
}
