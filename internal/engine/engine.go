// ABOUTME: Decision engine contract consumed by the pipeline, plus an HTTP implementation
// ABOUTME: The engine receives one coalesced turn and returns an optional text reply

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-ingest/internal/inbound"
)

// Attachment is the resolved payload for a media turn.
type Attachment struct {
	MediaID  string `json:"media_id"`
	MimeType string `json:"mime_type"`
	Data     []byte `json:"data,omitempty"`
}

// Turn is one coalesced unit of user input.
type Turn struct {
	Originator string        `json:"originator"`
	Event      inbound.Event `json:"event"`
	// Attachment is set when the event carried media that resolved.
	Attachment *Attachment `json:"attachment,omitempty"`
	// MediaError describes why referenced media could not be resolved.
	MediaError string `json:"media_error,omitempty"`
}

// Reply is the engine's answer. An empty Text means no message is sent.
type Reply struct {
	Text     string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Engine produces a reply for a turn.
type Engine interface {
	Respond(ctx context.Context, turn Turn) (Reply, error)
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, turn Turn) (Reply, error)

// Respond calls f.
func (f Func) Respond(ctx context.Context, turn Turn) (Reply, error) {
	return f(ctx, turn)
}

// HTTPEngine posts turns as JSON to a decision service.
type HTTPEngine struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPEngine creates an engine that POSTs to url with an optional bearer token.
func NewHTTPEngine(url, token string, timeout time.Duration, logger *slog.Logger) *HTTPEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPEngine{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "engine"),
	}
}

// Respond sends the turn and decodes the reply. Whitespace-only replies are
// treated as empty.
func (e *HTTPEngine) Respond(ctx context.Context, turn Turn) (Reply, error) {
	body, err := json.Marshal(turn)
	if err != nil {
		return Reply{}, fmt.Errorf("marshaling turn: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("calling engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Reply{}, fmt.Errorf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var reply Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("decoding engine reply: %w", err)
	}
	reply.Text = strings.TrimSpace(reply.Text)
	if reply.Text == "" {
		e.logger.Info("engine returned empty reply", "originator", turn.Originator)
	}
	return reply, nil
}
