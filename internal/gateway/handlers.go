// ABOUTME: HTTP handlers for the provider webhook, health probes and ops endpoints
// ABOUTME: The webhook always acknowledges with 200 so the provider does not redeliver

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-ingest/internal/auth"
	"github.com/2389/coven-ingest/internal/pipeline"
)

// maxWebhookBody bounds how much of a webhook delivery is read.
const maxWebhookBody = 4 << 20

const defaultHistoryLimit = 50

// operator names who asked for an ops action, for the audit log.
func operator(r *http.Request) string {
	if ac := auth.FromContext(r.Context()); ac != nil {
		return ac.Subject
	}
	return "anonymous"
}

// HistoryEntry is the JSON view of one history row.
type HistoryEntry struct {
	MessageID  string    `json:"message_id,omitempty"`
	Direction  string    `json:"direction"`
	Class      string    `json:"class,omitempty"`
	Content    string    `json:"content"`
	MediaID    string    `json:"media_id,omitempty"`
	MediaError string    `json:"media_error,omitempty"`
	ContextID  string    `json:"context_id,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryResponse is returned by GET /api/history/{originator}.
type HistoryResponse struct {
	Originator string         `json:"originator"`
	Messages   []HistoryEntry `json:"messages"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

// handleWebhookVerify answers the provider's subscription handshake by
// echoing hub.challenge when the verify token matches.
func (g *Gateway) handleWebhookVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode == "" || token == "" {
		writeJSON(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if mode != "subscribe" || token != g.config.Provider.VerifyToken {
		g.logger.Warn("webhook verification failed", "mode", mode)
		writeJSON(w, http.StatusForbidden, "Verification token mismatch")
		return
	}

	g.logger.Info("webhook verified")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// handleWebhookEvent accepts a delivery. Every outcome past signature
// verification is acknowledged with 200.
func (g *Gateway) handleWebhookEvent(w http.ResponseWriter, r *http.Request) {
	ack := map[string]string{"status": "ok"}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		g.logger.Error("reading webhook body", "error", err)
		writeJSON(w, http.StatusOK, ack)
		return
	}
	if len(body) == 0 {
		g.logger.Warn("received empty webhook payload")
		writeJSON(w, http.StatusOK, ack)
		return
	}

	result, err := g.pipeline.IngestPayload(r.Context(), body)
	switch {
	case err != nil:
		g.logger.Error("webhook payload rejected", "error", err)
	case result.Dropped != "":
		g.logger.Info("webhook event dropped", "reason", result.Dropped)
	case result.Accepted:
		g.logger.Debug("webhook event accepted", "first_in_burst", result.First)
	}
	writeJSON(w, http.StatusOK, ack)
}

func (g *Gateway) handleWebhookHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "webhook",
		"timestamp": time.Now().Unix(),
	})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady pings the shared store and the history database.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	healthy := true

	if err := g.kv.Ping(r.Context()); err != nil {
		checks["kv"] = "error: " + err.Error()
		healthy = false
	} else {
		checks["kv"] = "connected"
	}
	if err := g.history.Ping(r.Context()); err != nil {
		checks["database"] = "error: " + err.Error()
		healthy = false
	} else {
		checks["database"] = "connected"
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (g *Gateway) handleMediaStats(w http.ResponseWriter, r *http.Request) {
	stats, err := g.pipeline.StatisticsSnapshot(r.Context())
	if err != nil {
		g.sendJSONError(w, mediaErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "statistics": stats})
}

func (g *Gateway) handleMediaCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := g.pipeline.ManualCleanup(r.Context())
	if err != nil {
		g.logger.Error("manual media cleanup failed", "operator", operator(r), "error", err)
		g.sendJSONError(w, mediaErrorStatus(err), err.Error())
		return
	}
	g.logger.Info("manual media cleanup", "operator", operator(r), "removed", removed)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Old media cleanup completed",
		"removed": removed,
	})
}

func mediaErrorStatus(err error) int {
	if errors.Is(err, pipeline.ErrMediaDisabled) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// handleStats combines buffer, dedupe and executor counters.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"buffer":        g.pipeline.BufferStats(r.Context()),
		"deduplication": g.pipeline.DedupeStats(r.Context()),
		"timestamp":     time.Now().Unix(),
	}
	if g.tasks != nil {
		resp["tasks"] = g.tasks.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *Gateway) handleBufferStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.pipeline.BufferStats(r.Context()))
}

func (g *Gateway) handleDedupeStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.pipeline.DedupeStats(r.Context()))
}

func (g *Gateway) handleClearBuffer(w http.ResponseWriter, r *http.Request) {
	originator := r.PathValue("originator")
	if err := g.pipeline.ClearBuffer(r.Context(), originator); err != nil {
		g.logger.Error("clearing buffer", "originator", originator, "operator", operator(r), "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "clearing buffer failed")
		return
	}
	g.logger.Info("buffer cleared", "originator", originator, "operator", operator(r))
	writeJSON(w, http.StatusOK, map[string]string{"status": "success", "originator": originator})
}

func (g *Gateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	originator := r.PathValue("originator")

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	msgs, err := g.history.ListMessages(r.Context(), originator, limit)
	if err != nil {
		g.logger.Error("listing history", "originator", originator, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "listing history failed")
		return
	}

	resp := HistoryResponse{Originator: originator, Messages: make([]HistoryEntry, 0, len(msgs))}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, HistoryEntry{
			MessageID:  m.MessageID,
			Direction:  m.Direction,
			Class:      m.Class,
			Content:    m.Content,
			MediaID:    m.MediaID,
			MediaError: m.MediaError,
			ContextID:  m.ContextID,
			Status:     m.Status,
			CreatedAt:  m.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
