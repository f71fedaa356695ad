// ABOUTME: Tests for the HTTP decision engine client
// ABOUTME: Verifies request shape, bearer auth, reply trimming, and error statuses

package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-ingest/internal/inbound"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPEngine_Respond(t *testing.T) {
	var got Turn
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"content":"  hello back \n","metadata":{"intent":"greet"}}`))
	}))
	defer srv.Close()

	e := NewHTTPEngine(srv.URL, "secret", time.Second, testLogger())
	turn := Turn{
		Originator: "155",
		Event:      inbound.Event{Class: inbound.ClassMedia, Originator: "155", MessageID: "m1", Text: "see"},
		Attachment: &Attachment{MediaID: "M1", MimeType: "image/png", Data: []byte{1, 2, 3}},
	}

	reply, err := e.Respond(context.Background(), turn)
	require.NoError(t, err)
	assert.Equal(t, "hello back", reply.Text)
	assert.Equal(t, "greet", reply.Metadata["intent"])

	assert.Equal(t, "155", got.Originator)
	require.NotNil(t, got.Attachment)
	assert.Equal(t, []byte{1, 2, 3}, got.Attachment.Data)
}

func TestHTTPEngine_EmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"content":"   "}`))
	}))
	defer srv.Close()

	reply, err := NewHTTPEngine(srv.URL, "", 0, testLogger()).Respond(context.Background(), Turn{})
	require.NoError(t, err)
	assert.Empty(t, reply.Text)
}

func TestHTTPEngine_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewHTTPEngine(srv.URL, "", 0, testLogger()).Respond(context.Background(), Turn{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "overloaded")
}

func TestFunc(t *testing.T) {
	var e Engine = Func(func(_ context.Context, turn Turn) (Reply, error) {
		return Reply{Text: "echo " + turn.Event.Text}, nil
	})
	reply, err := e.Respond(context.Background(), Turn{Event: inbound.Event{Text: "x"}})
	require.NoError(t, err)
	assert.Equal(t, "echo x", reply.Text)
}
