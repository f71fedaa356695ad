// ABOUTME: Tests for coven-ingest command helpers
// ABOUTME: Config path resolution, ops URL resolution and the ops HTTP call

package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-ingest/internal/config"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_INGEST_CONFIG", "/etc/ingest.yaml")
	assert.Equal(t, "/etc/ingest.yaml", getConfigPath())

	t.Setenv("COVEN_INGEST_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "coven", "ingest.yaml"), getConfigPath())

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/ops")
	assert.Equal(t, filepath.Join("/home/ops", ".config", "coven", "ingest.yaml"), getConfigPath())
}

func TestBaseURL(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{HTTPAddr: "localhost:8080"}}

	got, err := baseURL(cfg, "")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", got)

	got, err = baseURL(cfg, "https://ingest.example.ts.net")
	require.NoError(t, err)
	assert.Equal(t, "https://ingest.example.ts.net", got)

	_, err = baseURL(&config.Config{}, "")
	assert.Error(t, err)
}

func TestCallOps_SendsToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	t.Setenv(opsTokenEnv, "tok")
	status, body, err := callOps(context.Background(), http.MethodPost, srv.URL+"/media/cleanup")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"success"}`, string(body))
	assert.Equal(t, "Bearer tok", gotAuth)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"serve", "health", "stats", "cleanup", "token"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}
