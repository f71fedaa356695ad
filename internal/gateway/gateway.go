// ABOUTME: Gateway lifecycle that serves the webhook and ops endpoints over HTTP
// ABOUTME: Listens on plain TCP or a tailscale node, optionally exposed through funnel

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-ingest/internal/auth"
	"github.com/2389/coven-ingest/internal/config"
	"github.com/2389/coven-ingest/internal/kv"
	"github.com/2389/coven-ingest/internal/pipeline"
	"github.com/2389/coven-ingest/internal/store"
	"github.com/2389/coven-ingest/internal/tasks"
)

// TaskStats reports executor counters for the stats endpoint.
type TaskStats interface {
	Stats() tasks.Stats
}

// Deps are the components the HTTP handlers read from. Pipeline, KV and
// History are required.
type Deps struct {
	Pipeline *pipeline.Pipeline
	KV       kv.Store
	History  store.Store
	Tasks    TaskStats
}

// Gateway owns the HTTP server and, when enabled, the tailscale node it
// listens on.
type Gateway struct {
	config      *config.Config
	pipeline    *pipeline.Pipeline
	kv          kv.Store
	history     store.Store
	tasks       TaskStats
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New builds the gateway and its routes.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Pipeline == nil || deps.KV == nil || deps.History == nil {
		return nil, errors.New("gateway requires pipeline, kv and history")
	}

	gw := &Gateway{
		config:   cfg,
		pipeline: deps.Pipeline,
		kv:       deps.KV,
		history:  deps.History,
		tasks:    deps.Tasks,
		logger:   logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	if err := gw.registerRoutes(mux); err != nil {
		return nil, err
	}

	gw.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// registerRoutes wires the webhook, health and ops handlers.
func (g *Gateway) registerRoutes(mux *http.ServeMux) error {
	var webhook http.Handler = http.HandlerFunc(g.handleWebhookEvent)
	if g.config.Auth.AppSecret != "" {
		webhook = auth.SignatureMiddleware([]byte(g.config.Auth.AppSecret), g.logger)(webhook)
	} else {
		g.logger.Warn("webhook signature verification disabled - no app_secret configured")
	}
	mux.HandleFunc("GET /webhook", g.handleWebhookVerify)
	mux.Handle("POST /webhook", webhook)
	mux.HandleFunc("GET /webhook/health", g.handleWebhookHealth)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	ops := map[string]http.HandlerFunc{
		"GET /media/stats":                 g.handleMediaStats,
		"POST /media/cleanup":              g.handleMediaCleanup,
		"GET /stats":                       g.handleStats,
		"GET /api/buffers":                 g.handleBufferStats,
		"DELETE /api/buffers/{originator}": g.handleClearBuffer,
		"GET /api/dedupe":                  g.handleDedupeStats,
		"GET /api/history/{originator}":    g.handleHistory,
	}

	if g.config.Auth.JWTSecret == "" {
		for pattern, h := range ops {
			mux.Handle(pattern, h)
		}
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
		return nil
	}

	verifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating HTTP JWT verifier: %w", err)
	}
	authMiddleware := auth.HTTPAuthMiddleware(verifier, g.logger)
	for pattern, h := range ops {
		mux.Handle(pattern, authMiddleware(h))
	}
	g.logger.Info("HTTP auth middleware enabled")
	return nil
}

// Handler exposes the route table, mainly for tests.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener creates the plain HTTP listener.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run serves until the context is canceled or the server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown uses a fresh context since the run context is already done.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-ingest", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener brings up a tsnet node and listens on it. Funnel
// exposes :443 publicly so the provider can deliver webhooks.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server and the tailscale node. The pipeline's
// collaborators are owned by the caller.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
