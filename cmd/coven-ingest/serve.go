// ABOUTME: The serve subcommand builds every ingest component from config
// ABOUTME: Runs the gateway, store monitor and media sweep under one errgroup

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-ingest/internal/buffer"
	"github.com/2389/coven-ingest/internal/config"
	"github.com/2389/coven-ingest/internal/dedupe"
	"github.com/2389/coven-ingest/internal/engine"
	"github.com/2389/coven-ingest/internal/gateway"
	"github.com/2389/coven-ingest/internal/kv"
	"github.com/2389/coven-ingest/internal/media"
	"github.com/2389/coven-ingest/internal/pipeline"
	"github.com/2389/coven-ingest/internal/provider"
	"github.com/2389/coven-ingest/internal/store"
	"github.com/2389/coven-ingest/internal/tasks"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ingest server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, *configPath)
		},
	}
}

func printStartup(cfg *config.Config, configPath string) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	if cfg.Redis.URL != "" {
		fmt.Printf("Store:     redis\n")
	} else {
		fmt.Printf("Store:     ")
		yellow.Println("in-process (single replica only)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()
}

// openKV returns Redis when a URL is configured, otherwise the in-process store.
func openKV(cfg config.RedisConfig, logger *slog.Logger) (kv.Store, error) {
	if cfg.URL == "" {
		logger.Warn("redis.url not set, using in-process store")
		return kv.NewMemoryStore(), nil
	}
	s, err := kv.NewRedisStore(kv.RedisConfig{URL: cfg.URL, DialTimeout: cfg.DialTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("creating redis store: %w", err)
	}
	return s, nil
}

func runServe(ctx context.Context, configPath string) error {
	if configPath == "" {
		configPath = getConfigPath()
	}
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	printStartup(cfg, configPath)
	logger := setupLogger(cfg.Logging)
	logger.Info("starting coven-ingest", "config", configPath, "http_addr", cfg.Server.HTTPAddr)

	kvStore, err := openKV(cfg.Redis, logger)
	if err != nil {
		return err
	}
	defer kvStore.Close()

	monitor := kv.NewMonitor(ctx, kvStore, cfg.Redis.PingInterval, logger)
	defer monitor.Close()

	history, err := store.NewSQLiteStore(cfg.Database.Path, logger)
	if err != nil {
		return fmt.Errorf("opening history store: %w", err)
	}
	defer history.Close()

	client := provider.New(provider.Config{
		BaseURL:          cfg.Provider.BaseURL,
		AccessToken:      cfg.Provider.AccessToken,
		PhoneNumberID:    cfg.Provider.PhoneNumberID,
		MetadataTimeout:  cfg.Provider.MetadataTimeout,
		DownloadTimeout:  cfg.Provider.DownloadTimeout,
		MaxDownloadBytes: cfg.Provider.MaxDownloadBytes,
	}, logger)

	manager, err := media.NewManager(ctx, kvStore, media.Config{
		Dir:       cfg.Media.Dir,
		FailedTTL: cfg.Media.FailedTTL,
		Freshness: cfg.Media.Freshness,
		Retention: cfg.Media.Retention,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating media cache: %w", err)
	}
	fetcher := media.NewFetcher(manager, client, media.FetcherConfig{
		MaxAttempts: cfg.Media.MaxAttempts,
		BackoffBase: cfg.Media.BackoffBase,
	}, logger)

	executor := tasks.NewExecutor(cfg.Tasks.Concurrency, cfg.Tasks.TaskTimeout, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := executor.Close(closeCtx); err != nil {
			logger.Warn("task executor did not drain", "error", err)
		}
	}()

	p, err := pipeline.New(pipeline.Options{
		Dedupe: dedupe.New(dedupe.Options{
			Store:        kvStore,
			Liveness:     monitor,
			Window:       cfg.Dedupe.Window,
			LocalMaxSize: cfg.Dedupe.LocalMaxSize,
			Logger:       logger,
		}),
		Buffer: buffer.New(kvStore, buffer.Config{
			Debounce:        cfg.Buffer.Debounce,
			MaxWait:         cfg.Buffer.MaxWait,
			SafetyMargin:    cfg.Buffer.SafetyMargin,
			RecheckInterval: cfg.Buffer.RecheckInterval,
		}, logger),
		Media:     manager,
		Fetcher:   fetcher,
		History:   history,
		Engine:    engine.NewHTTPEngine(cfg.Engine.URL, cfg.Engine.Token, cfg.Engine.Timeout, logger),
		Sender:    client,
		Scheduler: executor,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("creating pipeline: %w", err)
	}

	sweep, err := tasks.NewCron("media_sweep", cfg.Media.SweepSchedule, p.ScheduledCleanup, logger)
	if err != nil {
		return fmt.Errorf("creating media sweep: %w", err)
	}

	gw, err := gateway.New(cfg, gateway.Deps{
		Pipeline: p,
		KV:       kvStore,
		History:  history,
		Tasks:    executor,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		monitor.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return sweep.Run(gctx)
	})
	g.Go(func() error {
		return gw.Run(gctx)
	})
	return g.Wait()
}
