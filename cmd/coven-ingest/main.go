// ABOUTME: Entry point for coven-ingest, the messaging webhook ingestion server
// ABOUTME: Cobra root command with serve, health, stats, cleanup and token subcommands

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/2389/coven-ingest/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        (_)_ __   __ _  ___  ___| |_
 / __/ _ \ \ / / _ \ '_ \ _____ | | '_ \ / _' |/ _ \/ __| __|
| (_| (_) \ V /  __/ | | |_____|| | | | | (_| |  __/\__ \ |_
 \___\___/ \_/ \___|_| |_|      |_|_| |_|\__, |\___||___/\__|
                                         |___/
`

// getConfigPath returns the path to the ingest config file.
// Priority: COVEN_INGEST_CONFIG env var > XDG_CONFIG_HOME/coven/ingest.yaml > ~/.config/coven/ingest.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_INGEST_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "ingest.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "ingest.yaml")
}

// loadConfig reads .env (if present) and then the YAML config.
func loadConfig(path string) (*config.Config, error) {
	if _, err := config.LoadDotEnv(); err != nil {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if path == "" {
		path = getConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "coven-ingest",
		Short:         "Webhook ingestion server for messaging providers",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+getConfigPath()+")")

	cmd.AddCommand(
		newServeCommand(&configPath),
		newHealthCommand(&configPath),
		newStatsCommand(&configPath),
		newCleanupCommand(&configPath),
		newTokenCommand(&configPath),
	)
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
