// ABOUTME: Operator subcommands that talk to a running coven-ingest over HTTP
// ABOUTME: health, stats and cleanup call the ops endpoints; token mints a bearer token locally

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-ingest/internal/auth"
	"github.com/2389/coven-ingest/internal/config"
)

// opsTokenEnv supplies the bearer token for ops endpoints when jwt_secret is set.
const opsTokenEnv = "COVEN_INGEST_TOKEN"

// baseURL resolves where the running server listens.
func baseURL(cfg *config.Config, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	if cfg.Server.HTTPAddr == "" {
		return "", errors.New("server.http_addr is empty; pass --url")
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

// callOps performs one request against the server and returns the body.
func callOps(ctx context.Context, method, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if token := os.Getenv(opsTokenEnv); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func printJSON(body []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Println(out.String())
}

// newOpsCommand builds a subcommand that calls one endpoint and prints the reply.
func newOpsCommand(configPath *string, use, short, method, path string) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			base, err := baseURL(cfg, url)
			if err != nil {
				return err
			}
			status, body, err := callOps(cmd.Context(), method, base+path)
			if err != nil {
				return err
			}
			printJSON(body)
			if status != http.StatusOK {
				return fmt.Errorf("%s: status %d", path, status)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "server base URL (default http://<server.http_addr>)")
	return cmd
}

func newHealthCommand(configPath *string) *cobra.Command {
	return newOpsCommand(configPath, "health", "Check store and database readiness", http.MethodGet, "/health/ready")
}

func newStatsCommand(configPath *string) *cobra.Command {
	cmd := newOpsCommand(configPath, "stats", "Show buffer, dedupe and task counters", http.MethodGet, "/stats")
	cmd.AddCommand(newOpsCommand(configPath, "media", "Show media cache statistics", http.MethodGet, "/media/stats"))
	return cmd
}

func newCleanupCommand(configPath *string) *cobra.Command {
	return newOpsCommand(configPath, "cleanup", "Remove cached media past retention", http.MethodPost, "/media/cleanup")
}

func newTokenCommand(configPath *string) *cobra.Command {
	var subject string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the ops endpoints",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set; ops endpoints are open")
			}
			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			if err != nil {
				return fmt.Errorf("creating verifier: %w", err)
			}
			token, err := verifier.Generate(subject, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}

			color.New(color.FgGreen).Fprintf(os.Stderr, "  ✓ Token for %q valid for %s\n", subject, ttl)
			fmt.Fprintf(os.Stderr, "    export %s=<token>\n\n", opsTokenEnv)
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&subject, "subject", "s", "ops", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
