// ABOUTME: HTTP client for the WhatsApp Graph API
// ABOUTME: Resolves media metadata, downloads attachment bytes, and sends text replies

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultBaseURL is the Graph API root including the version segment.
const DefaultBaseURL = "https://graph.facebook.com/v21.0"

// Default per-call timeouts.
const (
	DefaultMetadataTimeout = 10 * time.Second
	DefaultDownloadTimeout = 30 * time.Second
	defaultSendTimeout     = 15 * time.Second
)

// DefaultMaxDownloadBytes bounds a single attachment download.
const DefaultMaxDownloadBytes = 100 << 20

// Errors
var (
	// ErrNotFound is matched by a StatusError carrying a 404.
	ErrNotFound = errors.New("provider resource not found")
	ErrNoURL    = errors.New("media metadata has no download url")
	ErrTooLarge = errors.New("media exceeds download limit")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	// APICode and Message come from the Graph error object when present.
	APICode int64
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider returned status %d (code %d): %s", e.Code, e.APICode, e.Message)
	}
	return fmt.Sprintf("provider returned status %d", e.Code)
}

// Is lets errors.Is(err, ErrNotFound) match a 404.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Metadata describes a media object held by the provider.
type Metadata struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	SHA256   string `json:"sha256"`
	FileSize int64  `json:"file_size"`
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	AccessToken   string
	PhoneNumberID string

	MetadataTimeout time.Duration
	DownloadTimeout time.Duration

	// MaxDownloadBytes rejects larger payloads instead of truncating them.
	MaxDownloadBytes int64
}

// Client talks to the Graph API with a bearer token.
type Client struct {
	baseURL       string
	token         string
	phoneNumberID string

	metadataTimeout time.Duration
	downloadTimeout time.Duration
	maxDownload     int64

	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client. Zero limits and timeouts take their defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:         strings.TrimSuffix(cfg.BaseURL, "/"),
		token:           cfg.AccessToken,
		phoneNumberID:   cfg.PhoneNumberID,
		metadataTimeout: cfg.MetadataTimeout,
		downloadTimeout: cfg.DownloadTimeout,
		maxDownload:     cfg.MaxDownloadBytes,
		httpClient:      &http.Client{},
		logger:          logger.With("component", "provider"),
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.metadataTimeout <= 0 {
		c.metadataTimeout = DefaultMetadataTimeout
	}
	if c.downloadTimeout <= 0 {
		c.downloadTimeout = DefaultDownloadTimeout
	}
	if c.maxDownload <= 0 {
		c.maxDownload = DefaultMaxDownloadBytes
	}
	return c
}

// FetchMetadata resolves a media ID into its download URL and MIME type.
func (c *Client) FetchMetadata(ctx context.Context, mediaID string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, c.metadataTimeout)
	defer cancel()

	reqURL := c.baseURL + "/" + url.PathEscape(mediaID) + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Metadata{}, fmt.Errorf("creating metadata request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Metadata{}, fmt.Errorf("fetching metadata for %s: %w", mediaID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Metadata{}, statusError(resp)
	}

	var md Metadata
	if err := json.NewDecoder(resp.Body).Decode(&md); err != nil {
		return Metadata{}, fmt.Errorf("decoding metadata for %s: %w", mediaID, err)
	}
	if md.URL == "" {
		return Metadata{}, fmt.Errorf("%w: %s", ErrNoURL, mediaID)
	}
	return md, nil
}

// FetchBytes downloads the payload at a URL returned by FetchMetadata. It
// returns the body and the response Content-Type.
func (c *Client) FetchBytes(ctx context.Context, rawURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("creating download request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("downloading media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", statusError(resp)
	}

	if resp.ContentLength > c.maxDownload {
		return nil, "", fmt.Errorf("%w: %d bytes declared, limit %d", ErrTooLarge, resp.ContentLength, c.maxDownload)
	}

	// One byte past the limit distinguishes an exact fit from a truncated body.
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDownload+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading media body: %w", err)
	}
	if int64(len(body)) > c.maxDownload {
		return nil, "", fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, c.maxDownload)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// SendText sends a plain text message and returns the provider message ID.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
		"type":              "text",
		"text":              map[string]any{"preview_url": false, "body": body},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling message: %w", err)
	}

	reqURL := c.baseURL + "/" + url.PathEscape(c.phoneNumberID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating send request: %w", err)
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := statusError(resp)
		c.logger.Error("send failed", "to", to, "error", serr)
		return "", serr
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading send response: %w", err)
	}
	return gjson.GetBytes(raw, "messages.0.id").String(), nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// statusError builds a StatusError, pulling the Graph error object from the body
// when it parses.
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	serr := &StatusError{Code: resp.StatusCode}
	if gjson.ValidBytes(body) {
		serr.APICode = gjson.GetBytes(body, "error.code").Int()
		serr.Message = gjson.GetBytes(body, "error.message").String()
	}
	return serr
}
