// ABOUTME: Verifies X-Hub-Signature-256 headers on provider webhook deliveries
// ABOUTME: HMAC-SHA256 over the raw body keyed by the app secret

package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// SignatureHeader carries the webhook body signature.
const SignatureHeader = "X-Hub-Signature-256"

// maxWebhookBody bounds how much of a webhook body is read for verification.
const maxWebhookBody = 4 << 20

// Signature errors
var (
	ErrMissingSignature = errors.New("missing signature")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Sign returns the header value for body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC of body.
func VerifySignature(secret, body []byte, header string) error {
	if header == "" {
		return ErrMissingSignature
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// SignatureMiddleware rejects POST requests whose body does not match the
// signature header. Other methods pass through. The body is restored for the
// next handler.
func SignatureMiddleware(secret []byte, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "auth")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
			r.Body.Close()
			if err != nil {
				http.Error(w, `{"error":"reading body"}`, http.StatusBadRequest)
				return
			}

			if err := VerifySignature(secret, body, r.Header.Get(SignatureHeader)); err != nil {
				logger.Warn("webhook signature rejected", "path", r.URL.Path, "reason", err)
				http.Error(w, `{"error":"invalid signature"}`, http.StatusForbidden)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
