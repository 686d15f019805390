package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// maxWebhookBody caps the size of an accepted webhook body.
const maxWebhookBody = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 signature, optionally
// prefixed with "sha256=". Comparison is constant-time.
func VerifyWebhookSignature(body []byte, signature, secret string) bool {
	if len(body) == 0 || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// EventSink accepts a raw realtime payload. *Transport implements it via
// Inject.
type EventSink interface {
	Inject(ctx context.Context, data []byte) error
}

// WebhookReceiver accepts backend events pushed over HTTP and feeds them
// into the same path as streamed events.
type WebhookReceiver struct {
	secret string
	sink   EventSink
	logger *slog.Logger
}

// NewWebhookReceiver creates a receiver that verifies bodies with secret.
func NewWebhookReceiver(secret string, sink EventSink, logger *slog.Logger) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, errors.New("webhook secret is required")
	}
	if sink == nil {
		return nil, errors.New("webhook sink is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookReceiver{secret: secret, sink: sink, logger: logger}, nil
}

// Handle processes one delivery (verify + inject). Returns the status code
// and response body for the caller to write.
func (w *WebhookReceiver) Handle(ctx context.Context, body []byte, signature string) (int, any) {
	if !VerifyWebhookSignature(body, signature, w.secret) {
		w.logger.WarnContext(ctx, "webhook rejected: bad signature")
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	if err := w.sink.Inject(ctx, body); err != nil {
		return http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid event: %v", err)}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// ServeHTTP implements http.Handler.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookReceiver(secret, transport, nil)
//	http.Handle("/chatsync/webhook", wh)
func (w *WebhookReceiver) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
		return
	}

	status, data := w.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
	writeJSON(rw, status, data)
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
