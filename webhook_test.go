package chatsync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-webhook-secret-key"

type recordingSink struct {
	payloads [][]byte
	err      error
}

func (s *recordingSink) Inject(_ context.Context, data []byte) error {
	if s.err != nil {
		return s.err
	}
	s.payloads = append(s.payloads, data)
	return nil
}

func makeTestEventBody() []byte {
	b, _ := json.Marshal(map[string]any{
		"event": EventMessagesUpsert,
		"data": map[string]any{
			"key": map[string]any{
				"remoteJid": "5511999998888@s.whatsapp.net",
				"fromMe":    false,
				"id":        "wh-001",
			},
			"pushName":         "Ana",
			"messageType":      "conversation",
			"message":          map[string]any{"conversation": "Hello from webhook"},
			"messageTimestamp": 1700000000,
		},
	})
	return b
}

// ============================================================================
// VerifyWebhookSignature
// ============================================================================

func TestVerifyWebhookSignature(t *testing.T) {
	t.Run("valid signature", func(t *testing.T) {
		body := makeTestEventBody()
		if !VerifyWebhookSignature(body, SignWebhookBody(body, testSecret), testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		body := makeTestEventBody()
		sig := strings.TrimPrefix(SignWebhookBody(body, testSecret), "sha256=")
		if !VerifyWebhookSignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		body := makeTestEventBody()
		if VerifyWebhookSignature(body, SignWebhookBody(body, "wrong-secret"), testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		body := makeTestEventBody()
		sig := SignWebhookBody(body, testSecret)
		if VerifyWebhookSignature(append(body, 'x'), sig, testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifyWebhookSignature(nil, "sha256=abc", testSecret) {
			t.Fatal("expected false for empty body")
		}
		if VerifyWebhookSignature([]byte("body"), "", testSecret) {
			t.Fatal("expected false for empty signature")
		}
		if VerifyWebhookSignature([]byte("body"), "sha256=abc", "") {
			t.Fatal("expected false for empty secret")
		}
		if VerifyWebhookSignature([]byte("body"), "sha256=", testSecret) {
			t.Fatal("expected false for sha256= prefix only")
		}
	})
}

// ============================================================================
// WebhookReceiver
// ============================================================================

func TestNewWebhookReceiver(t *testing.T) {
	if _, err := NewWebhookReceiver("", &recordingSink{}, nil); err == nil {
		t.Fatal("expected error for empty secret")
	}
	if _, err := NewWebhookReceiver(testSecret, nil, nil); err == nil {
		t.Fatal("expected error for nil sink")
	}
}

func TestWebhookReceiverHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid signature", func(t *testing.T) {
		sink := &recordingSink{}
		wh, _ := NewWebhookReceiver(testSecret, sink, nil)
		status, data := wh.Handle(ctx, makeTestEventBody(), "sha256=bad")
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
		if data.(map[string]string)["error"] != "Invalid signature" {
			t.Fatalf("unexpected body: %v", data)
		}
		if len(sink.payloads) != 0 {
			t.Fatal("sink must not see unverified bodies")
		}
	})

	t.Run("sink rejects payload", func(t *testing.T) {
		wh, _ := NewWebhookReceiver(testSecret, &recordingSink{err: errors.New("bad json")}, nil)
		body := []byte(`not json`)
		status, _ := wh.Handle(ctx, body, SignWebhookBody(body, testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("success", func(t *testing.T) {
		sink := &recordingSink{}
		wh, _ := NewWebhookReceiver(testSecret, sink, nil)
		body := makeTestEventBody()
		status, data := wh.Handle(ctx, body, SignWebhookBody(body, testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if !data.(map[string]bool)["ok"] {
			t.Fatal("expected ok:true")
		}
		if len(sink.payloads) != 1 {
			t.Fatalf("expected 1 injected payload, got %d", len(sink.payloads))
		}
	})
}

func TestWebhookReceiverServeHTTP(t *testing.T) {
	t.Run("GET returns 405", func(t *testing.T) {
		wh, _ := NewWebhookReceiver(testSecret, &recordingSink{}, nil)
		w := httptest.NewRecorder()
		wh.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/webhook", nil))
		if w.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", w.Code)
		}
	})

	t.Run("event reaches transport cache and subscribers", func(t *testing.T) {
		ctx := context.Background()
		cache := NewCache(nil)
		cache.Put(ctx, "5511999998888", DefaultPageSize, 1, nil)

		tr := NewTransport(TransportConfig{Cache: cache})
		var got *Event
		tr.SubscribeFunc(func(e *Event) error { got = e; return nil })

		wh, _ := NewWebhookReceiver(testSecret, tr, nil)
		body := makeTestEventBody()
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(string(body)))
		req.Header.Set(SignatureHeader, SignWebhookBody(body, testSecret))
		w := httptest.NewRecorder()
		wh.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		if got == nil || got.Key.ID != "wh-001" {
			t.Fatalf("subscriber did not receive event: %+v", got)
		}
		page, ok := cache.Get(ctx, "5511999998888@s.whatsapp.net", DefaultPageSize, 1)
		if !ok || len(page.Records) != 1 || page.Records[0].Text() != "Hello from webhook" {
			t.Fatalf("cache not primed: %+v", page)
		}
	})
}
