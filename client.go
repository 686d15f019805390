// Package chatsync keeps a local, paginated mirror of WhatsApp-style
// conversations consistent across REST page fetches, realtime push events,
// optimistic local sends and differently-formatted conversation identifiers.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://crm.example.com/webhook"))
//	inbox := chatsync.NewInbox(client, chatsync.NewMemoryStore(), chatsync.Config{})
//	defer inbox.Close()
//
//	page, _ := inbox.Messages(ctx, "5511999998888", 50, 1, false)
//	chats, _ := inbox.LoadChats(ctx, 1)
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
)

const DefaultTimeout = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client calls the backend's fixed set of webhook endpoints.
type Client struct {
	token      string
	baseURL    string
	instance   string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
	rest       *resty.Client
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithInstance appends an instance segment to every endpoint path.
func WithInstance(instance string) ClientOption {
	return func(c *Client) { c.instance = instance }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a backend client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.httpClient != nil {
		c.rest = resty.NewWithClient(c.httpClient)
	} else {
		c.rest = resty.New()
	}
	c.rest.
		SetBaseURL(c.baseURL).
		SetTimeout(c.timeout).
		SetHeader("Content-Type", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if c.token != "" {
		c.rest.SetAuthToken(c.token).SetHeader("apikey", c.token)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after re-authentication.
func (c *Client) SetToken(token string) {
	c.token = token
	c.rest.SetAuthToken(token).SetHeader("apikey", token)
}

// BaseURL returns the configured backend URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) endpoint(path string) string {
	if c.instance == "" {
		return path
	}
	return path + "/" + url.PathEscape(c.instance)
}

func (c *Client) doRequest(ctx context.Context, path string, body any) ([]byte, error) {
	start := time.Now()
	resp, err := c.rest.R().SetContext(ctx).SetBody(body).Post(c.endpoint(path))
	if err != nil {
		c.logger.DebugContext(ctx, "backend request failed", "path", path, "err", err)
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("request %s: %w", path, err)
		}
		return nil, fmt.Errorf("request %s: %w: %w", path, ErrTransient, err)
	}
	c.logger.DebugContext(ctx, "backend request",
		"path", path,
		"status", resp.StatusCode(),
		"latency", time.Since(start),
	)
	if resp.IsError() {
		return nil, newAPIError(resp.StatusCode(), resp.Body())
	}
	return resp.Body(), nil
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}
	var payload struct {
		Code    string `json:"code"`
		Message any    `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		e.Code = payload.Code
		switch m := payload.Message.(type) {
		case string:
			e.Message = m
		case []any:
			if len(m) > 0 {
				e.Message = fmt.Sprint(m[0])
			}
		}
		if e.Message == "" {
			e.Message = payload.Error
		}
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// ============================================================================
// Endpoints
// ============================================================================

// FindMessages returns the raw /findMessages body for one page. The body is
// unwrapped by the caller's extraction strategies.
func (c *Client) FindMessages(ctx context.Context, remoteJID string, limit, page int) ([]byte, error) {
	return c.doRequest(ctx, "/findMessages", map[string]any{
		"remoteJid": remoteJID,
		"limit":     limit,
		"page":      page,
	})
}

// FindChats returns one page of conversation summaries. A malformed body
// yields an empty page.
func (c *Client) FindChats(ctx context.Context, page, offset int) ([]ConversationSummary, error) {
	data, err := c.doRequest(ctx, "/findChats", map[string]any{
		"page":   page,
		"offset": offset,
	})
	if err != nil {
		return nil, err
	}
	items, ok := ExtractArray(data, DefaultExtractors(chatArrayKeys...))
	if !ok {
		c.logger.WarnContext(ctx, "findChats returned a malformed body", "bytes", len(data))
		return []ConversationSummary{}, nil
	}
	return decodeChats(items), nil
}

// SendMessage sends a text message and returns the persisted records.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) ([]MessageRecord, error) {
	data, err := c.doRequest(ctx, "/sendMessage", req)
	if err != nil {
		return nil, err
	}
	extractors := append(DefaultExtractors(messageArrayKeys...), singleRecord)
	items, ok := ExtractArray(data, extractors)
	if !ok {
		c.logger.WarnContext(ctx, "sendMessage returned a malformed body", "bytes", len(data))
		return []MessageRecord{}, nil
	}
	return decodeRecords(items, Normalize(req.Number), c.logger), nil
}

// FindContacts returns the CRM contact directory.
func (c *Client) FindContacts(ctx context.Context) ([]Contact, error) {
	data, err := c.doRequest(ctx, "/findContacts", map[string]any{})
	if err != nil {
		return nil, err
	}
	items, ok := ExtractArray(data, DefaultExtractors(contactArrayKeys...))
	if !ok {
		return []Contact{}, nil
	}
	return decodeArray[Contact](items), nil
}

// singleRecord treats a lone message object as a one-element array.
func singleRecord(body json.RawMessage) ([]json.RawMessage, bool) {
	obj, ok := asObject(body)
	if !ok {
		return nil, false
	}
	if _, hasKey := obj["key"]; !hasKey {
		return nil, false
	}
	return []json.RawMessage{body}, true
}

func decodeChats(items []json.RawMessage) []ConversationSummary {
	out := make([]ConversationSummary, 0, len(items))
	for _, item := range items {
		var wire struct {
			ConversationSummary
			ID string `json:"id"`
		}
		if err := json.Unmarshal(item, &wire); err != nil {
			continue
		}
		s := wire.ConversationSummary
		if s.RemoteJID == "" {
			s.RemoteJID = wire.ID
		}
		if s.RemoteJID == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}
