package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Inbox events emitted to On handlers.
const (
	InboxMessageLocal     = "message.local"
	InboxMessageConfirmed = "message.confirmed"
	InboxMessageFailed    = "message.failed"
	InboxChatsUpdated     = "chats.updated"
)

const lookupContacts = "contacts"

// Backend is the set of backend calls the Inbox needs. *Client implements it.
type Backend interface {
	MessageSource
	FindChats(ctx context.Context, page, offset int) ([]ConversationSummary, error)
	SendMessage(ctx context.Context, req SendRequest) ([]MessageRecord, error)
	FindContacts(ctx context.Context) ([]Contact, error)
}

// ============================================================================
// Event Emitter
// ============================================================================

// InboxEventHandler handles inbox events.
type InboxEventHandler func(event string, payload any)

type inboxEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]InboxEventHandler
	logger    *slog.Logger
}

// On registers handler for event.
func (e *inboxEmitter) On(event string, handler InboxEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *inboxEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("inbox handler panicked", "event", event, "panic", r)
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *inboxEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]InboxEventHandler)
}

// ============================================================================
// Inbox
// ============================================================================

// Inbox wires the cache, the coalescing fetcher, the chat list and an
// optional realtime transport around one backend.
type Inbox struct {
	inboxEmitter

	cfg     Config
	backend Backend
	cache   *Cache
	fetcher *PageFetcher
	chats   *ChatList
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	transport   *Transport
	unsubscribe func()
	closed      bool
}

// NewInbox creates an inbox over backend, persisting pages to store (nil
// keeps them in memory).
func NewInbox(backend Backend, store Store, cfg Config) *Inbox {
	cfg.defaults()
	cache := NewCache(store,
		WithTTL(cfg.CacheTTL),
		WithLookupTTL(cfg.LookupTTL),
		WithKeyPrefix(cfg.KeyPrefix),
		WithCacheLogger(cfg.Logger),
	)
	return &Inbox{
		inboxEmitter: inboxEmitter{
			listeners: make(map[string][]InboxEventHandler),
			logger:    cfg.Logger,
		},
		cfg:     cfg,
		backend: backend,
		cache:   cache,
		fetcher: NewPageFetcher(backend, cache,
			WithFetchTimeout(cfg.FetchTimeout),
			WithStrictRefresh(cfg.StrictRefresh),
			WithFetcherLogger(cfg.Logger),
		),
		chats:  NewChatList(),
		logger: cfg.Logger,
		now:    time.Now,
	}
}

func (i *Inbox) Cache() *Cache { return i.cache }

func (i *Inbox) Chats() *ChatList { return i.chats }

func (i *Inbox) Fetcher() *PageFetcher { return i.fetcher }

// Messages returns one page of a conversation through the cache.
func (i *Inbox) Messages(ctx context.Context, identity string, pageSize, pageNumber int, forceRefresh bool) (*CachePage, error) {
	if pageSize <= 0 {
		pageSize = i.cfg.PageSize
	}
	if pageNumber <= 0 {
		pageNumber = 1
	}
	return i.fetcher.FetchPage(ctx, identity, pageSize, pageNumber, forceRefresh)
}

// LoadChats fetches one page of conversation summaries and merges it into
// the chat list. Returns the merged list.
func (i *Inbox) LoadChats(ctx context.Context, page int) ([]ConversationSummary, error) {
	if page <= 0 {
		page = 1
	}
	incoming, err := i.backend.FindChats(ctx, page, (page-1)*i.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("load chats: %w", err)
	}
	merged := i.chats.Merge(incoming)
	i.emit(InboxChatsUpdated, merged)
	return merged, nil
}

// RefreshChats drops the current rows and reloads the first page.
func (i *Inbox) RefreshChats(ctx context.Context) ([]ConversationSummary, error) {
	incoming, err := i.backend.FindChats(ctx, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("refresh chats: %w", err)
	}
	i.chats.Reset()
	merged := i.chats.Merge(incoming)
	i.emit(InboxChatsUpdated, merged)
	return merged, nil
}

// LoadContacts loads the contact directory, from the lookup cache while it
// is fresh, and joins it onto the chat list.
func (i *Inbox) LoadContacts(ctx context.Context) ([]Contact, error) {
	var contacts []Contact
	if !i.cache.GetLookup(ctx, lookupContacts, &contacts) {
		fetched, err := i.backend.FindContacts(ctx)
		if err != nil {
			return nil, fmt.Errorf("load contacts: %w", err)
		}
		contacts = fetched
		i.cache.PutLookup(ctx, lookupContacts, contacts)
	}
	i.chats.Enrich(NewContactIndex(contacts))
	return contacts, nil
}

// Send sends text optimistically. A pending record is placed at the head of
// the conversation's first page, then replaced by the server's record on
// success or marked failed on error. The returned record is the final one.
func (i *Inbox) Send(ctx context.Context, identity, text string) (MessageRecord, error) {
	id := Normalize(identity)
	correlationID := uuid.NewString()
	payload, _ := json.Marshal(map[string]string{"conversation": text})

	pending := MessageRecord{
		Key: MessageKey{
			RemoteJID: id,
			FromMe:    boolPtr(true),
			ID:        "local-" + correlationID,
		},
		MessageType:      "conversation",
		Message:          payload,
		MessageTimestamp: Timestamp(i.now().Unix()),
		Status:           StatusPending,
		CorrelationID:    correlationID,
	}
	i.cache.Prepend(ctx, id, pending, i.cfg.PageSize, 1)
	i.emit(InboxMessageLocal, pending)

	number := id
	if digits, ok := DigitsOnly(id); ok {
		number = digits
	}
	records, err := i.backend.SendMessage(ctx, SendRequest{Number: number, Text: text})
	if err != nil {
		failed := pending
		failed.Status = StatusFailed
		i.cache.Mutate(ctx, id, pending.Key.ID, func(r *MessageRecord) { r.Status = StatusFailed })
		i.emit(InboxMessageFailed, failed)
		i.logger.WarnContext(ctx, "send failed", "identity", id, "correlationId", correlationID, "err", err)
		return failed, fmt.Errorf("send message: %w", err)
	}

	confirmed := pending
	confirmed.Status = StatusConfirmed
	if len(records) > 0 {
		confirmed = records[0]
		if confirmed.Key.RemoteJID == "" {
			confirmed.Key.RemoteJID = id
		}
		confirmed.Status = StatusConfirmed
		confirmed.CorrelationID = correlationID
	}
	i.cache.Reconcile(ctx, id, correlationID, confirmed)
	merged := i.chats.ApplyMessage(confirmed)
	i.emit(InboxMessageConfirmed, confirmed)
	i.emit(InboxChatsUpdated, merged)
	return confirmed, nil
}

// Invalidate drops every cached page of a conversation.
func (i *Inbox) Invalidate(ctx context.Context, identity string) {
	i.cache.Invalidate(ctx, identity)
}

// ── Realtime ──────────────────────────────────────────────

// Start connects a realtime transport over primary with secondary as
// fallback. Pushed messages prime the cache and update the chat list.
func (i *Inbox) Start(ctx context.Context, primary, secondary Dialer) (*Transport, error) {
	t := NewTransport(TransportConfig{
		Primary:           primary,
		Secondary:         secondary,
		ReconnectDelay:    i.cfg.ReconnectDelay,
		HeartbeatInterval: i.cfg.HeartbeatInterval,
		Cache:             i.cache,
		PageSize:          i.cfg.PageSize,
		Logger:            i.logger,
	})
	if err := i.Attach(t); err != nil {
		return nil, err
	}
	if err := t.Start(ctx); err != nil {
		i.detach()
		return nil, err
	}
	return t, nil
}

// Attach subscribes the chat list to t. The inbox owns t afterwards and
// closes it on Close.
func (i *Inbox) Attach(t *Transport) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrClosed
	}
	if i.transport != nil {
		return fmt.Errorf("attach transport: already attached")
	}
	i.transport = t
	i.unsubscribe = t.SubscribeFunc(func(e *Event) error {
		if i.chats.ApplyEvent(e) {
			i.emit(InboxChatsUpdated, i.chats.Snapshot())
		}
		return nil
	})
	return nil
}

func (i *Inbox) detach() *Transport {
	i.mu.Lock()
	defer i.mu.Unlock()
	t := i.transport
	if i.unsubscribe != nil {
		i.unsubscribe()
	}
	i.transport, i.unsubscribe = nil, nil
	return t
}

// Close stops the transport, drops the in-process cache tier and removes
// every handler. The Store passed to NewInbox stays open.
func (i *Inbox) Close() error {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return nil
	}
	i.closed = true
	i.mu.Unlock()

	if t := i.detach(); t != nil {
		t.Close()
	}
	i.removeAll()
	return i.cache.Close()
}
