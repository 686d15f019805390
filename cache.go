package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Cache is a two-tier page cache: an in-process map in front of a durable
// Store. Reads fall through to the Store and rehydrate the map; writes go to
// both. Storage failures never surface; they degrade to a miss or a skipped
// persist.
type Cache struct {
	store     Store
	ttl       time.Duration
	lookupTTL time.Duration
	prefix    string
	now       func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	records map[string]*CacheRecord
	lookups map[string]lookupEnvelope
	closed  bool
}

type lookupEnvelope struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL sets how long a page stays fresh after it is written.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithLookupTTL sets how long auxiliary lookups stay fresh.
func WithLookupTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.lookupTTL = ttl }
}

// WithKeyPrefix namespaces every durable key.
func WithKeyPrefix(prefix string) CacheOption {
	return func(c *Cache) { c.prefix = prefix }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// WithCacheLogger sets the logger used for swallowed storage failures.
func WithCacheLogger(l *slog.Logger) CacheOption {
	return func(c *Cache) { c.logger = l }
}

// NewCache creates a cache over store. A nil store gets a MemoryStore.
// The caller keeps ownership of store; Close does not close it.
func NewCache(store Store, opts ...CacheOption) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	c := &Cache{
		store:     store,
		ttl:       DefaultCacheTTL,
		lookupTTL: DefaultLookupTTL,
		prefix:    DefaultKeyPrefix,
		now:       time.Now,
		logger:    slog.Default(),
		records:   make(map[string]*CacheRecord),
		lookups:   make(map[string]lookupEnvelope),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close drops the in-process tier. Later calls behave as an empty cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.records = make(map[string]*CacheRecord)
	c.lookups = make(map[string]lookupEnvelope)
	return nil
}

// ── Pages ───────────────────────────────────────────────

// Get returns a fresh cached page. An expired page is reported as absent.
func (c *Cache) Get(ctx context.Context, identity string, pageSize, pageNumber int) (*CachePage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	page := c.freshPage(ctx, StorageKey(identity), pageKey(pageSize, pageNumber))
	if page == nil {
		return nil, false
	}
	return clonePage(page), true
}

// Put stores a complete page, stamping a new expiry, in both tiers.
func (c *Cache) Put(ctx context.Context, identity string, pageSize, pageNumber int, records []MessageRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	key := StorageKey(identity)
	rec := c.currentRecord(ctx, key)
	c.stampPage(rec, pageKey(pageSize, pageNumber), append([]MessageRecord(nil), records...))
	c.records[key] = rec
	c.persist(ctx, key, rec)
}

// Prepend inserts r at the head of an existing fresh page and truncates the
// page to pageSize. Records sharing r's id or correlation id are replaced.
// Without an existing page it does nothing and reports false.
func (c *Cache) Prepend(ctx context.Context, identity string, r MessageRecord, pageSize, pageNumber int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	key := StorageKey(identity)
	pk := pageKey(pageSize, pageNumber)
	page := c.freshPage(ctx, key, pk)
	if page == nil {
		return false
	}

	records := make([]MessageRecord, 0, len(page.Records)+1)
	records = append(records, r)
	for _, existing := range page.Records {
		if sameRecord(&existing, &r) {
			continue
		}
		records = append(records, existing)
	}
	if pageSize > 0 && len(records) > pageSize {
		records = records[:pageSize]
	}

	rec := c.records[key]
	c.stampPage(rec, pk, records)
	c.persist(ctx, key, rec)
	return true
}

// Mutate applies fn to every cached copy of message id in the identity's
// pages and reports whether any was found.
func (c *Cache) Mutate(ctx context.Context, identity, id string, fn func(*MessageRecord)) bool {
	return c.rewrite(ctx, identity, func(records []MessageRecord) ([]MessageRecord, bool) {
		changed := false
		for i := range records {
			if records[i].Key.ID == id {
				fn(&records[i])
				changed = true
			}
		}
		return records, changed
	})
}

// Remove deletes message id from every cached page of the identity.
func (c *Cache) Remove(ctx context.Context, identity, id string) bool {
	return c.rewrite(ctx, identity, func(records []MessageRecord) ([]MessageRecord, bool) {
		out := records[:0]
		for _, r := range records {
			if r.Key.ID != id {
				out = append(out, r)
			}
		}
		return out, len(out) != len(records)
	})
}

// Reconcile swaps the record carrying correlationID for r. A copy of r that
// arrived earlier (e.g. by realtime echo) is dropped so r appears once.
func (c *Cache) Reconcile(ctx context.Context, identity, correlationID string, r MessageRecord) bool {
	return c.rewrite(ctx, identity, func(records []MessageRecord) ([]MessageRecord, bool) {
		idx := -1
		for i := range records {
			if records[i].CorrelationID == correlationID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return records, false
		}
		out := records[:0]
		for i, existing := range records {
			switch {
			case i == idx:
				out = append(out, r)
			case existing.CorrelationID == correlationID:
			case r.Key.ID != "" && existing.Key.ID == r.Key.ID:
			default:
				out = append(out, existing)
			}
		}
		return out, true
	})
}

// Invalidate removes every page of the identity from both tiers.
func (c *Cache) Invalidate(ctx context.Context, identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := StorageKey(identity)
	delete(c.records, key)
	if err := c.store.Delete(ctx, c.messagesKey(key)); err != nil {
		c.logger.Warn("cache invalidate failed", "key", key, "err", err)
	}
}

// rewrite runs fn over each page's records, re-persisting when fn reports a
// change. Page expiry stamps are left alone.
func (c *Cache) rewrite(ctx context.Context, identity string, fn func([]MessageRecord) ([]MessageRecord, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	key := StorageKey(identity)
	rec := c.currentRecord(ctx, key)
	changed := false
	for _, page := range rec.ByPage {
		records, ok := fn(append([]MessageRecord(nil), page.Records...))
		if ok {
			page.Records = records
			changed = true
		}
	}
	if !changed {
		return false
	}
	rec.LastUpdated = c.now().UnixMilli()
	c.records[key] = rec
	c.persist(ctx, key, rec)
	return true
}

// freshPage finds an unexpired page in tier 1, then in tier 2. A tier 2 hit
// is written back into tier 1.
func (c *Cache) freshPage(ctx context.Context, key, pk string) *CachePage {
	now := c.now().UnixMilli()
	if page := pageIfFresh(c.records[key], pk, now); page != nil {
		return page
	}
	durable := c.loadDurable(ctx, key)
	page := pageIfFresh(durable, pk, now)
	if page == nil {
		return nil
	}
	rec := c.records[key]
	if rec == nil {
		c.records[key] = durable
		return page
	}
	for k, p := range durable.ByPage {
		if cur, ok := rec.ByPage[k]; !ok || cur.LastUpdated < p.LastUpdated {
			rec.ByPage[k] = p
		}
	}
	return rec.ByPage[pk]
}

// currentRecord returns the tier 1 record, rehydrating from tier 2 or
// starting empty.
func (c *Cache) currentRecord(ctx context.Context, key string) *CacheRecord {
	if rec := c.records[key]; rec != nil {
		return rec
	}
	if rec := c.loadDurable(ctx, key); rec != nil {
		c.records[key] = rec
		return rec
	}
	return &CacheRecord{ByPage: make(map[string]*CachePage)}
}

func (c *Cache) stampPage(rec *CacheRecord, pk string, records []MessageRecord) {
	now := c.now()
	expireAt := now.Add(c.ttl).UnixMilli()
	rec.ByPage[pk] = &CachePage{
		Records:     records,
		LastUpdated: now.UnixMilli(),
		ExpireAt:    expireAt,
	}
	rec.LastUpdated = now.UnixMilli()
	if expireAt > rec.ExpireAt {
		rec.ExpireAt = expireAt
	}
}

func (c *Cache) loadDurable(ctx context.Context, key string) *CacheRecord {
	data, err := c.store.Load(ctx, c.messagesKey(key))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.logger.Warn("cache durable read failed", "key", key, "err", err)
		}
		return nil
	}
	var rec CacheRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.ByPage == nil {
		c.logger.Warn("cache durable entry corrupt", "key", key, "err", err)
		return nil
	}
	return &rec
}

func (c *Cache) persist(ctx context.Context, key string, rec *CacheRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		c.logger.Warn("cache encode failed", "key", key, "err", err)
		return
	}
	if err := c.store.Save(ctx, c.messagesKey(key), data); err != nil {
		c.logger.Warn("cache durable write failed", "key", key, "err", err)
	}
}

func (c *Cache) messagesKey(key string) string { return c.prefix + "msgs:" + key }
func (c *Cache) lookupKey(name string) string  { return c.prefix + "lookup:" + name }

// ── Auxiliary lookups ───────────────────────────────────

// PutLookup stores side data (contacts, tags, departments) under name.
func (c *Cache) PutLookup(ctx context.Context, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("lookup encode failed", "name", name, "err", err)
		return
	}
	env := lookupEnvelope{Data: data, Timestamp: c.now().UnixMilli()}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.lookups[name] = env
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.store.Save(ctx, c.lookupKey(name), raw); err != nil {
		c.logger.Warn("lookup durable write failed", "name", name, "err", err)
	}
}

// GetLookup decodes fresh side data stored under name into dst.
func (c *Cache) GetLookup(ctx context.Context, name string, dst any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	deadline := c.now().Add(-c.lookupTTL).UnixMilli()
	env, ok := c.lookups[name]
	if !ok || env.Timestamp < deadline {
		raw, err := c.store.Load(ctx, c.lookupKey(name))
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				c.logger.Warn("lookup durable read failed", "name", name, "err", err)
			}
			return false
		}
		if err := json.Unmarshal(raw, &env); err != nil || env.Timestamp < deadline {
			return false
		}
		c.lookups[name] = env
	}
	return json.Unmarshal(env.Data, dst) == nil
}

// ── helpers ─────────────────────────────────────────────

func pageIfFresh(rec *CacheRecord, pk string, nowMillis int64) *CachePage {
	if rec == nil {
		return nil
	}
	page, ok := rec.ByPage[pk]
	if !ok || page == nil || nowMillis > page.ExpireAt {
		return nil
	}
	return page
}

func clonePage(p *CachePage) *CachePage {
	cp := *p
	cp.Records = append([]MessageRecord(nil), p.Records...)
	return &cp
}

func sameRecord(a, b *MessageRecord) bool {
	if a.Key.ID != "" && a.Key.ID == b.Key.ID {
		return true
	}
	return a.CorrelationID != "" && a.CorrelationID == b.CorrelationID
}
