package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// MessageSource fetches one raw page of messages from the backend.
type MessageSource interface {
	FindMessages(ctx context.Context, remoteJID string, limit, page int) ([]byte, error)
}

// PageFetcher reads message pages through the Cache and coalesces
// concurrent identical fetches into one backend call.
type PageFetcher struct {
	source     MessageSource
	cache      *Cache
	timeout    time.Duration
	strict     bool
	extractors []Extractor
	logger     *slog.Logger
	group      singleflight.Group
}

// FetcherOption configures a PageFetcher.
type FetcherOption func(*PageFetcher)

// WithFetchTimeout bounds each backend call.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(f *PageFetcher) { f.timeout = d }
}

// WithStrictRefresh makes forceRefresh bypass a fresh cached page.
func WithStrictRefresh(strict bool) FetcherOption {
	return func(f *PageFetcher) { f.strict = strict }
}

// WithExtractors replaces the response unwrapping strategies.
func WithExtractors(ex ...Extractor) FetcherOption {
	return func(f *PageFetcher) { f.extractors = ex }
}

// WithFetcherLogger sets the logger for failed and malformed fetches.
func WithFetcherLogger(l *slog.Logger) FetcherOption {
	return func(f *PageFetcher) { f.logger = l }
}

// NewPageFetcher creates a fetcher reading through cache.
func NewPageFetcher(source MessageSource, cache *Cache, opts ...FetcherOption) *PageFetcher {
	f := &PageFetcher{
		source:     source,
		cache:      cache,
		timeout:    DefaultFetchTimeout,
		extractors: DefaultExtractors(messageArrayKeys...),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchPage returns one page of a conversation, newest first.
//
// A forced refresh is downgraded to a cache hit while the cached page is
// fresh, unless strict refresh is enabled. At most one backend call per
// (identity, pageSize, pageNumber) is in flight; later callers share its
// outcome. Cancelling ctx abandons the wait but not the shared call.
func (f *PageFetcher) FetchPage(ctx context.Context, identity string, pageSize, pageNumber int, forceRefresh bool) (*CachePage, error) {
	id := Normalize(identity)
	cached, hit := f.cache.Get(ctx, id, pageSize, pageNumber)
	force := forceRefresh && (!hit || f.strict)
	if hit && !force {
		return cached, nil
	}

	key := fmt.Sprintf("%s|%d|%d", StorageKey(id), pageSize, pageNumber)
	ch := f.group.DoChan(key, func() (any, error) {
		return f.fetch(context.WithoutCancel(ctx), id, pageSize, pageNumber)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clonePage(res.Val.(*CachePage)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *PageFetcher) fetch(ctx context.Context, id string, pageSize, pageNumber int) (*CachePage, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	body, err := f.source.FindMessages(ctx, id, pageSize, pageNumber)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTransient) {
			err = fmt.Errorf("%w: %w", ErrTransient, err)
		}
		f.logger.WarnContext(ctx, "fetch page failed",
			"identity", id, "pageSize", pageSize, "page", pageNumber, "err", err)
		return nil, err
	}

	items, ok := ExtractArray(body, f.extractors)
	if !ok {
		f.logger.WarnContext(ctx, "fetch page: malformed response",
			"identity", id, "page", pageNumber, "bytes", len(body))
		return &CachePage{Records: []MessageRecord{}}, nil
	}

	records := decodeRecords(items, id, f.logger)
	SortNewestFirst(records)
	f.cache.Put(ctx, id, pageSize, pageNumber, records)
	return &CachePage{Records: records, LastUpdated: time.Now().UnixMilli()}, nil
}
