package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/crmflow/chatsync"
	"github.com/goccy/go-json"
)

// getClient creates a backend client from the config, or exits when no
// token is configured.
func getClient(cfg *Config) *chatsync.Client {
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync init <token>' or set CHATSYNC_TOKEN.")
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'chatsync config set default.base_url <url>'.")
		os.Exit(1)
	}

	opts := []chatsync.ClientOption{
		chatsync.WithBaseURL(cfg.Default.BaseURL),
		chatsync.WithLogger(slog.Default()),
	}
	if cfg.Default.Instance != "" {
		opts = append(opts, chatsync.WithInstance(cfg.Default.Instance))
	}
	return chatsync.NewClient(cfg.Default.Token, opts...)
}

// openStore opens the durable cache tier selected by [cache].
func openStore(ctx context.Context, cfg *Config) (chatsync.Store, error) {
	switch cfg.Cache.Backend {
	case "", "memory":
		return chatsync.NewMemoryStore(), nil
	case "sqlite":
		path := cfg.Cache.Path
		if path == "" {
			dir, err := configDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(dir, "cache.db")
		}
		store, err := chatsync.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "redis":
		addr := cfg.Cache.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		store, err := chatsync.NewRedisStore(ctx, chatsync.RedisConfig{Addr: addr, DB: cfg.Cache.RedisDB})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// openInbox builds an Inbox over the configured backend and store. The
// returned cleanup closes both.
func openInbox(ctx context.Context) (*chatsync.Inbox, *Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	client := getClient(cfg)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}

	libCfg := chatsync.Config{Logger: slog.Default()}
	if cfg.Cache.TTL != "" {
		ttl, err := time.ParseDuration(cfg.Cache.TTL)
		if err != nil {
			store.Close()
			return nil, nil, nil, fmt.Errorf("invalid cache.ttl: %w", err)
		}
		libCfg.CacheTTL = ttl
	}

	inbox := chatsync.NewInbox(client, store, libCfg)
	cleanup := func() {
		inbox.Close()
		store.Close()
	}
	return inbox, cfg, cleanup, nil
}

// dialers builds the realtime dialers from [realtime].
func dialers(cfg *Config) (primary, secondary chatsync.Dialer) {
	header := http.Header{}
	if cfg.Default.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Default.Token)
		header.Set("apikey", cfg.Default.Token)
	}
	if cfg.Realtime.WSURL != "" {
		primary = &chatsync.WebSocketDialer{URL: cfg.Realtime.WSURL, Header: header}
	}
	if cfg.Realtime.SSEURL != "" {
		secondary = &chatsync.SSEDialer{URL: cfg.Realtime.SSEURL, PingURL: cfg.Realtime.PingURL, Header: header}
	}
	return primary, secondary
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
