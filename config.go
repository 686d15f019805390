package chatsync

import (
	"log/slog"
	"time"
)

const (
	DefaultPageSize          = 50
	DefaultCacheTTL          = 5 * time.Minute
	DefaultLookupTTL         = 10 * time.Minute
	DefaultFetchTimeout      = 8 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultKeyPrefix         = "chatsync:"
)

// Config holds the tunables shared by the Inbox and its components. Zero
// fields take the package defaults.
type Config struct {
	PageSize          int
	CacheTTL          time.Duration
	LookupTTL         time.Duration
	FetchTimeout      time.Duration
	ReconnectDelay    time.Duration
	HeartbeatInterval time.Duration
	KeyPrefix         string
	// StrictRefresh makes a forced refresh hit the network even when a
	// fresh page is cached.
	StrictRefresh bool
	Logger        *slog.Logger
}

func (c *Config) defaults() {
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.LookupTTL == 0 {
		c.LookupTTL = DefaultLookupTTL
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
