package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.chatsync/config.toml.
type Config struct {
	Default  ConfigDefault  `toml:"default"`
	Cache    ConfigCache    `toml:"cache"`
	Realtime ConfigRealtime `toml:"realtime"`
}

// ConfigDefault holds backend connection settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	Token    string `toml:"token"`
	Instance string `toml:"instance"`
}

// ConfigCache selects the durable cache tier.
type ConfigCache struct {
	Backend   string `toml:"backend"` // "memory", "sqlite" or "redis"
	Path      string `toml:"path"`
	RedisAddr string `toml:"redis_addr"`
	RedisDB   int    `toml:"redis_db"`
	TTL       string `toml:"ttl"`
}

// ConfigRealtime holds push transport settings.
type ConfigRealtime struct {
	WSURL         string `toml:"ws_url"`
	SSEURL        string `toml:"sse_url"`
	PingURL       string `toml:"ping_url"`
	WebhookSecret string `toml:"webhook_secret"`
	WebhookAddr   string `toml:"webhook_addr"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	if p := os.Getenv("CHATSYNC_CONFIG"); p != "" {
		return p, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file, then applies environment overrides.
func loadConfig() (*Config, error) {
	cfg, err := loadConfigFile()
	if err != nil {
		return nil, err
	}
	applyEnv(cfg)
	return cfg, nil
}

// loadConfigFile parses the config file alone. A missing file yields a
// zero-value Config.
func loadConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("cannot read config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config: %w", err)
		}
	}
	return cfg, nil
}

// applyEnv lets CHATSYNC_* variables override the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATSYNC_TOKEN"); v != "" {
		cfg.Default.Token = v
	}
	if v := os.Getenv("CHATSYNC_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("CHATSYNC_INSTANCE"); v != "" {
		cfg.Default.Instance = v
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "cache.backend").
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "instance":
			cfg.Default.Instance = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "cache":
		switch field {
		case "backend":
			switch value {
			case "memory", "sqlite", "redis":
				cfg.Cache.Backend = value
			default:
				return fmt.Errorf("cache backend must be memory, sqlite or redis, got %q", value)
			}
		case "path":
			cfg.Cache.Path = value
		case "redis_addr":
			cfg.Cache.RedisAddr = value
		case "redis_db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("redis_db must be an integer: %w", err)
			}
			cfg.Cache.RedisDB = n
		case "ttl":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("ttl must be a duration (e.g. 5m): %w", err)
			}
			cfg.Cache.TTL = value
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "realtime":
		switch field {
		case "ws_url":
			cfg.Realtime.WSURL = value
		case "sse_url":
			cfg.Realtime.SSEURL = value
		case "ping_url":
			cfg.Realtime.PingURL = value
		case "webhook_secret":
			cfg.Realtime.WebhookSecret = value
		case "webhook_addr":
			cfg.Realtime.WebhookAddr = value
		default:
			return fmt.Errorf("unknown field %q in section [realtime]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, cache, realtime)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose bool
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "chatsync CLI",
	Long:  "Command-line interface for the chatsync conversation cache.\nBrowse chats and messages, send text, and watch realtime events.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
