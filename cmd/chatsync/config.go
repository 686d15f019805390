package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// configKey describes one settable entry of config.toml.
type configKey struct {
	name   string
	help   string
	secret bool
	get    func(*Config) string
}

var configKeys = []configKey{
	{"default.base_url", "CRM backend base URL", false, func(c *Config) string { return c.Default.BaseURL }},
	{"default.token", "API token (CHATSYNC_TOKEN overrides)", true, func(c *Config) string { return c.Default.Token }},
	{"default.instance", "messaging instance name", false, func(c *Config) string { return c.Default.Instance }},
	{"cache.backend", "durable tier: memory, sqlite or redis", false, func(c *Config) string { return c.Cache.Backend }},
	{"cache.path", "sqlite database file", false, func(c *Config) string { return c.Cache.Path }},
	{"cache.redis_addr", "redis host:port", false, func(c *Config) string { return c.Cache.RedisAddr }},
	{"cache.redis_db", "redis database number", false, func(c *Config) string {
		if c.Cache.RedisDB == 0 {
			return ""
		}
		return strconv.Itoa(c.Cache.RedisDB)
	}},
	{"cache.ttl", "page lifetime, e.g. 5m", false, func(c *Config) string { return c.Cache.TTL }},
	{"realtime.ws_url", "websocket endpoint", false, func(c *Config) string { return c.Realtime.WSURL }},
	{"realtime.sse_url", "server-sent events fallback endpoint", false, func(c *Config) string { return c.Realtime.SSEURL }},
	{"realtime.ping_url", "heartbeat URL for the SSE fallback", false, func(c *Config) string { return c.Realtime.PingURL }},
	{"realtime.webhook_secret", "HMAC secret for webhook deliveries", true, func(c *Config) string { return c.Realtime.WebhookSecret }},
	{"realtime.webhook_addr", "listen address of the webhook receiver", false, func(c *Config) string { return c.Realtime.WebhookAddr }},
}

func lookupConfigKey(name string) (configKey, bool) {
	for _, k := range configKeys {
		if k.name == name {
			return k, true
		}
	}
	return configKey{}, false
}

func configKeyNames() []string {
	names := make([]string, len(configKeys))
	for i, k := range configKeys {
		names[i] = k.name
	}
	return names
}

// configKeysHelp renders the key table for command help.
func configKeysHelp() string {
	var b strings.Builder
	for _, k := range configKeys {
		fmt.Fprintf(&b, "  %-26s %s\n", k.name, k.help)
	}
	return b.String()
}

// effectiveConfig renders cfg as TOML with secrets masked.
func effectiveConfig(cfg *Config) (string, error) {
	shown := *cfg
	if shown.Default.Token != "" {
		shown.Default.Token = maskKey(shown.Default.Token)
	}
	if shown.Realtime.WebhookSecret != "" {
		shown.Realtime.WebhookSecret = maskKey(shown.Realtime.WebhookSecret)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}
	return string(data), nil
}

func completeConfigKeys(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return configKeyNames(), cobra.ShellCompDirectiveNoFileComp
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
	configShowCmd.Flags().Bool("raw", false, "print the file as stored, without env overrides or masking")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and edit chatsync settings",
	Long: "Inspect and edit ~/.chatsync/config.toml (or $CHATSYNC_CONFIG).\n\nKeys:\n" +
		configKeysHelp(),
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print the configuration chatsync will use: the file plus CHATSYNC_* overrides, secrets masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if raw, _ := cmd.Flags().GetBool("raw"); raw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				fmt.Fprintf(cmd.OutOrStdout(), "# %s does not exist; run 'chatsync init <token>'\n", path)
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out, err := effectiveConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:               "get <key>",
	Short:             "Print one configuration value",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeConfigKeys,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, ok := lookupConfigKey(args[0])
		if !ok {
			return fmt.Errorf("unknown key %q; run 'chatsync config --help' for the list", args[0])
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		value := key.get(cfg)
		if key.secret && value != "" {
			value = maskKey(value)
		}
		fmt.Fprintln(cmd.OutOrStdout(), value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value and save the file.\n\nKeys:\n" + configKeysHelp() +
		"\nExample: chatsync config set cache.backend sqlite",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: completeConfigKeys,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		// the file is rewritten as read, env overrides excluded
		cfg, err := loadConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		shown := value
		if k, _ := lookupConfigKey(key); k.secret {
			shown = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s = %s\n", key, shown)
		return nil
	},
}
