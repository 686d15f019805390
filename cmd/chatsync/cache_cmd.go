package main

import (
	"context"
	"fmt"
	"time"

	"github.com/crmflow/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local message cache",
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate <identity>...",
	Short: "Drop every cached page of the given conversations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		store, err := openStore(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to open cache: %w", err)
		}
		defer store.Close()

		cache := chatsync.NewCache(store)
		defer cache.Close()
		for _, id := range args {
			cache.Invalidate(ctx, id)
			fmt.Printf("Invalidated %s\n", chatsync.StorageKey(id))
		}
		return nil
	},
}
