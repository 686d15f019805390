package main

import (
	"fmt"
	"strings"

	"github.com/crmflow/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(normalizeCmd)
}

var normalizeCmd = &cobra.Command{
	Use:   "normalize <identity>...",
	Short: "Print the canonical form of conversation identifiers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, raw := range args {
			fmt.Printf("%s\n", raw)
			fmt.Printf("  canonical:  %s\n", chatsync.Normalize(raw))
			fmt.Printf("  storage:    %s\n", chatsync.StorageKey(raw))
			fmt.Printf("  candidates: %s\n", strings.Join(chatsync.Candidates(raw), ", "))
		}
		return nil
	},
}
