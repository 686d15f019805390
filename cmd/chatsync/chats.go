package main

import (
	"context"
	"fmt"
	"time"

	"github.com/crmflow/chatsync"
	"github.com/spf13/cobra"
)

var (
	chatsPage     int
	chatsContacts bool
	chatsJSON     bool
)

func init() {
	chatsCmd.Flags().IntVar(&chatsPage, "page", 1, "Page number")
	chatsCmd.Flags().BoolVar(&chatsContacts, "contacts", false, "Join the CRM contact directory onto each row")
	chatsCmd.Flags().BoolVar(&chatsJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(chatsCmd)
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List conversations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		inbox, _, cleanup, err := openInbox(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if chatsContacts {
			if _, err := inbox.LoadContacts(ctx); err != nil {
				return err
			}
		}
		var chats []chatsync.ConversationSummary
		for p := 1; p <= chatsPage; p++ {
			if chats, err = inbox.LoadChats(ctx, p); err != nil {
				return err
			}
		}

		if chatsJSON {
			return printJSON(chats)
		}
		if len(chats) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range chats {
			name := valueOrDefault(c.Name, "-")
			text := ""
			when := ""
			if c.LastMessage != nil {
				text = truncate(c.LastMessage.Text, 48)
				when = time.Unix(int64(c.LastMessage.Timestamp), 0).Format("2006-01-02 15:04")
			}
			fmt.Printf("%-32s %-20s %-16s %s\n", c.Key, truncate(name, 20), when, text)
		}
		return nil
	},
}
