package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	messagesLimit   int
	messagesPage    int
	messagesRefresh bool
	messagesJSON    bool
)

func init() {
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Page size")
	messagesCmd.Flags().IntVar(&messagesPage, "page", 1, "Page number")
	messagesCmd.Flags().BoolVar(&messagesRefresh, "refresh", false, "Request a refresh from the backend")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(messagesCmd)
}

var messagesCmd = &cobra.Command{
	Use:   "messages <identity>",
	Short: "Show one page of a conversation",
	Long:  "Show one page of a conversation, newest first. The identity may be a phone number or a full JID.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		inbox, _, cleanup, err := openInbox(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		page, err := inbox.Messages(ctx, args[0], messagesLimit, messagesPage, messagesRefresh)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if messagesJSON {
			return printJSON(page.Records)
		}
		if len(page.Records) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, r := range page.Records {
			who := valueOrDefault(r.PushName, "them")
			if r.FromMe() {
				who = "me"
			}
			ts := time.Unix(int64(r.MessageTimestamp), 0).Format("2006-01-02 15:04:05")
			fmt.Printf("[%s] %-12s %s\n", ts, truncate(who, 12), r.Text())
		}
		return nil
	},
}
