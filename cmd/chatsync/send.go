package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var sendJSON bool

func init() {
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <identity> <message>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		inbox, _, cleanup, err := openInbox(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		rec, err := inbox.Send(ctx, args[0], args[1])
		if err != nil {
			return err
		}

		if sendJSON {
			return printJSON(rec)
		}
		fmt.Printf("Message sent to %s\n", rec.Key.RemoteJID)
		fmt.Printf("  Message ID: %s\n", rec.Key.ID)
		fmt.Printf("  Status:     %s\n", rec.Status)
		return nil
	},
}
