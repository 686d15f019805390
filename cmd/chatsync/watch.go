package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crmflow/chatsync"
	"github.com/spf13/cobra"
)

var watchJSON bool

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print each event as raw JSON")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream realtime events until interrupted",
	Long: "Connect to the realtime stream (WebSocket, falling back to SSE) and print events as they arrive.\n" +
		"When realtime.webhook_addr and realtime.webhook_secret are set, signed webhook deliveries are accepted too.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		inbox, cfg, cleanup, err := openInbox(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		primary, secondary := dialers(cfg)
		if primary == nil && secondary == nil && cfg.Realtime.WebhookAddr == "" {
			return fmt.Errorf("no realtime endpoint; set realtime.ws_url, realtime.sse_url or realtime.webhook_addr")
		}

		transport := chatsync.NewTransport(chatsync.TransportConfig{
			Primary:   primary,
			Secondary: secondary,
			Cache:     inbox.Cache(),
			Logger:    slog.Default(),
		})
		transport.OnStateChange(func(s chatsync.State) {
			slog.Info("realtime state", "state", s, "protocol", transport.Protocol())
		})
		transport.SubscribeFunc(printEvent)
		if err := inbox.Attach(transport); err != nil {
			return err
		}

		if primary != nil || secondary != nil {
			if err := transport.Start(ctx); err != nil {
				return err
			}
		}

		if cfg.Realtime.WebhookAddr != "" {
			srv, err := startWebhookServer(cfg, transport)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
		}

		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "Stopping.")
		return nil
	},
}

func startWebhookServer(cfg *Config, sink chatsync.EventSink) (*http.Server, error) {
	receiver, err := chatsync.NewWebhookReceiver(cfg.Realtime.WebhookSecret, sink, slog.Default())
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/webhook", receiver)
	srv := &http.Server{
		Addr:              cfg.Realtime.WebhookAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("webhook server stopped", "err", err)
		}
	}()
	slog.Info("webhook receiver listening", "addr", cfg.Realtime.WebhookAddr)
	return srv, nil
}

func printEvent(e *chatsync.Event) error {
	if watchJSON {
		fmt.Println(string(e.Raw))
		return nil
	}
	kind := valueOrDefault(e.Name, "event")
	switch {
	case e.IsDelete():
		fmt.Printf("%-16s %-32s deleted %s\n", kind, e.Identity(), e.Key.ID)
	case e.IsEdit():
		target, text, _ := e.Edit()
		fmt.Printf("%-16s %-32s edited %s: %s\n", kind, e.Identity(), target, truncate(text, 60))
	default:
		rec := e.Record()
		who := valueOrDefault(rec.PushName, "them")
		if rec.FromMe() {
			who = "me"
		}
		fmt.Printf("%-16s %-32s %s: %s\n", kind, e.Identity(), who, truncate(rec.Text(), 60))
	}
	return nil
}
