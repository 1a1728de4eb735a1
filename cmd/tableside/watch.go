package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tableside/internal/syncclient"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var noTickets bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow new orders as a staff screen would, printing kitchen tickets",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			effects := &syncclient.LogEffects{Logger: logger}
			if !noTickets {
				effects.Out = os.Stdout
			}
			client := syncclient.New(syncclient.Config{
				BaseURL:          cfg.Client.BaseURL,
				Token:            cfg.Client.Token,
				Role:             cfg.Client.Role,
				UserID:           cfg.Client.UserID,
				PollConnected:    cfg.Client.PollConnected,
				PollDisconnected: cfg.Client.PollDisconnected,
				PollMax:          cfg.Client.PollMax,
				PollTimeout:      cfg.Client.PollTimeout,
				DedupWindow:      cfg.Client.DedupWindow,
			}, effects, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go reportStatus(ctx, client, logger)

			logger.Info("watching orders", zap.String("server", cfg.Client.BaseURL), zap.String("role", cfg.Client.Role))
			return client.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&noTickets, "no-tickets", false, "log notifications without printing kitchen tickets")
	return cmd
}

// reportStatus logs the connectivity indicator and unread count when they change.
func reportStatus(ctx context.Context, client *syncclient.Client, logger *zap.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	lastConnected, lastUnread := false, -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			connected, unread := client.Connected(), client.Unread()
			if connected == lastConnected && unread == lastUnread {
				continue
			}
			lastConnected, lastUnread = connected, unread
			logger.Info("status", zap.Bool("live", connected), zap.Int("unread", unread))
		}
	}
}
