/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/scopedauth/apiserver/internal/events"
	"github.com/scopedauth/apiserver/internal/mq"
)

// eventsCmd represents the events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect account events",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Log account events as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := bootstrap()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		queue, err := mq.Open(ctx, cfg.Events)
		if errors.Is(err, mq.ErrDisabled) {
			return errors.New("EVENTS_BACKEND is not set")
		}
		if err != nil {
			return err
		}
		defer func() { _ = queue.Close() }()

		log.Info("tailing account events", zap.String("channel", cfg.Events.Channel))
		err = queue.Subscribe(ctx, cfg.Events.Channel, func(_ context.Context, msg mq.Message) error {
			evt, err := events.Decode(msg)
			if err != nil {
				// Undecodable payloads would be redelivered forever.
				log.Warn("skipping message", zap.Error(err), zap.String("message_id", msg.ID))
				return nil
			}
			log.Info("account event",
				zap.String("event_id", evt.ID),
				zap.String("type", evt.Type),
				zap.Int64("user_id", evt.UserID),
				zap.String("username", evt.Username),
				zap.Time("occurred_at", evt.OccurredAt),
			)
			return nil
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventsCmd)
	eventsCmd.AddCommand(eventsTailCmd)
}
