package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/embedchat/pkg/redisstream"
	"github.com/go-go-golems/embedchat/pkg/session"
)

func (a *app) newEventsCommand() *cobra.Command {
	var (
		raw     bool
		fromNow bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail session events published to Redis Streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := a.settings
			if !s.Redis.Enabled {
				return errors.New("events needs --redis-enabled: the in-memory bus is local to the chat process")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			group := "events-" + watermill.NewShortUUID()
			if fromNow {
				if err := redisstream.EnsureGroupAtTail(ctx, s.Redis.Addr, s.EventsTopic, group); err != nil {
					return errors.Wrap(err, "create consumer group")
				}
			}
			sub, err := redisstream.BuildGroupSubscriber(s.Redis.Addr, group, s.Redis.Consumer)
			if err != nil {
				return errors.Wrap(err, "build subscriber")
			}
			defer func() { _ = sub.Close() }()
			return tailEvents(ctx, sub, s.EventsTopic, cmd.OutOrStdout(), raw)
		},
	}
	cmd.Flags().BoolVar(&raw, "json", false, "Print raw JSON payloads")
	cmd.Flags().BoolVar(&fromNow, "from-now", true, "Skip events published before the command started")
	addRedisSection(cmd)
	return cmd
}

func tailEvents(ctx context.Context, sub message.Subscriber, topic string, out io.Writer, raw bool) error {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrap(err, "subscribe")
	}
	for msg := range msgs {
		if raw {
			_, _ = fmt.Fprintln(out, string(msg.Payload))
			msg.Ack()
			continue
		}
		ev, err := session.DecodeEvent(msg)
		msg.Ack()
		if err != nil {
			_, _ = fmt.Fprintf(out, "undecodable event %s: %v\n", msg.UUID, err)
			continue
		}
		_, _ = fmt.Fprintln(out, formatEvent(ev))
	}
	return nil
}

func formatEvent(ev session.Event) string {
	line := fmt.Sprintf("%s %-20s key=%s", ev.Time.Format(time.RFC3339), ev.Type, ev.ClientKey)
	if ev.ConversationID != "" {
		line += " conversation=" + ev.ConversationID
	}
	if ev.MessageID != "" {
		line += " message=" + ev.MessageID
	}
	if ev.Status != "" {
		line += " status=" + ev.Status
	}
	if ev.Reason != "" {
		line += fmt.Sprintf(" reason=%q", ev.Reason)
	}
	if ev.Count > 0 {
		line += fmt.Sprintf(" count=%d", ev.Count)
	}
	if ev.Text != "" {
		line += fmt.Sprintf(" text=%q", ev.Text)
	}
	return line
}
