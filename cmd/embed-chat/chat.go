package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/message"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/embedchat/pkg/redisstream"
	"github.com/go-go-golems/embedchat/pkg/session"
	"github.com/go-go-golems/embedchat/pkg/ui/chatui"
)

func (a *app) newChatCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured agent",
		Long: `Chat with the configured agent.

The active conversation is restored from the identity store on start. Messages
typed while disconnected are kept locally and trigger a reconnect; they are not
resent automatically.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lines := a.v.GetBool("lines") || !stdoutIsTerminal()
			return a.runChat(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), lines)
		},
	}
	cmd.Flags().Bool("lines", false, "Plain line-oriented output instead of the full-screen UI")
	cmd.Flags().Bool("no-connect", false, "Stay offline until the first keystroke or message")
	addRedisSection(cmd)
	return cmd
}

func (a *app) runChat(ctx context.Context, in io.Reader, out io.Writer, lines bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := a.settings
	ps, err := redisstream.Build(s.Redis)
	if err != nil {
		return errors.Wrap(err, "build session event bus")
	}
	defer func() { _ = ps.Close() }()

	identity, err := s.openIdentity(ps.Client)
	if err != nil {
		return err
	}
	defer func() { _ = identity.Store.Close() }()

	api, err := s.apiClient()
	if err != nil {
		return err
	}
	tr, err := s.newTransport()
	if err != nil {
		return err
	}
	defer func() { _ = tr.Close() }()

	sink := session.NewWatermillSink(ps.Publisher, s.EventsTopic)

	bridge := chatui.NewBridge()
	opts := []session.Option{session.WithObserver(bridge.Observe), session.WithEventSink(sink)}
	if a.v.GetBool("no-connect") {
		opts = append(opts, session.WithoutAutoConnect())
	}
	sess, err := session.New(session.Config{
		UserID:    s.UserID,
		Transport: tr,
		Backend:   api,
		Identity:  identity,
	}, opts...)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer func() { _ = sink.Close() }()
		return sess.Run(ctx)
	})
	if !s.Redis.Enabled {
		// an in-memory bus has no other readers, mirror events into the log
		eg.Go(func() error { return logSessionEvents(ctx, ps.Subscriber, s.EventsTopic) })
	}
	eg.Go(func() error {
		defer cancel()
		if lines {
			return chatui.RunLines(ctx, in, out, sess, bridge)
		}
		p := tea.NewProgram(chatui.NewModel(sess, bridge), tea.WithAltScreen(), tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
		if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
			return errors.Wrap(err, "run chat ui")
		}
		return nil
	})

	return eg.Wait()
}

func logSessionEvents(ctx context.Context, sub message.Subscriber, topic string) error {
	msgs, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrap(err, "subscribe to session events")
	}
	for msg := range msgs {
		ev, err := session.DecodeEvent(msg)
		msg.Ack()
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("undecodable session event")
			continue
		}
		logEvent(log.Debug(), ev)
	}
	return nil
}

func logEvent(e *zerolog.Event, ev session.Event) {
	e.Str("component", "session").
		Str("type", string(ev.Type)).
		Str("client_key", ev.ClientKey).
		Str("conversation_id", ev.ConversationID).
		Str("message_id", ev.MessageID).
		Str("reason", ev.Reason).
		Str("status", ev.Status).
		Int("count", ev.Count).
		Time("at", ev.Time).
		Msg("session event")
}
