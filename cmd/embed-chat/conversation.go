package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/embedchat/pkg/embedapi"
	"github.com/go-go-golems/embedchat/pkg/session"
)

func (a *app) newConversationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conversation",
		Short: "Inspect or reset the persisted conversation",
	}
	cmd.AddCommand(a.newConversationShowCommand(), a.newConversationResetCommand())
	return cmd
}

func (a *app) newConversationShowCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Fetch and print the persisted conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := a.settings
			identity, err := s.openIdentity(nil)
			if err != nil {
				return err
			}
			defer func() { _ = identity.Store.Close() }()

			id, ok, err := identity.Get(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "read persisted conversation")
			}
			out := cmd.OutOrStdout()
			if !ok || id == "" {
				_, _ = fmt.Fprintf(out, "no active conversation for %s\n", s.ClientKey)
				return nil
			}

			api, err := s.apiClient()
			if err != nil {
				return err
			}
			conv, err := api.ConversationByID(cmd.Context(), id)
			if errors.Is(err, embedapi.ErrNotFound) {
				return errors.Errorf("conversation %s no longer exists on the server; run `conversation reset`", id)
			}
			if err != nil {
				return err
			}
			return printConversation(out, id, session.MessagesFromConversation(conv), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print messages as JSON")
	return cmd
}

func (a *app) newConversationResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the persisted conversation so the next chat starts fresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := a.settings
			identity, err := s.openIdentity(nil)
			if err != nil {
				return err
			}
			defer func() { _ = identity.Store.Close() }()

			prev, _, err := identity.Get(cmd.Context())
			if err != nil {
				return errors.Wrap(err, "read persisted conversation")
			}
			if err := identity.Set(cmd.Context(), ""); err != nil {
				return errors.Wrap(err, "clear persisted conversation")
			}
			if prev == "" {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no active conversation")
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared conversation %s\n", prev)
			return nil
		},
	}
}

func printConversation(out io.Writer, id string, msgs []session.Message, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			ConversationID string            `json:"conversationId"`
			Messages       []session.Message `json:"messages"`
		}{id, msgs})
	}
	_, _ = fmt.Fprintf(out, "conversation %s (%d messages)\n", id, len(msgs))
	for _, m := range msgs {
		_, _ = fmt.Fprintf(out, "%s> %s\n", m.Role, m.Content)
	}
	return nil
}
