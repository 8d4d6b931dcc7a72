package session

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/embedchat/pkg/embedapi"
)

// RoleFromRemote maps the backend role enum onto the local taxonomy. SYSTEM
// messages are rendered as assistant output.
func RoleFromRemote(r embedapi.Role) Role {
	if strings.EqualFold(string(r), string(embedapi.RoleUser)) {
		return RoleUser
	}
	return RoleAssistant
}

// MessagesFromConversation converts a fetched conversation into transcript
// messages, preserving server order.
func MessagesFromConversation(conv *embedapi.Conversation) []Message {
	if conv == nil {
		return nil
	}
	out := make([]Message, 0, len(conv.Messages))
	for _, m := range conv.Messages {
		out = append(out, Message{
			ID:        m.ID,
			Role:      RoleFromRemote(m.Role),
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
		})
	}
	return out
}

type hydration struct {
	gen  uint64
	id   string
	conv *embedapi.Conversation
	err  error
}

// hydrate fetches the conversation off the loop and posts the result back.
// Only the most recent request may apply; see applyHydration.
func (s *Session) hydrate(ctx context.Context, id string) {
	if id == "" || s.backend == nil {
		return
	}
	s.hydrateGen++
	s.hydrating = true
	gen := s.hydrateGen
	log.Debug().Str("component", "session").Str("conversation_id", id).Uint64("gen", gen).Msg("hydrating conversation")

	go func() {
		conv, err := s.backend.ConversationByID(ctx, id)
		h := hydration{gen: gen, id: id, conv: conv, err: err}
		s.post(func() { s.applyHydration(h) })
	}()
}

func (s *Session) applyHydration(h hydration) {
	if h.gen != s.hydrateGen || h.id != s.conversationID {
		log.Debug().Str("component", "session").Str("conversation_id", h.id).Msg("discarding stale hydration")
		return
	}
	s.hydrating = false
	if h.err != nil {
		log.Warn().Err(h.err).Str("component", "session").Str("conversation_id", h.id).Msg("hydration failed, keeping transcript")
		s.emit(Event{Type: EventHydrationFailed, ConversationID: h.id, Reason: h.err.Error()})
		return
	}
	if h.conv == nil || h.conv.Messages == nil {
		log.Warn().Str("component", "session").Str("conversation_id", h.id).Msg("conversation without messages, keeping transcript")
		s.emit(Event{Type: EventHydrationFailed, ConversationID: h.id, Reason: "conversation has no messages"})
		return
	}
	msgs := MessagesFromConversation(h.conv)
	if s.transcript.Streaming() {
		// the open message is gone; fetch again once the turn is over
		log.Debug().Str("component", "session").Str("conversation_id", h.id).Msg("hydration replaces transcript during an in-flight stream")
		s.rehydrateAfterTurn = true
	}
	s.transcript.Replace(msgs)
	s.emit(Event{Type: EventHydrated, ConversationID: h.id, Count: len(msgs)})
}

// turnFinished re-fetches the conversation when a hydration replaced the
// transcript while the turn was still streaming, so the finished reply is shown.
func (s *Session) turnFinished() {
	if !s.rehydrateAfterTurn {
		return
	}
	s.rehydrateAfterTurn = false
	if s.conversationID == "" {
		return
	}
	log.Debug().Str("component", "session").Str("conversation_id", s.conversationID).Msg("re-hydrating after interrupted turn")
	s.hydrate(s.ctx, s.conversationID)
}
