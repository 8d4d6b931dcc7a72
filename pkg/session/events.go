package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// DefaultEventsTopic is the Watermill topic session events are published on.
const DefaultEventsTopic = "embedchat.session"

type EventType string

const (
	EventUserMessage         EventType = "user_message"
	EventStreamStarted       EventType = "stream_started"
	EventStreamChunk         EventType = "stream_chunk"
	EventStreamEnded         EventType = "stream_ended"
	EventStreamFailed        EventType = "stream_error"
	EventStreamAbandoned     EventType = "stream_abandoned"
	EventChunkDropped        EventType = "chunk_dropped"
	EventConversationAdopted EventType = "conversation_adopted"
	EventHydrated            EventType = "hydrated"
	EventHydrationFailed     EventType = "hydration_failed"
	EventReset               EventType = "reset"
	EventStatusChanged       EventType = "status_changed"
	EventAgentBound          EventType = "agent_bound"
	EventSubmitWhileOffline  EventType = "submit_offline"
)

// Event is a structured record of one session transition, published for
// telemetry and out-of-process observers.
type Event struct {
	Type           EventType `json:"type"`
	ClientKey      string    `json:"clientKey,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	MessageID      string    `json:"messageId,omitempty"`
	Text           string    `json:"text,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Status         string    `json:"status,omitempty"`
	Count          int       `json:"count,omitempty"`
	Time           time.Time `json:"time"`
}

type EventSink interface {
	Publish(ev Event)
}

type EventSinkFunc func(ev Event)

func (f EventSinkFunc) Publish(ev Event) { f(ev) }

// WatermillSink publishes events as JSON messages on a Watermill publisher.
// Publish never blocks the caller: events are handed to a background worker
// through a bounded buffer and dropped with a warning when it is full.
type WatermillSink struct {
	pub   message.Publisher
	topic string

	ch      chan Event
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

func NewWatermillSink(pub message.Publisher, topic string) *WatermillSink {
	if topic == "" {
		topic = DefaultEventsTopic
	}
	s := &WatermillSink{
		pub:   pub,
		topic: topic,
		ch:    make(chan Event, 1024),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *WatermillSink) Publish(ev Event) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		log.Warn().Str("component", "session").Str("type", string(ev.Type)).Msg("event sink full, dropping event")
	}
}

func (s *WatermillSink) run() {
	defer close(s.done)
	for ev := range s.ch {
		payload, err := json.Marshal(ev)
		if err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("encode session event")
			continue
		}
		msg := message.NewMessage(watermill.NewUUID(), payload)
		msg.Metadata.Set("type", string(ev.Type))
		if err := s.pub.Publish(s.topic, msg); err != nil {
			log.Warn().Err(err).Str("component", "session").Str("topic", s.topic).Msg("publish session event")
		}
	}
}

// Close flushes buffered events and stops the worker. The publisher is left open.
func (s *WatermillSink) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.closeMu.Unlock()
	<-s.done
	return nil
}

// DecodeEvent parses a message published by WatermillSink.
func DecodeEvent(msg *message.Message) (Event, error) {
	var ev Event
	err := json.Unmarshal(msg.Payload, &ev)
	return ev, err
}
