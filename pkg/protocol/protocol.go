// Package protocol holds the event names and payloads of the streaming chat
// protocol spoken over the transport.
package protocol

import (
	"encoding/json"
	"strings"
)

const (
	// EventStream is the only client-to-server event: a user message.
	EventStream = "stream"

	EventStreamStart   = "stream.start"
	EventStreamChunk   = "stream.chunk"
	EventStreamEnd     = "stream.end"
	EventStreamUpdated = "stream.updated"
	EventStreamError   = "stream.error"
)

type RequestMetadata struct {
	Timestamp string `json:"timestamp"`
}

// StreamRequest is the payload of EventStream.
type StreamRequest struct {
	UserID         string          `json:"userId"`
	AgentID        string          `json:"agentId"`
	Message        string          `json:"message"`
	ConversationID string          `json:"conversationId,omitempty"`
	Metadata       RequestMetadata `json:"metadata"`
}

type StreamChunk struct {
	Message string `json:"message"`
}

type StreamUpdated struct {
	ConversationID string `json:"conversationId,omitempty"`
}

// StreamError accepts the loose shapes servers use for generation failures:
// {"reason": ...}, {"error": ...}, {"message": ...} or a bare string.
type StreamError struct {
	Reason string `json:"reason,omitempty"`
}

func (e *StreamError) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		e.Reason = s
		return nil
	}
	var obj struct {
		Reason  any `json:"reason"`
		Error   any `json:"error"`
		Message any `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		e.Reason = strings.TrimSpace(string(data))
		return nil
	}
	for _, v := range []any{obj.Reason, obj.Error, obj.Message} {
		if r := describe(v); r != "" {
			e.Reason = r
			return nil
		}
	}
	e.Reason = "unknown error"
	return nil
}

func describe(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
