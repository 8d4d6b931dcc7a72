package session

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Transcript is the append-only message list plus the streaming state of the
// current assistant turn. The open message is addressed by an explicit index,
// never by inspecting the tail of the list, so late or duplicate chunks cannot
// mutate a message that is not open.
//
// Transcript is not safe for concurrent use; the session loop owns it.
type Transcript struct {
	messages  []Message
	open      int
	streaming bool

	newID func() string
	now   func() time.Time
}

type TranscriptOption func(*Transcript)

func WithIDGenerator(fn func() string) TranscriptOption {
	return func(t *Transcript) { t.newID = fn }
}

func WithClock(fn func() time.Time) TranscriptOption {
	return func(t *Transcript) { t.now = fn }
}

func NewTranscript(opts ...TranscriptOption) *Transcript {
	t := &Transcript{
		open:  -1,
		newID: uuid.NewString,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AppendUser appends an immutable user message.
func (t *Transcript) AppendUser(text string) Message {
	m := Message{ID: t.newID(), Role: RoleUser, Content: text, CreatedAt: t.now()}
	t.messages = append(t.messages, m)
	return m
}

// StartAssistant opens a new empty assistant message and sets the streaming
// flag. A still-open message from an earlier turn is closed first.
func (t *Transcript) StartAssistant() Message {
	m := Message{ID: t.newID(), Role: RoleAssistant, CreatedAt: t.now()}
	t.messages = append(t.messages, m)
	t.open = len(t.messages) - 1
	t.streaming = true
	return m
}

// AppendChunk appends text to the open assistant message. It reports false and
// leaves the transcript untouched when no message is open.
func (t *Transcript) AppendChunk(text string) bool {
	if t.open < 0 || t.open >= len(t.messages) {
		return false
	}
	t.messages[t.open].Content += text
	return true
}

// End closes the open message and clears the streaming flag.
func (t *Transcript) End() {
	t.open = -1
	t.streaming = false
}

// Fail is End for an aborted generation; partial content stays.
func (t *Transcript) Fail() {
	t.End()
}

// Abandon freezes an in-flight turn after the transport went away.
func (t *Transcript) Abandon() bool {
	wasOpen := t.open >= 0 || t.streaming
	t.End()
	return wasOpen
}

// Replace swaps the whole message list. The open reference is dropped since
// the message it pointed at no longer exists; the streaming flag is kept until
// the turn ends.
func (t *Transcript) Replace(msgs []Message) {
	t.messages = append([]Message(nil), msgs...)
	t.open = -1
}

// Reset empties the transcript and clears all streaming state.
func (t *Transcript) Reset() {
	t.messages = nil
	t.End()
}

func (t *Transcript) Streaming() bool { return t.streaming }

// Open returns the open assistant message, if any.
func (t *Transcript) Open() (Message, bool) {
	if t.open < 0 || t.open >= len(t.messages) {
		return Message{}, false
	}
	return t.messages[t.open], true
}

func (t *Transcript) Len() int { return len(t.messages) }

// Messages returns a copy of the message list.
func (t *Transcript) Messages() []Message {
	return append([]Message(nil), t.messages...)
}
