// Package session is the streaming session engine: it owns the transcript,
// observes the connection machine, reduces server stream events and keeps the
// conversation identity in sync with the identity store.
package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/embedchat/pkg/connection"
	"github.com/go-go-golems/embedchat/pkg/embedapi"
	"github.com/go-go-golems/embedchat/pkg/persistence/identitystore"
	"github.com/go-go-golems/embedchat/pkg/protocol"
	"github.com/go-go-golems/embedchat/pkg/transport"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoAgent        = errors.New("no agent bound")
	ErrStopped        = errors.New("session stopped")
	ErrAlreadyRunning = errors.New("session already running")
)

// Transport is the subset of *transport.Transport the session needs.
type Transport interface {
	connection.Connector
	Subscribe(names ...string) *transport.Subscription
	Emit(event string, payload any) error
}

// Backend is the request/response collaborator. *embedapi.Client satisfies it.
type Backend interface {
	CurrentAgent(ctx context.Context) (*embedapi.Agent, error)
	ConversationByID(ctx context.Context, id string) (*embedapi.Conversation, error)
}

type Config struct {
	UserID    string
	Transport Transport
	Backend   Backend
	Identity  identitystore.Binding
}

// Snapshot is an immutable view of the session for the rendering layer.
type Snapshot struct {
	Messages       []Message
	Streaming      bool
	OpenID         string
	Status         connection.Status
	ConversationID string
	Agent          *embedapi.Agent
	// Hydrating is set while a conversation fetch is in flight.
	Hydrating bool
}

type Option func(*Session)

// WithAgent binds an agent up front and skips the CurrentAgent lookup.
func WithAgent(a *embedapi.Agent) Option {
	return func(s *Session) { s.agent = a }
}

// WithoutAutoConnect keeps Run from connecting on entry.
func WithoutAutoConnect() Option {
	return func(s *Session) { s.autoConnect = false }
}

// WithObserver registers fn to receive a snapshot after every state change.
// Observers run on the session loop: they must return quickly and must not
// call back into the session synchronously.
func WithObserver(fn func(Snapshot)) Option {
	return func(s *Session) { s.observers = append(s.observers, fn) }
}

func WithEventSink(sink EventSink) Option {
	return func(s *Session) { s.sink = sink }
}

func WithTranscriptOptions(opts ...TranscriptOption) Option {
	return func(s *Session) { s.transcriptOpts = append(s.transcriptOpts, opts...) }
}

func WithMachineOptions(opts ...connection.Option) Option {
	return func(s *Session) { s.machineOpts = append(s.machineOpts, opts...) }
}

func WithNow(fn func() time.Time) Option {
	return func(s *Session) { s.now = fn }
}

type command struct {
	fn   func()
	done chan struct{}
}

// Session serializes every state transition on a single loop goroutine
// started by Run. Transport events, user commands and hydration results are
// all applied there, one at a time, so the transcript needs no locking.
type Session struct {
	userID    string
	transport Transport
	backend   Backend
	identity  identitystore.Binding
	machine   *connection.Machine

	autoConnect    bool
	observers      []func(Snapshot)
	sink           EventSink
	transcriptOpts []TranscriptOption
	machineOpts    []connection.Option
	now            func() time.Time

	// loop-owned
	ctx            context.Context
	transcript     *Transcript
	conversationID string
	agent          *embedapi.Agent
	hydrateGen     uint64
	hydrating      bool

	rehydrateAfterTurn bool

	cmds    chan command
	done    chan struct{}
	started atomic.Bool

	snapMu     sync.RWMutex
	snap       Snapshot
	lastStatus connection.Status
}

func New(cfg Config, opts ...Option) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errors.New("session: user id is required")
	}
	s := &Session{
		userID:      userID,
		transport:   cfg.Transport,
		backend:     cfg.Backend,
		identity:    cfg.Identity,
		autoConnect: true,
		now:         time.Now,
		ctx:         context.Background(),
		cmds:        make(chan command, 64),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.transcript = NewTranscript(s.transcriptOpts...)
	s.machine = connection.NewMachine(cfg.Transport, s.machineOpts...)
	s.lastStatus = s.machine.Status()
	s.snap = Snapshot{Status: s.lastStatus, Agent: s.agent}
	return s, nil
}

// Run owns the session until ctx is done. It subscribes to the transport,
// restores the persisted conversation, connects, and processes events and
// commands. On exit it disconnects and closes its subscription. Run may be
// called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.ctx = ctx

	sub := s.transport.Subscribe()
	defer sub.Close()
	defer s.machine.Disconnect()

	log.Info().Str("component", "session").Str("client_key", s.identity.ClientKey).Msg("session started")

	s.restore(ctx)
	s.bindAgent(ctx)
	if s.autoConnect {
		s.machine.Connect(ctx)
	}
	s.publish()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "session").Msg("session stopped")
			return nil
		case ev, ok := <-sub.C:
			if !ok {
				return transport.ErrClosed
			}
			s.handle(ev)
			s.publish()
		case cmd := <-s.cmds:
			cmd.fn()
			s.publish()
			if cmd.done != nil {
				close(cmd.done)
			}
		}
	}
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the state as of the last processed event or command.
func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

func (s *Session) Status() connection.Status { return s.machine.Status() }

// Submit appends text as a user message and sends it. Blank text and a missing
// agent are rejected without touching the transcript. While not connected the
// message stays in the transcript, a connect is triggered and
// transport.ErrNotConnected is returned: nothing is queued and the message is
// not resent automatically.
func (s *Session) Submit(text string) error {
	var err error
	if derr := s.do(func() { err = s.submit(text) }); derr != nil {
		return derr
	}
	return err
}

// NotifyInput reports typing. Non-blank input while disconnected triggers a
// rate-limited connect.
func (s *Session) NotifyInput(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	_ = s.do(func() { s.machine.ConnectFromUserActivity(s.ctx) })
}

// NewChat clears the transcript and forgets the persisted conversation.
func (s *Session) NewChat() error {
	var err error
	if derr := s.do(func() { err = s.newChat() }); derr != nil {
		return derr
	}
	return err
}

func (s *Session) Connect() error {
	return s.do(func() { s.machine.Connect(s.ctx) })
}

func (s *Session) Disconnect() error {
	return s.do(func() { s.machine.Disconnect() })
}

// do runs fn on the loop and waits until it and the following snapshot are
// applied. Commands issued before Run starts are buffered.
func (s *Session) do(fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrStopped
	}
	select {
	case <-cmd.done:
		return nil
	case <-s.done:
		return ErrStopped
	}
}

// post enqueues fn without waiting. Used by background fetches.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- command{fn: fn}:
	case <-s.done:
	}
}

func (s *Session) restore(ctx context.Context) {
	id, ok, err := s.identity.Get(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("could not read persisted conversation")
		return
	}
	if !ok || id == "" {
		return
	}
	log.Info().Str("component", "session").Str("conversation_id", id).Msg("restoring conversation")
	s.conversationID = id
	s.hydrate(ctx, id)
}

func (s *Session) bindAgent(ctx context.Context) {
	if s.agent != nil || s.backend == nil {
		return
	}
	go func() {
		agent, err := s.backend.CurrentAgent(ctx)
		s.post(func() {
			if err != nil {
				log.Warn().Err(err).Str("component", "session").Msg("could not fetch agent")
				return
			}
			s.agent = agent
			log.Info().Str("component", "session").Str("agent_id", agent.ID).Str("agent", agent.DisplayName()).Msg("agent bound")
			s.emit(Event{Type: EventAgentBound, Text: agent.ID})
		})
	}()
}

func (s *Session) submit(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if s.agent == nil {
		return ErrNoAgent
	}
	m := s.transcript.AppendUser(text)
	s.emit(Event{Type: EventUserMessage, MessageID: m.ID, Text: text})

	if !s.machine.CanEmit() {
		s.machine.Connect(s.ctx)
		log.Warn().Str("component", "session").Str("status", string(s.machine.Status())).Msg("not connected, message kept locally and not sent")
		s.emit(Event{Type: EventSubmitWhileOffline, MessageID: m.ID})
		return transport.ErrNotConnected
	}

	req := protocol.StreamRequest{
		UserID:         s.userID,
		AgentID:        s.agent.ID,
		Message:        text,
		ConversationID: s.conversationID,
		Metadata:       protocol.RequestMetadata{Timestamp: s.now().UTC().Format(time.RFC3339Nano)},
	}
	if err := s.transport.Emit(protocol.EventStream, req); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("send failed")
		return err
	}
	return nil
}

func (s *Session) newChat() error {
	s.hydrateGen++
	s.hydrating = false
	s.rehydrateAfterTurn = false
	s.transcript.Reset()
	s.conversationID = ""
	s.emit(Event{Type: EventReset})
	if err := s.identity.Set(s.ctx, ""); err != nil {
		log.Warn().Err(err).Str("component", "session").Msg("could not clear persisted conversation")
		return errors.Wrap(err, "clear conversation")
	}
	return nil
}

func (s *Session) handle(ev transport.Event) {
	if _, ok := s.machine.Observe(ev); ok {
		s.handleLifecycle(ev)
		return
	}

	switch ev.Name {
	case protocol.EventStreamStart:
		if prev, open := s.transcript.Open(); open {
			log.Debug().Str("component", "session").Str("message_id", prev.ID).Msg("stream.start while a message is open, closing it")
		}
		m := s.transcript.StartAssistant()
		s.emit(Event{Type: EventStreamStarted, MessageID: m.ID})

	case protocol.EventStreamChunk:
		var chunk protocol.StreamChunk
		if err := ev.Decode(&chunk); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("dropping malformed stream.chunk")
			return
		}
		open, _ := s.transcript.Open()
		if !s.transcript.AppendChunk(chunk.Message) {
			log.Debug().Str("component", "session").Msg("dropping stream.chunk with no open message")
			s.emit(Event{Type: EventChunkDropped, Text: chunk.Message})
			return
		}
		s.emit(Event{Type: EventStreamChunk, MessageID: open.ID, Text: chunk.Message})

	case protocol.EventStreamEnd:
		open, _ := s.transcript.Open()
		s.transcript.End()
		s.emit(Event{Type: EventStreamEnded, MessageID: open.ID})
		s.turnFinished()

	case protocol.EventStreamUpdated:
		var upd protocol.StreamUpdated
		if err := ev.Decode(&upd); err != nil {
			log.Warn().Err(err).Str("component", "session").Msg("dropping malformed stream.updated")
			return
		}
		if id := strings.TrimSpace(upd.ConversationID); id != "" {
			s.adopt(id)
		}

	case protocol.EventStreamError:
		var se protocol.StreamError
		if err := ev.Decode(&se); err != nil || se.Reason == "" {
			se.Reason = "unknown error"
		}
		open, _ := s.transcript.Open()
		s.transcript.Fail()
		log.Error().Str("component", "session").Str("reason", se.Reason).Str("message_id", open.ID).Msg("generation failed")
		s.emit(Event{Type: EventStreamFailed, MessageID: open.ID, Reason: se.Reason})
		s.turnFinished()

	default:
		log.Debug().Str("component", "session").Str("event", ev.Name).Msg("ignoring unknown event")
	}
}

func (s *Session) handleLifecycle(ev transport.Event) {
	switch ev.Name {
	case transport.EventDisconnect, transport.EventConnectError:
		open, _ := s.transcript.Open()
		if s.transcript.Abandon() {
			log.Warn().Str("component", "session").Str("event", ev.Name).Str("message_id", open.ID).Msg("stream abandoned")
			s.emit(Event{Type: EventStreamAbandoned, MessageID: open.ID})
			s.turnFinished()
		}
	}
}

// adopt makes id the current conversation and persists it. Hydration runs
// only when the id actually changes.
func (s *Session) adopt(id string) {
	changed := id != s.conversationID
	s.conversationID = id
	if err := s.identity.Set(s.ctx, id); err != nil {
		log.Warn().Err(err).Str("component", "session").Str("conversation_id", id).Msg("could not persist conversation id")
	}
	if !changed {
		return
	}
	log.Info().Str("component", "session").Str("conversation_id", id).Msg("conversation adopted")
	s.emit(Event{Type: EventConversationAdopted, ConversationID: id})
	s.hydrate(s.ctx, id)
}

func (s *Session) emit(ev Event) {
	if s.sink == nil {
		return
	}
	ev.ClientKey = s.identity.ClientKey
	if ev.ConversationID == "" {
		ev.ConversationID = s.conversationID
	}
	if ev.Time.IsZero() {
		ev.Time = s.now()
	}
	s.sink.Publish(ev)
}

func (s *Session) publish() {
	status := s.machine.Status()
	if status != s.lastStatus {
		s.emit(Event{Type: EventStatusChanged, Status: string(status)})
		s.lastStatus = status
	}

	open, _ := s.transcript.Open()
	snap := Snapshot{
		Messages:       s.transcript.Messages(),
		Streaming:      s.transcript.Streaming(),
		OpenID:         open.ID,
		Status:         status,
		ConversationID: s.conversationID,
		Agent:          s.agent,
		Hydrating:      s.hydrating,
	}
	s.snapMu.Lock()
	s.snap = snap
	s.snapMu.Unlock()

	for _, fn := range s.observers {
		fn(snap)
	}
}
