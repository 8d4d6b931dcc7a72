// Package embedtest provides a scripted in-process embed backend: the
// websocket streaming endpoint plus the agent and conversation REST endpoints.
// Tests mount it on httptest; the serve-mock command serves it for local UI work.
package embedtest

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/embedchat/pkg/embedapi"
	"github.com/go-go-golems/embedchat/pkg/protocol"
	"github.com/go-go-golems/embedchat/pkg/transport"
)

// Responder produces the assistant reply for a request. Returning an error
// makes the backend send stream.error after streaming the partial chunks.
type Responder func(req protocol.StreamRequest) (chunks []string, err error)

// EchoResponder replies "echo: <message>" split on word boundaries.
func EchoResponder(req protocol.StreamRequest) ([]string, error) {
	words := strings.Fields("echo: " + req.Message)
	chunks := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		chunks = append(chunks, w)
	}
	return chunks, nil
}

type Option func(*Backend)

func WithAgent(a embedapi.Agent) Option {
	return func(b *Backend) { b.agent = a }
}

func WithResponder(r Responder) Option {
	return func(b *Backend) { b.responder = r }
}

// WithManualReplies disables automatic replies; tests drive the stream with Push.
func WithManualReplies() Option {
	return func(b *Backend) { b.responder = nil }
}

func WithChunkDelay(d time.Duration) Option {
	return func(b *Backend) { b.chunkDelay = d }
}

type Backend struct {
	agent      embedapi.Agent
	responder  Responder
	chunkDelay time.Duration
	upgrader   websocket.Upgrader

	mu            sync.Mutex
	conns         map[*websocket.Conn]*sync.Mutex
	requests      []protocol.StreamRequest
	handshakeIDs  []string
	conversations map[string]*embedapi.Conversation
	restCalls     map[string]int
}

func New(opts ...Option) *Backend {
	now := time.Now().UTC()
	b := &Backend{
		agent: embedapi.Agent{
			ID:        "agent-1",
			Name:      "Mock Assistant",
			Type:      embedapi.AgentTypeChatbot,
			OwnerID:   "owner-1",
			OwnerType: "USER",
			CreatedAt: now,
			UpdatedAt: now,
		},
		responder:     EchoResponder,
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:         map[*websocket.Conn]*sync.Mutex{},
		conversations: map[string]*embedapi.Conversation{},
		restCalls:     map[string]int{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Handler mounts /ws, /embed/agent, /embed/agent/{id} and /embed/conversation/{id}.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", b.handleWS)
	mux.HandleFunc("GET /embed/agent", b.requireUser(b.handleCurrentAgent))
	mux.HandleFunc("GET /embed/agent/{id}", b.requireUser(b.handleAgentByID))
	mux.HandleFunc("GET /embed/conversation/{id}", b.requireUser(b.handleConversation))
	return mux
}

func (b *Backend) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.restCalls[r.URL.Path]++
		b.mu.Unlock()
		if r.Header.Get(embedapi.UserIDHeader) == "" {
			http.Error(w, "missing user id", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (b *Backend) handleCurrentAgent(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	agent := b.agent
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, agent)
}

func (b *Backend) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	agent := b.agent
	b.mu.Unlock()
	if r.PathValue("id") != agent.ID {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (b *Backend) handleConversation(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	b.mu.Lock()
	conv, ok := b.conversations[id]
	var out embedapi.Conversation
	if ok {
		out = *conv
		out.Messages = append([]embedapi.Message(nil), conv.Messages...)
	}
	b.mu.Unlock()
	if !ok {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(transport.UserIDHeader)
	if userID == "" {
		http.Error(w, "missing user id", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "embedtest").Msg("upgrade failed")
		return
	}
	writeMu := &sync.Mutex{}
	b.mu.Lock()
	b.conns[conn] = writeMu
	b.handshakeIDs = append(b.handshakeIDs, userID)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		ev, err := transport.DecodeFrame(data)
		if err != nil || ev.Name != protocol.EventStream {
			continue
		}
		var req protocol.StreamRequest
		if err := ev.Decode(&req); err != nil {
			continue
		}
		b.mu.Lock()
		b.requests = append(b.requests, req)
		responder := b.responder
		b.mu.Unlock()
		if responder != nil {
			b.reply(conn, writeMu, req, responder)
		}
	}
}

func (b *Backend) reply(conn *websocket.Conn, writeMu *sync.Mutex, req protocol.StreamRequest, responder Responder) {
	convID := b.recordMessage(req.ConversationID, req.AgentID, req.UserID, embedapi.RoleUser, req.Message)

	send := func(event string, payload any) {
		frame, err := transport.EncodeFrame(event, payload)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}

	chunks, genErr := responder(req)
	send(protocol.EventStreamStart, struct{}{})
	for _, c := range chunks {
		if b.chunkDelay > 0 {
			time.Sleep(b.chunkDelay)
		}
		send(protocol.EventStreamChunk, protocol.StreamChunk{Message: c})
	}
	b.recordMessage(convID, req.AgentID, req.UserID, embedapi.RoleAssistant, strings.Join(chunks, ""))
	send(protocol.EventStreamUpdated, protocol.StreamUpdated{ConversationID: convID})
	if genErr != nil {
		send(protocol.EventStreamError, map[string]string{"reason": genErr.Error()})
		return
	}
	send(protocol.EventStreamEnd, struct{}{})
}

func (b *Backend) recordMessage(convID, agentID, userID string, role embedapi.Role, content string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now().UTC()
	conv, ok := b.conversations[convID]
	if convID == "" || !ok {
		if convID == "" {
			convID = uuid.NewString()
		}
		conv = &embedapi.Conversation{
			ID:        convID,
			UserID:    userID,
			AgentID:   agentID,
			StartedAt: now,
			CreatedAt: now,
		}
		b.conversations[convID] = conv
	}
	conv.UpdatedAt = now
	conv.Messages = append(conv.Messages, embedapi.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	})
	return convID
}

// Push sends an arbitrary server event to every open connection.
func (b *Backend) Push(event string, payload any) error {
	frame, err := transport.EncodeFrame(event, payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn, writeMu := range b.conns {
		writeMu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, frame)
		writeMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// DropConnections closes every websocket abruptly.
func (b *Backend) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		_ = conn.Close()
	}
}

func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Backend) HandshakeUserIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.handshakeIDs...)
}

func (b *Backend) Requests() []protocol.StreamRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]protocol.StreamRequest(nil), b.requests...)
}

// RESTCalls counts requests per URL path.
func (b *Backend) RESTCalls(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.restCalls[path]
}

// PutConversation stores or replaces a conversation served by the REST API.
func (b *Backend) PutConversation(conv embedapi.Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := conv
	c.Messages = append([]embedapi.Message(nil), conv.Messages...)
	b.conversations[conv.ID] = &c
}

func (b *Backend) Conversation(id string) (embedapi.Conversation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	conv, ok := b.conversations[id]
	if !ok {
		return embedapi.Conversation{}, false
	}
	out := *conv
	out.Messages = append([]embedapi.Message(nil), conv.Messages...)
	return out, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
