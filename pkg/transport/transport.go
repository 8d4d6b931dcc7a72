package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// UserIDHeader carries the static per-client identity on the websocket handshake.
const UserIDHeader = "x-user-id"

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrClosed       = errors.New("transport closed")
)

// Dialer opens websocket connections. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Config struct {
	URL            string
	UserID         string
	Dialer         Dialer
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
}

// Transport owns one long-lived websocket connection and multiplexes the named
// events it carries to subscribers. Connect and Disconnect are idempotent;
// connection failures are reported as EventConnectError, never returned.
//
// Emit while not connected drops the frame and returns ErrNotConnected. There is
// no outbound queue.
type Transport struct {
	url            string
	userID         string
	dialer         Dialer
	connectTimeout time.Duration
	writeTimeout   time.Duration

	mu         sync.Mutex
	conn       *websocket.Conn
	dialCancel context.CancelFunc
	dialGen    uint64
	subs       []*Subscription
	closed     bool

	writeMu sync.Mutex
}

func New(cfg Config) (*Transport, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("transport: empty url")
	}
	userID := strings.TrimSpace(cfg.UserID)
	if userID == "" {
		return nil, errors.New("transport: empty user id")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Transport{
		url:            url,
		userID:         userID,
		dialer:         dialer,
		connectTimeout: cfg.ConnectTimeout,
		writeTimeout:   writeTimeout,
	}, nil
}

// Connected reports whether a connection is currently established.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Connect starts a dial unless a connection exists or a dial is in flight.
// The outcome is delivered as EventConnect or EventConnectError.
func (t *Transport) Connect(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	if t.closed || t.conn != nil || t.dialCancel != nil {
		t.mu.Unlock()
		return
	}
	var (
		dialCtx context.Context
		cancel  context.CancelFunc
	)
	if t.connectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, t.connectTimeout)
	} else {
		dialCtx, cancel = context.WithCancel(ctx)
	}
	t.dialCancel = cancel
	t.dialGen++
	gen := t.dialGen
	t.mu.Unlock()

	log.Debug().Str("component", "transport").Str("url", t.url).Msg("dialing")
	go t.dial(dialCtx, cancel, gen)
}

// dial completes one connection attempt. An attempt superseded by Disconnect
// (or Close) is discarded without an event: Disconnect already reported it.
func (t *Transport) dial(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	defer cancel()

	header := http.Header{}
	header.Set(UserIDHeader, t.userID)
	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.dialGen || t.closed {
		if conn != nil {
			_ = conn.Close()
		}
		log.Debug().Str("component", "transport").Str("url", t.url).Msg("discarding dial cancelled by disconnect")
		return
	}
	t.dialCancel = nil
	if err != nil {
		log.Error().Err(err).Str("component", "transport").Str("url", t.url).Msg("connection error")
		t.dispatchLocked(lifecycleEvent(EventConnectError, ConnectErrorInfo{Error: err.Error()}))
		return
	}
	t.conn = conn
	log.Info().Str("component", "transport").Str("url", t.url).Msg("connected")
	t.dispatchLocked(lifecycleEvent(EventConnect, struct{}{}))
	go t.readLoop(conn)
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
				log.Info().Err(err).Str("component", "transport").Msg("disconnected")
				t.dispatchLocked(lifecycleEvent(EventDisconnect, DisconnectInfo{Reason: disconnectReason(err)}))
			}
			t.mu.Unlock()
			return
		}

		ev, err := DecodeFrame(data)
		if err != nil {
			log.Warn().Err(err).Str("component", "transport").Int("bytes", len(data)).Msg("dropping malformed frame")
			continue
		}
		if isLifecycle(ev.Name) {
			log.Warn().Str("component", "transport").Str("event", ev.Name).Msg("dropping server frame with reserved event name")
			continue
		}

		t.mu.Lock()
		if t.conn != conn {
			t.mu.Unlock()
			return
		}
		t.dispatchLocked(ev)
		t.mu.Unlock()
	}
}

// Disconnect tears down the active connection and cancels any in-flight dial.
// A cancelled dial never delivers EventConnect, even when its handshake had
// already completed; EventDisconnect is dispatched in its place.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	dialing := t.dialCancel != nil
	if dialing {
		t.dialCancel()
		t.dialCancel = nil
		t.dialGen++
	}
	conn := t.conn
	t.conn = nil
	if conn != nil || dialing {
		t.dispatchLocked(lifecycleEvent(EventDisconnect, DisconnectInfo{Reason: "client disconnect"}))
	}
	t.mu.Unlock()

	if conn == nil {
		return
	}
	log.Info().Str("component", "transport").Str("url", t.url).Msg("disconnected")
	t.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()
	_ = conn.Close()
}

// Emit sends event with payload as data. Fire-and-forget: the frame is dropped
// when not connected.
func (t *Transport) Emit(event string, payload any) error {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		log.Debug().Str("component", "transport").Str("event", event).Msg("dropping emit while not connected")
		return ErrNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		log.Warn().Err(err).Str("component", "transport").Str("event", event).Msg("emit failed")
		return errors.Wrapf(err, "emit %s", event)
	}
	return nil
}

// Subscribe registers a subscription for the named events, or for every event
// when no names are given. Subscriptions receive events in registration order.
func (t *Transport) Subscribe(names ...string) *Subscription {
	s := newSubscription(t, names)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.Close()
		return s
	}
	t.subs = append(t.subs, s)
	t.mu.Unlock()
	return s
}

func (t *Transport) unsubscribe(s *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.subs {
		if cur == s {
			t.subs = append(t.subs[:i], t.subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (t *Transport) Subscribers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Close disconnects and closes every subscription. The transport cannot be reused.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.Disconnect()

	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
	return nil
}

func (t *Transport) dispatchLocked(ev Event) {
	for _, s := range t.subs {
		if s.wants(ev.Name) {
			s.push(ev)
		}
	}
}

func isLifecycle(name string) bool {
	switch name {
	case EventConnect, EventDisconnect, EventConnectError:
		return true
	}
	return false
}

func disconnectReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Text != "" {
			return ce.Text
		}
		return "server close"
	}
	return "transport error"
}
