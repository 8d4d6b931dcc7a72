package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    []*websocket.Conn
	received [][]byte
	userIDs  []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.userIDs = append(ts.userIDs, r.Header.Get(UserIDHeader))
		ts.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.received = append(ts.received, data)
			ts.mu.Unlock()
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func (ts *testServer) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.conns) > 0
	}, 2*time.Second, 5*time.Millisecond)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.conns[len(ts.conns)-1]
}

func (ts *testServer) send(t *testing.T, event string, payload any) {
	t.Helper()
	frame, err := EncodeFrame(event, payload)
	require.NoError(t, err)
	require.NoError(t, ts.conn(t).WriteMessage(websocket.TextMessage, frame))
}

type countingDialer struct {
	calls atomic.Int32
	inner Dialer
}

func (d *countingDialer) DialContext(ctx context.Context, url string, h http.Header) (*websocket.Conn, *http.Response, error) {
	d.calls.Add(1)
	return d.inner.DialContext(ctx, url, h)
}

// gatedDialer completes the handshake, then holds the result until released.
type gatedDialer struct {
	inner   Dialer
	dialed  chan struct{}
	release chan struct{}
}

func (d *gatedDialer) DialContext(ctx context.Context, url string, h http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := d.inner.DialContext(ctx, url, h)
	d.dialed <- struct{}{}
	<-d.release
	return conn, resp, err
}

func next(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func newTransport(t *testing.T, url string, dialer Dialer) *Transport {
	t.Helper()
	tr, err := New(Config{URL: url, UserID: "u-1", Dialer: dialer})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestNew_RequiresURLAndUser(t *testing.T) {
	_, err := New(Config{UserID: "u"})
	require.Error(t, err)
	_, err = New(Config{URL: "ws://x"})
	require.Error(t, err)
}

func TestTransport_ConnectSendsIdentityAndDeliversInOrder(t *testing.T) {
	ts := newTestServer(t)
	tr := newTransport(t, ts.wsURL(), nil)
	sub := tr.Subscribe()
	defer sub.Close()

	tr.Connect(context.Background())
	require.Equal(t, EventConnect, next(t, sub).Name)
	require.True(t, tr.Connected())

	ts.mu.Lock()
	require.Equal(t, []string{"u-1"}, ts.userIDs)
	ts.mu.Unlock()

	ts.send(t, "stream.start", map[string]any{})
	ts.send(t, "stream.chunk", map[string]any{"message": "a"})
	ts.send(t, "stream.chunk", map[string]any{"message": "b"})
	ts.send(t, "stream.end", map[string]any{})

	names := []string{}
	var chunks []string
	for i := 0; i < 4; i++ {
		ev := next(t, sub)
		names = append(names, ev.Name)
		if ev.Name == "stream.chunk" {
			var p struct {
				Message string `json:"message"`
			}
			require.NoError(t, ev.Decode(&p))
			chunks = append(chunks, p.Message)
		}
	}
	require.Equal(t, []string{"stream.start", "stream.chunk", "stream.chunk", "stream.end"}, names)
	require.Equal(t, []string{"a", "b"}, chunks)
}

func TestTransport_ConnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	dialer := &countingDialer{inner: websocket.DefaultDialer}
	tr := newTransport(t, ts.wsURL(), dialer)
	sub := tr.Subscribe(EventConnect)
	defer sub.Close()

	tr.Connect(context.Background())
	tr.Connect(context.Background())
	next(t, sub)
	tr.Connect(context.Background())

	require.Equal(t, int32(1), dialer.calls.Load())
}

func TestTransport_EmitWhileDisconnectedIsDropped(t *testing.T) {
	ts := newTestServer(t)
	tr := newTransport(t, ts.wsURL(), nil)

	err := tr.Emit("stream", map[string]any{"message": "hi"})
	require.ErrorIs(t, err, ErrNotConnected)

	sub := tr.Subscribe(EventConnect)
	defer sub.Close()
	tr.Connect(context.Background())
	next(t, sub)

	require.NoError(t, tr.Emit("stream", map[string]any{"message": "hi"}))
	require.Eventually(t, func() bool {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		return len(ts.received) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ts.mu.Lock()
	ev, err := DecodeFrame(ts.received[0])
	ts.mu.Unlock()
	require.NoError(t, err)
	require.Equal(t, "stream", ev.Name)
	require.JSONEq(t, `{"message":"hi"}`, string(ev.Data))
}

func TestTransport_ConnectErrorIsAnEvent(t *testing.T) {
	tr := newTransport(t, "ws://127.0.0.1:1/ws", nil)
	sub := tr.Subscribe()
	defer sub.Close()

	tr.Connect(context.Background())
	ev := next(t, sub)
	require.Equal(t, EventConnectError, ev.Name)

	var info ConnectErrorInfo
	require.NoError(t, ev.Decode(&info))
	require.NotEmpty(t, info.Error)
	require.False(t, tr.Connected())
}

func TestTransport_ServerCloseEmitsDisconnect(t *testing.T) {
	ts := newTestServer(t)
	tr := newTransport(t, ts.wsURL(), nil)
	sub := tr.Subscribe()
	defer sub.Close()

	tr.Connect(context.Background())
	require.Equal(t, EventConnect, next(t, sub).Name)

	require.NoError(t, ts.conn(t).Close())
	require.Equal(t, EventDisconnect, next(t, sub).Name)
	require.False(t, tr.Connected())
}

func TestTransport_ExplicitDisconnect(t *testing.T) {
	ts := newTestServer(t)
	tr := newTransport(t, ts.wsURL(), nil)
	sub := tr.Subscribe()
	defer sub.Close()

	tr.Connect(context.Background())
	next(t, sub)

	tr.Disconnect()
	ev := next(t, sub)
	require.Equal(t, EventDisconnect, ev.Name)
	var info DisconnectInfo
	require.NoError(t, ev.Decode(&info))
	require.Equal(t, "client disconnect", info.Reason)

	// second call is a no-op
	tr.Disconnect()
	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %q", ev.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransport_DisconnectWinsOverInFlightDial(t *testing.T) {
	ts := newTestServer(t)
	dialer := &gatedDialer{
		inner:   websocket.DefaultDialer,
		dialed:  make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	tr := newTransport(t, ts.wsURL(), dialer)
	sub := tr.Subscribe()
	defer sub.Close()

	tr.Connect(context.Background())
	select {
	case <-dialer.dialed:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}

	tr.Disconnect()
	require.Equal(t, EventDisconnect, next(t, sub).Name)
	close(dialer.release)

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected event %q after disconnect", ev.Name)
	case <-time.After(100 * time.Millisecond):
	}
	require.False(t, tr.Connected())

	tr.Connect(context.Background())
	require.Equal(t, EventConnect, next(t, sub).Name)
	require.True(t, tr.Connected())
}

func TestTransport_MalformedFramesAreDropped(t *testing.T) {
	ts := newTestServer(t)
	tr := newTransport(t, ts.wsURL(), nil)
	sub := tr.Subscribe()
	defer sub.Close()

	tr.Connect(context.Background())
	next(t, sub)

	conn := ts.conn(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"disconnect"}`)))
	ts.send(t, "stream.end", nil)

	require.Equal(t, "stream.end", next(t, sub).Name)
}

func TestTransport_SubscriptionFilterAndClose(t *testing.T) {
	ts := newTestServer(t)
	tr := newTransport(t, ts.wsURL(), nil)

	all := tr.Subscribe()
	chunks := tr.Subscribe("stream.chunk")
	require.Equal(t, 2, tr.Subscribers())

	tr.Connect(context.Background())
	next(t, all)

	ts.send(t, "stream.start", nil)
	ts.send(t, "stream.chunk", map[string]string{"message": "x"})
	require.Equal(t, "stream.chunk", next(t, chunks).Name)

	chunks.Close()
	chunks.Close()
	require.Equal(t, 1, tr.Subscribers())
	_, ok := <-chunks.C
	require.False(t, ok)

	all.Close()
	require.Equal(t, 0, tr.Subscribers())
}

func TestTransport_CloseClosesSubscriptions(t *testing.T) {
	tr, err := New(Config{URL: "ws://127.0.0.1:1", UserID: "u"})
	require.NoError(t, err)
	sub := tr.Subscribe()
	require.NoError(t, tr.Close())

	select {
	case _, ok := <-sub.C:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	late := tr.Subscribe()
	_, ok := <-late.C
	require.False(t, ok)
}
