package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/embedchat/pkg/embedapi"
	"github.com/go-go-golems/embedchat/pkg/embedtest"
	"github.com/go-go-golems/embedchat/pkg/persistence/identitystore"
	"github.com/go-go-golems/embedchat/pkg/session"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execute(t *testing.T, in io.Reader, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	out := &syncBuffer{}
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(io.Discard)
	if in != nil {
		root.SetIn(in)
	}
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newMockServer(t *testing.T) (*embedtest.Backend, *httptest.Server) {
	t.Helper()
	backend := embedtest.New()
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)
	return backend, srv
}

func TestConversationShow_NoConversation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.yaml")
	out, err := execute(t, nil, "conversation", "show", "--identity-path", path)
	require.NoError(t, err)
	require.Equal(t, "no active conversation for 123456789\n", out)
}

func TestConversationShowAndReset(t *testing.T) {
	backend, srv := newMockServer(t)
	backend.PutConversation(embedapi.Conversation{ID: "c1", Messages: []embedapi.Message{
		{ID: "m1", Role: embedapi.RoleUser, Content: "hi"},
		{ID: "m2", Role: embedapi.RoleAssistant, Content: "hello"},
	}})

	path := filepath.Join(t.TempDir(), "identity.yaml")
	store, err := identitystore.NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "widget", "c1"))

	common := []string{"--identity-path", path, "--client-key", "widget", "--api-url", srv.URL}

	out, err := execute(t, nil, append([]string{"conversation", "show"}, common...)...)
	require.NoError(t, err)
	require.Equal(t, "conversation c1 (2 messages)\nuser> hi\nassistant> hello\n", out)

	out, err = execute(t, nil, append([]string{"conversation", "show", "--json"}, common...)...)
	require.NoError(t, err)
	require.Contains(t, out, `"conversationId": "c1"`)
	require.Contains(t, out, `"role": "assistant"`)

	out, err = execute(t, nil, append([]string{"conversation", "reset"}, common...)...)
	require.NoError(t, err)
	require.Equal(t, "cleared conversation c1\n", out)

	_, ok, err := store.Get(context.Background(), "widget")
	require.NoError(t, err)
	require.False(t, ok)

	out, err = execute(t, nil, append([]string{"conversation", "reset"}, common...)...)
	require.NoError(t, err)
	require.Equal(t, "no active conversation\n", out)
}

func TestConversationShow_MissingOnServer(t *testing.T) {
	_, srv := newMockServer(t)
	path := filepath.Join(t.TempDir(), "identity.db")
	dsn, err := identitystore.SQLiteDSNForFile(path)
	require.NoError(t, err)
	store, err := identitystore.NewSQLiteStore(dsn)
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "123456789", "gone"))
	require.NoError(t, store.Close())

	_, err = execute(t, nil, "conversation", "show", "--identity-backend", "sqlite", "--identity-path", path, "--api-url", srv.URL)
	require.Error(t, err)
	require.Contains(t, err.Error(), "conversation reset")
}

func TestSettings_EnvAndConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "embedchat.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("client-key: from-file\nidentity-backend: memory\n"), 0o600))

	out, err := execute(t, nil, "conversation", "show", "--config", cfg)
	require.NoError(t, err)
	require.Equal(t, "no active conversation for from-file\n", out)

	t.Setenv("EMBEDCHAT_CLIENT_KEY", "from-env")
	out, err = execute(t, nil, "conversation", "show", "--config", cfg)
	require.NoError(t, err)
	require.Equal(t, "no active conversation for from-env\n", out)

	_, err = execute(t, nil, "conversation", "show", "--config", filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestSettings_RejectsBadLogging(t *testing.T) {
	_, err := execute(t, nil, "conversation", "show", "--identity-backend", "memory", "--log-level", "loud")
	require.Error(t, err)
	_, err = execute(t, nil, "conversation", "show", "--identity-backend", "memory", "--log-format", "xml")
	require.Error(t, err)
	_, err = execute(t, nil, "conversation", "show", "--identity-backend", "memory", "--user-id", " ")
	require.Error(t, err)
}

func TestEvents_RequiresRedis(t *testing.T) {
	_, err := execute(t, nil, "events")
	require.Error(t, err)
	require.Contains(t, err.Error(), "--redis-enabled")
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	line := formatEvent(session.Event{
		Type:           session.EventStreamFailed,
		ClientKey:      "k",
		ConversationID: "c1",
		Reason:         "boom",
		Time:           at,
	})
	require.True(t, strings.HasPrefix(line, "2025-05-01T12:00:00Z stream_error"))
	require.Contains(t, line, "conversation=c1")
	require.Contains(t, line, `reason="boom"`)
}

func TestChat_LinesRoundTrip(t *testing.T) {
	backend, srv := newMockServer(t)
	inR, inW := io.Pipe()

	root := newRootCommand()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetIn(inR)
	root.SetArgs([]string{
		"chat", "--lines",
		"--api-url", srv.URL,
		"--socket-url", "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		"--identity-backend", "memory",
	})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(context.Background()) }()

	require.Eventually(t, func() bool {
		if len(backend.Requests()) > 0 {
			return true
		}
		_, _ = io.WriteString(inW, "hello\n")
		return false
	}, 5*time.Second, 200*time.Millisecond)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "assistant> echo: hello")
	}, 5*time.Second, 20*time.Millisecond)
	require.Contains(t, out.String(), "[connected]")

	require.NoError(t, inW.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("chat did not exit on EOF")
	}
}

func TestInitLogger_FileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "embedchat.log")
	v := viper.New()
	v.Set("log-level", "debug")
	v.Set("log-format", "json")
	v.Set("log-file", path)

	prev := log.Logger
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})
	require.NoError(t, initLogger(v, true))
	log.Debug().Str("component", "test").Msg("written to file")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"component":"test"`)
	require.Contains(t, string(b), `"message":"written to file"`)
}

func TestLoggingSettings_FromViper(t *testing.T) {
	v := viper.New()
	v.Set("log-level", "WARN")
	v.Set("log-format", "json")
	v.Set("log-file", "~/embedchat.log")
	v.Set("with-caller", true)

	s, err := loggingSettings(v)
	require.NoError(t, err)
	require.Equal(t, "WARN", s.LogLevel)
	require.Equal(t, "json", s.LogFormat)
	require.True(t, s.WithCaller)
	require.False(t, strings.HasPrefix(s.LogFile, "~"))
	require.True(t, strings.HasSuffix(s.LogFile, "embedchat.log"))

	v.Set("log-format", "xml")
	_, err = loggingSettings(v)
	require.Error(t, err)
	require.Contains(t, err.Error(), "--log-format")
}

func TestRedisFlagsOnEventCommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"chat", "events"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		f := cmd.Flags().Lookup("redis-addr")
		require.NotNil(t, f, name)
		require.Equal(t, "localhost:6379", f.DefValue)
		require.NotNil(t, cmd.Flags().Lookup("redis-enabled"), name)
	}
	cmd, _, err := root.Find([]string{"conversation"})
	require.NoError(t, err)
	require.Nil(t, cmd.Flags().Lookup("redis-addr"))

	for _, name := range []string{"log-level", "log-format", "log-file", "with-caller", "logstash-enabled"} {
		require.NotNil(t, root.PersistentFlags().Lookup(name), name)
	}
}

func TestOpenIdentity_SharesEventBusClient(t *testing.T) {
	s := Settings{ClientKey: "k"}
	s.Identity.Backend = identitystore.BackendRedis
	s.Identity.RedisAddr = "127.0.0.1:1"
	s.Redis.Addr = "127.0.0.1:1"

	shared := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	b, err := s.openIdentity(shared)
	require.NoError(t, err)
	require.IsType(t, &identitystore.RedisStore{}, b.Store)
	require.Equal(t, "k", b.ClientKey)
	require.NoError(t, b.Store.Close())
	require.NoError(t, shared.Close(), "shared client closed by the identity store")

	// a different address gets its own client
	s.Identity.RedisAddr = "127.0.0.1:2"
	shared = redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	b, err = s.openIdentity(shared)
	require.NoError(t, err)
	require.NoError(t, b.Store.Close())
	require.NoError(t, shared.Close())
}
