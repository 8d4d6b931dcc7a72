package embedapi_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/embedchat/pkg/embedapi"
	"github.com/go-go-golems/embedchat/pkg/embedtest"
)

func newClient(t *testing.T, backend *embedtest.Backend) *embedapi.Client {
	t.Helper()
	srv := httptest.NewServer(backend.Handler())
	t.Cleanup(srv.Close)
	c, err := embedapi.NewClient(srv.URL+"/", "user-1", embedapi.WithTimeout(5*time.Second))
	require.NoError(t, err)
	return c
}

func TestNewClient_Validates(t *testing.T) {
	_, err := embedapi.NewClient("", "u")
	require.Error(t, err)
	_, err = embedapi.NewClient("http://localhost", " ")
	require.Error(t, err)
}

func TestClient_CurrentAgent(t *testing.T) {
	backend := embedtest.New()
	c := newClient(t, backend)

	agent, err := c.CurrentAgent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "agent-1", agent.ID)
	require.Equal(t, "Mock Assistant", agent.DisplayName())
	require.Equal(t, 1, backend.RESTCalls("/embed/agent"))
}

func TestClient_AgentByID(t *testing.T) {
	c := newClient(t, embedtest.New())

	agent, err := c.AgentByID(context.Background(), "agent-1")
	require.NoError(t, err)
	require.Equal(t, "agent-1", agent.ID)

	_, err = c.AgentByID(context.Background(), "nope")
	require.True(t, errors.Is(err, embedapi.ErrNotFound))
}

func TestClient_ConversationByID(t *testing.T) {
	backend := embedtest.New()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	backend.PutConversation(embedapi.Conversation{
		ID:      "c1",
		UserID:  "user-1",
		AgentID: "agent-1",
		Messages: []embedapi.Message{
			{ID: "m1", ConversationID: "c1", Role: embedapi.RoleUser, Content: "hi", CreatedAt: created},
			{ID: "m2", ConversationID: "c1", Role: embedapi.RoleAssistant, Content: "hello", CreatedAt: created.Add(time.Second)},
		},
	})
	c := newClient(t, backend)

	conv, err := c.ConversationByID(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	require.Equal(t, embedapi.RoleAssistant, conv.Messages[1].Role)
	require.True(t, conv.Messages[0].CreatedAt.Equal(created))

	_, err = c.ConversationByID(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, errors.Is(err, embedapi.ErrNotFound))

	var se *embedapi.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusNotFound, se.StatusCode)

	_, err = c.ConversationByID(context.Background(), "")
	require.Error(t, err)
}

func TestClient_SendsUserHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(embedapi.UserIDHeader)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"a"}`))
	}))
	defer srv.Close()

	c, err := embedapi.NewClient(srv.URL, "user-42")
	require.NoError(t, err)
	_, err = c.CurrentAgent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "user-42", got)
}

func TestClient_DecodeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{`))
	}))
	defer srv.Close()

	c, err := embedapi.NewClient(srv.URL, "u")
	require.NoError(t, err)
	_, err = c.CurrentAgent(context.Background())
	require.Error(t, err)
}
