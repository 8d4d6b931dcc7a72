package embedapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// UserIDHeader identifies the calling user on every request.
const UserIDHeader = "x-user-id"

var ErrNotFound = errors.New("not found")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("embed api: status %d", e.StatusCode)
	}
	return fmt.Sprintf("embed api: status %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// Client talks to the embed REST endpoints.
type Client struct {
	baseURL *url.URL
	userID  string
	http    *http.Client
}

type ClientOption func(*Client)

func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

func WithTimeout(d time.Duration) ClientOption {
	return func(cl *Client) {
		if d > 0 {
			cl.http = &http.Client{Timeout: d}
		}
	}
}

func NewClient(baseURL, userID string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("embed api: empty base url")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "embed api: parse base url")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, errors.New("embed api: empty user id")
	}
	c := &Client{
		baseURL: u,
		userID:  userID,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CurrentAgent returns the agent bound to the calling user's embed context.
func (c *Client) CurrentAgent(ctx context.Context) (*Agent, error) {
	var agent Agent
	if err := c.get(ctx, "/embed/agent", &agent); err != nil {
		return nil, errors.Wrap(err, "get current agent")
	}
	return &agent, nil
}

func (c *Client) AgentByID(ctx context.Context, id string) (*Agent, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("get agent: empty id")
	}
	var agent Agent
	if err := c.get(ctx, "/embed/agent/"+url.PathEscape(id), &agent); err != nil {
		return nil, errors.Wrapf(err, "get agent %s", id)
	}
	return &agent, nil
}

// ConversationByID returns a conversation with its full message history.
func (c *Client) ConversationByID(ctx context.Context, id string) (*Conversation, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("get conversation: empty id")
	}
	var conv Conversation
	if err := c.get(ctx, "/embed/conversation/"+url.PathEscape(id), &conv); err != nil {
		return nil, errors.Wrapf(err, "get conversation %s", id)
	}
	return &conv, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	endpoint := c.baseURL.String() + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set(UserIDHeader, c.userID)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer func() { _ = resp.Body.Close() }()

	log.Debug().
		Str("component", "embedapi").
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("request done")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "decode response")
	}
	return nil
}
