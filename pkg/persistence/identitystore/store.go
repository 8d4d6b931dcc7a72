package identitystore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Store durably maps a client key to its active conversation id.
//
// Set with an empty conversation id clears the mapping. Writes are synchronous:
// once Set returns nil the value survives a process restart (memory excepted).
type Store interface {
	Get(ctx context.Context, clientKey string) (string, bool, error)
	Set(ctx context.Context, clientKey string, conversationID string) error
	Close() error
}

func normalizeKey(store, clientKey string) (string, error) {
	clientKey = strings.TrimSpace(clientKey)
	if clientKey == "" {
		return "", errors.Errorf("%s: client key is empty", store)
	}
	return clientKey, nil
}

// Binding pins a Store to one client key.
type Binding struct {
	Store     Store
	ClientKey string
}

func (b Binding) Get(ctx context.Context) (string, bool, error) {
	if b.Store == nil {
		return "", false, nil
	}
	return b.Store.Get(ctx, b.ClientKey)
}

func (b Binding) Set(ctx context.Context, conversationID string) error {
	if b.Store == nil {
		return nil
	}
	return b.Store.Set(ctx, b.ClientKey, strings.TrimSpace(conversationID))
}
