package identitystore

import (
	"context"
	"sync"
)

// InMemoryStore keeps identities for the life of the process only.
type InMemoryStore struct {
	mu  sync.Mutex
	ids map[string]string
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{ids: map[string]string{}}
}

func (s *InMemoryStore) Get(_ context.Context, clientKey string) (string, bool, error) {
	key, err := normalizeKey("in-memory identity store", clientKey)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.ids[key]
	return id, ok, nil
}

func (s *InMemoryStore) Set(_ context.Context, clientKey string, conversationID string) error {
	key, err := normalizeKey("in-memory identity store", clientKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID == "" {
		delete(s.ids, key)
		return nil
	}
	s.ids[key] = conversationID
	return nil
}

func (s *InMemoryStore) Close() error { return nil }
