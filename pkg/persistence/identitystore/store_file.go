package identitystore

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type fileDocument struct {
	Version       int                    `yaml:"version"`
	Conversations map[string]fileElement `yaml:"conversations"`
}

type fileElement struct {
	ConversationID string    `yaml:"conversation_id"`
	UpdatedAt      time.Time `yaml:"updated_at"`
}

// FileStore keeps identities in a YAML document. Every Set rewrites the file
// through a temp file and rename so a crash never leaves a torn document.
type FileStore struct {
	path string
	mu   sync.Mutex
}

var _ Store = &FileStore{}

func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file identity store: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "file identity store: create directory")
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(_ context.Context, clientKey string) (string, bool, error) {
	key, err := normalizeKey("file identity store", clientKey)
	if err != nil {
		return "", false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return "", false, err
	}
	el, ok := doc.Conversations[key]
	if !ok || el.ConversationID == "" {
		return "", false, nil
	}
	return el.ConversationID, true, nil
}

func (s *FileStore) Set(_ context.Context, clientKey string, conversationID string) error {
	key, err := normalizeKey("file identity store", clientKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	if conversationID == "" {
		delete(doc.Conversations, key)
	} else {
		doc.Conversations[key] = fileElement{ConversationID: conversationID, UpdatedAt: time.Now().UTC()}
	}
	return s.writeLocked(doc)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) readLocked() (*fileDocument, error) {
	doc := &fileDocument{Version: 1, Conversations: map[string]fileElement{}}
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "file identity store: read")
	}
	if err := yaml.Unmarshal(b, doc); err != nil {
		return nil, errors.Wrapf(err, "file identity store: parse %s", s.path)
	}
	if doc.Conversations == nil {
		doc.Conversations = map[string]fileElement{}
	}
	return doc, nil
}

func (s *FileStore) writeLocked(doc *fileDocument) error {
	b, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "file identity store: encode")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".identity-*.yaml")
	if err != nil {
		return errors.Wrap(err, "file identity store: create temp file")
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "file identity store: write")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "file identity store: sync")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "file identity store: close")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, "file identity store: rename")
	}
	return nil
}
