package identitystore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite identity store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile returns a DSN tuned for one writer and concurrent readers.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite identity store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=FULL", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite identity store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS client_conversations (
		  client_key TEXT PRIMARY KEY,
		  conversation_id TEXT NOT NULL,
		  updated_at_ms INTEGER NOT NULL
		);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite identity store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, clientKey string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("sqlite identity store: db is nil")
	}
	key, err := normalizeKey("sqlite identity store", clientKey)
	if err != nil {
		return "", false, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var convID string
	err = s.db.QueryRowContext(ctx, `
		SELECT conversation_id FROM client_conversations WHERE client_key = ?
	`, key).Scan(&convID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "sqlite identity store: get")
	}
	return convID, convID != "", nil
}

func (s *SQLiteStore) Set(ctx context.Context, clientKey string, conversationID string) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite identity store: db is nil")
	}
	key, err := normalizeKey("sqlite identity store", clientKey)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if conversationID == "" {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM client_conversations WHERE client_key = ?`, key); err != nil {
			return errors.Wrap(err, "sqlite identity store: clear")
		}
		return nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO client_conversations (client_key, conversation_id, updated_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(client_key) DO UPDATE SET
			conversation_id = excluded.conversation_id,
			updated_at_ms = excluded.updated_at_ms
	`, key, conversationID, time.Now().UnixMilli())
	if err != nil {
		return errors.Wrap(err, "sqlite identity store: set")
	}
	return nil
}
