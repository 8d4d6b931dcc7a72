package identitystore

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Settings struct {
	Backend   string `mapstructure:"identity-backend"`
	Path      string `mapstructure:"identity-path"`
	RedisAddr string `mapstructure:"identity-redis-addr"`
}

// Open builds the Store selected by settings.
func Open(s Settings) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(s.Backend))
	if backend == "" {
		backend = BackendFile
	}
	log.Debug().Str("component", "identitystore").Str("backend", backend).Str("path", s.Path).Msg("opening identity store")

	switch backend {
	case BackendMemory:
		return NewInMemoryStore(), nil
	case BackendFile:
		return NewFileStore(s.Path)
	case BackendSQLite:
		dsn, err := SQLiteDSNForFile(s.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteStore(dsn)
	case BackendRedis:
		return NewRedisStore(s.RedisAddr)
	default:
		return nil, errors.Errorf("unknown identity backend %q", s.Backend)
	}
}
