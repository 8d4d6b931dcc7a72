package identitystore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisKeyPrefix = "embedchat:conversation:"

// RedisStore keeps identities as plain string keys, one per client.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	ownClient bool
}

var _ Store = &RedisStore{}

// NewRedisStore opens its own client for addr.
func NewRedisStore(addr string) (*RedisStore, error) {
	if addr == "" {
		return nil, errors.New("redis identity store: empty addr")
	}
	return &RedisStore{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		prefix:    DefaultRedisKeyPrefix,
		ownClient: true,
	}, nil
}

// NewRedisStoreWithClient shares an existing client; Close leaves it open.
func NewRedisStoreWithClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx).Err(), "redis identity store: ping")
}

func (s *RedisStore) Get(ctx context.Context, clientKey string) (string, bool, error) {
	key, err := normalizeKey("redis identity store", clientKey)
	if err != nil {
		return "", false, err
	}
	v, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis identity store: get")
	}
	return v, v != "", nil
}

func (s *RedisStore) Set(ctx context.Context, clientKey string, conversationID string) error {
	key, err := normalizeKey("redis identity store", clientKey)
	if err != nil {
		return err
	}
	if conversationID == "" {
		if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
			return errors.Wrap(err, "redis identity store: clear")
		}
		return nil
	}
	if err := s.client.Set(ctx, s.prefix+key, conversationID, 0).Err(); err != nil {
		return errors.Wrap(err, "redis identity store: set")
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || !s.ownClient {
		return nil
	}
	return s.client.Close()
}
