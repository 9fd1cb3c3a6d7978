package kv

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// compareAndDelete deletes KEYS[1] when its value equals ARGV[1].
var compareAndDelete = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisStore struct {
	client redis.UniversalClient
	cfg    config
}

var _ Store = (*redisStore)(nil)

// NewRedis returns a Store backed by Redis.
// The caller owns the client lifecycle; Close is a no-op on the client.
func NewRedis(client redis.UniversalClient, opts ...Option) Store {
	return &redisStore{client: client, cfg: applyOptions(opts)}
}

// Connect parses a redis:// URL, creates a client and verifies it with PING.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "kv: parse redis url")
	}
	client := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, unavailable(err, "PING", opts.Addr)
	}
	return client, nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	data, err := s.client.Get(qctx, s.cfg.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable(err, "GET", key)
	}
	return data, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.defaultExpires
	}
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	return unavailable(s.client.Set(qctx, s.cfg.key(key), val, ttl).Err(), "SET", key)
}

func (s *redisStore) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	ok, err := s.client.SetNX(qctx, s.cfg.key(key), val, ttl).Result()
	if err != nil {
		return false, unavailable(err, "SETNX", key)
	}
	return ok, nil
}

func (s *redisStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return s.Del(ctx, key)
	}
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	ok, err := s.client.Expire(qctx, s.cfg.key(key), ttl).Result()
	if err != nil {
		return false, unavailable(err, "EXPIRE", key)
	}
	return ok, nil
}

func (s *redisStore) Del(ctx context.Context, key string) (bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	n, err := s.client.Del(qctx, s.cfg.key(key)).Result()
	if err != nil {
		return false, unavailable(err, "DEL", key)
	}
	return n > 0, nil
}

func (s *redisStore) CompareAndDelete(ctx context.Context, key string, val []byte) (bool, error) {
	qctx, cancel := s.cfg.queryCtx(ctx)
	defer cancel()
	n, err := compareAndDelete.Run(qctx, s.client, []string{s.cfg.key(key)}, val).Int64()
	if err != nil {
		return false, unavailable(err, "CAD", key)
	}
	return n > 0, nil
}

// Close is a no-op, the caller owns the redis client.
func (s *redisStore) Close() error {
	return nil
}
