package idempotency

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/quillnotes/notes-api/kv"
	"github.com/quillnotes/notes-api/logger"
	"github.com/redis/go-redis/v9"
)

// hookStore counts every call and lets a test replace individual operations.
type hookStore struct {
	kv.Store
	calls atomic.Int64
	get   func(ctx context.Context, key string) ([]byte, bool, error)
	set   func(ctx context.Context, key string, val []byte, ttl time.Duration) error
	setnx func(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
}

func (h *hookStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	h.calls.Add(1)
	if h.get != nil {
		return h.get(ctx, key)
	}
	return h.Store.Get(ctx, key)
}

func (h *hookStore) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	h.calls.Add(1)
	if h.set != nil {
		return h.set(ctx, key, val, ttl)
	}
	return h.Store.Set(ctx, key, val, ttl)
}

func (h *hookStore) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	h.calls.Add(1)
	if h.setnx != nil {
		return h.setnx(ctx, key, val, ttl)
	}
	return h.Store.SetNX(ctx, key, val, ttl)
}

func (h *hookStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	h.calls.Add(1)
	return h.Store.Expire(ctx, key, ttl)
}

func (h *hookStore) Del(ctx context.Context, key string) (bool, error) {
	h.calls.Add(1)
	return h.Store.Del(ctx, key)
}

func (h *hookStore) CompareAndDelete(ctx context.Context, key string, val []byte) (bool, error) {
	h.calls.Add(1)
	return h.Store.CompareAndDelete(ctx, key, val)
}

func newMemoryStore(t *testing.T, opts ...kv.Option) kv.Store {
	t.Helper()
	s := kv.NewMemory(context.Background(), opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func newRedisStore(t *testing.T) (*miniredis.Miniredis, kv.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, kv.NewRedis(client, kv.WithPrefix("idem"))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingHandler returns a Handler that counts invocations and answers with
// a fixed JSON body.
func countingHandler(count *atomic.Int64, status int, body string) Handler {
	return func(ctx context.Context) (*Response, error) {
		n := count.Add(1)
		h := http.Header{}
		h.Set("Content-Type", "application/json")
		h.Set("X-Handler-Run", string(rune('0'+n)))
		return &Response{Status: status, Header: h, Body: []byte(body)}, nil
	}
}

func newRequest(key, body string) *Request {
	return &Request{
		Method:   http.MethodPost,
		Path:     "/v1/notes",
		Key:      key,
		Body:     []byte(body),
		Header:   http.Header{},
		UserID:   "u-1",
		TenantID: "t-1",
	}
}

func newTestCoordinator(store kv.Store, opts ...Option) (*Coordinator, *logger.TestLogger) {
	log := logger.NewTestLogger()
	return New(store, append([]Option{WithLogger(log)}, opts...)...), log
}
