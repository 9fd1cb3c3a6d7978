package kv

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	// ErrUnavailable marks every error caused by the backing store being
	// unreachable or failing. Test with errors.Is.
	ErrUnavailable = errors.New("kv: store unavailable")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store closed")
)

// Store is the shared key-value collaborator. Every operation is a single
// atomic primitive on the backend; no transactions are required.
type Store interface {
	// Get returns the value stored under key. found is false when the key is
	// absent or expired.
	Get(ctx context.Context, key string) (val []byte, found bool, err error)
	// Set stores val unconditionally. If ttl <= 0 the store's default TTL is used.
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	// SetNX stores val only if key does not exist and reports whether it did.
	// The TTL is applied atomically with the write; ttl <= 0 means no expiry.
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	// Expire re-arms the TTL of an existing key and reports whether the key
	// existed. A ttl <= 0 removes the key.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Del removes key and reports whether it existed.
	Del(ctx context.Context, key string) (bool, error)
	// CompareAndDelete removes key only if it currently holds val and reports
	// whether it did.
	CompareAndDelete(ctx context.Context, key string, val []byte) (bool, error)
	// Close releases resources owned by the store.
	Close() error
}

// DefaultExpires is the TTL used by Set when the caller passes ttl <= 0.
const DefaultExpires = 5 * time.Minute

// DefaultQueryTimeout is the per-operation timeout for backends that perform
// I/O (SQLite, Redis).
const DefaultQueryTimeout = 2 * time.Second

type config struct {
	defaultExpires time.Duration
	queryTimeout   time.Duration
	expiryCheck    time.Duration
	prefix         string
	now            func() time.Time
}

// Option configures a Store implementation.
type Option func(*config)

func applyOptions(opts []Option) config {
	cfg := config{
		defaultExpires: DefaultExpires,
		queryTimeout:   DefaultQueryTimeout,
		expiryCheck:    time.Minute,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// WithExpires sets the TTL used when Set is called with ttl <= 0.
func WithExpires(d time.Duration) Option {
	return func(c *config) { c.defaultExpires = d }
}

// WithQueryTimeout sets the per-operation timeout for I/O-backed stores.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *config) { c.queryTimeout = d }
}

// WithExpiryCheck sets the interval of the background sweep that removes
// expired entries. Applies to the memory and SQLite backends.
func WithExpiryCheck(d time.Duration) Option {
	return func(c *config) { c.expiryCheck = d }
}

// WithPrefix namespaces every key as "<prefix>:<key>".
func WithPrefix(p string) Option {
	return func(c *config) { c.prefix = p }
}

// WithClock overrides the time source of the memory and SQLite backends.
func WithClock(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

func (c config) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

func (c config) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	if c.queryTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, c.queryTimeout)
}

// unavailable wraps a backend failure so that errors.Is(err, ErrUnavailable)
// holds while keeping the original message and cause.
func unavailable(err error, op, key string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, "kv: %s %s", op, key), ErrUnavailable)
}

// GetValue reads key and decodes it with msgpack into T.
func GetValue[T any](ctx context.Context, s Store, key string) (T, bool, error) {
	var zero T
	data, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return zero, false, err
	}
	var out T
	if err := msgpack.Unmarshal(data, &out); err != nil {
		return zero, false, errors.Wrapf(err, "kv: decode %s", key)
	}
	return out, true, nil
}

// SetValue encodes val with msgpack and stores it under key.
func SetValue(ctx context.Context, s Store, key string, val any, ttl time.Duration) error {
	data, err := msgpack.Marshal(val)
	if err != nil {
		return errors.Wrapf(err, "kv: encode %s", key)
	}
	return s.Set(ctx, key, data, ttl)
}
