package kv

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails every call while failing is set.
type flakyStore struct {
	Store
	failing bool
	calls   int
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.calls++
	if f.failing {
		return nil, false, unavailable(errors.New("connection refused"), "GET", key)
	}
	return f.Store.Get(ctx, key)
}

func newFlaky(t *testing.T) *flakyStore {
	s := NewMemory(context.Background())
	t.Cleanup(func() { s.Close() })
	return &flakyStore{Store: s}
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	clock := newFakeClock()
	inner := newFlaky(t)
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 3, Cooldown: time.Second, SuccessThreshold: 1})
	b.now = clock.Now
	inner.failing = true

	for i := 0; i < 3; i++ {
		_, _, err := b.Get(context.Background(), "k")
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	assert.Equal(t, StateOpen, b.State())

	_, _, err := b.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, inner.calls, "open breaker must not reach the store")
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	clock := newFakeClock()
	inner := newFlaky(t)
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 1, Cooldown: time.Second, SuccessThreshold: 1})
	b.now = clock.Now

	inner.failing = true
	_, _, err := b.Get(context.Background(), "k")
	require.Error(t, err)
	require.Equal(t, StateOpen, b.State())

	// failed probe re-opens
	clock.Advance(2 * time.Second)
	_, _, err = b.Get(context.Background(), "k")
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())

	// successful probe closes
	clock.Advance(2 * time.Second)
	inner.failing = false
	_, found, err := b.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewBreaker(&cancelStore{}, BreakerConfig{MaxFailures: 1})
	for i := 0; i < 3; i++ {
		_, err := b.SetNX(context.Background(), "k", nil, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerPassThrough(t *testing.T) {
	s := NewMemory(context.Background())
	b := NewBreaker(s, DefaultBreakerConfig())
	defer b.Close()
	ctx := context.Background()

	ok, err := b.SetNX(ctx, "lock", []byte("x"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	existed, err := b.Expire(ctx, "lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, existed)
	require.NoError(t, b.Set(ctx, "entry", []byte("y"), time.Minute))
	deleted, err := b.Del(ctx, "lock")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, "CLOSED", b.State().String())

	b.transitionTo(StateOpen)
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerSettlesWhileOpen(t *testing.T) {
	inner := newFlaky(t)
	b := NewBreaker(inner, BreakerConfig{MaxFailures: 1, Cooldown: time.Minute})
	ctx := context.Background()

	ok, err := b.SetNX(ctx, "lock", []byte("owner"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	inner.failing = true
	_, _, err = b.Get(ctx, "k")
	require.Error(t, err)
	require.Equal(t, StateOpen, b.State())

	_, err = b.SetNX(ctx, "other", nil, time.Minute)
	assert.ErrorIs(t, err, ErrBreakerOpen)

	require.NoError(t, b.Set(ctx, "entry", []byte("result"), time.Minute))
	renewed, err := b.Expire(ctx, "lock", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)
	released, err := b.CompareAndDelete(ctx, "lock", []byte("owner"))
	require.NoError(t, err)
	assert.True(t, released)
	deleted, err := b.Del(ctx, "entry")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, StateOpen, b.State(), "settling writes do not close the circuit")
}

type cancelStore struct{ Store }

func (cancelStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, errors.Wrap(context.Canceled, "kv: SETNX k")
}
