package kv

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrBreakerOpen is returned, marked as ErrUnavailable, while the breaker is
// short-circuiting calls to a failing store.
var ErrBreakerOpen = errors.Mark(errors.New("kv: circuit breaker open"), ErrUnavailable)

// BreakerState represents the state of a circuit breaker
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig defines configuration for the circuit breaker
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures int
	// Cooldown is how long to wait before transitioning from Open to Half-Open
	Cooldown time.Duration
	// SuccessThreshold is the number of consecutive successes needed in Half-Open to close
	SuccessThreshold int
}

// DefaultBreakerConfig returns a default configuration
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		Cooldown:         5 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker is a Store decorator that stops calling a failing backend for a
// cooldown period. While half-open a single probe is admitted at a time.
//
// Only Get and SetNX are short-circuited. Set, Expire, Del and
// CompareAndDelete finish work that already started (storing a handler's
// result, renewing or releasing a held lock) and always reach the backend.
type Breaker struct {
	inner  Store
	config BreakerConfig
	now    func() time.Time

	state       atomic.Int32
	failures    atomic.Int32
	successes   atomic.Int32
	probing     atomic.Bool
	lastFailure atomic.Int64
}

var _ Store = (*Breaker)(nil)

// NewBreaker wraps inner with a circuit breaker.
func NewBreaker(inner Store, config BreakerConfig) *Breaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = DefaultBreakerConfig().MaxFailures
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &Breaker{inner: inner, config: config, now: time.Now}
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() BreakerState {
	return BreakerState(b.state.Load())
}

// Reset manually resets the circuit breaker to closed state
func (b *Breaker) Reset() {
	b.transitionTo(StateClosed)
}

func (b *Breaker) transitionTo(state BreakerState) {
	b.state.Store(int32(state))
	b.successes.Store(0)
	if state == StateClosed {
		b.failures.Store(0)
	}
	if state == StateOpen {
		b.lastFailure.Store(b.now().UnixNano())
	}
}

// before reports whether a call may proceed and whether it is the half-open probe.
func (b *Breaker) before() (probe bool, err error) {
	switch b.State() {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(time.Unix(0, b.lastFailure.Load())) < b.config.Cooldown {
			return false, ErrBreakerOpen
		}
		b.state.CompareAndSwap(int32(StateOpen), int32(StateHalfOpen))
		fallthrough
	default:
		if !b.probing.CompareAndSwap(false, true) {
			return false, ErrBreakerOpen
		}
		return true, nil
	}
}

func (b *Breaker) after(probe bool, err error) {
	if probe {
		defer b.probing.Store(false)
	}
	// caller cancellations say nothing about the store's health
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed)) {
		return
	}
	if err != nil {
		n := b.failures.Add(1)
		b.lastFailure.Store(b.now().UnixNano())
		if probe || int(n) >= b.config.MaxFailures {
			b.transitionTo(StateOpen)
		}
		return
	}
	if probe {
		if int(b.successes.Add(1)) >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
		return
	}
	if b.State() == StateClosed {
		b.failures.Store(0)
	}
}

func call[T any](b *Breaker, fn func() (T, error)) (T, error) {
	probe, err := b.before()
	if err != nil {
		var zero T
		return zero, err
	}
	v, err := fn()
	b.after(probe, err)
	return v, err
}

// settle runs fn whatever the circuit state. Its outcome is counted only
// while the circuit is closed, so it can neither probe nor close an open one.
func settle[T any](b *Breaker, fn func() (T, error)) (T, error) {
	v, err := fn()
	if b.State() == StateClosed {
		b.after(false, err)
	}
	return v, err
}

func (b *Breaker) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var found bool
	val, err := call(b, func() ([]byte, error) {
		v, ok, err := b.inner.Get(ctx, key)
		found = ok
		return v, err
	})
	return val, found, err
}

func (b *Breaker) Set(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	_, err := settle(b, func() (struct{}, error) {
		return struct{}{}, b.inner.Set(ctx, key, val, ttl)
	})
	return err
}

func (b *Breaker) SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	return call(b, func() (bool, error) { return b.inner.SetNX(ctx, key, val, ttl) })
}

func (b *Breaker) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return settle(b, func() (bool, error) { return b.inner.Expire(ctx, key, ttl) })
}

func (b *Breaker) Del(ctx context.Context, key string) (bool, error) {
	return settle(b, func() (bool, error) { return b.inner.Del(ctx, key) })
}

func (b *Breaker) CompareAndDelete(ctx context.Context, key string, val []byte) (bool, error) {
	return settle(b, func() (bool, error) { return b.inner.CompareAndDelete(ctx, key, val) })
}

func (b *Breaker) Close() error {
	return b.inner.Close()
}
