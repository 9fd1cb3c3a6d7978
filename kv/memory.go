package kv

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"
)

type memoryEntry struct {
	val     []byte
	expires time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

type memoryStore struct {
	ctx       context.Context
	cancel    context.CancelFunc
	mutex     sync.Mutex
	entries   map[string]*memoryEntry
	waitGroup sync.WaitGroup
	once      sync.Once
	closed    bool
	cfg       config
}

var _ Store = (*memoryStore)(nil)

// NewMemory returns a process-local Store. It provides the same atomicity as
// the shared backends but only within one process, so it suits tests and
// single-instance development.
func NewMemory(parent context.Context, opts ...Option) Store {
	ctx, cancel := context.WithCancel(parent)
	s := &memoryStore{
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*memoryEntry),
		cfg:     applyOptions(opts),
	}
	if s.cfg.expiryCheck <= 0 {
		s.cfg.expiryCheck = time.Minute
	}
	s.waitGroup.Add(1)
	go s.run()
	return s
}

// live returns the entry for key, dropping it if it expired. Callers hold the mutex.
func (s *memoryStore) live(key string, now time.Time) *memoryEntry {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	if e.expired(now) {
		delete(s.entries, key)
		return nil
	}
	return e
}

func (s *memoryStore) expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	e := s.live(s.cfg.key(key), s.cfg.now())
	if e == nil {
		return nil, false, nil
	}
	return slices.Clone(e.val), true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.cfg.defaultExpires
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.entries[s.cfg.key(key)] = &memoryEntry{val: slices.Clone(val), expires: s.expiry(s.cfg.now(), ttl)}
	return nil
}

func (s *memoryStore) SetNX(_ context.Context, key string, val []byte, ttl time.Duration) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	now := s.cfg.now()
	k := s.cfg.key(key)
	if s.live(k, now) != nil {
		return false, nil
	}
	s.entries[k] = &memoryEntry{val: slices.Clone(val), expires: s.expiry(now, ttl)}
	return true, nil
}

func (s *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	now := s.cfg.now()
	k := s.cfg.key(key)
	e := s.live(k, now)
	if e == nil {
		return false, nil
	}
	if ttl <= 0 {
		delete(s.entries, k)
		return true, nil
	}
	e.expires = now.Add(ttl)
	return true, nil
}

func (s *memoryStore) Del(_ context.Context, key string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	k := s.cfg.key(key)
	e := s.live(k, s.cfg.now())
	delete(s.entries, k)
	return e != nil, nil
}

func (s *memoryStore) CompareAndDelete(_ context.Context, key string, val []byte) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	k := s.cfg.key(key)
	e := s.live(k, s.cfg.now())
	if e == nil || !bytes.Equal(e.val, val) {
		return false, nil
	}
	delete(s.entries, k)
	return true, nil
}

func (s *memoryStore) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		s.mutex.Lock()
		s.closed = true
		s.entries = nil
		s.mutex.Unlock()
	})
	return nil
}

func (s *memoryStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := s.cfg.now()
			s.mutex.Lock()
			for key, e := range s.entries {
				if e.expired(now) {
					delete(s.entries, key)
				}
			}
			s.mutex.Unlock()
		}
	}
}
