package idempotency

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/quillnotes/notes-api/kv"
	"github.com/quillnotes/notes-api/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/quillnotes/notes-api/idempotency")

const (
	DefaultTTL          = 24 * time.Hour
	DefaultLockTTL      = 30 * time.Second
	DefaultPollInterval = 20 * time.Millisecond
	DefaultPollTimeout  = 300 * time.Millisecond
)

// Request is the transport independent view of a write the coordinator guards.
type Request struct {
	Method      string
	Path        string
	Key         string
	Body        []byte
	RouteParams map[string]string
	Query       url.Values
	Header      http.Header
	UserID      string
	TenantID    string
}

// Applies reports whether the coordinator engages for this request: a
// mutating method carrying an idempotency key.
func (r *Request) Applies() bool {
	return r.Key != "" && IsMutating(r.Method)
}

// Identity returns the composite identity of the request.
func (r *Request) Identity() Key {
	return Key{
		Tenant: r.TenantID,
		User:   r.UserID,
		Method: r.Method,
		Path:   r.Path,
		Client: r.Key,
	}.withDefaults()
}

// Outcome says how a response was produced.
type Outcome int

const (
	// OutcomeBypass: the request did not qualify and went straight to the handler.
	OutcomeBypass Outcome = iota
	// OutcomeExecuted: this request held the lock and ran the handler.
	OutcomeExecuted
	// OutcomeReplayed: the response came from the cached entry.
	OutcomeReplayed
	// OutcomeUnguarded: the store failed and fail-open ran the handler without protection.
	OutcomeUnguarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeExecuted:
		return "executed"
	case OutcomeReplayed:
		return "replayed"
	case OutcomeUnguarded:
		return "unguarded"
	default:
		return "bypass"
	}
}

// Response is the result of a guarded handler or a replay.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Outcome Outcome
}

// Handler runs the guarded write. A returned error is propagated unchanged
// and nothing is cached.
type Handler func(ctx context.Context) (*Response, error)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTTL sets how long a cached entry is replayed.
func WithTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.ttl = d }
}

// WithLockTTL sets the safety expiry of the lock entry.
func WithLockTTL(d time.Duration) Option {
	return func(c *Coordinator) { c.lockTTL = d }
}

// WithPoll sets how often and for how long a contending request polls for the
// holder's result before giving up with ErrInFlight.
func WithPoll(interval, timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.pollInterval = interval
		c.pollTimeout = timeout
	}
}

// WithLockRenewal sets the heartbeat interval that re-arms the lock TTL while
// the handler runs. Zero disables renewal.
func WithLockRenewal(d time.Duration) Option {
	return func(c *Coordinator) {
		c.renewEvery = d
		c.renewSet = true
	}
}

// WithFailOpen runs the handler unguarded when the store is unavailable
// instead of rejecting the request.
func WithFailOpen(failOpen bool) Option {
	return func(c *Coordinator) { c.failOpen = failOpen }
}

// WithLogger sets the logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithCacheable decides which handler responses are stored. The default
// caches statuses below 400.
func WithCacheable(fn func(*Response) bool) Option {
	return func(c *Coordinator) { c.cacheable = fn }
}

// WithClock overrides the time source used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator gates writes through a cache-first, lock-coordinated,
// at-most-once protocol. All of its state lives in the store, so any number
// of instances may share one.
type Coordinator struct {
	store        kv.Store
	log          logger.Logger
	ttl          time.Duration
	lockTTL      time.Duration
	pollInterval time.Duration
	pollTimeout  time.Duration
	renewEvery   time.Duration
	renewSet     bool
	failOpen     bool
	cacheable    func(*Response) bool
	now          func() time.Time
}

// New returns a Coordinator using store for entries and locks.
func New(store kv.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		ttl:          DefaultTTL,
		lockTTL:      DefaultLockTTL,
		pollInterval: DefaultPollInterval,
		pollTimeout:  DefaultPollTimeout,
		cacheable:    func(r *Response) bool { return r.Status < http.StatusBadRequest },
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.NewConsoleLogger(nopWriter{}, logger.LevelNone)
	}
	if !c.renewSet {
		c.renewEvery = c.lockTTL / 3
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	c.log = c.log.WithPrefix("[idempotency]")
	return c
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

// Guard runs next at most once per idempotency key. Requests that do not
// qualify are passed straight through without touching the store.
func (c *Coordinator) Guard(ctx context.Context, req *Request, next Handler) (resp *Response, err error) {
	if !req.Applies() {
		resp, err = next(ctx)
		if resp != nil {
			resp.Outcome = OutcomeBypass
		}
		return resp, err
	}
	if err := ValidateKey(req.Key); err != nil {
		return nil, err
	}
	fp, err := Fingerprint(req)
	if err != nil {
		return nil, err
	}
	key := req.Identity()

	ctx, span := tracer.Start(ctx, "idempotency.Guard", trace.WithAttributes(
		attribute.String("http.request.method", key.Method),
		attribute.String("idempotency.tenant", key.Tenant),
	))
	defer func() {
		if resp != nil {
			span.SetAttributes(attribute.String("idempotency.outcome", resp.Outcome.String()))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := c.log.With(map[string]interface{}{
		"tenant": key.Tenant,
		"user":   key.User,
		"method": key.Method,
		"path":   key.Path,
		"key":    key.Client,
	})
	cacheKey, lockKey := key.CacheKey(), key.LockKey()

	entry, found, err := c.lookup(ctx, cacheKey)
	if err != nil {
		return c.storeFailure(ctx, log, err, next)
	}
	if found {
		return c.replay(log, entry, fp)
	}

	lock := LockInfo{AcquiredAt: c.now(), Owner: uuid.NewString()}
	token := lock.encode()
	acquired, err := c.store.SetNX(ctx, lockKey, token, c.lockTTL)
	if err != nil {
		return c.storeFailure(ctx, log, err, next)
	}
	if !acquired {
		return c.wait(ctx, log, cacheKey, fp)
	}
	return c.execute(ctx, log.With(map[string]interface{}{"owner": lock.Owner}), cacheKey, lockKey, token, fp, next)
}

func (c *Coordinator) lookup(ctx context.Context, cacheKey string) (*Entry, bool, error) {
	entry, found, err := kv.GetValue[Entry](ctx, c.store, cacheKey)
	if err != nil || !found {
		return nil, false, err
	}
	if entry.Expired(c.now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

func (c *Coordinator) replay(log logger.Logger, entry *Entry, fp string) (*Response, error) {
	if entry.Fingerprint != fp {
		log.Debug("payload mismatch against entry stored at %s", entry.StoredAt.Format(time.RFC3339))
		return nil, errors.WithStack(ErrPayloadMismatch)
	}
	log.Debug("replaying status %d", entry.Status)
	return entry.response(), nil
}

// wait polls for the lock holder's result until the poll window closes.
func (c *Coordinator) wait(ctx context.Context, log logger.Logger, cacheKey, fp string) (*Response, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(c.pollTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			entry, found, err := c.lookup(ctx, cacheKey)
			if err != nil {
				log.Warn("poll lookup failed: %v", err)
				continue
			}
			if found {
				return c.replay(log, entry, fp)
			}
		case <-deadline.C:
			if entry, found, err := c.lookup(ctx, cacheKey); err == nil && found {
				return c.replay(log, entry, fp)
			}
			log.Debug("lock held elsewhere, no result after %s", c.pollTimeout)
			return nil, errors.WithStack(ErrInFlight)
		}
	}
}

// execute runs the handler while holding the lock. The lock is released on
// every exit path, panics included.
func (c *Coordinator) execute(ctx context.Context, log logger.Logger, cacheKey, lockKey string, token []byte, fp string, next Handler) (*Response, error) {
	stop := c.keepAlive(ctx, log, lockKey)
	defer func() {
		stop()
		c.release(ctx, log, lockKey, token)
	}()

	// A peer may have stored its entry and released the lock between our
	// lookup and our acquisition.
	entry, found, err := c.lookup(ctx, cacheKey)
	if err != nil {
		return c.storeFailure(ctx, log, err, next)
	}
	if found {
		return c.replay(log, entry, fp)
	}

	resp, err := next(ctx)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	resp.Outcome = OutcomeExecuted
	if !c.cacheable(resp) {
		log.Debug("status %d not cached", resp.Status)
		return resp, nil
	}

	now := c.now()
	if err := kv.SetValue(context.WithoutCancel(ctx), c.store, cacheKey, newEntry(fp, resp, now, c.ttl), c.ttl); err != nil {
		// the write already happened; returning an error would invite a duplicate retry
		log.Error("failed to store result, retries will execute again: %v", err)
	}
	return resp, nil
}

// release deletes the lock only while it still carries our token. A lock that
// expired and was taken by another request is left to its new holder.
func (c *Coordinator) release(ctx context.Context, log logger.Logger, lockKey string, token []byte) {
	deleted, err := c.store.CompareAndDelete(context.WithoutCancel(ctx), lockKey, token)
	switch {
	case err != nil:
		log.Warn("failed to release lock, it expires within %s: %v", c.lockTTL, err)
	case !deleted:
		log.Warn("lock was no longer ours at release")
	}
}

// keepAlive re-arms the lock TTL until the returned stop function is called.
func (c *Coordinator) keepAlive(ctx context.Context, log logger.Logger, lockKey string) func() {
	if c.renewEvery <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ok, err := c.store.Expire(context.WithoutCancel(ctx), lockKey, c.lockTTL)
				switch {
				case err != nil:
					log.Warn("lock renewal failed: %v", err)
				case !ok:
					log.Warn("lock expired while the handler was running")
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (c *Coordinator) storeFailure(ctx context.Context, log logger.Logger, err error, next Handler) (*Response, error) {
	if !c.failOpen {
		log.Error("store unavailable, rejecting request: %v", err)
		return nil, errors.Mark(errors.Wrap(err, "idempotency"), ErrStoreUnavailable)
	}
	log.Warn("store unavailable, executing without idempotency protection: %v", err)
	resp, herr := next(ctx)
	if resp != nil {
		resp.Outcome = OutcomeUnguarded
	}
	return resp, herr
}

// Inspect returns the cached entry and the lock state for key. Either may be nil.
func (c *Coordinator) Inspect(ctx context.Context, key Key) (*Entry, *LockInfo, error) {
	entry, found, err := kv.GetValue[Entry](ctx, c.store, key.CacheKey())
	if err != nil {
		return nil, nil, err
	}
	var e *Entry
	if found {
		e = &entry
	}
	raw, held, err := c.store.Get(ctx, key.LockKey())
	if err != nil {
		return e, nil, err
	}
	if !held {
		return e, nil, nil
	}
	lock, err := ParseLock(raw)
	if err != nil {
		return e, nil, err
	}
	return e, &lock, nil
}

// Purge deletes the cached entry and the lock for key.
func (c *Coordinator) Purge(ctx context.Context, key Key) (entry bool, lock bool, err error) {
	if entry, err = c.store.Del(ctx, key.CacheKey()); err != nil {
		return false, false, err
	}
	lock, err = c.store.Del(ctx, key.LockKey())
	return entry, lock, err
}
