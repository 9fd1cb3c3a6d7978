package idempotency

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

const (
	// HeaderKey carries the client supplied idempotency key.
	HeaderKey = "Idempotency-Key"
	// HeaderApplied is set to "true" on replays and "false" on fresh executions.
	HeaderApplied = "X-Idempotency-Applied"

	DefaultUser   = "anon"
	DefaultTenant = "default"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{8,64}$`)

// ValidateKey checks the client supplied key format.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return errors.WithHint(ErrInvalidKey, "keys are 8 to 64 characters from [A-Za-z0-9._-]")
	}
	return nil
}

// IsMutating reports whether method is a write verb the coordinator guards.
func IsMutating(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Key is the composite identity of a logical write operation.
type Key struct {
	Tenant string
	User   string
	Method string
	Path   string
	Client string
}

func (k Key) withDefaults() Key {
	if k.Tenant == "" {
		k.Tenant = DefaultTenant
	}
	if k.User == "" {
		k.User = DefaultUser
	}
	k.Method = strings.ToUpper(k.Method)
	return k
}

// CacheKey returns the store key of the cached entry. Tenant and user are
// escaped so that the separator cannot be forged, and the path is digested
// to bound the key length.
func (k Key) CacheKey() string {
	k = k.withDefaults()
	return fmt.Sprintf("%s:%s:%s:%016x:%s",
		url.QueryEscape(k.Tenant),
		url.QueryEscape(k.User),
		k.Method,
		xxhash.Sum64String(k.Path),
		k.Client,
	)
}

// LockKey returns the store key of the lock guarding CacheKey.
func (k Key) LockKey() string {
	return k.CacheKey() + ":lock"
}

// LockInfo is the decoded value of a lock entry.
type LockInfo struct {
	AcquiredAt time.Time
	Owner      string
}

func (l LockInfo) encode() []byte {
	return []byte(l.AcquiredAt.UTC().Format(time.RFC3339Nano) + " " + l.Owner)
}

// ParseLock decodes a lock value written by the coordinator.
func ParseLock(val []byte) (LockInfo, error) {
	ts, owner, _ := strings.Cut(string(val), " ")
	at, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return LockInfo{}, errors.Wrap(err, "idempotency: parse lock")
	}
	return LockInfo{AcquiredAt: at, Owner: owner}, nil
}
