package idempotency

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

var (
	// ErrInvalidKey is returned when the client supplied key is malformed.
	// The store is never touched in that case.
	ErrInvalidKey = errors.New("idempotency: invalid key")
	// ErrPayloadMismatch is returned when a key is reused for a request whose
	// fingerprint differs from the one that produced the cached result.
	ErrPayloadMismatch = errors.New("idempotency: key reused with a different payload")
	// ErrInFlight is returned when another request holds the lock for the key
	// and no result appeared within the poll window.
	ErrInFlight = errors.New("idempotency: request with this key is still in flight")
	// ErrStoreUnavailable is returned in fail-closed mode when the store
	// cannot be read or the lock cannot be attempted.
	ErrStoreUnavailable = errors.New("idempotency: store unavailable")
	// ErrBodyTooLarge is returned by the HTTP middleware when the request
	// body exceeds the configured limit.
	ErrBodyTooLarge = errors.New("idempotency: request body too large")
)

// StatusCode maps an error from Guard to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, ErrPayloadMismatch), errors.Is(err, ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, ErrBodyTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the stable machine readable code for err.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidKey):
		return "idempotency_key_invalid"
	case errors.Is(err, ErrPayloadMismatch):
		return "idempotency_payload_mismatch"
	case errors.Is(err, ErrInFlight):
		return "idempotency_in_flight"
	case errors.Is(err, ErrBodyTooLarge):
		return "request_too_large"
	case errors.Is(err, ErrStoreUnavailable):
		return "idempotency_unavailable"
	default:
		return "internal"
	}
}
