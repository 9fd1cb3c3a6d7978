// Package idempotency makes retried writes safe.
//
// A mutating request carrying an Idempotency-Key header is executed at most
// once per (tenant, user, method, path, key). The first request takes a lock
// in the shared store, runs the handler and caches the response; retries with
// the same payload replay that response, retries with a different payload are
// rejected, and concurrent duplicates poll briefly for the result before
// giving up with a conflict.
//
// Coordinator.Guard is transport independent. Coordinator.Middleware adapts it
// to net/http.
package idempotency
