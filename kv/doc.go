// Package kv provides the shared key-value store used to coordinate
// idempotent writes across server instances.
//
// # Store Interface
//
// [Store] exposes exactly the primitives the idempotency protocol needs:
// GET, SET with TTL, set-if-absent with TTL, EXPIRE and DEL. Each is a single
// atomic operation on the backend, so no transactions or scripts are used.
//
// # Implementations
//
//   - [NewRedis]: backed by [github.com/redis/go-redis/v9]. Expiry uses
//     native Redis TTLs. The caller owns the client; [Store.Close] is a no-op.
//     This is the only backend that coordinates across hosts.
//
//   - [NewSQLite]: backed by [modernc.org/sqlite] (pure Go). Expired rows are
//     filtered on read and swept by a background goroutine. Coordinates
//     processes that share the database file.
//
//   - [NewMemory]: a mutex guarded map for tests and single-process
//     development.
//
//   - [NewBreaker]: a decorator that short-circuits calls to a failing
//     store with [ErrBreakerOpen] until a cooldown elapses.
//
// # Errors
//
// Backend failures are marked with [ErrUnavailable] so callers can make a
// single errors.Is check to decide between fail-open and fail-closed.
//
// # Values
//
// [GetValue] and [SetValue] encode structured values with
// [github.com/vmihailenco/msgpack/v5].
package kv
