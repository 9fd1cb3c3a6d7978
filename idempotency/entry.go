package idempotency

import (
	"net/http"
	"time"
)

// replayHeaders are persisted with the entry and restored on replay.
var replayHeaders = []string{"Content-Type", "Location", "ETag"}

// Entry is the cached result of the first successful execution for a key.
// It is written once and never modified.
type Entry struct {
	Fingerprint string              `msgpack:"fp"`
	Status      int                 `msgpack:"status"`
	Header      map[string][]string `msgpack:"header,omitempty"`
	Body        []byte              `msgpack:"body"`
	StoredAt    time.Time           `msgpack:"stored_at"`
	ExpiresAt   time.Time           `msgpack:"expires_at"`
}

// Expired reports whether the entry outlived its TTL. Backends expire keys
// natively; this guards against entries read back across a TTL change.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

func newEntry(fp string, resp *Response, now time.Time, ttl time.Duration) *Entry {
	e := &Entry{
		Fingerprint: fp,
		Status:      resp.Status,
		Body:        resp.Body,
		StoredAt:    now,
		ExpiresAt:   now.Add(ttl),
	}
	for _, h := range replayHeaders {
		if v := resp.Header.Values(h); len(v) > 0 {
			if e.Header == nil {
				e.Header = map[string][]string{}
			}
			e.Header[h] = v
		}
	}
	return e
}

func (e *Entry) response() *Response {
	header := http.Header{}
	for k, v := range e.Header {
		header[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return &Response{
		Status:  e.Status,
		Header:  header,
		Body:    e.Body,
		Outcome: OutcomeReplayed,
	}
}
