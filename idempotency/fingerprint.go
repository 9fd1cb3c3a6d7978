package idempotency

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// fingerprintHeaders are the conditional request headers that change the
// meaning of a write.
var fingerprintHeaders = []string{"If-Match", "If-None-Match"}

type normalizedRequest struct {
	BodyKind string              `json:"body_kind"`
	Body     any                 `json:"body"`
	Params   map[string]string   `json:"params"`
	Query    map[string][]string `json:"query"`
	Headers  map[string]string   `json:"headers"`
}

// Fingerprint returns the hex SHA-1 of the normalized request. JSON bodies are
// canonicalized (object keys sorted, whitespace dropped, numbers kept
// verbatim) so formatting differences between retries do not matter.
func Fingerprint(req *Request) (string, error) {
	n := normalizedRequest{}
	body := bytes.TrimSpace(req.Body)
	switch {
	case len(body) == 0:
	case json.Valid(body):
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&n.Body); err != nil {
			return "", errors.Wrap(err, "idempotency: normalize body")
		}
		n.BodyKind = "json"
	default:
		n.BodyKind = "raw"
		n.Body = req.Body
	}
	if len(req.RouteParams) > 0 {
		n.Params = req.RouteParams
	}
	if q := normalizeQuery(req.Query); len(q) > 0 {
		n.Query = q
	}
	for _, h := range fingerprintHeaders {
		if v := strings.TrimSpace(req.Header.Get(h)); v != "" {
			if n.Headers == nil {
				n.Headers = map[string]string{}
			}
			n.Headers[h] = v
		}
	}
	buf, err := json.Marshal(n)
	if err != nil {
		return "", errors.Wrap(err, "idempotency: encode fingerprint")
	}
	sum := sha1.Sum(buf)
	return hex.EncodeToString(sum[:]), nil
}

func normalizeQuery(q url.Values) map[string][]string {
	out := make(map[string][]string, len(q))
	for k, v := range q {
		if len(v) == 0 {
			continue
		}
		out[k] = v
	}
	return out
}
