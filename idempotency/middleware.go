package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/cockroachdb/errors"
)

// DefaultMaxBodyBytes bounds the request body buffered for fingerprinting.
const DefaultMaxBodyBytes int64 = 1 << 20

type middlewareConfig struct {
	identity     func(*http.Request) (userID, tenantID string)
	routeParams  func(*http.Request) map[string]string
	maxBodyBytes int64
}

// MiddlewareOption configures the HTTP middleware.
type MiddlewareOption func(*middlewareConfig)

// WithIdentity supplies the authenticated user and tenant of a request.
// Empty values fall back to "anon" and "default".
func WithIdentity(fn func(*http.Request) (userID, tenantID string)) MiddlewareOption {
	return func(c *middlewareConfig) { c.identity = fn }
}

// WithRouteParams supplies the matched route parameters of a request.
func WithRouteParams(fn func(*http.Request) map[string]string) MiddlewareOption {
	return func(c *middlewareConfig) { c.routeParams = fn }
}

// WithMaxBodyBytes sets the largest body accepted on guarded requests.
func WithMaxBodyBytes(n int64) MiddlewareOption {
	return func(c *middlewareConfig) { c.maxBodyBytes = n }
}

// Middleware returns net/http middleware applying Guard to every request.
// The wrapped handler's response is buffered so it can be cached; responses
// with a status of 400 or above count as failures and are never cached.
func (c *Coordinator) Middleware(opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		identity:     func(*http.Request) (string, string) { return "", "" },
		routeParams:  func(*http.Request) map[string]string { return nil },
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" || !IsMutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			if err := ValidateKey(key); err != nil {
				WriteError(w, err)
				return
			}
			body, err := readBody(r, cfg.maxBodyBytes)
			if err != nil {
				WriteError(w, err)
				return
			}
			userID, tenantID := cfg.identity(r)
			req := &Request{
				Method:      r.Method,
				Path:        r.URL.Path,
				Key:         key,
				Body:        body,
				RouteParams: cfg.routeParams(r),
				Query:       r.URL.Query(),
				Header:      r.Header,
				UserID:      userID,
				TenantID:    tenantID,
			}
			resp, err := c.Guard(r.Context(), req, func(ctx context.Context) (*Response, error) {
				rec := newRecorder()
				next.ServeHTTP(rec, r.WithContext(ctx))
				return rec.response(), nil
			})
			if err != nil {
				WriteError(w, err)
				return
			}
			writeResponse(w, resp)
		})
	}
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, "idempotency: read body")
	}
	if int64(len(body)) > limit {
		return nil, errors.WithStack(ErrBodyTooLarge)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	h := w.Header()
	for k, v := range resp.Header {
		h[k] = append([]string(nil), v...)
	}
	switch resp.Outcome {
	case OutcomeReplayed:
		h.Set(HeaderApplied, "true")
	case OutcomeExecuted, OutcomeUnguarded:
		h.Set(HeaderApplied, "false")
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(resp.Body)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Hint    string `json:"hint,omitempty"`
	} `json:"error"`
}

// WriteError renders a coordinator error as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	var body errorBody
	body.Error.Code = ErrorCode(err)
	body.Error.Message = http.StatusText(status)
	for _, sentinel := range []error{ErrInvalidKey, ErrPayloadMismatch, ErrInFlight, ErrBodyTooLarge, ErrStoreUnavailable} {
		if errors.Is(err, sentinel) {
			body.Error.Message = sentinel.Error()
			break
		}
	}
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		body.Error.Hint = hints[0]
	}
	if errors.Is(err, ErrInFlight) {
		w.Header().Set("Retry-After", "1")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// recorder buffers a handler's response so it can be cached before it is
// written to the client.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: http.Header{}}
}

func (r *recorder) Header() http.Header { return r.header }

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *recorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *recorder) response() *Response {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{Status: status, Header: r.header, Body: r.body.Bytes()}
}
