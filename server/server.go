// Package server exposes the notes write API over HTTP. Every mutating route
// is guarded by the idempotency middleware.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/quillnotes/notes-api/idempotency"
	"github.com/quillnotes/notes-api/logger"
	"github.com/quillnotes/notes-api/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/quillnotes/notes-api/server")

const (
	HeaderUserID   = "X-User-Id"
	HeaderTenantID = "X-Tenant-Id"
)

type Option func(*Server)

// WithMaxBodyBytes bounds request bodies on guarded routes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// WithNoteStore replaces the in-memory note store.
func WithNoteStore(notes *NoteStore) Option {
	return func(s *Server) { s.notes = notes }
}

// WithServiceName names the service in HTTP spans.
func WithServiceName(name string) Option {
	return func(s *Server) { s.serviceName = name }
}

type Server struct {
	coord        *idempotency.Coordinator
	notes        *NoteStore
	log          logger.Logger
	maxBodyBytes int64
	serviceName  string
}

func New(coord *idempotency.Coordinator, log logger.Logger, opts ...Option) *Server {
	s := &Server{
		coord:        coord,
		notes:        NewNoteStore(),
		log:          log.WithPrefix("[server]"),
		maxBodyBytes: idempotency.DefaultMaxBodyBytes,
		serviceName:  "notes-api",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware(s.serviceName))
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	guard := s.coord.Middleware(
		idempotency.WithIdentity(Identity),
		idempotency.WithRouteParams(RouteParams),
		idempotency.WithMaxBodyBytes(s.maxBodyBytes),
	)
	r.Route("/v1/notes", func(r chi.Router) {
		r.Get("/", s.listNotes)
		r.With(guard).Post("/", s.createNote)
		r.Get("/{id}", s.getNote)
		r.With(guard).Put("/{id}", s.replaceNote)
		r.With(guard).Patch("/{id}", s.patchNote)
		r.With(guard).Delete("/{id}", s.deleteNote)
	})
	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests for up to drain.
func (s *Server) ListenAndServe(ctx context.Context, addr string, drain time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return errors.Wrap(err, "server: listen")
	case <-ctx.Done():
	}
	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "server: shutdown")
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server: listen")
	}
	return nil
}

// Identity reads the caller from the identity headers. Empty values are
// replaced by the idempotency defaults.
func Identity(r *http.Request) (userID, tenantID string) {
	return r.Header.Get(HeaderUserID), r.Header.Get(HeaderTenantID)
}

func tenantOf(r *http.Request) string {
	if t := r.Header.Get(HeaderTenantID); t != "" {
		return t
	}
	return idempotency.DefaultTenant
}

// RouteParams returns the URL parameters chi matched for r.
func RouteParams(r *http.Request) map[string]string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || len(rctx.URLParams.Keys) == 0 {
		return nil
	}
	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, k := range rctx.URLParams.Keys {
		if k == "*" || i >= len(rctx.URLParams.Values) {
			continue
		}
		params[k] = rctx.URLParams.Values[i]
	}
	return params
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.log.With(map[string]interface{}{
			"request_id": middleware.GetReqID(r.Context()),
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"applied":    ww.Header().Get(idempotency.HeaderApplied),
		}).Debug("%s %s %s", r.Method, r.URL.Path, time.Since(started))
	})
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoteNotFound):
		writeError(w, http.StatusNotFound, "not_found", ErrNoteNotFound.Error())
	case errors.Is(err, ErrVersionMismatch):
		writeError(w, http.StatusPreconditionFailed, "precondition_failed", ErrVersionMismatch.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal", http.StatusText(http.StatusInternalServerError))
	}
}

func (s *Server) span(r *http.Request, name string) (logger.Logger, trace.Span) {
	_, log, span := telemetry.StartSpan(r.Context(), s.log, tracer, name,
		trace.WithAttributes(attribute.String("notes.tenant", tenantOf(r))))
	return log, span
}
