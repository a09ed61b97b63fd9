// Package docapi serves a remote.Store over HTTP. The rest client in
// internal/remote/rest is its counterpart.
package docapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/nhle/fieldsync/internal/remote"
)

// maxBodyBytes caps request bodies; a project with a large form stays
// well below it.
const maxBodyBytes = 4 << 20

// InsertRequest is the body of POST /v1/collections/{collection}/docs.
type InsertRequest struct {
	ID  string          `json:"id,omitempty"`
	Doc remote.Document `json:"doc"`
}

// InsertResponse reports the stored id and whether the insert created it.
type InsertResponse struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

// QueryResponse is the body of a field query.
type QueryResponse struct {
	Docs []remote.Document `json:"docs"`
}

// IncrementRequest is the body of POST .../docs/{id}/increment.
type IncrementRequest struct {
	Field string `json:"field"`
	Delta int64  `json:"delta"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

type options struct {
	logger  *slog.Logger
	limiter *rate.Limiter
}

// Option configures the handler.
type Option func(*options)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRateLimit rejects requests above rps with 429 and a Retry-After
// header.
func WithRateLimit(rps float64, burst int) Option {
	return func(o *options) {
		if rps > 0 {
			o.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

type handler struct {
	store  remote.Store
	logger *slog.Logger
}

// NewHandler returns the document API router for store.
func NewHandler(store remote.Store, opts ...Option) http.Handler {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	h := &handler{store: store, logger: o.logger.With("component", "docapi")}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1/collections/{collection}/docs", func(r chi.Router) {
		if o.limiter != nil {
			r.Use(limit(o.limiter))
		}
		r.Use(knownCollection)
		r.Post("/", h.insert)
		r.Get("/", h.query)
		r.Get("/{id}", h.get)
		r.Patch("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/increment", h.increment)
	})

	return r
}

func (h *handler) insert(w http.ResponseWriter, r *http.Request) {
	var req InsertRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Doc == nil {
		req.Doc = remote.Document{}
	}

	id, created, err := h.store.Insert(r.Context(), chi.URLParam(r, "collection"), req.ID, req.Doc)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, InsertResponse{ID: id, Created: created})
}

func (h *handler) query(w http.ResponseWriter, r *http.Request) {
	field := r.URL.Query().Get("field")
	if field == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "query parameter field is required"})
		return
	}

	docs, err := h.store.QueryByField(r.Context(), chi.URLParam(r, "collection"), field, r.URL.Query().Get("value"))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if docs == nil {
		docs = []remote.Document{}
	}
	writeJSON(w, http.StatusOK, QueryResponse{Docs: docs})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.store.GetByID(r.Context(), chi.URLParam(r, "collection"), docID(r))
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *handler) update(w http.ResponseWriter, r *http.Request) {
	var patch remote.Document
	if !decodeBody(w, r, &patch) {
		return
	}

	if err := h.store.Update(r.Context(), chi.URLParam(r, "collection"), docID(r), patch); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "collection"), docID(r)); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) increment(w http.ResponseWriter, r *http.Request) {
	var req IncrementRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Field == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "field is required"})
		return
	}

	err := h.store.IncrementField(r.Context(), chi.URLParam(r, "collection"), docID(r), req.Field, req.Delta)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case errors.Is(err, remote.ErrConflict):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		h.logger.ErrorContext(r.Context(), "store operation failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
	}
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.logger.DebugContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

// docID returns the {id} path parameter. chi matches on the raw path
// when the request carries escaped separators, leaving the parameter
// escaped.
func docID(r *http.Request) string {
	id := chi.URLParam(r, "id")
	if r.URL.RawPath == "" {
		return id
	}
	if unescaped, err := url.PathUnescape(id); err == nil {
		return unescaped
	}
	return id
}

func knownCollection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch chi.URLParam(r, "collection") {
		case remote.ProjectsCollection, remote.RecordsCollection:
			next.ServeHTTP(w, r)
		default:
			writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown collection"})
		}
	})
}

func limit(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "reading body: " + err.Error()})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
