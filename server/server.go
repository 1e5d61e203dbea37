// Package server is a reference implementation of the remote document
// service: the HTTP surface the engine reads and mutates the state document
// through, plus the websocket endpoint that carries invalidation signals.
//
// Every successful mutation is followed by a {"target":"state"} broadcast;
// publishing a cache broadcasts {"target":"cache:<name>"}.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/c0deZ3R0/go-statesync/docpath"
	syncErrors "github.com/c0deZ3R0/go-statesync/errors"
	"github.com/c0deZ3R0/go-statesync/logging"
	"github.com/c0deZ3R0/go-statesync/schema"
	"github.com/c0deZ3R0/go-statesync/storage/sqlite"
	"github.com/c0deZ3R0/go-statesync/transport/httpstore"
	"github.com/c0deZ3R0/go-statesync/transport/wschannel"
)

const component = "server"

// ErrUnknownSchema is returned for schema ids the server does not serve.
var ErrUnknownSchema = errors.New("unknown schema")

// Server serves one state document.
type Server struct {
	store     *sqlite.Store
	opts      *Options
	hub       *Hub
	caches    *Caches
	schemas   map[string][]byte
	validator *schema.Validator
	logger    *logging.Logger
}

// New creates a Server over store. Schemas in Options.SchemaDir are read
// here; a StateSchema that is not among them is an error.
func New(store *sqlite.Store, opts ...Option) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	o := applyOptions(opts...)
	if o.CSRFHeader == "" {
		o.CSRFHeader = httpstore.DefaultCSRFHeader
	}
	logger := logging.WithComponent(component)
	if o.Logger != nil {
		logger = &logging.Logger{Logger: o.Logger}
	}

	schemas, err := loadSchemas(o.SchemaDir)
	if err != nil {
		return nil, err
	}
	for id, raw := range o.Schemas {
		schemas[id] = raw
	}
	if o.StateSchema != "" {
		if _, ok := schemas[o.StateSchema]; !ok {
			return nil, fmt.Errorf("%w: state schema %q", ErrUnknownSchema, o.StateSchema)
		}
	}

	s := &Server{
		store:   store,
		opts:    o,
		schemas: schemas,
		logger:  logger,
	}
	s.hub = newHub(o, logger.Logger)
	s.caches = newCaches(store, s.hub, o.CachePrefix, logger.Logger)
	s.validator = schema.NewValidator(schema.FetcherFunc(s.fetchSchema), schema.WithLogger(logger.Logger))
	return s, nil
}

// loadSchemas reads every <id>.json file in dir.
func loadSchemas(dir string) (map[string][]byte, error) {
	schemas := make(map[string][]byte)
	if dir == "" {
		return schemas, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema: %w", err)
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("schema %s is not valid JSON", e.Name())
		}
		schemas[strings.TrimSuffix(e.Name(), ".json")] = raw
	}
	return schemas, nil
}

func (s *Server) fetchSchema(_ context.Context, id string) ([]byte, error) {
	raw, ok := s.schemas[id]
	if !ok {
		return nil, syncErrors.E(syncErrors.OpFetchSchema, syncErrors.Component(component), syncErrors.KindNotFound,
			fmt.Errorf("%w: %q", ErrUnknownSchema, id))
	}
	return raw, nil
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Caches returns the named cache registry.
func (s *Server) Caches() *Caches { return s.caches }

// PublishCache stores value as the named cache and broadcasts its
// invalidation.
func (s *Server) PublishCache(ctx context.Context, name string, value any) error {
	return s.caches.Publish(ctx, name, value)
}

// Close disconnects every websocket client. The store is left open.
func (s *Server) Close() {
	s.hub.Close()
}

// Handler returns the complete router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	s.RegisterHTTP(r)
	return r
}

// RegisterHTTP mounts the service routes on r.
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Get("/ws", s.hub.ServeHTTP)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.logRequests)
		r.Use(s.checkCSRF)

		r.Get("/schemas/{id}", s.handleSchema)
		r.Get("/state", s.handleState)
		r.Put("/state", s.handleReplace)
		r.Put("/state/*", s.handleUpdate)
		r.Delete("/remove/{value}", s.handleRemoveValue)
		r.Delete("/remove-path/*", s.handleRemovePath)
		r.Post("/undo", s.handleUndo)
		r.Post("/redo", s.handleRedo)
		r.Get("/{cache}", s.handleCache)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logging.ContextWithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		r = r.WithContext(ctx)
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithContext(ctx).Debug("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

func (s *Server) checkCSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.CSRFToken != "" && r.Method != http.MethodGet && r.Method != http.MethodHead {
			got := r.Header.Get(s.opts.CSRFHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.CSRFToken)) != 1 {
				s.logger.Warn("rejected write without anti-forgery token",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path))
				respondWithError(w, r, http.StatusForbidden, "missing or invalid anti-forgery token", s.opts)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, code int, payload any) {
	respondWithJSON(w, r, code, payload, s.opts)
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).LogError(r.Context(), err, "request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path))
	}
	respondWithError(w, r, code, err.Error(), s.opts)
}

// statusFor maps a store or registry error to a status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sqlite.ErrNothingToUndo), errors.Is(err, sqlite.ErrNothingToRedo):
		return http.StatusConflict
	case errors.Is(err, sqlite.ErrStoreClosed):
		return http.StatusServiceUnavailable
	case syncErrors.IsKind(err, syncErrors.KindNotFound):
		return http.StatusNotFound
	case syncErrors.IsKind(err, syncErrors.KindInvalid):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// mutated reports a successful mutation and broadcasts the invalidation.
func (s *Server) mutated(w http.ResponseWriter, r *http.Request, entry sqlite.Entry) {
	s.hub.Broadcast(wschannel.TargetState)
	s.respond(w, r, http.StatusOK, map[string]any{"status": "ok", "id": entry.ID, "seq": entry.Seq})
}

// pathParam returns the named URL parameter decoded. chi routes on the raw
// path when the request carries escapes, so the value may still be escaped.
func pathParam(r *http.Request, key string) (string, error) {
	v := chi.URLParam(r, key)
	if r.URL.RawPath == "" {
		return v, nil
	}
	return url.PathUnescape(v)
}

func docPath(r *http.Request) (docpath.Path, error) {
	v := chi.URLParam(r, "*")
	var p docpath.Path
	var err error
	if r.URL.RawPath == "" {
		p, err = docpath.Parse(v)
	} else {
		p, err = docpath.ParseEscaped(v)
	}
	if err != nil {
		return docpath.Path{}, syncErrors.E(syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	if p.IsRoot() {
		return docpath.Path{}, syncErrors.E(syncErrors.Component(component), syncErrors.KindInvalid, docpath.ErrEmptyPath)
	}
	return p, nil
}

func (s *Server) handleSchema(w http.ResponseWriter, r *http.Request) {
	id, err := pathParam(r, "id")
	if err != nil {
		respondWithError(w, r, http.StatusBadRequest, "invalid schema id", s.opts)
		return
	}
	raw, err := s.fetchSchema(r.Context(), id)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, json.RawMessage(raw))
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.State(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, map[string]any{"state": doc})
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	var doc any
	if err := decodeBody(w, r, s.opts, &doc); err != nil {
		respondWithError(w, r, bodyStatus(err), err.Error(), s.opts)
		return
	}
	if s.opts.StateSchema != "" {
		list, err := s.validator.Validate(r.Context(), s.opts.StateSchema, s.opts.StateDefinition, doc)
		if err != nil {
			s.respondErr(w, r, err)
			return
		}
		if len(list) > 0 {
			s.logger.Warn("rejected invalid state document", slog.Int("errors", len(list)))
			s.respond(w, r, http.StatusUnprocessableEntity, map[string]any{"error": list.Error(), "errors": list})
			return
		}
	}
	entry, err := s.store.Replace(r.Context(), doc)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.mutated(w, r, entry)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	p, err := docPath(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	var fragment any
	if err := decodeBody(w, r, s.opts, &fragment); err != nil {
		respondWithError(w, r, bodyStatus(err), err.Error(), s.opts)
		return
	}
	entry, err := s.store.Update(r.Context(), p, fragment)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.mutated(w, r, entry)
}

func (s *Server) handleRemoveValue(w http.ResponseWriter, r *http.Request) {
	value, err := pathParam(r, "value")
	if err != nil || value == "" {
		respondWithError(w, r, http.StatusBadRequest, "invalid value", s.opts)
		return
	}
	entry, removed, err := s.store.RemoveValue(r.Context(), value)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.logger.Info("removed value", slog.String("value", value), slog.Int("occurrences", removed))
	s.mutated(w, r, entry)
}

func (s *Server) handleRemovePath(w http.ResponseWriter, r *http.Request) {
	p, err := docPath(r)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	entry, err := s.store.Delete(r.Context(), p)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.mutated(w, r, entry)
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.Undo(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.mutated(w, r, entry)
}

func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	entry, err := s.store.Redo(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.mutated(w, r, entry)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	name, err := pathParam(r, "cache")
	if err == nil {
		err = httpstore.CheckCacheName(name)
	}
	if err != nil {
		respondWithError(w, r, http.StatusNotFound, "not found", s.opts)
		return
	}
	v, err := s.caches.Get(r.Context(), name)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	s.respond(w, r, http.StatusOK, v)
}
