// Package api is the HTTP host surface of toolrelay.
//
// Turns are served over a websocket at GET /v1/sessions/{id}/turns, one JSON
// [orchestrator.Request] in and a stream of JSON [orchestrator.Event]s out,
// with an NDJSON fallback on POST of the same path. The remaining routes
// expose session history, tool server administration, the tool catalog and
// stored attachments.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/toolrelay/internal/health"
	"github.com/MrWong99/toolrelay/internal/mcp/registry"
	"github.com/MrWong99/toolrelay/internal/mcp/toolindex"
	"github.com/MrWong99/toolrelay/internal/observe"
	"github.com/MrWong99/toolrelay/internal/orchestrator"
	"github.com/MrWong99/toolrelay/pkg/attach"
	"github.com/MrWong99/toolrelay/pkg/history"
)

// maxBodyBytes bounds request bodies. Turns may carry inline attachments.
const maxBodyBytes = 2*attach.MaxSize + 1<<20

// TurnProcessor starts turns. [*orchestrator.Orchestrator] implements it.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, sessionID string, req orchestrator.Request) (<-chan orchestrator.Event, error)
}

var _ TurnProcessor = (*orchestrator.Orchestrator)(nil)

// Option configures a [Server].
type Option func(*Server)

// WithIndex enables GET /v1/tools/search.
func WithIndex(ix *toolindex.Index) Option { return func(s *Server) { s.index = ix } }

// WithAttachments enables GET /v1/attachments/{id}.
func WithAttachments(a attach.Store) Option { return func(s *Server) { s.attachments = a } }

// WithHealth mounts /healthz and /readyz.
func WithHealth(h *health.Handler) Option { return func(s *Server) { s.health = h } }

// WithMetrics sets the metrics used by the request middleware.
func WithMetrics(m *observe.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.log = l } }

// WithOriginPatterns lists host patterns allowed to open turn websockets from
// another origin. Same-origin requests are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// Server routes HTTP requests to the orchestrator and the tool registry.
type Server struct {
	turns          TurnProcessor
	history        history.Store
	registry       *registry.Registry
	index          *toolindex.Index
	attachments    attach.Store
	health         *health.Handler
	metrics        *observe.Metrics
	log            *slog.Logger
	originPatterns []string

	mux *http.ServeMux
}

// New creates a Server and registers its routes.
func New(turns TurnProcessor, store history.Store, reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		turns:    turns,
		history:  store,
		registry: reg,
		metrics:  observe.DefaultMetrics(),
		log:      slog.Default(),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/sessions/{id}/turns", s.handleTurnSocket)
	s.mux.HandleFunc("POST /v1/sessions/{id}/turns", s.handleTurnStream)
	s.mux.HandleFunc("GET /v1/sessions/{id}/messages", s.handleMessages)

	s.mux.HandleFunc("GET /v1/servers", s.handleServers)
	s.mux.HandleFunc("PUT /v1/servers", s.handleApplyServers)
	s.mux.HandleFunc("POST /v1/servers/discover", s.handleDiscover)

	s.mux.HandleFunc("GET /v1/tools", s.handleTools)
	s.mux.HandleFunc("GET /v1/tools/digest", s.handleDigest)
	s.mux.HandleFunc("GET /v1/tools/search", s.handleSearch)
	s.mux.HandleFunc("GET /v1/tools/stats", s.handleStats)
	s.mux.HandleFunc("POST /v1/tools/{name}/call", s.handleCall)

	s.mux.HandleFunc("GET /v1/attachments/{id}", s.handleAttachment)

	if s.health != nil {
		s.health.Register(s.mux)
	}
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the root handler with tracing, metrics and request logging.
func (s *Server) Handler() http.Handler {
	return observe.Middleware(s.metrics)(s.mux)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	records, err := s.history.GetMessages(r.Context(), id)
	switch {
	case errors.Is(err, history.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %q not found", id))
		return
	case err != nil:
		observe.Logger(r.Context()).Error("load session messages", "session_id", id, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"messages":   records,
		"count":      len(records),
	})
}

func (s *Server) handleAttachment(w http.ResponseWriter, r *http.Request) {
	if s.attachments == nil {
		writeError(w, http.StatusNotFound, "attachments are not enabled")
		return
	}
	blob, err := s.attachments.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, attach.ErrNotFound):
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	case err != nil:
		observe.Logger(r.Context()).Error("load attachment", "id", r.PathValue("id"), "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load attachment")
		return
	}
	w.Header().Set("Content-Type", blob.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(blob.Data)))
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob.Data)
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// untouched when allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}

// queryLimit parses the limit query parameter. Missing means def.
func queryLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit %q must be a positive integer", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
