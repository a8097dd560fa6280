// Package server exposes the copilot over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/agent"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/capability"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/catalog"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/metrics"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/retrieval"
	"github.com/xuhuan51/dbops-enterprise-copilot/pkg/sqlexec"
)

const (
	maxBodyBytes    = 1 << 20
	defaultTopK     = 5
	maxTopK         = 50
	shutdownTimeout = 10 * time.Second
)

// Asker answers one question of a conversation.
type Asker interface {
	Ask(ctx context.Context, question, conversationID string) (agent.Response, error)
}

type Config struct {
	Logger   *slog.Logger
	Agent    Asker
	Searcher retrieval.Searcher
	Executor sqlexec.Executor

	CORSOrigins     []string
	ShutdownTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Agent == nil {
		return errors.New("agent is required")
	}
	if cfg.Searcher == nil {
		return errors.New("searcher is required")
	}
	if cfg.Executor == nil {
		return errors.New("executor is required")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = shutdownTimeout
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	router chi.Router
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/healthz", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/agent/query", s.handleQuery)
		r.Post("/retrieve", s.handleRetrieve)
		r.Post("/execute_sql", s.handleExecuteSQL)
	})
	return r
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves on listener until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server: listening", "address", listener.Addr().String())
		errCh <- srv.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type QueryRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "Query is required", http.StatusBadRequest)
		return
	}

	resp, err := s.cfg.Agent.Ask(r.Context(), req.Query, req.ConversationID)
	if err != nil {
		if errors.Is(err, agent.ErrEmptyQuestion) {
			http.Error(w, "Query is required", http.StatusBadRequest)
			return
		}
		if r.Context().Err() != nil {
			return
		}
		s.log.Error("server: agent query failed", "error", err)
		http.Error(w, "Failed to answer query", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type RetrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type RetrieveResponse struct {
	Query  string          `json:"query"`
	Tables []catalog.Table `json:"tables"`
	Count  int             `json:"count"`
}

func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req RetrieveRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, "Query is required", http.StatusBadRequest)
		return
	}
	if req.TopK <= 0 {
		req.TopK = defaultTopK
	}
	req.TopK = min(req.TopK, maxTopK)

	tables, err := s.cfg.Searcher.Search(r.Context(), req.Query, req.TopK)
	if err != nil {
		s.log.Warn("server: retrieval failed", "error", err)
		http.Error(w, "Retrieval failed", http.StatusBadGateway)
		return
	}
	if tables == nil {
		tables = []catalog.Table{}
	}
	writeJSON(w, http.StatusOK, RetrieveResponse{Query: req.Query, Tables: tables, Count: len(tables)})
}

type ExecuteRequest struct {
	SQL string `json:"sql"`
}

type ExecuteResponse struct {
	sqlexec.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) handleExecuteSQL(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		http.Error(w, "SQL is required", http.StatusBadRequest)
		return
	}

	res, err := s.cfg.Executor.Execute(r.Context(), req.SQL)
	if err != nil {
		status := http.StatusBadGateway
		if capability.KindOf(err) == capability.KindRejected {
			status = http.StatusBadRequest
		}
		if res.Rows == nil {
			res.Rows = []map[string]any{}
		}
		writeJSON(w, status, ExecuteResponse{Result: res, Error: sqlexec.Message(err)})
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{Result: res})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
