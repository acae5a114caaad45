// Package api exposes the research service over HTTP: health and status
// probes, property research with cache-first semantics, and search over
// persisted results.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/parcelscope/property-research/internal/config"
	"github.com/parcelscope/property-research/internal/cost"
	"github.com/parcelscope/property-research/internal/model"
	"github.com/parcelscope/property-research/internal/store"
	"github.com/parcelscope/property-research/pkg/perplexity"
)

// Researcher runs one research batch for a subject. Satisfied by
// *research.Orchestrator; tests substitute a fake.
type Researcher interface {
	Run(ctx context.Context, subject model.Subject) (*model.BatchResult, error)
	Roles() []model.QueryRole
}

// Server is the HTTP API server.
type Server struct {
	router     *chi.Mux
	store      store.Store
	researcher Researcher
	provider   perplexity.Client
	calc       *cost.Calculator
	cacheCfg   config.CacheConfig
	port       int

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	srv *http.Server
}

// NewServer wires routes and middleware.
func NewServer(st store.Store, researcher Researcher, provider perplexity.Client, calc *cost.Calculator, cacheCfg config.CacheConfig, port int) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	s := &Server{
		router:     router,
		store:      st,
		researcher: researcher,
		provider:   provider,
		calc:       calc,
		cacheCfg:   cacheCfg,
		port:       port,
	}

	router.Get("/health", s.health)
	router.Get("/api/status", s.status)
	router.Get("/api/stats", s.stats)
	router.Post("/api/research", s.research)
	router.Get("/api/property", s.property)
	router.Get("/api/property/search", s.search)

	return s
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	zap.L().Info("api: starting server", zap.Int("port", s.port))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "api: listen")
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	dbStatus := "ok"
	if err := s.store.Ping(ctx); err != nil {
		dbStatus = "unreachable"
	}

	providerStatus := "ok"
	pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := s.provider.Ping(pingCtx); err != nil {
		providerStatus = "unreachable"
		zap.L().Warn("api: provider ping failed", zap.Error(err))
	}

	status := http.StatusOK
	if dbStatus != "ok" || providerStatus != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"database":        dbStatus,
		"provider":        providerStatus,
		"roles":           len(s.researcher.Roles()),
		"cache_ttl_hours": s.cacheCfg.TTLHours,
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	dbStats, err := s.store.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		zap.L().Error("api: stats query failed", zap.Error(err))
		return
	}

	hits := s.cacheHits.Load()
	misses := s.cacheMisses.Load()
	total := hits + misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(hits) / float64(total)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"properties": dbStats,
		"cache": map[string]any{
			"hits":     hits,
			"misses":   misses,
			"hit_rate": hitRate,
		},
		"cost_savings_usd": s.calc.Savings(int(hits), len(s.researcher.Roles())),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
