// Package fakeplane is a local development control plane. It speaks the
// job, instance and live log protocol of the remote service and simulates
// job lifecycles against a SQLite store.
package fakeplane

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/anvil/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server is the dev control plane HTTP server.
type Server struct {
	router  *chi.Mux
	store   store.Store
	sim     *Simulator
	catalog Catalog
	apiKey  string
	logger  *slog.Logger
	addr    string
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey requires every API request to carry the bearer key. Without
// it the plane accepts any or no credential.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithCatalog replaces DefaultCatalog.
func WithCatalog(c Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// NewServer creates and configures a dev control plane server.
func NewServer(addr string, st store.Store, sim *Simulator, logger *slog.Logger, opts ...Option) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		store:   st,
		sim:     sim,
		catalog: DefaultCatalog(),
		logger:  logger,
		addr:    addr,
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(observe(logger))
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/stats", s.handleGetStats)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/instances/capacity", s.handleCapacity)
			r.Get("/{id}", s.handleGetJob)
			r.Delete("/{id}", s.handleCancelJob)
			r.Patch("/{id}", s.handleExtendJob)
			r.Get("/{id}/logs", s.handleGetLogs)
			r.Get("/{id}/metrics", s.handleJobMetrics)
			r.Get("/{id}/token", s.handleJobToken)
		})

		r.Route("/instances", func(r chi.Router) {
			r.Get("/types", s.handleTypes)
			r.Get("/regions", s.handleRegions)
			r.Get("/pricing", s.handlePricing)
		})

		r.Get("/orchestra/ws/logs/{key}", s.handleLogSocket)
	})
}

// Router returns the chi router, for tests and route additions.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Serve listens on the configured address until ctx ends, then drains
// in-flight requests and stops the simulator, terminating live jobs.
func (s *Server) Serve(ctx context.Context) error {
	hs := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("dev plane listening", "addr", s.addr)
		if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("dev plane stopping", "cause", context.Cause(gctx))
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		err := hs.Shutdown(sctx)
		s.sim.Stop()
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	s.logger.Info("dev plane stopped")
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetJobStats(r.Context())
	if err != nil {
		s.logger.Error("get job stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes the control plane's {"detail": ...} error body.
func (s *Server) writeError(w http.ResponseWriter, status int, detail string) {
	s.writeJSON(w, status, map[string]string{"detail": detail})
}
