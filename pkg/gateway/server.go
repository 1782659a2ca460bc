// Package gateway exposes the agent over HTTP.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/Nikoldigital777/LIA/pkg/agent"
	"github.com/Nikoldigital777/LIA/pkg/logger"
	"github.com/Nikoldigital777/LIA/pkg/metrics"
)

type Config struct {
	Addr string
	// SubmitRate is the sustained submissions per second; zero disables limiting.
	SubmitRate   float64
	SubmitBurst  int
	MaxBodyBytes int64
	ListLimit    int
	Version      string
}

// Server is the LIA HTTP API server.
type Server struct {
	agent   *agent.Agent
	cfg     Config
	limiter *rate.Limiter
	router  chi.Router
	started time.Time
}

func New(a *agent.Agent, cfg Config) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 200
	}
	if cfg.SubmitBurst <= 0 {
		cfg.SubmitBurst = 1
	}
	s := &Server{
		agent:   a,
		cfg:     cfg,
		started: time.Now(),
	}
	if cfg.SubmitRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/state", s.handleState)
		r.With(s.limitSubmissions).Post("/experiences", s.handleSubmit)
		r.Get("/memories", s.handleListMemories)
		r.Get("/memories/recall", s.handleRecall)
		r.Get("/memories/{id}", s.handleGetMemory)
		r.Post("/memories/{id}/touch", s.handleTouch)
		r.Get("/trajectory", s.handleTrajectory)
	})
	r.Handle("/metrics", metrics.Handler())

	s.router = r
}

func (s *Server) limitSubmissions(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "submission rate exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetSubmitRate retunes the submission limiter in place. A non-positive
// rate disables limiting.
func (s *Server) SetSubmitRate(perSecond float64, burst int) {
	if burst <= 0 {
		burst = 1
	}
	if s.limiter == nil {
		if perSecond > 0 {
			logger.WarnCF("gateway", "Submission limiting cannot be enabled on a running server", nil)
		}
		return
	}
	if perSecond <= 0 {
		s.limiter.SetLimit(rate.Inf)
		return
	}
	s.limiter.SetLimit(rate.Limit(perSecond))
	s.limiter.SetBurst(burst)
}

// ListenAndServe serves on cfg.Addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.InfoCF("gateway", "Gateway listening", map[string]interface{}{"addr": s.cfg.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		logger.InfoC("gateway", "Gateway stopped")
		return nil
	}
}
