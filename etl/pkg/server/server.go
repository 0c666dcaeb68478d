// Package server exposes health, version and run control endpoints next to
// the scheduler.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"github.com/malbeclabs/rentals-lake/etl/pkg/metrics"
	"github.com/malbeclabs/rentals-lake/etl/pkg/pipeline"
	"github.com/malbeclabs/rentals-lake/etl/pkg/scheduler"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	sched   *scheduler.Scheduler
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg, sched: cfg.Scheduler}

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if s.cfg.Sentry {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	r.Get("/readyz", s.readyzHandler)
	r.Get("/version", s.versionHandler)
	r.Get("/runs/latest", s.latestRunHandler)
	r.Post("/runs", s.triggerRunHandler)
	return r
}

// Run serves HTTP and runs the scheduler until ctx is done or either fails.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.sched.Run(gctx)
	})
	g.Go(func() error {
		s.log.Info("server: http listening", "address", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to listen and serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.log.Info("server: stopping", "reason", context.Cause(gctx), "address", s.cfg.ListenAddr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	})
	return g.Wait()
}

func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if !s.sched.Ready() {
		s.log.Debug("readyz: no successful run yet")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("no successful run yet\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

func (s *Server) latestRunHandler(w http.ResponseWriter, r *http.Request) {
	report := s.sched.Latest()
	if report == nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no runs yet"})
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// triggerRunHandler starts a run in the background. Query parameters
// dry_run and validate_only select the run mode.
func (s *Server) triggerRunHandler(w http.ResponseWriter, r *http.Request) {
	var opts pipeline.RunOptions
	for name, dst := range map[string]*bool{"dry_run": &opts.DryRun, "validate_only": &opts.ValidateOnly} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid %s: %q", name, v)})
			return
		}
		*dst = b
	}

	switch err := s.sched.Trigger(opts); {
	case errors.Is(err, scheduler.ErrBusy):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		s.log.Info("server: run triggered", "dry_run", opts.DryRun, "validate_only", opts.ValidateOnly)
		s.writeJSON(w, http.StatusAccepted, map[string]any{
			"status":        "started",
			"dry_run":       opts.DryRun,
			"validate_only": opts.ValidateOnly,
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}
