package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/sloppy/tplsync/internal/config"
	"github.com/sloppy/tplsync/internal/importer"
	"github.com/sloppy/tplsync/internal/linkage"
	"github.com/sloppy/tplsync/internal/metrics"
)

// Server wires the web handlers and dependencies.
type Server struct {
	cfg      *config.Config
	svc      *linkage.Service
	importer *importer.Importer
	metrics  *metrics.Collector
	Router   chi.Router
	server   *http.Server
	log      *logrus.Entry
}

// NewServer constructs the router and registers routes.
func NewServer(cfg *config.Config, svc *linkage.Service) *Server {
	server := &Server{
		cfg:      cfg,
		svc:      svc,
		importer: importer.New(svc),
		metrics:  metrics.NewCollector(svc.Store()),
		log:      logrus.WithField("component", "web"),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(server.requestLogger)
	r.Use(sameOrigin)

	r.Get("/", server.handleRoot)
	r.Get("/hosts", server.handleHostsPage)
	r.Get("/hosts/{hostID}", server.handleHostPage)
	r.Get("/healthz", server.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/hosts", server.handleHostsList)
		r.Post("/hosts", server.handleHostsCreate)
		r.Get("/hosts/{hostID}", server.handleHostGet)
		r.Delete("/hosts/{hostID}", server.handleHostDelete)
		r.Get("/hosts/{hostID}/applications", server.handleHostApplications)
		r.Get("/hosts/{hostID}/items", server.handleHostItems)
		r.Get("/hosts/{hostID}/triggers", server.handleHostTriggers)
		r.Get("/hosts/{hostID}/graphs", server.handleHostGraphs)
		r.Get("/hosts/{hostID}/export", server.handleHostExport)
		r.Post("/link", server.handleLink)
		r.Post("/unlink", server.handleUnlink)
		r.Post("/import", server.handleImport)
		r.Get("/export", server.handleExport)
	})

	if cfg.Prometheus.Enabled {
		r.Handle(cfg.Prometheus.MetricsPath, promhttp.Handler())
	}

	server.Router = r
	return server
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.Router
}

// Start serves HTTP in the background and refreshes gauges until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.cfg.Server.Port,
		Handler:      s.Router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	s.log.WithField("port", s.cfg.Server.Port).Info("Starting web server")

	if s.cfg.Prometheus.Enabled {
		go s.updateMetricsRoutine(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) updateMetricsRoutine(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		if err := s.metrics.UpdateSystemMetrics(ctx); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Warn("Failed to update system metrics")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

// sameOrigin refuses state-changing requests whose Origin header names
// another host. Requests without an Origin header pass.
func sameOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		if origin := r.Header.Get("Origin"); origin != "" && !originMatches(origin, r.Host) {
			http.Error(w, "cross-origin request refused", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
