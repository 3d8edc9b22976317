// Package api implements the HTTP control surface: machine CRUD and
// lifecycle routes, guest exec/file routes, the reverse proxy mount, health,
// and metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/hyperfleet-run/hyperfleet/internal/machine"
	"github.com/hyperfleet-run/hyperfleet/internal/proxy"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router      *chi.Mux
	svc         *machine.Service
	px          *proxy.Proxy
	logger      *slog.Logger
	addr        string
	bearerToken string
}

// NewServer creates and configures a new HTTP server. bearerToken, when
// non-empty, is required as "Authorization: Bearer <token>" on every
// machine/guest route; the proxy mount and health/metrics remain open since
// they serve guest application traffic and operational probes respectively.
func NewServer(addr string, svc *machine.Service, px *proxy.Proxy, bearerToken string, logger *slog.Logger) *Server {
	srv := &Server{
		router:      chi.NewRouter(),
		svc:         svc,
		px:          px,
		logger:      logger,
		addr:        addr,
		bearerToken: bearerToken,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metricsHandler())

	if s.px != nil {
		s.router.Get("/proxy/{id}/*", s.px.PathHandler())
	}

	s.router.Group(func(r chi.Router) {
		r.Use(s.bearerAuth)

		r.Route("/machines", func(r chi.Router) {
			r.Get("/", s.handleListMachines)
			r.Post("/", s.handleCreateMachine)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetMachine)
				r.Delete("/", s.handleDeleteMachine)
				r.Post("/start", s.handleStartMachine)
				r.Post("/stop", s.handleStopMachine)
				r.Post("/restart", s.handleRestartMachine)
				r.Post("/pause", s.handlePauseMachine)
				r.Post("/resume", s.handleResumeMachine)
				r.Post("/exec", s.handleExec)
				r.Post("/files", s.handleFileUpload)
				r.Get("/files", s.handleFileDownload)
				r.Get("/files/stat", s.handleFileStat)
				r.Delete("/files", s.handleFileDelete)
			})
		})
	})
}

// Router returns the chi router, mostly useful for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// bearerAuth rejects requests missing a matching bearer token, unless no
// token is configured (auth is opt-in via HYPERFLEET_BEARER_TOKEN).
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.bearerToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.bearerToken {
			writeError(w, unauthorizedErr)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run starts the HTTP server and blocks until a shutdown signal is received.
func (s *Server) Run() error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
