// Package server assembles the HTTP surface: routing, CORS, logging and
// metrics middleware, and lifecycle management for the listener.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/yituo-max/runtuimgbed4.0/internal/api"
	"github.com/yituo-max/runtuimgbed4.0/internal/observability/logging"
	"github.com/yituo-max/runtuimgbed4.0/internal/observability/metrics"
)

// Config wires a Server to its handler and observability stack.
type Config struct {
	Addr              string
	Handler           *api.Handler
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// Server owns the HTTP listener.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds the router and returns a Server ready to start.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	readHeaderTimeout := cfg.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 30 * time.Second
	}
	// The write window must outlast the relay's two upstream calls.
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := cfg.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = 60 * time.Second
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           router(cfg.Handler, logger, recorder),
			ReadHeaderTimeout: readHeaderTimeout,
			ReadTimeout:       readTimeout,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       idleTimeout,
		},
		logger: logger,
	}
}

func router(h *api.Handler, logger *slog.Logger, recorder *metrics.Recorder) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger}))
	r.Use(func(next http.Handler) http.Handler {
		return metrics.HTTPMiddleware(recorder, next)
	})
	r.Use(recoverJSON(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		api.WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		api.WriteError(w, http.StatusNotFound, "Not found")
	})

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", recorder.Handler())

	r.Get("/images", h.Images)
	r.Get("/image", h.GetImage)
	r.Put("/image", h.UpdateImage)
	r.Delete("/image", h.DeleteImage)
	r.Get("/serve-image", h.ServeImage)
	r.Post("/upload", h.Upload)
	r.Get("/stats", h.Stats)

	return r
}

// recoverJSON converts handler panics into a JSON 500 so clients never see
// a bare connection reset or an HTML error page.
func recoverJSON(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
					api.WriteError(w, http.StatusInternalServerError, "Internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Handler exposes the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving and blocks until the listener stops.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
