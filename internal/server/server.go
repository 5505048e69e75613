// Package server implements the fsweb HTTP server and its route table.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fsweb/fsweb/internal/config"
	"github.com/fsweb/fsweb/internal/handlers"
	"github.com/fsweb/fsweb/internal/logging"
	"github.com/fsweb/fsweb/internal/storage"
)

// readyTimeout bounds the store round trip behind /ready.
const readyTimeout = 5 * time.Second

// Server is the fsweb HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	store      storage.Store
	uploads    *handlers.UploadHandler
	files      *handlers.FileHandler
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ReadyBody is the JSON body returned by the readiness endpoint.
type ReadyBody struct {
	Status string `json:"status" example:"ok" doc:"Readiness status"`
}

// ReadyOutput is the Huma output struct for the readiness endpoint.
type ReadyOutput struct {
	Status int
	Body   ReadyBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithLogger sets the logger for request and panic logging.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a Server serving the file routes from uploads and files and
// the operational endpoints. store backs the readiness probe.
func New(cfg *config.Config, store storage.Store, uploads *handlers.UploadHandler, files *handlers.FileHandler, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()
	// Express-style routing: /upload-office and /upload-office/ are one route.
	router.Use(middleware.StripSlashes)

	humaConfig := huma.DefaultConfig("fsweb", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:     cfg,
		router:  router,
		api:     api,
		store:   store,
		uploads: uploads,
		files:   files,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger, "server")

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// recoverPanic -> commonHeaders -> accessLog -> metricsMiddleware -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	if s.cfg.Metrics.IsEnabled() {
		handler = metricsMiddleware(handler)
	}
	handler = accessLog(s.logger)(handler)
	handler = commonHeaders(handler)
	handler = recoverPanic(s.logger)(handler)
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router. The file routes
// are mounted at the root and, unless disabled, again under /{namespace}.
func (s *Server) registerRoutes() {
	// Register /health via Huma for auto-OpenAPI documentation.
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns ok while the process is serving requests.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	// Register HEAD /health separately (Huma only does one method per registration).
	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-ready",
		Method:      http.MethodGet,
		Path:        "/ready",
		Summary:     "Readiness check",
		Description: "Returns ok when the blob store is reachable, 503 otherwise.",
		Tags:        []string{"System"},
	}, s.ready)

	if s.cfg.Metrics.IsEnabled() {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Group(s.fileRoutes)
	if s.cfg.Server.MountNamespaceRoutes() {
		s.router.Route("/{namespace}", s.fileRoutes)
	}
}

// fileRoutes registers the six file routes on r.
func (s *Server) fileRoutes(r chi.Router) {
	r.Post("/upload", s.uploads.Upload)
	r.Post("/upload-office", s.uploads.UploadOffice)
	r.Post("/upload-mp4h264", s.uploads.UploadVideo)
	r.Get("/getfile", s.files.GetFile)
	r.Post("/delfile", s.files.DeleteFile)
	r.Post("/reupload", s.files.Reupload)
}

func (s *Server) ready(ctx context.Context, input *struct{}) (*ReadyOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		return &ReadyOutput{
			Status: http.StatusServiceUnavailable,
			Body:   ReadyBody{Status: "unavailable"},
		}, nil
	}
	return &ReadyOutput{Status: http.StatusOK, Body: ReadyBody{Status: "ok"}}, nil
}
