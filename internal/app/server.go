package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/contexta-ingest/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/contexta-ingest/internal/api/middlewares"
	"github.com/markdave123-py/contexta-ingest/internal/config"
)

const requestTimeout = 60 * time.Second

// Handlers groups the route handlers the server mounts.
type Handlers struct {
	Documents *handlers.DocumentHandler
	Jobs      *handlers.JobHandler
	Search    *handlers.SearchHandler
	Events    *handlers.EventHandler
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, h Handlers) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           Routes(cfg, h),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: slog.Default().With("component", "http"),
	}
}

// Routes returns the API router.
func Routes(cfg *config.Config, h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	// storage notifications
	r.With(appMiddleware.EventToken(cfg.EventTokenHash), middleware.Timeout(requestTimeout)).
		Post("/events/storage", h.Events.ObjectCreated)

	// protected endpoints
	r.Route("/api", func(api chi.Router) {
		api.Use(appMiddleware.JWTMiddleware(cfg.JWTSecret))

		// uploads stream large bodies and carry their own timeout
		api.Post("/documents/upload", h.Documents.UploadDocument)

		api.Group(func(p chi.Router) {
			p.Use(middleware.Timeout(requestTimeout))
			p.Get("/documents", h.Documents.GetDocuments)
			p.Get("/documents/{id}", h.Documents.GetDocument)
			p.Delete("/documents/{id}", h.Documents.DeleteDocument)

			p.Get("/jobs", h.Jobs.ListJobs)
			p.Get("/jobs/active", h.Jobs.ActiveJobs)
			p.Get("/jobs/{id}", h.Jobs.GetJob)
			p.Post("/jobs/{id}/cancel", h.Jobs.CancelJob)

			p.Post("/search/text", h.Search.Text)
			p.Post("/search/multimodal", h.Search.Multimodal)
		})
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
