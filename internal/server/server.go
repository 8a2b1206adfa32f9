// Package server provides the HTTP server and routing for the price
// tracker.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/pricewatch/internal/config"
	"github.com/aristath/pricewatch/internal/database"
	"github.com/aristath/pricewatch/internal/notify"
	"github.com/aristath/pricewatch/internal/tracker"
)

// Config holds server dependencies.
type Config struct {
	Log           zerolog.Logger
	DB            *database.DB
	Config        *config.Config
	Items         *tracker.ItemRepository
	Snapshots     *tracker.SnapshotRepository
	Runs          *tracker.RunRepository
	Notifications *tracker.NotificationRepository
	Notifier      *notify.Notifier
	Checker       CheckRunner
	Sweeper       SweepRunner
	Backups       BackupService // nil when off-site backup is not configured
}

// Server represents the HTTP server.
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	db             *database.DB
	cfg            *config.Config
	itemHandlers   *ItemHandlers
	systemHandlers *SystemHandlers
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		db:     cfg.DB,
		cfg:    cfg.Config,
		itemHandlers: NewItemHandlers(
			cfg.Items, cfg.Snapshots, cfg.Runs, cfg.Notifications, cfg.Checker, cfg.Log,
		),
		systemHandlers: NewSystemHandlers(
			cfg.Config, cfg.DB, cfg.Items, cfg.Runs, cfg.Notifier,
			cfg.Sweeper, cfg.Backups, cfg.Log,
		),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Config.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	// Manual checks run the full extraction cascade inline, so the
	// request timeout has to cover a slow scrape plus AI fallback.
	s.router.Use(middleware.Timeout(120 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.systemHandlers.HandleHealthz)

	s.router.Route("/api", func(r chi.Router) {
		r.Route("/items", func(r chi.Router) {
			r.Post("/", s.itemHandlers.HandleCreate)
			r.Get("/", s.itemHandlers.HandleList)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.itemHandlers.HandleGet)
				r.Delete("/", s.itemHandlers.HandleRetire)
				r.Post("/check", s.itemHandlers.HandleCheck)
				r.Get("/snapshots", s.itemHandlers.HandleSnapshots)
				r.Get("/runs", s.itemHandlers.HandleRuns)
				r.Get("/stats", s.itemHandlers.HandleStats)
			})
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.systemHandlers.HandleStatus)
			r.Post("/sweep", s.systemHandlers.HandleSweep)
			r.Post("/backup", s.systemHandlers.HandleBackup)
		})

		r.Post("/discord/test", s.systemHandlers.HandleDiscordTest)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
