package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/scanvocab/backend/internal/config"
	"github.com/PortNumber53/scanvocab/backend/internal/handlers"
	"github.com/PortNumber53/scanvocab/backend/internal/metrics"
	"github.com/PortNumber53/scanvocab/backend/internal/middleware"
	"github.com/PortNumber53/scanvocab/backend/internal/worker"
)

// Deps are the collaborators the routes are built from. Nil webhook parsers
// leave the corresponding route unregistered.
type Deps struct {
	DB            handlers.Pinger
	Checkout      handlers.CheckoutCreator
	Subscriptions handlers.SubscriptionReader
	Jobs          handlers.JobEnqueuer
	StripeWebhook handlers.StripeWebhookParser
	Worker        *worker.Worker
	Logger        zerolog.Logger
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
	logger     zerolog.Logger
}

// New constructs the HTTP server and its routes.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(chimw.Recoverer)
	router.Use(middleware.CORS(cfg.CORSAllowedOrigins))

	router.Get("/healthz", handlers.Health(deps.DB))
	router.Handle("/metrics", metrics.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate([]byte(cfg.JWTSecret)))
			r.Post("/subscription/checkout", handlers.CreateCheckout(deps.Checkout, deps.Logger))
			r.Get("/subscription", handlers.GetSubscription(deps.Subscriptions, time.Now, deps.Logger))
		})

		if cfg.Komoju.WebhookSecret != "" {
			r.Post("/webhooks/komoju", handlers.KomojuWebhook(cfg.Komoju.WebhookSecret, deps.Jobs, deps.Logger))
		}
		if deps.StripeWebhook != nil {
			r.Post("/webhooks/stripe", handlers.StripeWebhook(deps.StripeWebhook, deps.Jobs, deps.Logger))
		}
	})

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker, logger: deps.Logger}
}

// Start begins serving HTTP traffic and starts the worker.
func (s *Server) Start(ctx context.Context) error {
	if s.worker != nil {
		s.logger.Info().Msg("starting job worker")
		s.worker.Start(ctx)
	}
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server and worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.worker != nil {
		s.logger.Info().Msg("shutting down job worker")
		if werr := s.worker.Stop(ctx); werr != nil {
			s.logger.Error().Err(werr).Msg("worker shutdown error")
		}
	}
	return err
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
