package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/scanvocab/backend/internal/checkout"
	"github.com/PortNumber53/scanvocab/backend/internal/config"
	"github.com/PortNumber53/scanvocab/backend/internal/httpserver"
	"github.com/PortNumber53/scanvocab/backend/internal/komoju"
	"github.com/PortNumber53/scanvocab/backend/internal/logger"
	"github.com/PortNumber53/scanvocab/backend/internal/migrations"
	"github.com/PortNumber53/scanvocab/backend/internal/store"
	"github.com/PortNumber53/scanvocab/backend/internal/stripe"
	"github.com/PortNumber53/scanvocab/backend/internal/worker"
)

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	lg := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget(lg, cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		lg.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(lg, db); err != nil {
		lg.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to create store")
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		lg.Fatal().Err(err).Msg("failed to create job store")
	}

	jobWorker := worker.New(worker.Config{MaxConcurrent: cfg.WorkerConcurrency}, jobStore, lg)
	worker.RegisterReconcileJobs(jobWorker, st, lg)

	deps := httpserver.Deps{
		DB:            st,
		Subscriptions: st,
		Jobs:          jobWorker,
		Worker:        jobWorker,
		Logger:        lg,
	}

	var provider checkout.Provider
	switch cfg.Provider() {
	case config.ProviderStripe:
		sc := stripe.NewClient(stripe.Config{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			PriceIDs:      cfg.Stripe.PriceIDs,
			Timeout:       cfg.Checkout.ProviderTimeout,
		}, lg)
		provider = sc
		if cfg.Stripe.WebhookSecret != "" {
			deps.StripeWebhook = sc
		}
	default:
		provider = komoju.NewClient(komoju.Config{
			SecretKey:   cfg.Komoju.SecretKey,
			BaseURL:     cfg.Komoju.BaseURL,
			Currency:    cfg.Komoju.Currency,
			PlanAmounts: cfg.Komoju.PlanAmounts,
			Timeout:     cfg.Checkout.ProviderTimeout,
		}, lg)
	}

	deps.Checkout = checkout.NewManager(st, provider,
		checkout.WithLogger(lg),
		checkout.WithFreshWindow(cfg.Checkout.FreshWindow),
		checkout.WithTimeouts(cfg.Checkout.ProviderTimeout, cfg.Checkout.StoreTimeout),
	)

	srv := httpserver.New(cfg, deps)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			lg.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	lg.Info().Str("provider", provider.Name()).Str("addr", cfg.ServerAddress).Msg("backend starting")
	if err := srv.Start(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(lg zerolog.Logger, db *sql.DB) error {
	err := migrations.Up(db)
	if err == nil || !migrations.IsDirty(err) {
		return err
	}
	lg.Warn().Err(err).Msg("dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db); fixErr != nil {
		lg.Error().Err(fixErr).Msg("failed to fix dirty database")
		return err
	}
	return migrations.Up(db)
}

func logDBTarget(lg zerolog.Logger, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		lg.Info().Err(err).Msg("db configured (dsn parse error)")
		return
	}
	lg.Info().Str("host", u.Hostname()).Str("db", strings.TrimPrefix(u.Path, "/")).Msg("db configured")
}
