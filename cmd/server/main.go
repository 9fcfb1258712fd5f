// Command server runs the entitlement sync backend: webhook ingestion,
// entitlement API, and the background retention sweep.
//
// Startup order:
//  1. Load .env (best effort) and validated config from the environment.
//  2. Configure logging and OpenTelemetry tracing.
//  3. Open SQLite, enable tracing instrumentation, run migrations.
//  4. Wire the provider client and HTTP routes.
//  5. Serve until SIGINT/SIGTERM, then drain gracefully.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tpapadakis/go-entitlement-backend/internal/config"
	httpapi "github.com/tpapadakis/go-entitlement-backend/internal/http"
	"github.com/tpapadakis/go-entitlement-backend/internal/httpclient"
	"github.com/tpapadakis/go-entitlement-backend/internal/observability"
	"github.com/tpapadakis/go-entitlement-backend/internal/provider"
	"github.com/tpapadakis/go-entitlement-backend/internal/repo"
	"github.com/tpapadakis/go-entitlement-backend/internal/services"
	"github.com/tpapadakis/go-entitlement-backend/internal/sysutil"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutCtx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown failed")
		}
	}()

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if cfg.OTEL.Enabled {
		if err := repo.EnableTracing(db); err != nil {
			log.Warn().Err(err).Msg("db tracing instrumentation failed")
		}
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	// Outbound provider client with retries and pacing. Constructed even when
	// no API key is set; Configured() gates every call site.
	hc := httpclient.New(nil, httpclient.Config{})
	pc := provider.New(cfg.Provider, hc)

	var notifier services.Notifier = services.LogNotifier{}

	gin.SetMode(sysutil.FirstNonEmpty(cfg.GinMode, gin.ReleaseMode))
	r := gin.New()
	httpapi.RegisterRoutes(r, db, pc, notifier, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go runMaintenance(ctx, db, cfg)

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", version).
			Bool("payments_enabled", cfg.PaymentsEnabled).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("server stopped")
}

// runMaintenance sweeps expired checkout tokens and aged webhook event rows
// on a fixed interval until ctx is cancelled. One sweep runs shortly after
// boot so restarts don't postpone retention indefinitely.
func runMaintenance(ctx context.Context, db *gorm.DB, cfg config.Config) {
	tick := cfg.MaintenanceTick
	if tick <= 0 {
		return
	}

	timer := time.NewTimer(time.Minute)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	sweep(ctx, db, cfg)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep(ctx, db, cfg)
		}
	}
}

func sweep(ctx context.Context, db *gorm.DB, cfg config.Config) {
	res, err := repo.RunMaintenance(ctx, db, cfg.Webhook.RetentionAge, time.Now().UTC())
	if err != nil {
		log.Error().Err(err).Msg("maintenance sweep failed")
		return
	}
	log.Info().
		Int64("deleted_tokens", res.DeletedExpiredTokens).
		Int64("deleted_events", res.DeletedWebhookEvents).
		Time("event_cutoff", res.EventCutoff).
		Msg("maintenance sweep completed")
}
