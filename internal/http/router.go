// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging, panic recovery, metrics, response
// compression, CORS, security headers, and webhook rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tpapadakis/go-entitlement-backend/internal/config"
	"github.com/tpapadakis/go-entitlement-backend/internal/http/handlers"
	"github.com/tpapadakis/go-entitlement-backend/internal/http/middleware"
	"github.com/tpapadakis/go-entitlement-backend/internal/provider"
	"github.com/tpapadakis/go-entitlement-backend/internal/services"
)

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), compression, CORS
// and security headers, health and metrics endpoints, the raw-body webhook
// ingestion route, and the versioned entitlement API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. Logger: structured request logs
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Response compression
//  8. CORS and security headers
//
// The webhook route additionally carries a per-source fixed-window rate
// limiter; it is scoped to that route so provider delivery storms cannot
// starve the entitlement API.
func RegisterRoutes(r *gin.Engine, db *gorm.DB, pc *provider.Client, notifier services.Notifier, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured request logging
	r.Use(middleware.Logger())

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Response compression (request bodies are untouched, so the webhook
	//    signature still covers exact raw bytes)
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// 8) CORS posture (safe defaults: allow all if none configured)
	allowHeaders := []string{
		"Origin", "Content-Type", "Accept", "Authorization",
		"X-Admin-User-ID", handlers.HeaderSignature, handlers.HeaderTimestamp,
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length", "Retry-After"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      true, // entitlement and token responses must never be cached
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/provider
	webhookSvc := services.NewWebhookService(db, pc, notifier)
	resyncSvc := &services.ResyncService{
		DB:              db,
		Source:          pc,
		Notifier:        notifier,
		PaymentsEnabled: cfg.PaymentsEnabled,
		Cooldown:        cfg.ResyncCooldown,
	}
	checkoutSvc := &services.CheckoutService{
		DB:          db,
		Enabled:     cfg.PaymentsEnabled,
		URLTemplate: cfg.CheckoutURLTmpl,
		TokenTTL:    cfg.CheckoutTTL,
	}

	// Webhook ingestion, rate limited per source IP
	wh := handlers.NewWebhookHandler(webhookSvc, handlers.WebhookAuth{
		Secret:   cfg.Webhook.Secret,
		Token:    cfg.Webhook.Token,
		MaxSkew:  cfg.Webhook.MaxSkew,
		Required: cfg.PaymentsEnabled,
	})
	rl := middleware.NewFixedWindowLimiter(cfg.RateLimit.Window, cfg.RateLimit.Max, cfg.RateLimit.MaxBuckets)
	r.POST("/webhooks/crm", rl.Handler(), wh.Receive)

	// Public entitlement API
	h := handlers.New(db, resyncSvc, checkoutSvc, cfg.AdminUserIDs, cfg.Webhook.RetentionAge)
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.GET("/users/:id", h.GetUser)
		api.POST("/users/:id/resync", h.Resync)
		api.POST("/users/:id/checkout", h.Checkout)

		api.POST("/admin/maintenance", h.Maintenance)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
