// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, webhook authentication,
// provider API access, rate limiting, and observability.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// CheckoutURLPlaceholder is the substring of the checkout URL template that
// is replaced with a single-use checkout token when building a checkout
// link. The token keeps the platform user id out of provider-visible URLs.
const CheckoutURLPlaceholder = "{token}"

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "entitlement-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ProviderConfig holds credentials and endpoints for the billing/CRM
// provider API used by contact lookup and the resync path.
type ProviderConfig struct {
	BaseURL    string  // PROVIDER_API_BASE_URL
	APIKey     string  // PROVIDER_API_KEY (empty disables outbound lookup)
	LocationID string  // PROVIDER_LOCATION_ID (tenant id; may be resolved lazily)
	RPS        float64 // PROVIDER_RPS outbound pacing (tokens per second)
	Burst      int     // PROVIDER_BURST outbound pacing burst
}

// WebhookConfig holds ingestion-endpoint authentication settings.
// Either Secret (HMAC signature) or Token (shared query token) must be set
// when payments are enabled; signature is preferred when both are present.
type WebhookConfig struct {
	Secret       string        // WEBHOOK_SECRET (HMAC-SHA256 shared secret)
	Token        string        // WEBHOOK_TOKEN (query-token fallback)
	MaxSkew      time.Duration // WEBHOOK_MAX_SKEW (anti-replay bound when a timestamp header is present)
	RetentionAge time.Duration // WEBHOOK_RETENTION (how long event rows are kept)
}

// RateLimitConfig tunes the per-source fixed-window admission control on the
// ingestion endpoint.
type RateLimitConfig struct {
	Window     time.Duration // RATE_WINDOW
	Max        int           // RATE_MAX requests per window per source
	MaxBuckets int           // RATE_MAX_BUCKETS ceiling on tracked sources
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath          string        // SQLite path
	PaymentsEnabled bool          // ENABLE_PAYMENTS feature flag
	CheckoutURLTmpl string        // CHECKOUT_URL_TEMPLATE with {token} placeholder
	ManageURL       string        // MANAGE_SUBSCRIPTION_URL shown to subscribers
	CheckoutTTL     time.Duration // lifetime of issued checkout tokens
	ResyncCooldown  time.Duration // min gap between resyncs per user
	AdminUserIDs    []int64       // platform user ids allowed to force a resync
	MaintenanceTick time.Duration // background retention sweep interval

	Webhook   WebhookConfig
	Provider  ProviderConfig
	RateLimit RateLimitConfig

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:          getenv("DB_PATH", "app.db"),
		PaymentsEnabled: getbool("ENABLE_PAYMENTS", false),
		CheckoutURLTmpl: getenv("CHECKOUT_URL_TEMPLATE", ""),
		ManageURL:       getenv("MANAGE_SUBSCRIPTION_URL", ""),
		CheckoutTTL:     getdur("CHECKOUT_TOKEN_TTL", 48*time.Hour),
		ResyncCooldown:  getdur("RESYNC_COOLDOWN", 10*time.Minute),
		AdminUserIDs:    splitInt64CSV(getenv("ADMIN_USER_IDS", "")),
		MaintenanceTick: getdur("MAINTENANCE_INTERVAL", time.Hour),

		Webhook: WebhookConfig{
			Secret:       getenv("WEBHOOK_SECRET", ""),
			Token:        getenv("WEBHOOK_TOKEN", ""),
			MaxSkew:      getdur("WEBHOOK_MAX_SKEW", 5*time.Minute),
			RetentionAge: getdur("WEBHOOK_RETENTION", 90*24*time.Hour),
		},

		Provider: ProviderConfig{
			BaseURL:    getenv("PROVIDER_API_BASE_URL", "https://services.leadconnectorhq.com"),
			APIKey:     getenv("PROVIDER_API_KEY", ""),
			LocationID: getenv("PROVIDER_LOCATION_ID", ""),
			RPS:        getfloat("PROVIDER_RPS", 5.0),
			Burst:      getint("PROVIDER_BURST", 5),
		},

		RateLimit: RateLimitConfig{
			Window:     getdur("RATE_WINDOW", time.Minute),
			Max:        getint("RATE_MAX", 60),
			MaxBuckets: getint("RATE_MAX_BUCKETS", 10_000),
		},

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "entitlement-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	cfg.Provider.BaseURL = strings.TrimRight(cfg.Provider.BaseURL, "/")

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if cfg.CheckoutTTL <= 0 {
		return cfg, errors.New("CHECKOUT_TOKEN_TTL must be > 0")
	}
	if cfg.ResyncCooldown < 0 {
		return cfg, errors.New("RESYNC_COOLDOWN must be >= 0")
	}
	if cfg.Webhook.MaxSkew < 0 {
		return cfg, errors.New("WEBHOOK_MAX_SKEW must be >= 0")
	}
	if cfg.Webhook.RetentionAge < 24*time.Hour {
		return cfg, errors.New("WEBHOOK_RETENTION must be at least 24h")
	}
	if cfg.RateLimit.Window <= 0 {
		return cfg, errors.New("RATE_WINDOW must be > 0")
	}
	if cfg.RateLimit.Max < 1 {
		return cfg, errors.New("RATE_MAX must be >= 1")
	}
	if cfg.RateLimit.MaxBuckets < 1 {
		return cfg, errors.New("RATE_MAX_BUCKETS must be >= 1")
	}
	if cfg.Provider.RPS < 0 {
		return cfg, errors.New("PROVIDER_RPS must be >= 0")
	}
	if cfg.Provider.Burst < 1 {
		return cfg, errors.New("PROVIDER_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	// Payment-dependent requirements. When payments are disabled the service
	// runs in webhook-only testing mode and none of these are needed.
	if cfg.PaymentsEnabled {
		if err := validatePayments(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// validatePayments enforces the configuration that only matters when the
// payment feature flag is on: webhook authentication and a usable checkout
// URL template.
func validatePayments(cfg Config) error {
	hasSecret := strings.TrimSpace(cfg.Webhook.Secret) != ""
	hasToken := strings.TrimSpace(cfg.Webhook.Token) != ""
	if !hasSecret && !hasToken {
		return errors.New("webhook auth not configured: set WEBHOOK_SECRET or WEBHOOK_TOKEN")
	}

	if strings.TrimSpace(cfg.CheckoutURLTmpl) == "" {
		return errors.New("CHECKOUT_URL_TEMPLATE is required when ENABLE_PAYMENTS=true")
	}
	if !strings.Contains(cfg.CheckoutURLTmpl, CheckoutURLPlaceholder) {
		return fmt.Errorf("CHECKOUT_URL_TEMPLATE must include placeholder %s", CheckoutURLPlaceholder)
	}
	sample := strings.ReplaceAll(cfg.CheckoutURLTmpl, CheckoutURLPlaceholder, "123456789")
	if _, err := url.ParseRequestURI(sample); err != nil {
		return errors.New("CHECKOUT_URL_TEMPLATE did not produce a valid URL after substituting " + CheckoutURLPlaceholder)
	}
	if strings.TrimSpace(cfg.ManageURL) == "" {
		return errors.New("MANAGE_SUBSCRIPTION_URL is required when ENABLE_PAYMENTS=true")
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// splitInt64CSV parses a comma-separated list of numeric ids, dropping
// anything that does not parse.
func splitInt64CSV(s string) []int64 {
	parts := splitCSV(s)
	if len(parts) == 0 {
		return nil
	}
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		if n, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
