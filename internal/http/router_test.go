package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tpapadakis/go-entitlement-backend/internal/config"
	"github.com/tpapadakis/go-entitlement-backend/internal/httpclient"
	"github.com/tpapadakis/go-entitlement-backend/internal/provider"
	"github.com/tpapadakis/go-entitlement-backend/internal/repo"
	"github.com/tpapadakis/go-entitlement-backend/internal/services"
)

func baseCfg() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		ResyncCooldown: 10 * time.Minute,
		CheckoutTTL:    time.Hour,
		Webhook: config.WebhookConfig{
			MaxSkew:      5 * time.Minute,
			RetentionAge: 48 * time.Hour,
		},
		RateLimit: config.RateLimitConfig{
			Window:     time.Minute,
			Max:        100,
			MaxBuckets: 100,
		},
	}
}

// newTestEngine builds a fully wired router against an in-memory database.
func newTestEngine(t *testing.T, cfg config.Config) (*gin.Engine, *gorm.DB) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pc := provider.New(cfg.Provider, httpclient.New(nil, httpclient.Config{}))
	r := gin.New()
	RegisterRoutes(r, db, pc, services.LogNotifier{}, cfg)
	return r, db
}

func doJSON(t *testing.T, r *gin.Engine, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func signHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHealth(t *testing.T) {
	r, _ := newTestEngine(t, baseCfg())

	w := doJSON(t, r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := decodeBody(t, w)["status"]; got != "ok" {
		t.Fatalf("status field = %v", got)
	}
}

func TestUnknownRouteEnvelope(t *testing.T) {
	r, _ := newTestEngine(t, baseCfg())

	w := doJSON(t, r, http.MethodGet, "/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["code"] != "not_found" {
		t.Fatalf("code = %v", body["code"])
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected request id header")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	r, _ := newTestEngine(t, baseCfg())

	w := doJSON(t, r, http.MethodGet, "/webhooks/crm", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decodeBody(t, w); body["code"] != "method_not_allowed" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r, _ := newTestEngine(t, baseCfg())

	w := doJSON(t, r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "go_") {
		t.Fatalf("expected prometheus exposition output")
	}
}

func TestWebhookSignatureAuth(t *testing.T) {
	cfg := baseCfg()
	cfg.PaymentsEnabled = true
	cfg.Webhook.Secret = "topsecret"
	r, _ := newTestEngine(t, cfg)

	payload := `{"type":"subscription.created","contactId":"c-1"}`

	t.Run("missing credentials", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/webhooks/crm", payload, nil)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", w.Code)
		}
		if body := decodeBody(t, w); body["code"] != "unauthorized" {
			t.Fatalf("code = %v", body["code"])
		}
	})

	t.Run("bad signature", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/webhooks/crm", payload, map[string]string{
			"X-WH-Signature": signHex("wrong-secret", []byte(payload)),
		})
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("valid signature", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/webhooks/crm", payload, map[string]string{
			"X-WH-Signature": signHex("topsecret", []byte(payload)),
		})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["ok"] != true {
			t.Fatalf("ok = %v", body["ok"])
		}
		// no platform user id in the payload and no resolvable contact
		if body["unlinked"] != true {
			t.Fatalf("unlinked = %v", body["unlinked"])
		}
	})
}

func TestWebhookQueryTokenAuth(t *testing.T) {
	cfg := baseCfg()
	cfg.PaymentsEnabled = true
	cfg.Webhook.Token = "sharedtok"
	r, _ := newTestEngine(t, cfg)

	payload := `{"type":"subscription.created","userId":7,"subscription":{"status":"active"}}`

	w := doJSON(t, r, http.MethodPost, "/webhooks/crm?token=nope", payload, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/webhooks/crm?token=sharedtok", payload, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestWebhookAuthSkippedWhenPaymentsDisabled(t *testing.T) {
	r, db := newTestEngine(t, baseCfg())

	payload := `{"type":"subscription.created","userId":42,"timestamp":1700000000}`
	w := doJSON(t, r, http.MethodPost, "/webhooks/crm", payload, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}

	u, err := repo.GetUser(context.Background(), db, 42)
	if err != nil {
		t.Fatalf("user after ingest: %v", err)
	}
	if string(u.State) != "ACTIVE_SUBSCRIBER" {
		t.Fatalf("state = %s", u.State)
	}
}

func TestGetUser(t *testing.T) {
	r, db := newTestEngine(t, baseCfg())

	w := doJSON(t, r, http.MethodGet, "/api/v1/users/5", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing user status = %d", w.Code)
	}

	if _, err := repo.UpsertUserIfMissing(context.Background(), db, 5); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	w = doJSON(t, r, http.MethodGet, "/api/v1/users/5", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["user_id"] != float64(5) || body["state"] != "NOT_SUBSCRIBED" {
		t.Fatalf("body = %v", body)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/users/abc", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric id status = %d", w.Code)
	}
}

func TestCheckout(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		r, _ := newTestEngine(t, baseCfg())
		w := doJSON(t, r, http.MethodPost, "/api/v1/users/5/checkout", "", nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
		if body := decodeBody(t, w); body["code"] != "checkout_disabled" {
			t.Fatalf("code = %v", body["code"])
		}
	})

	t.Run("issues url", func(t *testing.T) {
		cfg := baseCfg()
		cfg.PaymentsEnabled = true
		cfg.Webhook.Secret = "s"
		cfg.CheckoutURLTmpl = "https://pay.example.com/start?t=" + config.CheckoutURLPlaceholder
		r, _ := newTestEngine(t, cfg)

		w := doJSON(t, r, http.MethodPost, "/api/v1/users/5/checkout", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		tok, _ := body["token"].(string)
		url, _ := body["checkout_url"].(string)
		if tok == "" || !strings.Contains(url, tok) {
			t.Fatalf("token/url = %q %q", tok, url)
		}
	})
}

func TestResync(t *testing.T) {
	cfg := baseCfg()
	cfg.PaymentsEnabled = true
	cfg.Webhook.Secret = "s"
	cfg.AdminUserIDs = []int64{9}
	r, db := newTestEngine(t, cfg)

	if _, err := repo.UpsertUserIfMissing(context.Background(), db, 5); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	t.Run("skips without provider credentials", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/v1/users/5/resync", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["attempted"] != false || body["skipped"] != services.SkipNoAPIKey {
			t.Fatalf("body = %v", body)
		}
	})

	t.Run("force requires admin", func(t *testing.T) {
		w := doJSON(t, r, http.MethodPost, "/api/v1/users/5/resync", `{"force":true}`, nil)
		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d", w.Code)
		}

		w = doJSON(t, r, http.MethodPost, "/api/v1/users/5/resync", `{"force":true}`, map[string]string{
			"X-Admin-User-ID": "9",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("admin status = %d body = %s", w.Code, w.Body.String())
		}
	})
}

func TestMaintenanceAdminOnly(t *testing.T) {
	cfg := baseCfg()
	cfg.AdminUserIDs = []int64{9}
	r, _ := newTestEngine(t, cfg)

	w := doJSON(t, r, http.MethodPost, "/api/v1/admin/maintenance", "", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/admin/maintenance", "", map[string]string{
		"X-Admin-User-ID": "9",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("admin status = %d body = %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if _, present := body["deleted_expired_tokens"]; !present {
		t.Fatalf("body = %v", body)
	}
}
