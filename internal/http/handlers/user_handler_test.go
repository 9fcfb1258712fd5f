package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tpapadakis/go-entitlement-backend/internal/domain"
	"github.com/tpapadakis/go-entitlement-backend/internal/repo"
	"github.com/tpapadakis/go-entitlement-backend/internal/services"
)

type stubResyncer struct {
	result services.ResyncResult
	err    error

	gotUserID int64
	gotForce  bool
	gotSource string
}

func (s *stubResyncer) Resync(_ context.Context, userID int64, force bool, source string) (services.ResyncResult, error) {
	s.gotUserID = userID
	s.gotForce = force
	s.gotSource = source
	return s.result, s.err
}

type stubIssuer struct {
	out services.Checkout
	err error
}

func (s *stubIssuer) Issue(_ context.Context, userID int64) (services.Checkout, error) {
	return s.out, s.err
}

func newHandlerDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func userRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/users/:id", h.GetUser)
	r.POST("/users/:id/resync", h.Resync)
	r.POST("/users/:id/checkout", h.Checkout)
	r.POST("/admin/maintenance", h.Maintenance)
	return r
}

func do(r *gin.Engine, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
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

func TestGetUser_Handler(t *testing.T) {
	db := newHandlerDB(t)
	h := New(db, &stubResyncer{}, &stubIssuer{}, nil, 48*time.Hour)
	r := userRouter(h)

	if w := do(r, http.MethodGet, "/users/0", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("zero id status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/users/abc", "", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("non-numeric id status = %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/users/5", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing user status = %d", w.Code)
	}

	if _, err := repo.UpsertUserIfMissing(context.Background(), db, 5); err != nil {
		t.Fatalf("seed: %v", err)
	}
	w := do(r, http.MethodGet, "/users/5", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["user_id"] != float64(5) || body["state"] != string(domain.StateNotSubscribed) {
		t.Fatalf("body = %v", body)
	}
}

func TestResync_Handler(t *testing.T) {
	db := newHandlerDB(t)

	t.Run("plain call reaches service", func(t *testing.T) {
		rs := &stubResyncer{result: services.ResyncResult{Attempted: true, Applied: true, State: "ACTIVE_SUBSCRIBER"}}
		r := userRouter(New(db, rs, &stubIssuer{}, nil, time.Hour))

		w := do(r, http.MethodPost, "/users/7/resync", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if rs.gotUserID != 7 || rs.gotForce || rs.gotSource != "api" {
			t.Fatalf("call = %d %v %q", rs.gotUserID, rs.gotForce, rs.gotSource)
		}
		if body := decode(t, w); body["applied"] != true {
			t.Fatalf("body = %v", body)
		}
	})

	t.Run("force without admin", func(t *testing.T) {
		rs := &stubResyncer{}
		r := userRouter(New(db, rs, &stubIssuer{}, []int64{9}, time.Hour))

		w := do(r, http.MethodPost, "/users/7/resync", `{"force":true}`, nil)
		if w.Code != http.StatusForbidden {
			t.Fatalf("status = %d", w.Code)
		}
		if rs.gotUserID != 0 {
			t.Fatalf("service must not run for rejected force")
		}
	})

	t.Run("force with allowlisted admin", func(t *testing.T) {
		rs := &stubResyncer{result: services.ResyncResult{Attempted: true}}
		r := userRouter(New(db, rs, &stubIssuer{}, []int64{9}, time.Hour))

		w := do(r, http.MethodPost, "/users/7/resync", `{"force":true}`, map[string]string{"X-Admin-User-ID": "9"})
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		if !rs.gotForce {
			t.Fatalf("force flag not forwarded")
		}
	})

	t.Run("invalid body", func(t *testing.T) {
		r := userRouter(New(db, &stubResyncer{}, &stubIssuer{}, nil, time.Hour))
		w := do(r, http.MethodPost, "/users/7/resync", `{not json`, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
	})

	t.Run("service error", func(t *testing.T) {
		r := userRouter(New(db, &stubResyncer{err: errDB}, &stubIssuer{}, nil, time.Hour))
		w := do(r, http.MethodPost, "/users/7/resync", "", nil)
		if w.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d", w.Code)
		}
	})
}

func TestCheckout_Handler(t *testing.T) {
	db := newHandlerDB(t)

	t.Run("issues token", func(t *testing.T) {
		iss := &stubIssuer{out: services.Checkout{
			Token:       "abcd",
			CheckoutURL: "https://pay.example.com/start?t=abcd",
			ExpiresAt:   time.Now().Add(time.Hour).UTC(),
		}}
		r := userRouter(New(db, &stubResyncer{}, iss, nil, time.Hour))

		w := do(r, http.MethodPost, "/users/3/checkout", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d", w.Code)
		}
		body := decode(t, w)
		if body["token"] != "abcd" || body["checkout_url"] != "https://pay.example.com/start?t=abcd" {
			t.Fatalf("body = %v", body)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		r := userRouter(New(db, &stubResyncer{}, &stubIssuer{err: services.ErrCheckoutDisabled}, nil, time.Hour))
		w := do(r, http.MethodPost, "/users/3/checkout", "", nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d", w.Code)
		}
		if body := decode(t, w); body["code"] != ErrCodeCheckoutDisabled {
			t.Fatalf("code = %v", body["code"])
		}
	})
}

func TestMaintenance_Handler(t *testing.T) {
	db := newHandlerDB(t)
	h := New(db, &stubResyncer{}, &stubIssuer{}, []int64{9}, 48*time.Hour)
	r := userRouter(h)

	if w := do(r, http.MethodPost, "/admin/maintenance", "", nil); w.Code != http.StatusForbidden {
		t.Fatalf("anonymous status = %d", w.Code)
	}
	if w := do(r, http.MethodPost, "/admin/maintenance", "", map[string]string{"X-Admin-User-ID": "8"}); w.Code != http.StatusForbidden {
		t.Fatalf("non-allowlisted status = %d", w.Code)
	}

	// seed an expired token and an old event, both must be swept
	old := time.Now().Add(-100 * 24 * time.Hour).UTC()
	db.Create(&domain.CheckoutToken{Token: "expired", UserID: 9, ExpiresAt: old})
	db.Create(&domain.WebhookEvent{
		ID:             "11111111-1111-1111-1111-111111111111",
		Provider:       "crm",
		IdempotencyKey: "k-old",
		ReceivedAt:     old,
		PayloadHash:    strings.Repeat("a", 64),
	})

	w := do(r, http.MethodPost, "/admin/maintenance", "", map[string]string{"X-Admin-User-ID": "9"})
	if w.Code != http.StatusOK {
		t.Fatalf("admin status = %d body = %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["deleted_expired_tokens"] != float64(1) || body["deleted_webhook_events"] != float64(1) {
		t.Fatalf("sweep counts = %v", body)
	}
}

func TestCallerIsAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := New(nil, &stubResyncer{}, &stubIssuer{}, []int64{9}, time.Hour)

	mk := func(v string) *gin.Context {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
		if v != "" {
			c.Request.Header.Set("X-Admin-User-ID", v)
		}
		return c
	}

	if h.callerIsAdmin(mk("")) {
		t.Fatalf("empty header admitted")
	}
	if h.callerIsAdmin(mk("abc")) {
		t.Fatalf("non-numeric header admitted")
	}
	if h.callerIsAdmin(mk("8")) {
		t.Fatalf("non-allowlisted id admitted")
	}
	if !h.callerIsAdmin(mk(" 9 ")) {
		t.Fatalf("allowlisted id rejected")
	}

	empty := New(nil, &stubResyncer{}, &stubIssuer{}, nil, time.Hour)
	if empty.callerIsAdmin(mk("9")) {
		t.Fatalf("empty allowlist must admit nobody")
	}
}
