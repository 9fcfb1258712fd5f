// Entitlement HTTP handlers.
//
// This file exposes REST endpoints for user entitlement resources:
//   - GET  /api/v1/users/{id}            (read entitlement record)
//   - POST /api/v1/users/{id}/resync     (pull-based reconciliation)
//   - POST /api/v1/users/{id}/checkout   (issue a single-use checkout token)
//   - POST /api/v1/admin/maintenance     (on-demand retention sweep)
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tpapadakis/go-entitlement-backend/internal/domain"
	"github.com/tpapadakis/go-entitlement-backend/internal/http/middleware"
	"github.com/tpapadakis/go-entitlement-backend/internal/repo"
	"github.com/tpapadakis/go-entitlement-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// ResyncRunner reconciles a user's entitlement against the billing provider.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ResyncRunner interface {
	// Resync runs the precondition chain and, when it passes, pulls and
	// applies the provider's subscription snapshot. force bypasses only the
	// cooldown gate; source tags logs with what triggered the call.
	Resync(ctx context.Context, userID int64, force bool, source string) (services.ResyncResult, error)
}

// CheckoutIssuer mints single-use checkout tokens.
type CheckoutIssuer interface {
	// Issue creates the user row if needed and returns a fresh token plus
	// the checkout URL embedding it.
	Issue(ctx context.Context, userID int64) (services.Checkout, error)
}

//
// Handler wiring
//

// Handlers groups the entitlement API endpoints. It depends on abstract
// service interfaces to keep transport concerns separate from business
// logic; only the plain reads (user record, maintenance) go straight to the
// repo layer.
type Handlers struct {
	db          *gorm.DB
	resyncSvc   ResyncRunner
	checkoutSvc CheckoutIssuer

	adminIDs  map[int64]bool
	retention time.Duration
}

// New constructs a Handlers instance bound to the given services.
// adminUserIDs is the allowlist of platform user ids permitted to force a
// resync or trigger maintenance; retention bounds the webhook event sweep.
func New(db *gorm.DB, resyncSvc ResyncRunner, checkoutSvc CheckoutIssuer, adminUserIDs []int64, retention time.Duration) *Handlers {
	ids := make(map[int64]bool, len(adminUserIDs))
	for _, id := range adminUserIDs {
		ids[id] = true
	}
	return &Handlers{
		db:          db,
		resyncSvc:   resyncSvc,
		checkoutSvc: checkoutSvc,
		adminIDs:    ids,
		retention:   retention,
	}
}

// pathUserID parses the {id} path segment as a platform user id.
func pathUserID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// callerIsAdmin reports whether the request carries an allowlisted admin id
// in the X-Admin-User-ID header. An empty allowlist admits nobody.
func (h *Handlers) callerIsAdmin(c *gin.Context) bool {
	raw := strings.TrimSpace(c.GetHeader("X-Admin-User-ID"))
	if raw == "" {
		return false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return h.adminIDs[id]
}

//
// DTOs
//

// ResyncRequest is the JSON payload for triggering a resync.
type ResyncRequest struct {
	// Force bypasses the per-user cooldown. Admin allowlist only.
	Force bool `json:"force"`
}

// UserResponse is the entitlement record returned by GetUser.
type UserResponse struct {
	UserID       int64      `json:"user_id"`
	State        string     `json:"state"`
	ContactID    *string    `json:"contact_id,omitempty"`
	CancelReason *string    `json:"cancel_reason,omitempty"`
	LastEventAt  *time.Time `json:"last_event_at,omitempty"`
	LastResyncAt *time.Time `json:"last_resync_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func userResponse(u *domain.User) UserResponse {
	return UserResponse{
		UserID:       u.UserID,
		State:        string(u.State),
		ContactID:    u.ContactID,
		CancelReason: u.CancelReason,
		LastEventAt:  u.LastEventAt,
		LastResyncAt: u.LastResyncAt,
		CreatedAt:    u.CreatedAt,
		UpdatedAt:    u.UpdatedAt,
	}
}

//
// Endpoints
//

// GetUser handles GET /api/v1/users/{id}.
//
// Returns the stored entitlement record. Users are created lazily by the
// ingestion paths, so a miss here just means no event or checkout has ever
// referenced this id.
func (h *Handlers) GetUser(c *gin.Context) {
	id, okID := pathUserID(c)
	if !okID {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid user id")
		return
	}

	u, err := repo.GetUser(c.Request.Context(), h.db, id)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "user not found")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not load user")
		return
	}
	ok(c, http.StatusOK, userResponse(u))
}

// Resync handles POST /api/v1/users/{id}/resync.
//
// The optional JSON body may set force=true to bypass the cooldown, which
// requires an allowlisted X-Admin-User-ID header. Precondition skips are a
// successful response (200 with attempted=false), not errors; the caller
// learns why via the skipped code.
func (h *Handlers) Resync(c *gin.Context) {
	id, okID := pathUserID(c)
	if !okID {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid user id")
		return
	}

	var req ResyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
			return
		}
	}
	if req.Force && !h.callerIsAdmin(c) {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "force resync requires an admin caller")
		return
	}

	res, err := h.resyncSvc.Resync(c.Request.Context(), id, req.Force, "api")
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "resync failed")
		return
	}
	ok(c, http.StatusOK, res)
}

// Checkout handles POST /api/v1/users/{id}/checkout.
//
// Issues a fresh single-use checkout token bound to the user and returns the
// checkout URL embedding it. Responds 400 checkout_disabled when the
// payments feature is off.
func (h *Handlers) Checkout(c *gin.Context) {
	id, okID := pathUserID(c)
	if !okID {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid user id")
		return
	}

	out, err := h.checkoutSvc.Issue(c.Request.Context(), id)
	switch {
	case errors.Is(err, services.ErrCheckoutDisabled):
		fail(c, http.StatusBadRequest, ErrCodeCheckoutDisabled, "checkout is not enabled")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not issue checkout token")
		return
	}
	ok(c, http.StatusOK, out)
}

// Maintenance handles POST /api/v1/admin/maintenance.
//
// Runs the retention sweep on demand: expired checkout tokens plus webhook
// event rows older than the retention window. The same sweep also runs on a
// background ticker; this endpoint exists for operators.
func (h *Handlers) Maintenance(c *gin.Context) {
	if !h.callerIsAdmin(c) {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "admin caller required")
		return
	}

	res, err := repo.RunMaintenance(c.Request.Context(), h.db, h.retention, time.Now().UTC())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "maintenance sweep failed")
		return
	}

	middleware.LoggerFrom(c).Info().
		Int64("deleted_tokens", res.DeletedExpiredTokens).
		Int64("deleted_events", res.DeletedWebhookEvents).
		Msg("maintenance sweep completed")
	ok(c, http.StatusOK, res)
}
