// Webhook ingestion HTTP handler.
//
// This file exposes the raw-body webhook endpoint:
//   - POST /webhooks/crm   (authenticated provider deliveries)
//
// The handler is transport-thin: it authenticates the delivery, hands the
// raw bytes to the webhook service, and translates the outcome into an HTTP
// response. Responses are always 200 once a delivery authenticates and
// parses, whatever the pipeline concluded, so the provider never retries a
// delivery we have durably recorded.
package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tpapadakis/go-entitlement-backend/internal/http/middleware"
	"github.com/tpapadakis/go-entitlement-backend/internal/services"
	"github.com/tpapadakis/go-entitlement-backend/internal/webhook"
)

// Webhook auth headers. Providers send a lowercase hex or base64 HMAC digest
// of the raw body, optionally accompanied by a unix timestamp for replay
// protection.
const (
	HeaderSignature = "X-WH-Signature"
	HeaderTimestamp = "X-WH-Timestamp"
)

// WebhookProcessor consumes one authenticated raw delivery.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type WebhookProcessor interface {
	Process(ctx context.Context, rawBody []byte, queryToken string) (services.WebhookResult, error)
}

// WebhookAuth configures delivery authentication for the webhook endpoint.
//
// When Required is false (payments feature disabled) deliveries are accepted
// without credentials; this is a testing mode, never production posture.
// Otherwise a delivery must carry either a valid HMAC signature header or
// the shared query token.
type WebhookAuth struct {
	Secret   string        // HMAC-SHA256 shared secret
	Token    string        // shared query-token fallback
	MaxSkew  time.Duration // anti-replay bound when a timestamp header is present
	Required bool
}

// WebhookHandler terminates provider deliveries.
type WebhookHandler struct {
	svc  WebhookProcessor
	auth WebhookAuth
}

// NewWebhookHandler constructs a WebhookHandler bound to the given service.
func NewWebhookHandler(svc WebhookProcessor, auth WebhookAuth) *WebhookHandler {
	return &WebhookHandler{svc: svc, auth: auth}
}

// Receive handles POST /webhooks/crm.
//
// Flow:
//  1. Read the raw body (the signature covers exact bytes, so no binding).
//  2. Authenticate: signature header when a secret is configured, else the
//     shared query token. Skipped entirely when auth is not required.
//  3. Hand off to the service and map its outcome to the response envelope.
//
// Success responses carry {"ok":true} plus at most one outcome flag
// (duplicate / unlinked / suppressed) so webhook senders can log what
// happened without parsing internals.
func (h *WebhookHandler) Receive(c *gin.Context) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	if len(rawBody) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeEmptyBody, "expected raw body")
		return
	}

	queryToken := c.Query("token")
	if !h.authenticate(c, rawBody, queryToken) {
		fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication failed")
		return
	}

	res, err := h.svc.Process(c.Request.Context(), rawBody, queryToken)
	switch {
	case errors.Is(err, services.ErrEmptyBody):
		fail(c, http.StatusBadRequest, ErrCodeEmptyBody, "expected raw body")
		return
	case errors.Is(err, services.ErrMalformedPayload):
		fail(c, http.StatusBadRequest, ErrCodeMalformedPayload, "invalid JSON")
		return
	case err != nil:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "webhook processing failed")
		return
	}

	body := gin.H{"ok": true}
	switch res.Status {
	case services.StatusDuplicate:
		body["duplicate"] = true
	case services.StatusUnlinked:
		body["unlinked"] = true
	case services.StatusSuppressed:
		body["suppressed"] = true
	}
	ok(c, http.StatusOK, body)
}

// authenticate applies the configured auth policy to one delivery.
//
// Signature auth wins when both a secret and a signature header are present.
// The shared token path compares in constant time. With auth not required
// the delivery is accepted as-is and the skip is logged once per request.
func (h *WebhookHandler) authenticate(c *gin.Context, rawBody []byte, queryToken string) bool {
	lg := middleware.LoggerFrom(c)

	if !h.auth.Required {
		lg.Info().Msg("webhook accepted without auth (payments disabled)")
		return true
	}

	sig := strings.TrimSpace(c.GetHeader(HeaderSignature))
	if h.auth.Secret != "" && sig != "" {
		res := webhook.VerifyHMACSHA256(webhook.SignatureParams{
			RawBody:   rawBody,
			Secret:    h.auth.Secret,
			Signature: sig,
			Timestamp: strings.TrimSpace(c.GetHeader(HeaderTimestamp)),
			MaxSkew:   h.auth.MaxSkew,
		})
		if !res.Valid {
			lg.Warn().Str("reason", res.Reason).Msg("webhook signature verification failed")
		}
		return res.Valid
	}

	if h.auth.Token != "" {
		if subtle.ConstantTimeCompare([]byte(queryToken), []byte(h.auth.Token)) == 1 {
			return true
		}
	}

	lg.Warn().Bool("has_signature_header", sig != "").Msg("webhook rejected (auth failed)")
	return false
}
