// Package services – WebhookService
//
// This file implements the webhook ingestion pipeline behind the raw HTTP
// endpoint: parse, idempotency gate, identity resolution, state transition,
// and best-effort notification. Authentication and rate limiting happen
// before this service is invoked; everything here assumes the delivery is
// authentic but possibly duplicated, reordered, or unattributable.
package services

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tpapadakis/go-entitlement-backend/internal/domain"
	"github.com/tpapadakis/go-entitlement-backend/internal/repo"
	"github.com/tpapadakis/go-entitlement-backend/internal/webhook"
)

// Webhook processing outcomes. All are successful HTTP responses; only
// StatusProcessed mutated entitlement state.
const (
	StatusProcessed  = "processed"
	StatusNoChange   = "no_change"
	StatusDuplicate  = "duplicate"
	StatusUnlinked   = "unlinked"
	StatusSuppressed = "suppressed"
)

// webhookOutcomes counts processed deliveries by outcome, the main signal
// for duplicate storms and identity-resolution misses.
var webhookOutcomes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Webhook deliveries by processing outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(webhookOutcomes)
}

// ContactResolver is the subset of the provider client the webhook path
// needs: the read-only contact lookup fallback.
type ContactResolver interface {
	Configured() bool
	LookupUserIDByContact(ctx context.Context, contactID string) (*int64, error)
}

// WebhookResult reports how a delivery was handled.
type WebhookResult struct {
	Status string // one of the Status* constants
	Reason string // transition reason code, for logs
	UserID *int64 // resolved user, when any
}

// WebhookService processes authenticated webhook deliveries.
type WebhookService struct {
	DB       *gorm.DB
	Resolver ContactResolver
	Notifier Notifier

	// Provider is the provider tag stored on event rows, part of the
	// idempotency key tuple.
	Provider string
}

// NewWebhookService constructs a WebhookService with the default provider tag.
func NewWebhookService(db *gorm.DB, resolver ContactResolver, notifier Notifier) *WebhookService {
	return &WebhookService{DB: db, Resolver: resolver, Notifier: notifier, Provider: "CRM"}
}

// Process runs one raw delivery through the pipeline. queryToken is an
// optional checkout token carried on the request query string.
//
// Guarantees:
//   - At most one entitlement mutation per logical event, no matter how
//     often the provider re-delivers it (idempotency gate).
//   - A delivery whose identity cannot be resolved is still durably logged
//     but mutates nothing (fails closed).
//   - Events older than the user's watermark are recorded but suppressed.
//   - Notifications are best-effort and fire only when state actually
//     changed (plus the payment-failed notify-only path).
func (s *WebhookService) Process(ctx context.Context, rawBody []byte, queryToken string) (WebhookResult, error) {
	if len(rawBody) == 0 {
		return WebhookResult{}, ErrEmptyBody
	}
	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return WebhookResult{}, ErrMalformedPayload
	}

	receivedAt := time.Now().UTC()
	payloadHash := webhook.PayloadHash(rawBody)
	idemKey := webhook.IdempotencyKey(payload, payloadHash)
	ev := webhook.Normalize(payload)

	userID := ev.UserID

	// Token-based linking: redeemed before the event insert so the resolved
	// user id lands on the audit row.
	if userID == nil {
		if token := checkoutTokenFrom(payload, queryToken); token != "" {
			if id, err := repo.ConsumeCheckoutToken(ctx, s.DB, token); err == nil {
				userID = &id
			} else if err != repo.ErrTokenInvalid {
				return WebhookResult{}, err
			}
		}
	}

	record := &domain.WebhookEvent{
		Provider:       s.Provider,
		IdempotencyKey: idemKey,
		ReceivedAt:     receivedAt,
		PayloadHash:    payloadHash,
		UserID:         userID,
	}
	if ev.Type != "" {
		t := ev.Type
		record.EventType = &t
	}
	if err := repo.TryInsertWebhookEvent(ctx, s.DB, record); err != nil {
		if err == repo.ErrDuplicate {
			log.Info().Str("idempotency_key", idemKey).Msg("webhook duplicate ignored")
			return s.done(WebhookResult{Status: StatusDuplicate, UserID: userID}), nil
		}
		return WebhookResult{}, err
	}

	// Remote lookup stays after the duplicate short-circuit so provider
	// retries never hit the contact API twice for the same event.
	if userID == nil && ev.ContactID != "" && s.Resolver != nil && s.Resolver.Configured() {
		id, err := s.Resolver.LookupUserIDByContact(ctx, ev.ContactID)
		if err != nil {
			log.Warn().Err(err).Str("contact_id", ev.ContactID).Msg("contact lookup failed")
		} else {
			userID = id
		}
	}

	if userID == nil {
		// Fail closed: no entitlement change without a confident identity.
		log.Warn().
			Str("idempotency_key", idemKey).
			Str("contact_id", ev.ContactID).
			Msg("webhook stored but unlinked")
		return s.done(WebhookResult{Status: StatusUnlinked}), nil
	}

	// Ensure the user row exists even if the webhook arrives before first
	// contact with the chat surface.
	prev, err := repo.UpsertUserIfMissing(ctx, s.DB, *userID)
	if err != nil {
		return WebhookResult{}, err
	}

	nextState, reason := webhook.DeriveNextState(ev)
	if nextState == nil {
		s.handleNoTransition(ctx, payload, ev, *userID, reason)
		return s.done(WebhookResult{Status: StatusNoChange, Reason: reason, UserID: userID}), nil
	}

	var contactID *string
	if ev.ContactID != "" {
		contactID = &ev.ContactID
	}
	applied, err := repo.ApplyTransition(ctx, s.DB, *userID, *nextState, ev.EventAt, contactID)
	if err != nil {
		return WebhookResult{}, err
	}
	if !applied {
		log.Warn().Int64("user_id", *userID).Msg("webhook suppressed (out of order)")
		return s.done(WebhookResult{Status: StatusSuppressed, Reason: reason, UserID: userID}), nil
	}

	log.Info().
		Int64("user_id", *userID).
		Str("from", string(prev.State)).
		Str("to", string(*nextState)).
		Str("reason", reason).
		Msg("user state updated")

	if prev.State != *nextState {
		notify(ctx, s.Notifier, *userID, stateChangeMessage(*nextState))
	}
	return s.done(WebhookResult{Status: StatusProcessed, Reason: reason, UserID: userID}), nil
}

// handleNoTransition covers the deliveries that never change state: the
// notify-only payment failure, plus unknown/unclassified events logged for
// schema-drift triage.
func (s *WebhookService) handleNoTransition(ctx context.Context, payload map[string]any, ev webhook.Event, userID int64, reason string) {
	if reason == webhook.ReasonUnknownEvent {
		log.Warn().
			Str("event_type", ev.Type).
			Interface("payload_keys", payloadKeys(payload)).
			Interface("custom_data", redactMap(customData(payload))).
			Msg("webhook received unknown event type")
	}
	if strings.Contains(ev.Type, "payment.failed") {
		notify(ctx, s.Notifier, userID,
			"Payment failed. Please update your payment method in Manage Subscription to avoid losing access.")
	}
	log.Info().Int64("user_id", userID).Str("reason", reason).Msg("webhook processed (no state change)")
}

// done bumps the outcome counter and passes the result through.
func (s *WebhookService) done(r WebhookResult) WebhookResult {
	webhookOutcomes.WithLabelValues(r.Status).Inc()
	return r
}

// stateChangeMessage is the user-facing text for an applied transition.
func stateChangeMessage(next domain.UserState) string {
	switch next {
	case domain.StateActiveSubscriber:
		return "Subscription active - you now have full access."
	case domain.StateCancelPending:
		return "Cancellation scheduled - you will keep access until the end of your billing cycle."
	default:
		return "Subscription ended - access has been revoked."
	}
}

// checkoutTokenFrom finds a checkout token embedded in the payload (direct
// or under metadata), falling back to the query-string token.
func checkoutTokenFrom(payload map[string]any, queryToken string) string {
	candidates := []any{payload["token"], payload["checkoutToken"]}
	if meta, ok := payload["metadata"].(map[string]any); ok {
		candidates = append(candidates, meta["token"], meta["checkoutToken"])
	}
	for _, v := range candidates {
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return strings.TrimSpace(queryToken)
}

// customData returns the payload's customData object when present, else the
// payload itself, for triage logging.
func customData(payload map[string]any) map[string]any {
	if cd, ok := payload["customData"].(map[string]any); ok {
		return cd
	}
	return payload
}

// payloadKeys lists an object's top-level keys for triage logs without
// dumping values.
func payloadKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	return keys
}

// sensitiveKeyRE matches object keys whose values must never be logged.
var sensitiveKeyRE = regexp.MustCompile(`(?i)secret|token|key|authorization|password`)

// redactMap masks sensitive values in a shallow copy of obj.
func redactMap(obj map[string]any) map[string]any {
	if obj == nil {
		return nil
	}
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if sensitiveKeyRE.MatchString(k) {
			out[k] = "[redacted]"
		} else {
			out[k] = v
		}
	}
	return out
}
