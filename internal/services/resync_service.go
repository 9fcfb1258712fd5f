// Package services – ResyncService
//
// This file implements the pull-based counterpart to webhook ingestion: on
// demand (or on a cooldown-gated schedule) the service asks the provider for
// the user's current subscription snapshot and reconciles entitlement state
// through the same transition store as the webhook path.
package services

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tpapadakis/go-entitlement-backend/internal/domain"
	"github.com/tpapadakis/go-entitlement-backend/internal/provider"
	"github.com/tpapadakis/go-entitlement-backend/internal/repo"
	"github.com/tpapadakis/go-entitlement-backend/internal/webhook"
)

// Resync skip reason codes, returned in ResyncResult.Skipped. The first
// group short-circuits before any provider traffic; the second reports
// lookup outcomes of an attempted resync.
const (
	SkipPaymentsDisabled  = "payments_disabled"
	SkipNoAPIKey          = "no_api_key"
	SkipMissingLocationID = "missing_location_id"
	SkipNoUser            = "no_user"
	SkipAlreadyActive     = "already_active"
	SkipCooldown          = "cooldown"

	SkipNoContact          = "no_contact"
	SkipNoSubscriptionData = "no_subscription_data"
	SkipNoActiveSub        = "no_active_subscription"
)

// resyncResults counts resync attempts by result code.
var resyncResults = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "resync_total",
		Help: "Resync attempts by outcome.",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(resyncResults)
}

// SubscriptionSource is the provider surface the resync path depends on.
type SubscriptionSource interface {
	Configured() bool
	LocationID(ctx context.Context) (string, error)
	SearchContactByUserID(ctx context.Context, userID int64) (string, map[string]any, error)
	SubscriptionStatus(ctx context.Context, contactID string) (*provider.Snapshot, error)
}

// ResyncResult reports whether a resync ran and what it concluded.
type ResyncResult struct {
	Attempted bool   `json:"attempted"`
	Skipped   string `json:"skipped,omitempty"`
	Applied   bool   `json:"applied"`
	State     string `json:"state,omitempty"`
}

// ResyncService reconciles a user's entitlement against the provider's
// current subscription record.
type ResyncService struct {
	DB       *gorm.DB
	Source   SubscriptionSource
	Notifier Notifier

	PaymentsEnabled bool
	Cooldown        time.Duration
}

// Resync checks preconditions in order and, when they pass, pulls the
// subscription snapshot and applies it. source tags logs with what
// triggered the call ("start", "command", "api"). force bypasses only the
// cooldown gate; every other precondition still applies.
//
// lastResyncAt is persisted as soon as the provider is contacted, whatever
// the outcome, so repeated lookup misses cannot storm the provider API.
// The snapshot is applied with a nil event time: it is an authoritative
// point-in-time view, not an entry in the ordered event stream.
func (s *ResyncService) Resync(ctx context.Context, userID int64, force bool, source string) (ResyncResult, error) {
	lg := log.With().Int64("user_id", userID).Str("source", source).Logger()

	if !s.PaymentsEnabled {
		return s.skip(lg, SkipPaymentsDisabled), nil
	}
	if s.Source == nil || !s.Source.Configured() {
		return s.skip(lg, SkipNoAPIKey), nil
	}
	locationID, err := s.Source.LocationID(ctx)
	if err != nil {
		return ResyncResult{}, err
	}
	if locationID == "" {
		lg.Warn().Msg("resync disabled: missing provider location id")
		return s.skip(lg, SkipMissingLocationID), nil
	}

	user, err := repo.GetUser(ctx, s.DB, userID)
	if err != nil {
		if err == repo.ErrNotFound {
			return s.skip(lg, SkipNoUser), nil
		}
		return ResyncResult{}, err
	}
	if user.State.ActiveLike() {
		return s.skip(lg, SkipAlreadyActive), nil
	}

	now := time.Now().UTC()
	if !force && s.Cooldown > 0 && user.LastResyncAt != nil && now.Sub(*user.LastResyncAt) < s.Cooldown {
		return s.skip(lg, SkipCooldown), nil
	}

	lg.Info().Bool("force", force).Str("state", string(user.State)).Msg("resync started")

	contactID, _, err := s.Source.SearchContactByUserID(ctx, userID)
	if err != nil {
		// Provider unreachable after retries: record the attempt so the
		// cooldown still applies, then surface the failure.
		_ = repo.SetLastResyncAt(ctx, s.DB, userID, now)
		return ResyncResult{}, err
	}
	if contactID == "" {
		if err := repo.SetLastResyncAt(ctx, s.DB, userID, now); err != nil {
			return ResyncResult{}, err
		}
		lg.Warn().Msg("resync found no provider contact")
		return s.attempted(SkipNoContact), nil
	}

	if err := repo.SetContactID(ctx, s.DB, userID, contactID); err != nil {
		return ResyncResult{}, err
	}

	snapshot, err := s.Source.SubscriptionStatus(ctx, contactID)
	if serr := repo.SetLastResyncAt(ctx, s.DB, userID, now); serr != nil {
		return ResyncResult{}, serr
	}
	if err != nil {
		return ResyncResult{}, err
	}
	if snapshot == nil {
		lg.Warn().Str("contact_id", contactID).Msg("resync subscription lookup returned nothing")
		return s.attempted(SkipNoSubscriptionData), nil
	}

	nextState := webhook.StateFromSnapshot(snapshot.SnapshotFlags)
	if nextState == nil {
		lg.Info().
			Str("contact_id", contactID).
			Int("subscriptions", snapshot.Count).
			Msg("resync found no active subscription")
		return s.attempted(SkipNoActiveSub), nil
	}

	applied, err := repo.ApplyTransition(ctx, s.DB, userID, *nextState, nil, &contactID)
	if err != nil {
		return ResyncResult{}, err
	}

	lg.Info().
		Str("contact_id", contactID).
		Str("to", string(*nextState)).
		Bool("applied", applied).
		Msg("resync applied subscription snapshot")

	if applied && user.State != *nextState {
		notify(ctx, s.Notifier, userID, resyncMessage(*nextState))
	}

	resyncResults.WithLabelValues("applied").Inc()
	return ResyncResult{Attempted: true, Applied: applied, State: string(*nextState)}, nil
}

// skip records a precondition short-circuit: not attempted, nothing mutated.
func (s *ResyncService) skip(lg zerolog.Logger, reason string) ResyncResult {
	lg.Info().Str("skipped", reason).Msg("resync skipped")
	resyncResults.WithLabelValues(reason).Inc()
	return ResyncResult{Attempted: false, Skipped: reason}
}

// attempted records a resync that ran but found nothing to apply.
func (s *ResyncService) attempted(reason string) ResyncResult {
	resyncResults.WithLabelValues(reason).Inc()
	return ResyncResult{Attempted: true, Skipped: reason}
}

// resyncMessage is the user-facing text for a state applied via resync.
func resyncMessage(next domain.UserState) string {
	switch next {
	case domain.StateActiveSubscriber:
		return "Subscription detected and synced. You now have full access."
	case domain.StateCancelPending:
		return "Subscription detected and synced. Cancellation is scheduled at period end."
	default:
		return "Subscription status synced. Access remains revoked."
	}
}
