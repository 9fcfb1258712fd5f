package webhook

import (
	"strings"

	"github.com/tpapadakis/go-entitlement-backend/internal/domain"
)

// Transition reason codes. ReasonUnknownEvent and ReasonUnclassified mark
// deliveries that changed nothing and should be logged for schema-drift
// triage; the rest describe why a state was (or was not) derived.
const (
	ReasonPaymentFailed      = "payment_failed_no_state_change"
	ReasonCancelledOrEnded   = "subscription_cancelled_or_ended"
	ReasonSubscriberCreated  = "subscription_created"
	ReasonCancelAtPeriodEnd  = "cancel_at_period_end"
	ReasonActiveNotPending   = "active_not_cancel_pending"
	ReasonUnclassifiedUpdate = "subscription_updated_unclassified"
	ReasonUnknownEvent       = "unknown_event"
)

// DeriveNextState maps a canonical event to the next entitlement state, or
// nil when the event must not change state. Deterministic, no side effects.
//
// Priority rules:
//   - payment.failed is notify-only, never a transition.
//   - An ended flag set true means CANCELLED regardless of the type string,
//     and cancellation type strings (both spellings) mean the same.
//   - subscription.created always activates.
//   - subscription.updated activates or schedules cancellation from the
//     flags; when the flags cannot classify the update, nothing changes and
//     the reason marks it for triage.
func DeriveNextState(ev Event) (*domain.UserState, string) {
	t := ev.Type // already case-folded by Normalize

	if strings.Contains(t, "payment.failed") {
		return nil, ReasonPaymentFailed
	}

	if strings.Contains(t, "subscription.cancelled") ||
		strings.Contains(t, "subscription.canceled") ||
		(ev.Ended != nil && *ev.Ended) {
		return statePtr(domain.StateCancelled), ReasonCancelledOrEnded
	}

	if strings.Contains(t, "subscription.created") {
		return statePtr(domain.StateActiveSubscriber), ReasonSubscriberCreated
	}

	if strings.Contains(t, "subscription.updated") {
		if ev.CancelAtPeriodEnd != nil && *ev.CancelAtPeriodEnd {
			return statePtr(domain.StateCancelPending), ReasonCancelAtPeriodEnd
		}
		if ev.IsActive != nil && *ev.IsActive && ev.CancelAtPeriodEnd != nil && !*ev.CancelAtPeriodEnd {
			return statePtr(domain.StateActiveSubscriber), ReasonActiveNotPending
		}
		// Flags insufficient to classify the update; leave state alone.
		return nil, ReasonUnclassifiedUpdate
	}

	return nil, ReasonUnknownEvent
}

// SnapshotFlags is an authoritative point-in-time view of a user's
// subscription, produced by the resync pull path rather than an event.
type SnapshotFlags struct {
	IsActive          bool
	CancelAtPeriodEnd bool
	Ended             bool
}

// StateFromSnapshot maps snapshot flags to a next state using the same
// priority rules as DeriveNextState: an active subscription that is
// scheduled to cancel is CANCEL_PENDING, an active one is
// ACTIVE_SUBSCRIBER, an ended one is CANCELLED, and anything else changes
// nothing.
func StateFromSnapshot(s SnapshotFlags) *domain.UserState {
	switch {
	case s.IsActive && s.CancelAtPeriodEnd:
		return statePtr(domain.StateCancelPending)
	case s.IsActive:
		return statePtr(domain.StateActiveSubscriber)
	case s.Ended:
		return statePtr(domain.StateCancelled)
	}
	return nil
}

func statePtr(s domain.UserState) *domain.UserState { return &s }
