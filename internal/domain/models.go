// Package domain defines the persistence models for users, webhook events,
// and checkout tokens. These types are mapped with GORM and form the core
// data layer of the entitlement sync backend.
package domain

import "time"

// UserState enumerates the entitlement states a user can be in. Transitions
// between states are driven exclusively by repo.ApplyTransition so that the
// out-of-order suppression rules hold everywhere.
type UserState string

const (
	// StateNotSubscribed is the initial state for every lazily-created user.
	StateNotSubscribed UserState = "NOT_SUBSCRIBED"
	// StateActiveSubscriber grants full access.
	StateActiveSubscriber UserState = "ACTIVE_SUBSCRIBER"
	// StateCancelPending keeps access until the end of the billing cycle.
	StateCancelPending UserState = "CANCEL_PENDING"
	// StateCancelled revokes access.
	StateCancelled UserState = "CANCELLED"
)

// Valid reports whether s is one of the known entitlement states.
func (s UserState) Valid() bool {
	switch s {
	case StateNotSubscribed, StateActiveSubscriber, StateCancelPending, StateCancelled:
		return true
	}
	return false
}

// ActiveLike reports whether the state currently grants access. Used by the
// resync path to skip users whose entitlement is already in good standing.
func (s UserState) ActiveLike() bool {
	return s == StateActiveSubscriber || s == StateCancelPending
}

// User is the per-user entitlement record. One row per user, created lazily
// on first contact and never deleted in normal operation.
//
// Fields:
//   - UserID: the internal platform user identifier (primary key).
//   - State: current entitlement state; mutated only via repo.ApplyTransition.
//   - ContactID: the provider-side contact id, set opportunistically and
//     never cleared by a later event lacking it (COALESCE semantics).
//   - CancelReason: optional free-text reason captured at cancel intent.
//   - LastEventAt: monotonic watermark; events older than it are suppressed.
//   - LastResyncAt: last time a pull-based resync ran for this user,
//     recorded regardless of resync outcome (cooldown bookkeeping).
type User struct {
	UserID       int64      `json:"user_id"        gorm:"column:user_id;primaryKey;autoIncrement:false"`
	State        UserState  `json:"state"          gorm:"type:varchar(32);not null;default:'NOT_SUBSCRIBED'"`
	ContactID    *string    `json:"contact_id,omitempty"    gorm:"type:varchar(64)"`
	CancelReason *string    `json:"cancel_reason,omitempty" gorm:"type:text"`
	LastEventAt  *time.Time `json:"last_event_at,omitempty"`
	LastResyncAt *time.Time `json:"last_resync_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// WebhookEvent is the append-only record of an accepted webhook delivery.
// The (provider, idempotency_key) unique index is the idempotency gate: an
// insert that violates it means the logical event was already processed and
// the caller must short-circuit without further side effects.
//
// Rows are immutable once written and are removed only by the retention
// sweep (repo.RunMaintenance).
type WebhookEvent struct {
	ID             string    `json:"id"              gorm:"type:char(36);primaryKey"`
	Provider       string    `json:"provider"        gorm:"type:varchar(32);not null;uniqueIndex:ux_events_provider_key,priority:1"`
	IdempotencyKey string    `json:"idempotency_key" gorm:"type:varchar(128);not null;uniqueIndex:ux_events_provider_key,priority:2"`
	EventType      *string   `json:"event_type,omitempty" gorm:"type:varchar(128)"`
	ReceivedAt     time.Time `json:"received_at"     gorm:"not null;index"`
	PayloadHash    string    `json:"payload_hash"    gorm:"type:char(64);not null"`
	UserID         *int64    `json:"user_id,omitempty" gorm:"index"`
}

// TableName returns the database table name for WebhookEvent.
func (WebhookEvent) TableName() string { return "webhook_events" }

// CheckoutToken is a single-use opaque value letting the provider round-trip
// a reference back to a user without exposing the platform identifier in
// checkout URLs. Redemption deletes the row; expired rows are purged by the
// maintenance sweep. Issuing several tokens for the same user is fine, each
// redeems at most once.
type CheckoutToken struct {
	Token     string    `json:"token"      gorm:"type:varchar(64);primaryKey"`
	UserID    int64     `json:"user_id"    gorm:"not null;index"`
	ExpiresAt time.Time `json:"expires_at" gorm:"not null;index"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for CheckoutToken.
func (CheckoutToken) TableName() string { return "checkout_tokens" }
