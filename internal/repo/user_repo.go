// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the User
// entitlement record.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic beyond the
// transition ordering guard, which belongs with the row it protects.
//
// Error semantics:
//   - When a user is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tpapadakis/go-entitlement-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// UpsertUserIfMissing fetches the user row, creating it in state
// NOT_SUBSCRIBED when absent. Creation happens inside a transaction so two
// concurrent first contacts cannot race into a duplicate-key failure that
// surfaces to the caller: the loser of the race re-reads the winner's row.
func UpsertUserIfMissing(ctx context.Context, db *gorm.DB, userID int64) (*domain.User, error) {
	var u domain.User
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&u, "user_id = ?", userID).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		now := time.Now().UTC()
		u = domain.User{
			UserID:    userID,
			State:     domain.StateNotSubscribed,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if cerr := tx.Create(&u).Error; cerr != nil {
			// Lost a concurrent-create race: the row exists now, read it back.
			if rerr := tx.First(&u, "user_id = ?", userID).Error; rerr == nil {
				return nil
			}
			return cerr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUser fetches a user by id, or ErrNotFound if missing.
func GetUser(ctx context.Context, db *gorm.DB, userID int64) (*domain.User, error) {
	var u domain.User
	if err := db.WithContext(ctx).First(&u, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// ApplyTransition moves a user to nextState inside one transaction, creating
// the row first when absent.
//
// Ordering guard: when both eventAt and the stored last_event_at are non-nil
// and eventAt is older, the call is a no-op and returns false (stale-event
// suppression). A nil eventAt applies unconditionally and leaves the
// watermark untouched. Known gap: a nil-timestamp event can therefore win
// over a previously applied later event; callers treat nil as an
// authoritative snapshot rather than an ordered stream entry.
//
// contactID, when non-nil, is merged with COALESCE semantics: it is stored
// if present but a nil value never clears an existing link.
//
// The returned bool reports whether the row was actually mutated, which the
// caller uses to decide whether a user-facing notification should fire.
func ApplyTransition(ctx context.Context, db *gorm.DB, userID int64, nextState domain.UserState, eventAt *time.Time, contactID *string) (bool, error) {
	applied := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := UpsertUserIfMissing(ctx, tx, userID)
		if err != nil {
			return err
		}

		if eventAt != nil && existing.LastEventAt != nil && eventAt.Before(*existing.LastEventAt) {
			return nil // stale, suppressed
		}

		newLastEventAt := existing.LastEventAt
		if eventAt != nil {
			newLastEventAt = eventAt
		}

		updates := map[string]any{
			"state":         nextState,
			"last_event_at": newLastEventAt,
			"updated_at":    time.Now().UTC(),
		}
		if contactID != nil {
			updates["contact_id"] = *contactID
		}
		if err := tx.Model(&domain.User{}).Where("user_id = ?", userID).Updates(updates).Error; err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// SetContactID links the provider-side contact id to the user.
func SetContactID(ctx context.Context, db *gorm.DB, userID int64, contactID string) error {
	return touchUser(ctx, db, userID, map[string]any{"contact_id": contactID})
}

// SetCancelReason records the free-text reason captured at cancel intent.
func SetCancelReason(ctx context.Context, db *gorm.DB, userID int64, reason string) error {
	return touchUser(ctx, db, userID, map[string]any{"cancel_reason": reason})
}

// SetLastResyncAt records when a resync last ran for the user. Written
// regardless of the resync outcome so lookup misses cannot storm the
// provider API.
func SetLastResyncAt(ctx context.Context, db *gorm.DB, userID int64, at time.Time) error {
	return touchUser(ctx, db, userID, map[string]any{"last_resync_at": at.UTC()})
}

// touchUser applies updates plus an updated_at bump to a single user row.
func touchUser(ctx context.Context, db *gorm.DB, userID int64, updates map[string]any) error {
	updates["updated_at"] = time.Now().UTC()
	res := db.WithContext(ctx).Model(&domain.User{}).Where("user_id = ?", userID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
