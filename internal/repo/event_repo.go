// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the append-only
// WebhookEvent log that backs the idempotency gate.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tpapadakis/go-entitlement-backend/internal/domain"
)

// ErrDuplicate indicates that a webhook event with the same
// (provider, idempotency_key) tuple was already recorded, i.e. the delivery
// is a retry of an event that has been processed before.
var ErrDuplicate = errors.New("duplicate")

// TryInsertWebhookEvent appends an event to the log. A uniqueness violation
// on (provider, idempotency_key) is not a failure: it returns ErrDuplicate
// so the caller can short-circuit with a success response and perform no
// further side effects.
func TryInsertWebhookEvent(ctx context.Context, db *gorm.DB, ev *domain.WebhookEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(ev).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetWebhookEvent fetches an event by its idempotency tuple, or ErrNotFound.
func GetWebhookEvent(ctx context.Context, db *gorm.DB, provider, key string) (*domain.WebhookEvent, error) {
	var ev domain.WebhookEvent
	err := db.WithContext(ctx).
		Where("provider = ? AND idempotency_key = ?", provider, key).
		First(&ev).Error
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// DeleteWebhookEventsBefore removes events received before the cutoff and
// returns the number of rows deleted. Used by the retention sweep; event
// rows are immutable otherwise.
func DeleteWebhookEventsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("received_at < ?", cutoff.UTC()).
		Delete(&domain.WebhookEvent{})
	return res.RowsAffected, res.Error
}
