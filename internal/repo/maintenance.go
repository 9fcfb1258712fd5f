// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the periodic retention sweep.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// MaintenanceResult reports what a retention sweep removed.
type MaintenanceResult struct {
	Now                  time.Time `json:"now"`
	EventCutoff          time.Time `json:"event_cutoff"`
	DeletedExpiredTokens int64     `json:"deleted_expired_tokens"`
	DeletedWebhookEvents int64     `json:"deleted_webhook_events"`
}

// RunMaintenance deletes expired checkout tokens and webhook events older
// than the retention window, in a single transaction. retention is clamped
// to at least 24h so a misconfigured sweep cannot erase the idempotency
// window out from under in-flight provider retries.
func RunMaintenance(ctx context.Context, db *gorm.DB, retention time.Duration, now time.Time) (MaintenanceResult, error) {
	if retention < 24*time.Hour {
		retention = 24 * time.Hour
	}
	now = now.UTC()
	res := MaintenanceResult{
		Now:         now,
		EventCutoff: now.Add(-retention),
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		n, err := DeleteExpiredCheckoutTokens(ctx, tx, now)
		if err != nil {
			return err
		}
		res.DeletedExpiredTokens = n

		n, err = DeleteWebhookEventsBefore(ctx, tx, res.EventCutoff)
		if err != nil {
			return err
		}
		res.DeletedWebhookEvents = n
		return nil
	})
	return res, err
}
