// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for single-use
// checkout tokens.
package repo

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tpapadakis/go-entitlement-backend/internal/domain"
)

// ErrTokenInvalid is returned when a checkout token does not exist, was
// already redeemed, or has expired. Callers must not learn which of the
// three it was.
var ErrTokenInvalid = errors.New("checkout token invalid")

// NewCheckoutTokenValue generates a short, URL-safe, opaque token value.
func NewCheckoutTokenValue() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// CreateCheckoutToken issues a new token bound to userID with the given TTL
// and returns the token value. Issuing repeatedly for the same user is safe;
// each issued token redeems at most once.
func CreateCheckoutToken(ctx context.Context, db *gorm.DB, userID int64, ttl time.Duration) (string, error) {
	value, err := NewCheckoutTokenValue()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	rec := &domain.CheckoutToken{
		Token:     value,
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		return "", err
	}
	return value, nil
}

// ConsumeCheckoutToken redeems a token exactly once, returning the bound
// user id. The row is deleted inside the same transaction as the read, so a
// second redemption attempt, or a redemption of an expired token, fails
// with ErrTokenInvalid and performs no identity linkage. Expired rows are
// deleted on sight rather than left for the sweep.
func ConsumeCheckoutToken(ctx context.Context, db *gorm.DB, token string) (int64, error) {
	var userID int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec domain.CheckoutToken
		if err := tx.First(&rec, "token = ?", token).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTokenInvalid
			}
			return err
		}
		if err := tx.Delete(&domain.CheckoutToken{}, "token = ?", token).Error; err != nil {
			return err
		}
		if rec.ExpiresAt.Before(time.Now().UTC()) {
			return ErrTokenInvalid
		}
		userID = rec.UserID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return userID, nil
}

// DeleteExpiredCheckoutTokens purges tokens whose expiry has passed and
// returns the number of rows deleted.
func DeleteExpiredCheckoutTokens(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at < ?", now.UTC()).
		Delete(&domain.CheckoutToken{})
	return res.RowsAffected, res.Error
}

// DeleteCheckoutTokensForUser revokes all outstanding tokens for a user.
func DeleteCheckoutTokensForUser(ctx context.Context, db *gorm.DB, userID int64) error {
	return db.WithContext(ctx).
		Where("user_id = ?", userID).
		Delete(&domain.CheckoutToken{}).Error
}
