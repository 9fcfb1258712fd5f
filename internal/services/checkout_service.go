// Package services – CheckoutService
//
// This file implements checkout token issuance at subscribe-intent time: a
// short opaque value bound to a user with a bounded TTL, embedded in the
// provider checkout URL so the eventual webhook can be linked back to the
// user without the platform identifier ever appearing in a URL.
package services

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tpapadakis/go-entitlement-backend/internal/config"
	"github.com/tpapadakis/go-entitlement-backend/internal/repo"
)

// Checkout is an issued checkout token plus the URL embedding it.
type Checkout struct {
	Token       string    `json:"token"`
	CheckoutURL string    `json:"checkout_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CheckoutService issues single-use checkout tokens.
type CheckoutService struct {
	DB *gorm.DB

	Enabled     bool          // payment feature flag
	URLTemplate string        // contains config.CheckoutURLPlaceholder
	TokenTTL    time.Duration // bounded token lifetime
}

// Issue creates the user row if needed, issues a fresh token, and returns
// it with the checkout URL. Users already holding access get a token too
// (the provider side decides what to do with a repeat checkout), and issuing
// repeatedly never weakens single-use redemption.
func (s *CheckoutService) Issue(ctx context.Context, userID int64) (Checkout, error) {
	if !s.Enabled || strings.TrimSpace(s.URLTemplate) == "" {
		return Checkout{}, ErrCheckoutDisabled
	}

	if _, err := repo.UpsertUserIfMissing(ctx, s.DB, userID); err != nil {
		return Checkout{}, err
	}

	ttl := s.TokenTTL
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	token, err := repo.CreateCheckoutToken(ctx, s.DB, userID, ttl)
	if err != nil {
		return Checkout{}, err
	}

	return Checkout{
		Token:       token,
		CheckoutURL: strings.ReplaceAll(s.URLTemplate, config.CheckoutURLPlaceholder, token),
		ExpiresAt:   time.Now().UTC().Add(ttl),
	}, nil
}
