package services

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Notifier delivers a short text message to a user. Implementations live
// outside this core (the chat client surface); delivery is fire-and-forget
// and failures are logged, never propagated into the transactional path.
type Notifier interface {
	Notify(ctx context.Context, userID int64, text string) error
}

// LogNotifier is the fallback Notifier used when no chat client is wired
// up: it records the message instead of delivering it.
type LogNotifier struct{}

// Notify logs the message that would have been sent.
func (LogNotifier) Notify(_ context.Context, userID int64, text string) error {
	log.Info().Int64("user_id", userID).Str("text", text).Msg("notification (log only)")
	return nil
}

// notify delivers best-effort: a nil Notifier or a delivery failure only
// produces a warning log.
func notify(ctx context.Context, n Notifier, userID int64, text string) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, userID, text); err != nil {
		log.Warn().Err(err).Int64("user_id", userID).Msg("notify failed")
	}
}
