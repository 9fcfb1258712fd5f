package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// PayloadHash returns the lowercase hex SHA-256 of the exact raw body bytes.
// It doubles as the idempotency key for providers that do not send a
// delivery id, so it must be computed over the bytes as received, before any
// parsing or re-serialization.
func PayloadHash(rawBody []byte) string {
	sum := sha256.Sum256(rawBody)
	return hex.EncodeToString(sum[:])
}

// IdempotencyKey derives the stable key for a delivery: the first present
// provider-supplied event id (webhookId, webhook_id, or id; string or
// number), else the payload hash. Two deliveries of the same logical event
// therefore always collapse to the same key.
func IdempotencyKey(payload map[string]any, payloadHash string) string {
	for _, field := range []string{"webhookId", "webhook_id", "id"} {
		switch v := payload[field].(type) {
		case string:
			if t := strings.TrimSpace(v); t != "" {
				return t
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return payloadHash
}
