package webhook

import (
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// epochMillisThreshold separates epoch-second from epoch-millisecond
// magnitudes. Anything above it is read as milliseconds.
const epochMillisThreshold int64 = 1_000_000_000_000

// Event is the canonical record extracted from a provider payload. Every
// field is optional: unknown or malformed inputs degrade to nil/empty, never
// to an error. The three subscription flags are independently tri-state
// (true / false / unknown) because tenants differ in which ones they send.
type Event struct {
	Type              string     // lowercased event type, "" when absent
	EventAt           *time.Time // provider event time, nil when unparseable
	ContactID         string     // provider-side contact id, "" when absent
	UserID            *int64     // embedded internal user id, nil when absent
	IsActive          *bool
	CancelAtPeriodEnd *bool
	Ended             *bool
}

// fold performs Unicode case folding for case-insensitive matching of
// provider-supplied type and status strings.
var fold = cases.Fold()

// statusActive and statusEnded are the provider status strings that imply
// the corresponding flag when the boolean fields are missing.
var (
	statusActive = map[string]bool{"active": true, "trialing": true}
	statusEnded  = map[string]bool{"canceled": true, "cancelled": true, "ended": true, "expired": true}
)

// Normalize maps a decoded provider payload into a canonical Event. It is
// total: no input shape causes a panic or error. Field names vary across
// provider tenants, so every extraction walks a list of candidate paths and
// takes the first value that fits.
func Normalize(payload map[string]any) Event {
	var ev Event

	if t, ok := firstString(payload, "type", "eventType", "event_type"); ok {
		ev.Type = fold.String(t)
	}

	ev.EventAt = extractEventAt(payload)
	ev.ContactID = extractContactID(payload)
	ev.UserID = ExtractUserID(payload)

	sub, _ := payload["subscription"].(map[string]any)

	status := ""
	if s, ok := firstString(payload, "status"); ok {
		status = fold.String(s)
	} else if sub != nil {
		if s, ok := firstString(sub, "status"); ok {
			status = fold.String(s)
		}
	}

	ev.IsActive = firstBool(
		lookup(payload, "isActive"),
		lookup(payload, "active"),
		lookup(sub, "active"),
		lookup(sub, "isActive"),
	)
	if ev.IsActive == nil && status != "" {
		v := statusActive[status]
		ev.IsActive = &v
	}

	ev.CancelAtPeriodEnd = firstBool(
		lookup(payload, "cancelAtPeriodEnd"),
		lookup(payload, "cancel_at_period_end"),
		lookup(sub, "cancelAtPeriodEnd"),
		lookup(sub, "cancel_at_period_end"),
	)

	ev.Ended = firstBool(
		lookup(payload, "ended"),
		lookup(sub, "ended"),
	)
	if ev.Ended == nil && status != "" {
		v := statusEnded[status]
		ev.Ended = &v
	}

	return ev
}

// extractEventAt reads the provider event timestamp from its candidate
// fields. Numbers are interpreted as epoch millis or seconds by magnitude;
// strings are parsed as ISO-8601. Anything else yields nil.
func extractEventAt(payload map[string]any) *time.Time {
	for _, field := range []string{"timestamp", "createdAt", "created_at", "firedAt", "fired_at"} {
		v, ok := payload[field]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case float64:
			n := int64(t)
			if n <= 0 {
				return nil
			}
			var at time.Time
			if n > epochMillisThreshold {
				at = time.UnixMilli(n)
			} else {
				at = time.Unix(n, 0)
			}
			at = at.UTC()
			return &at
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
				if at, err := time.Parse(layout, t); err == nil {
					at = at.UTC()
					return &at
				}
			}
			return nil
		default:
			return nil
		}
	}
	return nil
}

// extractContactID reads the provider contact id from contactId,
// contact_id, or contact.id, accepting strings and numbers.
func extractContactID(payload map[string]any) string {
	candidates := []any{payload["contactId"], payload["contact_id"]}
	if contact, ok := payload["contact"].(map[string]any); ok {
		candidates = append(candidates, contact["id"])
	}
	for _, v := range candidates {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		}
	}
	return ""
}

// userIDFields are the candidate key names for an embedded internal user id,
// at the payload top level, under contact, and under contact custom fields.
var userIDFields = []string{"user_id", "userId", "platform_user_id", "platformUserId"}

// ExtractUserID pulls an embedded internal user identifier out of a payload
// or contact record. It checks direct fields first, then a customFields map,
// then a custom-field array keyed by name. Shared with the provider client,
// which applies it to contact lookup responses.
func ExtractUserID(obj map[string]any) *int64 {
	if obj == nil {
		return nil
	}
	for _, field := range userIDFields {
		if id := asUserID(obj[field]); id != nil {
			return id
		}
	}
	if contact, ok := obj["contact"].(map[string]any); ok {
		if id := ExtractUserID(contact); id != nil {
			return id
		}
	}
	for _, field := range []string{"customFields", "customField", "custom_fields"} {
		switch cf := obj[field].(type) {
		case map[string]any:
			for _, name := range userIDFields {
				if id := asUserID(cf[name]); id != nil {
					return id
				}
			}
		case []any:
			if id := userIDFromFieldArray(cf); id != nil {
				return id
			}
		}
	}
	return nil
}

// userIDFromFieldArray scans a provider custom-field array, matching entries
// whose key/name identifies the internal user id field.
func userIDFromFieldArray(fields []any) *int64 {
	for _, raw := range fields {
		f, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		key := ""
		for _, k := range []string{"key", "name", "fieldKey", "field_key"} {
			if s, ok := f[k].(string); ok && s != "" {
				key = fold.String(s)
				break
			}
		}
		if !matchesUserIDField(key) {
			continue
		}
		for _, vk := range []string{"value", "fieldValue", "field_value"} {
			if id := asUserID(f[vk]); id != nil {
				return id
			}
		}
	}
	return nil
}

func matchesUserIDField(key string) bool {
	for _, f := range userIDFields {
		if key == fold.String(f) {
			return true
		}
	}
	return false
}

// asUserID coerces a JSON value into a positive int64 user id, accepting
// numbers and numeric strings.
func asUserID(v any) *int64 {
	switch t := v.(type) {
	case float64:
		n := int64(t)
		if n > 0 && float64(n) == t {
			return &n
		}
	case string:
		if s := strings.TrimSpace(t); s != "" {
			if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
				return &n
			}
		}
	}
	return nil
}

// firstString returns the first candidate field holding a non-empty string.
func firstString(obj map[string]any, fields ...string) (string, bool) {
	if obj == nil {
		return "", false
	}
	for _, f := range fields {
		if s, ok := obj[f].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), true
		}
	}
	return "", false
}

// lookup fetches a key from a possibly-nil map.
func lookup(obj map[string]any, field string) any {
	if obj == nil {
		return nil
	}
	return obj[field]
}

// firstBool returns a pointer to the first candidate that is actually a
// boolean, or nil when none is. Non-boolean values (strings, numbers) are
// ignored rather than coerced: a tri-state unknown is safer than a guess.
func firstBool(candidates ...any) *bool {
	for _, v := range candidates {
		if b, ok := v.(bool); ok {
			return &b
		}
	}
	return nil
}
