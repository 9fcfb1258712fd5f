package webhook

import (
	"encoding/json"
	"testing"
	"time"
)

// decode unmarshals a JSON literal the way the ingestion path does, so tests
// exercise the same float64/map[string]any shapes the handler sees.
func decode(t *testing.T, raw string) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return payload
}

func TestNormalize_TypeFolding(t *testing.T) {
	ev := Normalize(decode(t, `{"eventType":"Subscription.Created"}`))
	if ev.Type != "subscription.created" {
		t.Fatalf("expected folded type, got %q", ev.Type)
	}

	// type wins over eventType, snake_case accepted too
	ev = Normalize(decode(t, `{"type":"A.B","eventType":"C.D"}`))
	if ev.Type != "a.b" {
		t.Fatalf("expected first candidate field, got %q", ev.Type)
	}
	ev = Normalize(decode(t, `{"event_type":"X"}`))
	if ev.Type != "x" {
		t.Fatalf("expected snake_case field, got %q", ev.Type)
	}
}

func TestNormalize_EventAt(t *testing.T) {
	sec := time.Date(2025, 2, 1, 10, 30, 0, 0, time.UTC)

	cases := []struct {
		name string
		raw  string
		want *time.Time
	}{
		{"epoch seconds", `{"timestamp":1738405800}`, &sec},
		{"epoch millis", `{"createdAt":1738405800000}`, &sec},
		{"rfc3339", `{"created_at":"2025-02-01T10:30:00Z"}`, &sec},
		{"firedAt", `{"firedAt":1738405800}`, &sec},
		{"garbage string", `{"timestamp":"soon"}`, nil},
		{"zero", `{"timestamp":0}`, nil},
		{"absent", `{}`, nil},
		{"wrong type", `{"timestamp":{"nested":true}}`, nil},
	}
	for _, tc := range cases {
		ev := Normalize(decode(t, tc.raw))
		switch {
		case tc.want == nil && ev.EventAt != nil:
			t.Fatalf("%s: expected nil, got %v", tc.name, ev.EventAt)
		case tc.want != nil && (ev.EventAt == nil || !ev.EventAt.Equal(*tc.want)):
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, ev.EventAt)
		}
	}
}

func TestNormalize_ContactID(t *testing.T) {
	if ev := Normalize(decode(t, `{"contactId":" c-123 "}`)); ev.ContactID != "c-123" {
		t.Fatalf("expected trimmed contactId, got %q", ev.ContactID)
	}
	if ev := Normalize(decode(t, `{"contact":{"id":"nested"}}`)); ev.ContactID != "nested" {
		t.Fatalf("expected contact.id, got %q", ev.ContactID)
	}
	if ev := Normalize(decode(t, `{"contact_id":9911}`)); ev.ContactID != "9911" {
		t.Fatalf("expected numeric contact id as string, got %q", ev.ContactID)
	}
	if ev := Normalize(decode(t, `{}`)); ev.ContactID != "" {
		t.Fatalf("expected empty contact id, got %q", ev.ContactID)
	}
}

func TestNormalize_FlagsAndStatusFallback(t *testing.T) {
	ev := Normalize(decode(t, `{"isActive":true,"cancelAtPeriodEnd":false}`))
	if ev.IsActive == nil || !*ev.IsActive {
		t.Fatalf("expected isActive=true, got %+v", ev)
	}
	if ev.CancelAtPeriodEnd == nil || *ev.CancelAtPeriodEnd {
		t.Fatalf("expected cancelAtPeriodEnd=false, got %+v", ev)
	}

	// Subscription sub-object, snake_case
	ev = Normalize(decode(t, `{"subscription":{"active":true,"cancel_at_period_end":true}}`))
	if ev.IsActive == nil || !*ev.IsActive || ev.CancelAtPeriodEnd == nil || !*ev.CancelAtPeriodEnd {
		t.Fatalf("expected nested flags, got %+v", ev)
	}

	// Status string fallback only fills missing flags
	ev = Normalize(decode(t, `{"status":"Trialing"}`))
	if ev.IsActive == nil || !*ev.IsActive {
		t.Fatalf("expected trialing status to imply active, got %+v", ev)
	}
	if ev.Ended == nil || *ev.Ended {
		t.Fatalf("expected trialing status to imply not ended, got %+v", ev)
	}

	ev = Normalize(decode(t, `{"subscription":{"status":"CANCELED"}}`))
	if ev.Ended == nil || !*ev.Ended {
		t.Fatalf("expected canceled status to imply ended, got %+v", ev)
	}

	// Explicit boolean wins over the status fallback
	ev = Normalize(decode(t, `{"isActive":false,"status":"active"}`))
	if ev.IsActive == nil || *ev.IsActive {
		t.Fatalf("expected explicit flag to win over status, got %+v", ev)
	}

	// Non-boolean values are not coerced
	ev = Normalize(decode(t, `{"isActive":"yes"}`))
	if ev.IsActive != nil {
		t.Fatalf("expected string flag to stay unknown, got %v", *ev.IsActive)
	}
}

func TestExtractUserID(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want int64 // 0 means nil expected
	}{
		{"top level number", `{"user_id":42}`, 42},
		{"top level string", `{"userId":" 42 "}`, 42},
		{"platform field", `{"platform_user_id":7}`, 7},
		{"contact nested", `{"contact":{"platformUserId":"99"}}`, 99},
		{"custom fields map", `{"contact":{"customFields":{"user_id":"5"}}}`, 5},
		{"custom field array", `{"customFields":[{"key":"platform_user_id","value":"123"}]}`, 123},
		{"field array by name", `{"custom_fields":[{"name":"User_ID","fieldValue":8}]}`, 8},
		{"irrelevant array entry", `{"customFields":[{"key":"plan","value":"gold"}]}`, 0},
		{"negative rejected", `{"user_id":-3}`, 0},
		{"fractional rejected", `{"user_id":41.5}`, 0},
		{"absent", `{}`, 0},
	}
	for _, tc := range cases {
		got := ExtractUserID(decode(t, tc.raw))
		switch {
		case tc.want == 0 && got != nil:
			t.Fatalf("%s: expected nil, got %d", tc.name, *got)
		case tc.want != 0 && (got == nil || *got != tc.want):
			t.Fatalf("%s: expected %d, got %v", tc.name, tc.want, got)
		}
	}
}

func TestIdempotencyKey(t *testing.T) {
	hash := PayloadHash([]byte(`{"a":1}`))

	if k := IdempotencyKey(decode(t, `{"webhookId":"wh-1"}`), hash); k != "wh-1" {
		t.Fatalf("expected webhookId, got %q", k)
	}
	if k := IdempotencyKey(decode(t, `{"webhook_id":"wh-2"}`), hash); k != "wh-2" {
		t.Fatalf("expected webhook_id, got %q", k)
	}
	if k := IdempotencyKey(decode(t, `{"id":1001}`), hash); k != "1001" {
		t.Fatalf("expected numeric id as string, got %q", k)
	}
	if k := IdempotencyKey(decode(t, `{"id":"  "}`), hash); k != hash {
		t.Fatalf("expected hash fallback for blank id, got %q", k)
	}
	if k := IdempotencyKey(decode(t, `{}`), hash); k != hash {
		t.Fatalf("expected hash fallback, got %q", k)
	}
}

func TestPayloadHash_Stable(t *testing.T) {
	a := PayloadHash([]byte(`{"a":1}`))
	b := PayloadHash([]byte(`{"a":1}`))
	c := PayloadHash([]byte(`{"a":2}`))
	if a != b {
		t.Fatalf("hash not deterministic: %q vs %q", a, b)
	}
	if a == c {
		t.Fatalf("distinct payloads hashed equal")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
}
