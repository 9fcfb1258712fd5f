// Package provider implements the outbound client for the billing/CRM
// provider API: contact search, contact lookup, and subscription-status
// retrieval. All calls go through the shared retryable HTTP client and are
// paced by a client-side limiter so reconciliation bursts cannot trip the
// provider's quota.
//
// Endpoint and field shapes vary across provider plans and tenants, so the
// response parsing here is deliberately permissive: candidate envelope keys
// are walked in order and unknown shapes degrade to a miss, not an error.
package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tpapadakis/go-entitlement-backend/internal/config"
	"github.com/tpapadakis/go-entitlement-backend/internal/httpclient"
	"github.com/tpapadakis/go-entitlement-backend/internal/webhook"
)

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 1 << 20

// Snapshot is the aggregated subscription view for one contact: the flag
// OR-fold over every subscription row the provider returned.
type Snapshot struct {
	webhook.SnapshotFlags
	Count  int    // subscription rows seen
	Source string // endpoint that produced the snapshot
}

// Client talks to the provider API. Construct with New; safe for concurrent
// use. The tenant (location) id is resolved lazily on first use and cached
// for the process lifetime. Inject a Client rather than sharing one through
// a package global so tests can substitute it.
type Client struct {
	cfg  config.ProviderConfig
	http *httpclient.Client
	pace *rate.Limiter

	mu         sync.Mutex
	locationID string
}

// New builds a provider client from configuration. hc may be shared with
// other outbound consumers.
func New(cfg config.ProviderConfig, hc *httpclient.Client) *Client {
	rps := cfg.RPS
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Client{
		cfg:        cfg,
		http:       hc,
		pace:       rate.NewLimiter(rate.Limit(rps), burst),
		locationID: strings.TrimSpace(cfg.LocationID),
	}
}

// Configured reports whether outbound provider calls are possible at all.
func (c *Client) Configured() bool { return strings.TrimSpace(c.cfg.APIKey) != "" }

// LocationID returns the tenant identifier, resolving it from the API on
// first use when not configured. The resolved value is cached; a lookup
// failure is returned but not cached, so a later call may succeed.
func (c *Client) LocationID(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.locationID != "" {
		id := c.locationID
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	body, err := c.get(ctx, c.cfg.BaseURL+"/locations/search?limit=1", "location_search")
	if err != nil {
		return "", err
	}
	if body == nil {
		return "", nil
	}
	for _, row := range extractArray(body, "locations", "data") {
		loc, ok := row.(map[string]any)
		if !ok {
			continue
		}
		if id := extractID(loc); id != "" {
			c.mu.Lock()
			c.locationID = id
			c.mu.Unlock()
			return id, nil
		}
	}
	return "", nil
}

// SearchContactByUserID finds the provider contact whose records embed the
// given internal user id. Returns ("", nil) on a miss; only transport-level
// failures after retries surface as errors.
func (c *Client) SearchContactByUserID(ctx context.Context, userID int64) (string, map[string]any, error) {
	if !c.Configured() {
		return "", nil, nil
	}
	if err := c.pace.Wait(ctx); err != nil {
		return "", nil, err
	}

	payload, _ := json.Marshal(map[string]any{
		"query":     strconv.FormatInt(userID, 10),
		"pageLimit": 1,
	})
	resp, err := c.http.Do(ctx, httpclient.Request{
		Method:     http.MethodPost,
		URL:        c.cfg.BaseURL + "/contacts/search",
		Header:     c.headers(),
		Body:       payload,
		Idempotent: true, // search is read-only despite the POST verb
		Name:       "contact_search",
	})
	if err != nil {
		return "", nil, err
	}
	body, ok := decodeBody(resp, "contact_search")
	if !ok {
		return "", nil, nil
	}

	for _, row := range extractArray(body, "contacts", "data.contacts", "data") {
		contact, okRow := row.(map[string]any)
		if !okRow {
			continue
		}
		if id := extractID(contact); id != "" {
			return id, contact, nil
		}
	}
	return "", nil, nil
}

// LookupUserIDByContact fetches a contact record and extracts the embedded
// internal user id from its known field paths. Read-only fallback used when
// a webhook payload carries a contact id but no user identity.
func (c *Client) LookupUserIDByContact(ctx context.Context, contactID string) (*int64, error) {
	if !c.Configured() {
		return nil, nil
	}
	if err := c.pace.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := c.get(ctx, c.cfg.BaseURL+"/contacts/"+url.PathEscape(contactID), "contact_lookup")
	if err != nil || body == nil {
		return nil, err
	}

	contact := body
	for _, path := range []string{"contact", "data.contact", "data"} {
		if m, ok := dig(body, path).(map[string]any); ok {
			contact = m
			break
		}
	}
	return webhook.ExtractUserID(contact), nil
}

// SubscriptionStatus returns the aggregated subscription snapshot for a
// contact, trying the candidate endpoints in order (plans differ in which
// one exists). A nil snapshot means no endpoint answered.
func (c *Client) SubscriptionStatus(ctx context.Context, contactID string) (*Snapshot, error) {
	if !c.Configured() {
		return nil, nil
	}

	endpoints := []string{
		c.cfg.BaseURL + "/subscriptions?contactId=" + url.QueryEscape(contactID),
		c.cfg.BaseURL + "/payments/subscriptions?contactId=" + url.QueryEscape(contactID),
	}
	for _, endpoint := range endpoints {
		if err := c.pace.Wait(ctx); err != nil {
			return nil, err
		}
		body, err := c.get(ctx, endpoint, "subscription_fetch")
		if err != nil {
			return nil, err
		}
		if body == nil {
			continue
		}
		snap := aggregateSubscriptions(extractArray(body, "subscriptions", "data.subscriptions", "data", "items"))
		snap.Source = endpoint
		return &snap, nil
	}
	return nil, nil
}

// get performs an authenticated GET and decodes the JSON body. A nil map
// with nil error means the endpoint did not yield a usable response (non-2xx
// or undecodable body): a miss, logged for triage.
func (c *Client) get(ctx context.Context, rawURL, name string) (map[string]any, error) {
	resp, err := c.http.Do(ctx, httpclient.Request{
		Method: http.MethodGet,
		URL:    rawURL,
		Header: c.headers(),
		Name:   name,
	})
	if err != nil {
		return nil, err
	}
	body, ok := decodeBody(resp, name)
	if !ok {
		return nil, nil
	}
	return body, nil
}

// headers returns the authenticated request headers for the provider API.
func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+c.cfg.APIKey)
	h.Set("Accept", "application/json")
	h.Set("Content-Type", "application/json")
	return h
}

// decodeBody consumes and closes the response, decoding 2xx JSON bodies.
func decodeBody(resp *http.Response, name string) (map[string]any, bool) {
	defer func() {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().Str("request", name).Int("status", resp.StatusCode).Msg("provider call failed")
		return nil, false
	}
	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		log.Warn().Str("request", name).Err(err).Msg("provider response undecodable")
		return nil, false
	}
	return body, true
}

// aggregateSubscriptions folds per-row flags into one snapshot: any active
// row makes the contact active, an active row scheduled to cancel makes it
// cancel-pending, and any ended row marks an ended subscription.
func aggregateSubscriptions(rows []any) Snapshot {
	var snap Snapshot
	for _, raw := range rows {
		sub, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		snap.Count++
		active, cape, ended := subscriptionFlags(sub)
		if active {
			snap.IsActive = true
		}
		if active && cape {
			snap.CancelAtPeriodEnd = true
		}
		if ended {
			snap.Ended = true
		}
	}
	return snap
}

// subscriptionFlags reads one subscription row's flags, falling back to its
// status string when the booleans are absent.
func subscriptionFlags(sub map[string]any) (active, cape, ended bool) {
	status := ""
	for _, f := range []string{"status", "subscription_status", "state"} {
		if s, ok := sub[f].(string); ok && s != "" {
			status = strings.ToLower(s)
			break
		}
	}

	active = boolField(sub, "active", "isActive") ||
		status == "active" || status == "trialing"
	cape = boolField(sub, "cancelAtPeriodEnd", "cancel_at_period_end", "cancelAtPeriod", "cancel_at_period")
	ended = boolField(sub, "ended", "canceled", "cancelled") ||
		status == "canceled" || status == "cancelled" || status == "ended" || status == "expired"
	return active, cape, ended
}

// boolField reports whether any candidate field is boolean true.
func boolField(obj map[string]any, fields ...string) bool {
	for _, f := range fields {
		if b, ok := obj[f].(bool); ok && b {
			return true
		}
	}
	return false
}

// extractID reads a record id from either "id" or "_id".
func extractID(obj map[string]any) string {
	for _, f := range []string{"id", "_id"} {
		if s, ok := obj[f].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// extractArray returns the first candidate path holding a JSON array.
// Paths may contain one level of nesting separated by a dot.
func extractArray(body map[string]any, paths ...string) []any {
	for _, p := range paths {
		if arr, ok := dig(body, p).([]any); ok {
			return arr
		}
	}
	return nil
}

// dig resolves a dotted path into nested maps.
func dig(obj map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var cur any = obj
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}
