// Package httpclient provides the single retry/backoff policy used by every
// outbound provider call. Centralizing it keeps retry behavior uniform and
// independently testable instead of scattering ad hoc loops across call
// sites.
//
// Retry policy:
//   - Retries happen only for inherently idempotent methods (GET, HEAD,
//     OPTIONS) or when the caller explicitly marks the request idempotent.
//   - Retryable outcomes are a configurable status set (default 408, 429,
//     500, 502, 503, 504) and classified transient network errors (attempt
//     timeout, connection reset/refused, DNS failure).
//   - Each attempt gets its own deadline derived from the per-attempt
//     timeout, composed with the caller's context; cancellation of the
//     caller's context aborts immediately and is never retried past.
//   - Delay grows exponentially from BaseDelay up to MaxDelay, plus random
//     jitter bounded by Jitter.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRetryStatuses is the status set retried when Config.RetryStatuses
// is nil.
var DefaultRetryStatuses = map[int]struct{}{
	http.StatusRequestTimeout:      {},
	http.StatusTooManyRequests:     {},
	http.StatusInternalServerError: {},
	http.StatusBadGateway:          {},
	http.StatusServiceUnavailable:  {},
	http.StatusGatewayTimeout:      {},
}

// Config tunes the retry policy. Zero values fall back to the defaults
// applied by New.
type Config struct {
	Timeout       time.Duration    // per-attempt deadline
	MaxRetries    int              // attempts beyond the first
	BaseDelay     time.Duration    // first backoff delay
	MaxDelay      time.Duration    // backoff cap
	Jitter        time.Duration    // random extra delay in [0, Jitter)
	RetryStatuses map[int]struct{} // nil → DefaultRetryStatuses
}

// Request describes one outbound call.
type Request struct {
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	Idempotent bool   // allow retries for non-idempotent methods
	Name       string // request name for logs, e.g. "contact_search"
}

// Client executes requests under the shared retry policy. Safe for
// concurrent use. The zero value is not usable; construct with New.
type Client struct {
	hc  *http.Client
	cfg Config
}

// New builds a Client over base (http.DefaultClient when nil), applying
// defaults for unset config fields.
func New(base *http.Client, cfg Config) *Client {
	if base == nil {
		base = http.DefaultClient
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.RetryStatuses == nil {
		cfg.RetryStatuses = DefaultRetryStatuses
	}
	return &Client{hc: base, cfg: cfg}
}

// Do executes req, retrying per the policy, and returns the final response
// or error unmodified. The response body remains readable after Do returns;
// closing it releases the attempt's deadline resources.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	canRetry := c.cfg.MaxRetries > 0 && retryableMethod(method, req.Idempotent)
	maxAttempts := 1
	if canRetry {
		maxAttempts = c.cfg.MaxRetries + 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := c.attempt(ctx, method, req)
		if err == nil {
			if _, retry := c.cfg.RetryStatuses[resp.StatusCode]; !retry || !canRetry || attempt == maxAttempts {
				return resp, nil
			}
			// Retryable status: drain and release before backing off so the
			// connection can be reused.
			io.Copy(io.Discard, resp.Body) //nolint:errcheck
			resp.Body.Close()
			log.Warn().
				Str("request", req.Name).
				Str("method", method).
				Int("status", resp.StatusCode).
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Msg("outbound request retrying after retryable status")
		} else {
			lastErr = err
			// The caller's cancellation always wins, and non-transient
			// errors propagate unmodified.
			if ctx.Err() != nil || !canRetry || attempt == maxAttempts || !transientError(err) {
				return nil, err
			}
			log.Warn().
				Str("request", req.Name).
				Str("method", method).
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Err(err).
				Msg("outbound request retrying after transient error")
		}

		if err := sleep(ctx, c.backoff(attempt)); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// attempt performs a single request under its own deadline. On success the
// returned body carries the attempt's cancel func so the deadline is
// released when the caller closes it.
func (c *Client) attempt(ctx context.Context, method string, req Request) (*http.Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(attemptCtx, method, req.URL, body)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	resp, err := c.hc.Do(hreq)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// backoff computes the delay before the next attempt: exponential growth
// capped at MaxDelay, plus random jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.BaseDelay << (attempt - 1)
	if d > c.cfg.MaxDelay || d <= 0 {
		d = c.cfg.MaxDelay
	}
	if c.cfg.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(c.cfg.Jitter)))
	}
	return d
}

// retryableMethod reports whether a method may be retried at all.
func retryableMethod(method string, idempotent bool) bool {
	if idempotent {
		return true
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// transientError classifies network failures worth retrying: timeouts,
// connection resets/refusals, and DNS resolution errors.
func transientError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cancelBody releases the attempt's context deadline when the response body
// is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

// Close closes the underlying body and cancels the attempt context.
func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
