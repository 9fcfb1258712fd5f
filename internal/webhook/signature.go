// Package webhook contains the pure functions of the ingestion pipeline:
// signature verification, idempotency key derivation, payload normalization,
// and the entitlement state transition table. Nothing in this package
// performs I/O; everything is total and deterministic so it can be tested
// exhaustively.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Signature verification reason codes, surfaced for observability. A request
// is accepted only with ReasonOK.
const (
	ReasonOK               = "ok"
	ReasonMissingSignature = "missing_signature"
	ReasonTimestampSkew    = "timestamp_skew"
	ReasonMismatch         = "signature_mismatch"
)

// SignatureParams carries everything needed to authenticate a raw webhook
// body. Timestamp and MaxSkew are optional; the skew check runs only when
// both are present.
type SignatureParams struct {
	RawBody   []byte
	Secret    string
	Signature string        // header-supplied digest, hex or base64
	Timestamp string        // optional header-supplied unix timestamp (s or ms)
	MaxSkew   time.Duration // optional anti-replay bound
	Now       time.Time     // zero means time.Now()
}

// SignatureResult is the outcome of signature verification.
type SignatureResult struct {
	Valid  bool
	Reason string
}

// VerifyHMACSHA256 authenticates raw request bytes against an HMAC-SHA256
// digest. Providers differ in how they encode the digest, so both lowercase
// hex and standard base64 encodings of the same MAC are accepted. The
// comparison is constant-time in both cases.
//
// When a timestamp header and a skew bound are supplied, requests whose
// timestamp differs from now by more than the bound are rejected before the
// signature is even checked (anti-replay). The function never fails with an
// error; every rejection carries a reason code.
func VerifyHMACSHA256(p SignatureParams) SignatureResult {
	sig := strings.TrimSpace(p.Signature)
	if sig == "" {
		return SignatureResult{Reason: ReasonMissingSignature}
	}

	if p.Timestamp != "" && p.MaxSkew > 0 {
		now := p.Now
		if now.IsZero() {
			now = time.Now()
		}
		ts, ok := parseUnixTimestamp(p.Timestamp)
		if !ok || absDuration(now.Sub(ts)) > p.MaxSkew {
			return SignatureResult{Reason: ReasonTimestampSkew}
		}
	}

	mac := hmac.New(sha256.New, []byte(p.Secret))
	mac.Write(p.RawBody)
	expected := mac.Sum(nil)

	if hmac.Equal([]byte(hex.EncodeToString(expected)), []byte(strings.ToLower(sig))) {
		return SignatureResult{Valid: true, Reason: ReasonOK}
	}
	if hmac.Equal([]byte(base64.StdEncoding.EncodeToString(expected)), []byte(sig)) {
		return SignatureResult{Valid: true, Reason: ReasonOK}
	}
	return SignatureResult{Reason: ReasonMismatch}
}

// parseUnixTimestamp reads a numeric unix timestamp, treating large
// magnitudes as milliseconds and the rest as seconds.
func parseUnixTimestamp(s string) (time.Time, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	if n > epochMillisThreshold {
		return time.UnixMilli(n), true
	}
	return time.Unix(n, 0), true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
