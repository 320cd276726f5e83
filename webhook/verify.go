// Package webhook authenticates inbound CI/CD callbacks and hands them to the
// correlation engine.
//
// Every provider signs HMAC-SHA256(secret, "<timestamp>.<body>"). Providers
// differ only in header names and digest encoding (see
// provider.SignatureScheme); the comparison itself is shared and constant
// time.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/provider"
)

// DefaultReplayWindow is the accepted clock skew between signer and gateway
const DefaultReplayWindow = 300 * time.Second

// Verifier checks signatures and timestamp freshness
type Verifier struct {
	window time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier with the given replay window
func NewVerifier(window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	return &Verifier{window: window, now: time.Now}
}

// Window returns the replay window
func (v *Verifier) Window() time.Duration {
	return v.window
}

// Compute returns the raw HMAC-SHA256 over "<timestamp>.<body>"
func Compute(secret []byte, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

// Sign returns the signature header value for body signed at ts
func Sign(scheme provider.SignatureScheme, secret []byte, ts time.Time, body []byte) (timestamp, signature string) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	return timestamp, scheme.Format(Compute(secret, timestamp, body))
}

// Verify authenticates a delivery. The signature is checked before the
// timestamp so a forged request never learns whether its clock was right.
//
// Errors are marked ErrInvalidSignature or ErrStaleTimestamp.
func (v *Verifier) Verify(scheme provider.SignatureScheme, secret []byte, headers http.Header, body []byte) error {
	if len(secret) == 0 {
		return errors.Wrap(errors.ErrInvalidSignature, "no secret configured")
	}

	timestamp := strings.TrimSpace(headers.Get(scheme.TimestampHeader))
	if timestamp == "" {
		return errors.Wrapf(errors.ErrInvalidSignature, "missing %s header", scheme.TimestampHeader)
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidSignature, "invalid %s header", scheme.TimestampHeader)
	}

	header := headers.Get(scheme.Header)
	if header == "" {
		return errors.Wrapf(errors.ErrInvalidSignature, "missing %s header", scheme.Header)
	}
	supplied, err := scheme.Decode(header)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidSignature, "malformed %s header", scheme.Header)
	}

	expected := Compute(secret, timestamp, body)
	if subtle.ConstantTimeCompare(expected, supplied) != 1 {
		return errors.Wrap(errors.ErrInvalidSignature, "signature mismatch")
	}

	skew := v.now().Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return errors.Wrapf(errors.ErrStaleTimestamp, "timestamp skew %s exceeds %s", skew.Round(time.Second), v.window)
	}
	return nil
}
