package webhook

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/provider"
)

func TestVerify(t *testing.T) {
	scheme := provider.SignatureScheme{
		Header:          "X-Sig",
		TimestampHeader: "X-Ts",
		Prefix:          "sha256=",
		Encoding:        provider.EncodingHex,
	}
	secret := []byte("k")
	body := []byte(`{"a":1}`)
	now := time.Unix(1772366400, 0)

	v := NewVerifier(5 * time.Minute)
	v.now = func() time.Time { return now }

	build := func(at time.Time, mutate func(h http.Header)) http.Header {
		ts, sig := Sign(scheme, secret, at, body)
		h := http.Header{}
		h.Set("X-Ts", ts)
		h.Set("X-Sig", sig)
		if mutate != nil {
			mutate(h)
		}
		return h
	}

	tests := []struct {
		name    string
		headers http.Header
		secret  []byte
		want    error
	}{
		{"valid", build(now, nil), secret, nil},
		{"edge of window", build(now.Add(-5*time.Minute), nil), secret, nil},
		{"stale", build(now.Add(-5*time.Minute-time.Second), nil), secret, errors.ErrStaleTimestamp},
		{"wrong secret", build(now, nil), []byte("other"), errors.ErrInvalidSignature},
		{"no secret", build(now, nil), nil, errors.ErrInvalidSignature},
		{"missing signature", build(now, func(h http.Header) { h.Del("X-Sig") }), secret, errors.ErrInvalidSignature},
		{"missing timestamp", build(now, func(h http.Header) { h.Del("X-Ts") }), secret, errors.ErrInvalidSignature},
		{"non-numeric timestamp", build(now, func(h http.Header) { h.Set("X-Ts", "now") }), secret, errors.ErrInvalidSignature},
		{"missing prefix", build(now, func(h http.Header) { h.Set("X-Sig", h.Get("X-Sig")[len("sha256="):]) }), secret, errors.ErrInvalidSignature},
		{"not hex", build(now, func(h http.Header) { h.Set("X-Sig", "sha256=zz") }), secret, errors.ErrInvalidSignature},
		{"truncated", build(now, func(h http.Header) { h.Set("X-Sig", h.Get("X-Sig")[:20]) }), secret, errors.ErrInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(scheme, tt.secret, tt.headers, body)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestComputeCoversTimestamp(t *testing.T) {
	a := Compute([]byte("k"), "100", []byte("body"))
	b := Compute([]byte("k"), "101", []byte("body"))
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 32)
}

func TestNewVerifierDefaultWindow(t *testing.T) {
	assert.Equal(t, DefaultReplayWindow, NewVerifier(0).Window())
}
