// Package provider normalizes CI/CD webhook payloads.
//
// Each Adapter knows one platform's header conventions and payload shapes and
// turns a delivery into a provider-agnostic NormalizedEvent. Adapters never
// touch state: they only parse. Signature checking is done by the webhook
// gateway using the adapter's SignatureScheme.
//
// Executions are tied to provider runs through a correlation token
// (testorch:<executionId>[/<shard>]) that the dispatcher embeds in the
// triggering request and the provider echoes back in run names, variables or
// build parameters.
package provider

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
)

// FailedTest identifies one failing test reported by a provider
type FailedTest struct {
	Title string `json:"title"`
	File  string `json:"file"`
	Error string `json:"error"`
}

// NormalizedEvent is a provider-agnostic webhook event.
type NormalizedEvent struct {
	Provider     string
	ExecutionRef string // empty when the payload carries no correlation token
	ShardRef     string
	Type         execution.EventType
	Results      *execution.Results
	FailedTests  []FailedTest
	Timestamp    time.Time
	Sequence     int64
	DedupKey     string
	Reason       string

	BuildID   string
	CommitSHA string
	BuildURL  string
}

// Resolved reports whether the event names an execution
func (e *NormalizedEvent) Resolved() bool {
	return e.ExecutionRef != ""
}

// Event converts the normalized event into a registry transition
func (e *NormalizedEvent) Event() execution.Event {
	return execution.Event{
		Type:      e.Type,
		ShardRef:  e.ShardRef,
		Results:   e.Results,
		Timestamp: e.Timestamp,
		Sequence:  e.Sequence,
		DedupKey:  e.DedupKey,
		Reason:    e.Reason,
	}
}

// Encoding is how a signature digest is written in its header
type Encoding int

const (
	EncodingHex Encoding = iota
	EncodingBase64
)

// SignatureScheme describes where a provider puts its HMAC signature and
// signed timestamp.
type SignatureScheme struct {
	Header          string
	TimestampHeader string
	Prefix          string // e.g. "sha256="
	Encoding        Encoding
}

// Format renders a raw digest the way the provider sends it
func (s SignatureScheme) Format(digest []byte) string {
	if s.Encoding == EncodingBase64 {
		return s.Prefix + base64.StdEncoding.EncodeToString(digest)
	}
	return s.Prefix + hex.EncodeToString(digest)
}

// Decode parses a header value back into a raw digest
func (s SignatureScheme) Decode(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if s.Prefix != "" {
		if !strings.HasPrefix(value, s.Prefix) {
			return nil, errors.Newf("signature missing %q prefix", s.Prefix)
		}
		value = strings.TrimPrefix(value, s.Prefix)
	}
	if s.Encoding == EncodingBase64 {
		return base64.StdEncoding.DecodeString(value)
	}
	return hex.DecodeString(value)
}

// Adapter normalizes one provider's webhook deliveries.
//
// Normalize returns (nil, nil) for deliveries that are valid but carry nothing
// the orchestrator tracks (pings, queued jobs, unrelated event kinds).
type Adapter interface {
	Name() string
	Scheme() SignatureScheme
	Normalize(headers http.Header, body []byte) (*NormalizedEvent, error)
}

// Registry maps provider names to adapters
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates a registry holding the given adapters
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Default returns a registry with every built-in adapter
func Default() *Registry {
	return NewRegistry(
		NewGitHub(),
		NewGitLab(),
		NewAzure(),
		NewJenkins(),
		NewGeneric(),
	)
}

// Lookup returns the adapter for name or ErrUnknownProvider
func (r *Registry) Lookup(name string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(name)]
	if !ok {
		return nil, errors.Wrapf(errors.ErrUnknownProvider, "%q", name)
	}
	return a, nil
}

// Names lists registered providers in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DedupKey hashes the identity of a delivery. The nonce is payload-derived so
// a redelivery of the same body maps to the same key.
func DedupKey(provider, executionRef, shardRef string, typ execution.EventType, nonce string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		provider, executionRef, shardRef, string(typ), nonce,
	}, "|")))
	return hex.EncodeToString(sum[:])
}

// finish fills the derived fields shared by every adapter and checks the
// results contract.
func finish(ev *NormalizedEvent, headers http.Header, scheme SignatureScheme, nonce string) (*NormalizedEvent, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = HeaderTime(headers, scheme.TimestampHeader)
	}
	if err := checkResults(ev); err != nil {
		return nil, err
	}
	ev.DedupKey = DedupKey(ev.Provider, ev.ExecutionRef, ev.ShardRef, ev.Type, nonce)
	return ev, nil
}

// HeaderTime parses a unix-seconds timestamp header; zero if absent or invalid.
func HeaderTime(headers http.Header, name string) time.Time {
	v := headers.Get(name)
	if v == "" {
		return time.Time{}
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02T15:04:05",
}

// parseTime accepts the timestamp formats the supported providers emit.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
