package provider

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
)

// Generic accepts canonical events from any reporter that can sign a JSON
// body: custom runners, scripts, self-hosted CI.
type Generic struct {
	scheme SignatureScheme
}

// NewGeneric creates the generic adapter
func NewGeneric() *Generic {
	return &Generic{scheme: SignatureScheme{
		Header:          "X-Testorch-Signature",
		TimestampHeader: "X-Testorch-Timestamp",
		Prefix:          "sha256=",
		Encoding:        EncodingHex,
	}}
}

func (g *Generic) Name() string            { return "generic" }
func (g *Generic) Scheme() SignatureScheme { return g.scheme }

// GenericPayload is the body the generic provider accepts
type GenericPayload struct {
	Event       string             `json:"event"`
	ExecutionID string             `json:"executionId,omitempty"`
	Shard       json.RawMessage    `json:"shard,omitempty"` // index or shard id
	Correlation string             `json:"correlation,omitempty"`
	Timestamp   json.RawMessage    `json:"timestamp,omitempty"` // RFC3339 or unix seconds
	Sequence    int64              `json:"sequence,omitempty"`
	Nonce       string             `json:"nonce,omitempty"`
	Results     *execution.Results `json:"results,omitempty"`
	FailedTests []FailedTest       `json:"failedTests,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	BuildID     string             `json:"buildId,omitempty"`
	CommitSHA   string             `json:"commitSha,omitempty"`
	BuildURL    string             `json:"buildUrl,omitempty"`
}

// Normalize implements Adapter
func (g *Generic) Normalize(headers http.Header, body []byte) (*NormalizedEvent, error) {
	var p GenericPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.NewMalformedPayloadError("generic: %v", err)
	}
	if p.Event == "" {
		return nil, errors.NewMalformedPayloadError("generic: missing event")
	}
	if !execution.IsValidEventType(p.Event) {
		return nil, nil
	}

	shard, err := rawString(p.Shard)
	if err != nil {
		return nil, errors.NewMalformedPayloadError("generic: shard: %v", err)
	}
	ts, err := rawTime(p.Timestamp)
	if err != nil {
		return nil, errors.NewMalformedPayloadError("generic: timestamp: %v", err)
	}

	ev := &NormalizedEvent{
		Provider:     g.Name(),
		ExecutionRef: p.ExecutionID,
		ShardRef:     shard,
		Type:         execution.EventType(p.Event),
		Results:      p.Results,
		FailedTests:  p.FailedTests,
		Timestamp:    ts,
		Sequence:     p.Sequence,
		Reason:       p.Reason,
		BuildID:      p.BuildID,
		CommitSHA:    p.CommitSHA,
		BuildURL:     p.BuildURL,
	}
	if ev.ExecutionRef == "" {
		exec, s, _ := ParseToken(p.Correlation)
		ev.ExecutionRef = exec
		if ev.ShardRef == "" {
			ev.ShardRef = s
		}
	}

	nonce := p.Nonce
	if nonce == "" {
		sum := sha256.Sum256(body)
		nonce = hex.EncodeToString(sum[:])
	}
	return finish(ev, headers, g.scheme, nonce)
}

func rawString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.Newf("want string or integer, got %s", string(raw))
	}
	return strconv.FormatInt(n, 10), nil
}

func rawTime(raw json.RawMessage) (time.Time, error) {
	s, err := rawString(raw)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	if t := parseTime(s); !t.IsZero() {
		return t, nil
	}
	return time.Time{}, errors.Newf("unrecognised time %q", strings.TrimSpace(s))
}
