package provider

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
)

func TestParseToken(t *testing.T) {
	tests := []struct {
		in        string
		wantExec  string
		wantShard string
		wantOK    bool
	}{
		{"testorch:5Hx9kLm", "5Hx9kLm", "", true},
		{"e2e [testorch:5Hx9kLm/2] nightly", "5Hx9kLm", "2", true},
		{"run testorch:5Hx9kLm/5Hx9kLm-3", "5Hx9kLm", "5Hx9kLm-3", true},
		{"no token here", "", "", false},
		{"testorch:", "", "", false},
		// base58 excludes 0, O, I and l
		{"testorch:0abc", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			exec, shard, ok := ParseToken(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantExec, exec)
			assert.Equal(t, tt.wantShard, shard)
		})
	}
}

func TestTokenRoundTrip(t *testing.T) {
	id := execution.NewID()

	exec, shard, ok := ParseToken(Token(id, 0))
	require.True(t, ok)
	assert.Equal(t, id, exec)
	assert.Empty(t, shard)

	exec, shard, ok = ParseToken(Token(id, 4))
	require.True(t, ok)
	assert.Equal(t, id, exec)
	assert.Equal(t, "4", shard)
}

func TestRefFromVars(t *testing.T) {
	exec, shard := refFromVars(map[string]string{VarExecutionID: "abc", VarShard: "2"})
	assert.Equal(t, "abc", exec)
	assert.Equal(t, "2", shard)

	exec, shard = refFromVars(map[string]string{VarExecutionID: "testorch:abc/3"})
	assert.Equal(t, "abc", exec)
	assert.Equal(t, "3", shard)

	exec, shard = refFromVars(map[string]string{"SUITE": "checkout", "LABEL": "testorch:xyz"})
	assert.Equal(t, "xyz", exec)
	assert.Empty(t, shard)

	exec, _ = refFromVars(nil)
	assert.Empty(t, exec)
}

func TestDedupKeyStable(t *testing.T) {
	a := DedupKey("github", "e1", "1", execution.EventShardCompleted, "n1")
	b := DedupKey("github", "e1", "1", execution.EventShardCompleted, "n1")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, DedupKey("gitlab", "e1", "1", execution.EventShardCompleted, "n1"))
	assert.NotEqual(t, a, DedupKey("github", "e1", "2", execution.EventShardCompleted, "n1"))
	assert.NotEqual(t, a, DedupKey("github", "e1", "1", execution.EventProgress, "n1"))
	assert.NotEqual(t, a, DedupKey("github", "e1", "1", execution.EventShardCompleted, "n2"))
}

func TestSignatureSchemeFormatDecode(t *testing.T) {
	digest := []byte{0xde, 0xad, 0xbe, 0xef}

	hexScheme := SignatureScheme{Prefix: "sha256=", Encoding: EncodingHex}
	assert.Equal(t, "sha256=deadbeef", hexScheme.Format(digest))
	got, err := hexScheme.Decode("sha256=deadbeef")
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	_, err = hexScheme.Decode("deadbeef")
	assert.Error(t, err, "prefix is required when configured")

	b64 := SignatureScheme{Prefix: "sha256=", Encoding: EncodingBase64}
	assert.Equal(t, "sha256=3q2+7w==", b64.Format(digest))
	got, err = b64.Decode("sha256=3q2+7w==")
	require.NoError(t, err)
	assert.Equal(t, digest, got)

	bare := SignatureScheme{Encoding: EncodingHex}
	got, err = bare.Decode(" deadbeef ")
	require.NoError(t, err)
	assert.Equal(t, digest, got)
}

func TestRegistryLookup(t *testing.T) {
	reg := Default()
	assert.Equal(t, []string{"azure", "generic", "github", "gitlab", "jenkins"}, reg.Names())

	a, err := reg.Lookup("GitHub")
	require.NoError(t, err)
	assert.Equal(t, "github", a.Name())

	_, err = reg.Lookup("bitbucket")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrUnknownProvider))
}

func TestParseCounts(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   *execution.Results
		wantOK bool
	}{
		{"key value", "total=10 passed=8 failed=2 skipped=0", &execution.Results{Total: 10, Passed: 8, Failed: 2}, true},
		{"colon and commas", "passed: 3, failed: 1, skipped: 1", &execution.Results{Passed: 3, Failed: 1, Skipped: 1}, true},
		{"multiline", "Tests=4\nPass=4", &execution.Results{Total: 4, Passed: 4}, true},
		{"no counts", "All good", nil, false},
		{"empty", "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := parseCounts(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, _, err := parseCounts("passed=lots")
	assert.True(t, errors.IsMalformedPayload(err))
}

func TestCheckResults(t *testing.T) {
	ev := &NormalizedEvent{Provider: "x", Type: execution.EventShardCompleted}
	assert.True(t, errors.IsMalformedPayload(checkResults(ev)), "shard completion needs counts")

	ev.Results = &execution.Results{Passed: 3, Failed: 1}
	require.NoError(t, checkResults(ev))
	assert.Equal(t, 4, ev.Results.Total, "total is derived from the parts")

	ev.Results = &execution.Results{Total: 2, Passed: 3}
	assert.True(t, errors.IsMalformedPayload(checkResults(ev)))

	ev.Results = &execution.Results{Total: 2, Failed: -1}
	assert.True(t, errors.IsMalformedPayload(checkResults(ev)))

	assert.NoError(t, checkResults(&NormalizedEvent{Type: execution.EventStarted}))
}

func TestHeaderTime(t *testing.T) {
	h := http.Header{}
	assert.True(t, HeaderTime(h, "X-Ts").IsZero())
	h.Set("X-Ts", "1767225600")
	assert.Equal(t, int64(1767225600), HeaderTime(h, "X-Ts").Unix())
	h.Set("X-Ts", "yesterday")
	assert.True(t, HeaderTime(h, "X-Ts").IsZero())
}
