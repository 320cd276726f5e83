package provider

import (
	"regexp"
	"strconv"
	"strings"
)

// TokenPrefix starts every correlation token
const TokenPrefix = "testorch:"

// Variable names the dispatcher sets on triggered runs
const (
	VarExecutionID = "TESTORCH_EXECUTION_ID"
	VarShard       = "TESTORCH_SHARD"
)

// Execution ids are base58; shard refs are an index or a shard id.
var tokenPattern = regexp.MustCompile(`testorch:([1-9A-HJ-NP-Za-km-z]+)(?:/([A-Za-z0-9_-]+))?`)

// Token builds the correlation token for an execution and optional shard
func Token(executionID string, shard int) string {
	if shard <= 0 {
		return TokenPrefix + executionID
	}
	return TokenPrefix + executionID + "/" + strconv.Itoa(shard)
}

// ParseToken finds the first correlation token in s
func ParseToken(s string) (executionRef, shardRef string, ok bool) {
	m := tokenPattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// findRef looks for a token in each candidate string in order.
func findRef(candidates ...string) (executionRef, shardRef string) {
	for _, c := range candidates {
		if exec, shard, ok := ParseToken(c); ok {
			return exec, shard
		}
	}
	return "", ""
}

// refFromVars resolves references from trigger variables, falling back to a
// token embedded in any of the variable values.
func refFromVars(vars map[string]string) (executionRef, shardRef string) {
	if id := strings.TrimSpace(vars[VarExecutionID]); id != "" {
		exec, shard, ok := ParseToken(id)
		if !ok {
			exec = id
		}
		if s := strings.TrimSpace(vars[VarShard]); s != "" {
			shard = s
		}
		return exec, shard
	}
	for _, v := range vars {
		if exec, shard, ok := ParseToken(v); ok {
			return exec, shard
		}
	}
	return "", ""
}
