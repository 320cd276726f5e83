// Package issues files deduplicated tracker issues for failing tests.
//
// Every failure is reduced to a fingerprint: a hash of the normalized test
// title, file path and error signature. The same flaky assertion failing on
// GitHub Actions and on Jenkins, with different line numbers, temp paths or
// request ids in the message, produces the same fingerprint and therefore
// lands on the same tracker issue.
package issues

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"regexp"
	"strings"
)

var (
	whitespace = regexp.MustCompile(`\s+`)

	// CI workspace roots differ per platform; the path below them does not.
	workspacePrefix = regexp.MustCompile(`^(?:` +
		`/home/runner/work/[^/]+/[^/]+/` + // GitHub Actions
		`|/builds/[^/]+/[^/]+/` + // GitLab runners
		`|[A-Za-z]:/a/\d+/s/` + // Azure Pipelines (Windows)
		`|/home/vsts/work/\d+/s/` + // Azure Pipelines (Linux)
		`|/var/lib/jenkins/workspace/[^/]+/` + // Jenkins
		`|/workspace/` +
		`)`)

	uuidPattern   = regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`)
	hexPattern    = regexp.MustCompile(`(?i)\b(?:0x[0-9a-f]+|[0-9a-f]{8,})\b`)
	numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)
	ansiPattern   = regexp.MustCompile(`\x1b\[[0-9;]*m`)
)

// NormalizeTitle lowercases the title and collapses whitespace
func NormalizeTitle(title string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(strings.ToLower(title), " "))
}

// NormalizePath makes a test file path comparable across platforms and
// checkouts
func NormalizePath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return ""
	}
	p = workspacePrefix.ReplaceAllString(p, "")
	p = path.Clean(p)
	return strings.TrimPrefix(p, "./")
}

// NormalizeError reduces an error message to its signature: the first
// non-empty line with colour codes removed and run-specific values (uuids,
// hex ids, numbers) masked.
func NormalizeError(msg string) string {
	msg = ansiPattern.ReplaceAllString(msg, "")
	line := ""
	for _, l := range strings.Split(msg, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			line = l
			break
		}
	}
	line = uuidPattern.ReplaceAllString(line, "<uuid>")
	line = hexPattern.ReplaceAllString(line, "<hex>")
	line = numberPattern.ReplaceAllString(line, "<n>")
	return strings.TrimSpace(whitespace.ReplaceAllString(strings.ToLower(line), " "))
}

// Fingerprint hashes the normalized title, path and error signature
func Fingerprint(title, file, errMsg string) string {
	sum := sha256.Sum256([]byte(NormalizeTitle(title) + "\x00" + NormalizePath(file) + "\x00" + NormalizeError(errMsg)))
	return hex.EncodeToString(sum[:])
}
