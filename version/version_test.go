package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo(t *testing.T) {
	info := Info{CommitHash: "0123456789abcdef", Version: "1.2.0", BuildTime: "2026-05-01", Platform: "linux/amd64"}
	assert.Equal(t, "0123456", info.Short())
	assert.Equal(t, "testorch 1.2.0 (commit 0123456, built 2026-05-01, linux/amd64)", info.String())

	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestUserAgent(t *testing.T) {
	assert.True(t, strings.HasPrefix(UserAgent(), "testorch/"))
	assert.GreaterOrEqual(t, Uptime().Nanoseconds(), int64(0))
}
