package issues

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"github actions", "/home/runner/work/app/app/tests/login.spec.ts", "tests/login.spec.ts"},
		{"gitlab", "/builds/group/app/tests/login.spec.ts", "tests/login.spec.ts"},
		{"azure windows", `D:\a\1\s\tests\login.spec.ts`, "tests/login.spec.ts"},
		{"azure linux", "/home/vsts/work/1/s/tests/login.spec.ts", "tests/login.spec.ts"},
		{"jenkins", "/var/lib/jenkins/workspace/app-e2e/tests/login.spec.ts", "tests/login.spec.ts"},
		{"relative", "./tests/../tests/login.spec.ts", "tests/login.spec.ts"},
		{"empty", "  ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePath(tt.in))
		})
	}
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "numbers masked",
			in:   "Timeout 30000ms exceeded waiting for selector",
			want: "timeout <n>ms exceeded waiting for selector",
		},
		{
			name: "first line only",
			in:   "\n  Expected 200, got 500\n    at Object.<anonymous> (login.spec.ts:42:7)",
			want: "expected <n>, got <n>",
		},
		{
			name: "uuid and hex",
			in:   "order 3f2504e0-4f89-11d3-9a0c-0305e82c3301 missing from 0xdeadbeef",
			want: "order <uuid> missing from <hex>",
		},
		{
			name: "ansi colours",
			in:   "\x1b[31mAssertionError\x1b[0m: expected true",
			want: "assertionerror: expected true",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeError(tt.in))
		})
	}
}

func TestFingerprintStableAcrossPlatforms(t *testing.T) {
	gha := Fingerprint("Login  succeeds", "/home/runner/work/app/app/tests/login.spec.ts",
		"Timeout 30000ms exceeded\n at line 42")
	jenkins := Fingerprint("login succeeds", "/var/lib/jenkins/workspace/app/tests/login.spec.ts",
		"Timeout 15000ms exceeded\n at line 57")
	assert.Equal(t, gha, jenkins)
	assert.Len(t, gha, 64)

	other := Fingerprint("login succeeds", "tests/login.spec.ts", "Expected 200")
	assert.NotEqual(t, gha, other, "different error signatures are different failures")

	otherFile := Fingerprint("login succeeds", "tests/signup.spec.ts", "Timeout 1ms exceeded")
	assert.NotEqual(t, gha, otherFile)
}
