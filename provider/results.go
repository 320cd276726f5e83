package provider

import (
	"encoding/json"
	"strconv"
	"strings"
	"unicode"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
)

// checkResults enforces the results contract: a shard completion must carry
// counts, and counts must be consistent. Missing totals are derived from the
// parts. Results are never guessed from a build status.
func checkResults(ev *NormalizedEvent) error {
	if ev.Type == execution.EventShardCompleted && ev.Results == nil {
		return errors.NewMalformedPayloadError("%s: shard completion without test results", ev.Provider)
	}
	r := ev.Results
	if r == nil {
		return nil
	}
	if r.Total < 0 || r.Passed < 0 || r.Failed < 0 || r.Skipped < 0 {
		return errors.NewMalformedPayloadError("%s: negative test counts %+v", ev.Provider, *r)
	}
	sum := r.Passed + r.Failed + r.Skipped
	if r.Total == 0 {
		r.Total = sum
	}
	if sum > r.Total {
		return errors.NewMalformedPayloadError("%s: counts exceed total %+v", ev.Provider, *r)
	}
	return nil
}

// parseCounts reads "total=10 passed=8 failed=2 skipped=0" style summaries.
// Separators may be '=' or ':' and pairs may be split by spaces, commas or
// newlines. ok is false when no known key is present.
func parseCounts(text string) (*execution.Results, bool, error) {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == ';'
	})

	var r execution.Results
	found := false
	for i := 0; i < len(fields); i++ {
		key, value, hasSep := cutAny(fields[i], "=:")
		if !hasSep {
			continue
		}
		// "total: 10" splits into two fields
		if value == "" && i+1 < len(fields) {
			value = fields[i+1]
			i++
		}

		var dst *int
		switch strings.ToLower(key) {
		case "total", "tests":
			dst = &r.Total
		case "passed", "pass":
			dst = &r.Passed
		case "failed", "fail", "failures":
			dst = &r.Failed
		case "skipped", "skip", "pending":
			dst = &r.Skipped
		default:
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, false, errors.NewMalformedPayloadError("count %s=%q is not a number", key, value)
		}
		*dst = n
		found = true
	}
	if !found {
		return nil, false, nil
	}
	return &r, true, nil
}

func cutAny(s, seps string) (before, after string, found bool) {
	if i := strings.IndexAny(s, seps); i >= 0 {
		return s[:i], s[i+1:], true
	}
	return s, "", false
}

// parseFailedTests decodes a JSON list of failed tests, either bare or under
// a "failedTests" key. Non-JSON text yields nothing.
func parseFailedTests(text string) ([]FailedTest, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}
	switch text[0] {
	case '[':
		var tests []FailedTest
		if err := json.Unmarshal([]byte(text), &tests); err != nil {
			return nil, errors.NewMalformedPayloadError("failed tests: %v", err)
		}
		return tests, nil
	case '{':
		var doc struct {
			FailedTests []FailedTest `json:"failedTests"`
		}
		if err := json.Unmarshal([]byte(text), &doc); err != nil {
			return nil, errors.NewMalformedPayloadError("failed tests: %v", err)
		}
		return doc.FailedTests, nil
	}
	return nil, nil
}
