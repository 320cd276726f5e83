package provider

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
)

// Jenkins normalizes Notification plugin deliveries. The orchestrator passes
// the token as build parameters; the test summary is added by the pipeline's
// post step.
type Jenkins struct {
	scheme SignatureScheme
}

// NewJenkins creates the Jenkins adapter
func NewJenkins() *Jenkins {
	return &Jenkins{scheme: SignatureScheme{
		Header:          "X-Jenkins-Signature",
		TimestampHeader: "X-Jenkins-Timestamp",
		Encoding:        EncodingHex,
	}}
}

func (j *Jenkins) Name() string            { return "jenkins" }
func (j *Jenkins) Scheme() SignatureScheme { return j.scheme }

type jkFailedTest struct {
	Name         string `json:"name"`
	ClassName    string `json:"className"`
	File         string `json:"file"`
	ErrorDetails string `json:"errorDetails"`
}

type jkTestSummary struct {
	Total       int            `json:"total"`
	Passed      int            `json:"passed"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	FailedTests []jkFailedTest `json:"failed_tests"`
}

type jkBuild struct {
	FullURL     string            `json:"full_url"`
	Number      int64             `json:"number"`
	Phase       string            `json:"phase"`  // QUEUED, STARTED, COMPLETED, FINALIZED
	Status      string            `json:"status"` // SUCCESS, UNSTABLE, FAILURE, ABORTED
	DisplayName string            `json:"display_name"`
	Timestamp   int64             `json:"timestamp"` // unix millis
	Parameters  map[string]string `json:"parameters"`
	SCM         struct {
		Commit string `json:"commit"`
	} `json:"scm"`
	TestSummary *jkTestSummary `json:"test_summary"`
}

type jkPayload struct {
	Name  string   `json:"name"`
	Build *jkBuild `json:"build"`
}

// Normalize implements Adapter
func (j *Jenkins) Normalize(headers http.Header, body []byte) (*NormalizedEvent, error) {
	var p jkPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.NewMalformedPayloadError("jenkins: %v", err)
	}
	if p.Build == nil || p.Build.Phase == "" {
		return nil, errors.Wrap(errors.ErrUnsupportedProvider, "jenkins: body has no build phase")
	}
	b := p.Build

	ev := &NormalizedEvent{
		Provider:  j.Name(),
		BuildID:   p.Name + "#" + strconv.FormatInt(b.Number, 10),
		CommitSHA: b.SCM.Commit,
		BuildURL:  b.FullURL,
	}
	ev.ExecutionRef, ev.ShardRef = refFromVars(b.Parameters)
	if ev.ExecutionRef == "" {
		ev.ExecutionRef, ev.ShardRef = findRef(b.DisplayName)
	}
	if b.Timestamp > 0 {
		ev.Timestamp = time.UnixMilli(b.Timestamp).UTC()
	}

	if s := b.TestSummary; s != nil {
		ev.Results = &execution.Results{
			Total:   s.Total,
			Passed:  s.Passed,
			Failed:  s.Failed,
			Skipped: s.Skipped,
		}
		for _, ft := range s.FailedTests {
			ev.FailedTests = append(ev.FailedTests, FailedTest{
				Title: ft.Name,
				File:  firstNonEmpty(ft.File, ft.ClassName),
				Error: ft.ErrorDetails,
			})
		}
	}

	switch b.Phase {
	case "STARTED":
		ev.Type = execution.EventStarted
	case "COMPLETED":
		if err := j.completion(ev, b); err != nil {
			return nil, err
		}
	default:
		// QUEUED carries nothing; FINALIZED repeats COMPLETED.
		return nil, nil
	}

	return finish(ev, headers, j.scheme, "build:"+ev.BuildID+":"+b.Phase+":"+b.Status)
}

func (j *Jenkins) completion(ev *NormalizedEvent, b *jkBuild) error {
	shard := ev.ShardRef != ""
	switch b.Status {
	case "SUCCESS", "UNSTABLE":
		if ev.Results == nil {
			return errors.NewMalformedPayloadError("jenkins build %s: %s without test_summary", ev.BuildID, b.Status)
		}
		if shard {
			ev.Type = execution.EventShardCompleted
		} else {
			ev.Type = execution.EventCompleted
		}
	case "ABORTED":
		if shard {
			ev.Type = execution.EventFailed
			ev.Reason = "cancelled"
		} else {
			ev.Type = execution.EventCancelled
			ev.Reason = "build aborted"
		}
	default:
		ev.Type = execution.EventFailed
		ev.Reason = "build " + firstNonEmpty(b.Status, "FAILURE")
	}
	return nil
}
