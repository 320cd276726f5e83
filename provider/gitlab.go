package provider

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
)

// GitLab normalizes GitLab CI pipeline and job hooks. Test counts travel in a
// test_report object shaped like GitLab's pipeline test report API.
type GitLab struct {
	scheme SignatureScheme
}

// NewGitLab creates the GitLab adapter
func NewGitLab() *GitLab {
	return &GitLab{scheme: SignatureScheme{
		Header:          "X-Gitlab-Signature",
		TimestampHeader: "X-Gitlab-Timestamp",
		Encoding:        EncodingHex,
	}}
}

func (g *GitLab) Name() string            { return "gitlab" }
func (g *GitLab) Scheme() SignatureScheme { return g.scheme }

type glVariable struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type glTestCase struct {
	Name         string `json:"name"`
	Classname    string `json:"classname"`
	File         string `json:"file"`
	Status       string `json:"status"` // success, failed, skipped, error
	SystemOutput string `json:"system_output"`
	StackTrace   string `json:"stack_trace"`
}

type glTestReport struct {
	TotalCount   *int `json:"total_count"`
	SuccessCount int  `json:"success_count"`
	FailedCount  int  `json:"failed_count"`
	SkippedCount int  `json:"skipped_count"`
	ErrorCount   int  `json:"error_count"`
	TestSuites   []struct {
		TestCases []glTestCase `json:"test_cases"`
	} `json:"test_suites"`
}

type glPipelineHook struct {
	ObjectAttributes struct {
		ID         int64        `json:"id"`
		Name       string       `json:"name"`
		Status     string       `json:"status"`
		SHA        string       `json:"sha"`
		URL        string       `json:"url"`
		FinishedAt string       `json:"finished_at"`
		CreatedAt  string       `json:"created_at"`
		Variables  []glVariable `json:"variables"`
	} `json:"object_attributes"`
	TestReport *glTestReport `json:"test_report"`
}

type glCommit struct {
	SHA string `json:"sha"`
}

type glJobHook struct {
	BuildID         int64         `json:"build_id"`
	BuildName       string        `json:"build_name"`
	BuildStatus     string        `json:"build_status"`
	BuildStartedAt  string        `json:"build_started_at"`
	BuildFinishedAt string        `json:"build_finished_at"`
	PipelineID      int64         `json:"pipeline_id"`
	SHA             string        `json:"sha"`
	Commit          glCommit      `json:"commit"`
	TestReport      *glTestReport `json:"test_report"`
}

// Normalize implements Adapter
func (g *GitLab) Normalize(headers http.Header, body []byte) (*NormalizedEvent, error) {
	kind := headers.Get("X-Gitlab-Event")
	if kind == "" {
		return nil, errors.Wrap(errors.ErrUnsupportedProvider, "gitlab: missing X-Gitlab-Event header")
	}
	switch kind {
	case "Pipeline Hook":
		var p glPipelineHook
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, errors.NewMalformedPayloadError("gitlab pipeline hook: %v", err)
		}
		return g.pipeline(headers, &p)
	case "Job Hook":
		var p glJobHook
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, errors.NewMalformedPayloadError("gitlab job hook: %v", err)
		}
		return g.job(headers, &p)
	default:
		return nil, nil
	}
}

func (g *GitLab) pipeline(headers http.Header, p *glPipelineHook) (*NormalizedEvent, error) {
	attrs := p.ObjectAttributes
	ev := &NormalizedEvent{
		Provider:  g.Name(),
		BuildID:   strconv.FormatInt(attrs.ID, 10),
		CommitSHA: attrs.SHA,
		BuildURL:  attrs.URL,
	}

	vars := make(map[string]string, len(attrs.Variables))
	for _, v := range attrs.Variables {
		vars[v.Key] = v.Value
	}
	ev.ExecutionRef, ev.ShardRef = refFromVars(vars)
	if ev.ExecutionRef == "" {
		ev.ExecutionRef, ev.ShardRef = findRef(attrs.Name)
	}

	applyReport(ev, p.TestReport)

	switch attrs.Status {
	case "running":
		ev.Type = execution.EventStarted
		ev.Timestamp = parseTime(attrs.CreatedAt)
	case "success":
		if ev.Results == nil {
			return nil, errors.NewMalformedPayloadError("gitlab pipeline %d: success without test_report", attrs.ID)
		}
		ev.Type = execution.EventCompleted
		ev.Timestamp = parseTime(attrs.FinishedAt)
	case "failed":
		ev.Type = execution.EventFailed
		ev.Reason = "pipeline failed"
		ev.Timestamp = parseTime(attrs.FinishedAt)
	case "canceled":
		ev.Type = execution.EventCancelled
		ev.Reason = "pipeline canceled"
		ev.Timestamp = parseTime(attrs.FinishedAt)
	default:
		return nil, nil
	}

	return finish(ev, headers, g.scheme, "pipeline:"+ev.BuildID+":"+attrs.Status)
}

func (g *GitLab) job(headers http.Header, p *glJobHook) (*NormalizedEvent, error) {
	ev := &NormalizedEvent{
		Provider:  g.Name(),
		BuildID:   strconv.FormatInt(p.PipelineID, 10),
		CommitSHA: firstNonEmpty(p.SHA, p.Commit.SHA),
	}
	ev.ExecutionRef, ev.ShardRef = findRef(p.BuildName)
	if ev.ExecutionRef == "" {
		// Jobs outside the orchestrated matrix are not ours.
		return nil, nil
	}

	applyReport(ev, p.TestReport)

	switch p.BuildStatus {
	case "running":
		ev.Type = execution.EventStarted
		ev.Timestamp = parseTime(p.BuildStartedAt)
	case "success":
		if ev.Results == nil {
			return nil, errors.NewMalformedPayloadError("gitlab job %d: success without test_report", p.BuildID)
		}
		ev.Type = execution.EventShardCompleted
		ev.Timestamp = parseTime(p.BuildFinishedAt)
	case "failed":
		// A failed job with a report is a completed shard with failures.
		if ev.Results != nil {
			ev.Type = execution.EventShardCompleted
		} else {
			ev.Type = execution.EventFailed
			ev.Reason = "job failed"
		}
		ev.Timestamp = parseTime(p.BuildFinishedAt)
	case "canceled":
		ev.Type = execution.EventFailed
		ev.Reason = "cancelled"
		ev.Timestamp = parseTime(p.BuildFinishedAt)
	default:
		return nil, nil
	}
	if ev.ShardRef == "" && ev.Type == execution.EventShardCompleted {
		ev.Type = execution.EventCompleted
	}

	nonce := "job:" + strconv.FormatInt(p.BuildID, 10) + ":" + p.BuildStatus
	return finish(ev, headers, g.scheme, nonce)
}

func applyReport(ev *NormalizedEvent, report *glTestReport) {
	if report == nil {
		return
	}
	r := &execution.Results{
		Passed:  report.SuccessCount,
		Failed:  report.FailedCount + report.ErrorCount,
		Skipped: report.SkippedCount,
	}
	if report.TotalCount != nil {
		r.Total = *report.TotalCount
	}
	ev.Results = r

	for _, suite := range report.TestSuites {
		for _, tc := range suite.TestCases {
			if tc.Status != "failed" && tc.Status != "error" {
				continue
			}
			ev.FailedTests = append(ev.FailedTests, FailedTest{
				Title: tc.Name,
				File:  firstNonEmpty(tc.File, tc.Classname),
				Error: firstNonEmpty(tc.StackTrace, tc.SystemOutput),
			})
		}
	}
}
