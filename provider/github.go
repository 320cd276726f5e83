package provider

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
)

// GitHub normalizes GitHub Actions deliveries.
//
// workflow_run reports the execution, workflow_job reports shards (matrix
// jobs named with the shard token), and check_run carries test counts: the
// reporter step writes "total=.. passed=.. failed=.. skipped=.." into the
// check output summary and an optional JSON list of failed tests into the
// output text.
type GitHub struct {
	scheme SignatureScheme
}

// NewGitHub creates the GitHub adapter
func NewGitHub() *GitHub {
	return &GitHub{scheme: SignatureScheme{
		Header:          "X-Hub-Signature-256",
		TimestampHeader: "X-Testorch-Timestamp",
		Prefix:          "sha256=",
		Encoding:        EncodingHex,
	}}
}

func (g *GitHub) Name() string            { return "github" }
func (g *GitHub) Scheme() SignatureScheme { return g.scheme }

type ghRun struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	DisplayTitle string `json:"display_title"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	HeadSHA      string `json:"head_sha"`
	HTMLURL      string `json:"html_url"`
	RunAttempt   int    `json:"run_attempt"`
	UpdatedAt    string `json:"updated_at"`
}

type ghJob struct {
	ID          int64  `json:"id"`
	RunID       int64  `json:"run_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Conclusion  string `json:"conclusion"`
	HeadSHA     string `json:"head_sha"`
	HTMLURL     string `json:"html_url"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
}

type ghCheckRun struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	ExternalID  string `json:"external_id"`
	Status      string `json:"status"`
	Conclusion  string `json:"conclusion"`
	HeadSHA     string `json:"head_sha"`
	HTMLURL     string `json:"html_url"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
	Output      struct {
		Title   string `json:"title"`
		Summary string `json:"summary"`
		Text    string `json:"text"`
	} `json:"output"`
}

type ghPayload struct {
	Action      string      `json:"action"`
	WorkflowRun *ghRun      `json:"workflow_run"`
	WorkflowJob *ghJob      `json:"workflow_job"`
	CheckRun    *ghCheckRun `json:"check_run"`
}

// Normalize implements Adapter
func (g *GitHub) Normalize(headers http.Header, body []byte) (*NormalizedEvent, error) {
	kind := headers.Get("X-GitHub-Event")
	if kind == "" {
		return nil, errors.Wrap(errors.ErrUnsupportedProvider, "github: missing X-GitHub-Event header")
	}
	switch kind {
	case "workflow_run", "workflow_job", "check_run":
	default:
		return nil, nil
	}

	var p ghPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.NewMalformedPayloadError("github %s: %v", kind, err)
	}

	switch kind {
	case "workflow_run":
		if p.WorkflowRun == nil {
			return nil, errors.NewMalformedPayloadError("github workflow_run: missing workflow_run object")
		}
		return g.workflowRun(headers, p.Action, p.WorkflowRun)
	case "workflow_job":
		if p.WorkflowJob == nil {
			return nil, errors.NewMalformedPayloadError("github workflow_job: missing workflow_job object")
		}
		return g.workflowJob(headers, p.Action, p.WorkflowJob)
	default:
		if p.CheckRun == nil {
			return nil, errors.NewMalformedPayloadError("github check_run: missing check_run object")
		}
		return g.checkRun(headers, p.Action, p.CheckRun)
	}
}

func (g *GitHub) workflowRun(headers http.Header, action string, run *ghRun) (*NormalizedEvent, error) {
	ev := &NormalizedEvent{
		Provider:  g.Name(),
		BuildID:   strconv.FormatInt(run.ID, 10),
		CommitSHA: run.HeadSHA,
		BuildURL:  run.HTMLURL,
		Timestamp: parseTime(run.UpdatedAt),
	}
	ev.ExecutionRef, ev.ShardRef = findRef(run.DisplayTitle, run.Name)

	switch action {
	case "requested", "in_progress":
		ev.Type = execution.EventStarted
	case "completed":
		ev.Type, ev.Reason = conclusionEvent(run.Conclusion, false)
		// A successful run carries no counts; completion comes from check_run.
		if ev.Type == execution.EventCompleted {
			return nil, nil
		}
	default:
		return nil, nil
	}

	nonce := "run:" + ev.BuildID + ":" + strconv.Itoa(run.RunAttempt) + ":" + action + ":" + run.Conclusion
	return finish(ev, headers, g.scheme, nonce)
}

func (g *GitHub) workflowJob(headers http.Header, action string, job *ghJob) (*NormalizedEvent, error) {
	ev := &NormalizedEvent{
		Provider:  g.Name(),
		BuildID:   strconv.FormatInt(job.RunID, 10),
		CommitSHA: job.HeadSHA,
		BuildURL:  job.HTMLURL,
	}
	ev.ExecutionRef, ev.ShardRef = findRef(job.Name)

	switch action {
	case "in_progress":
		ev.Type = execution.EventStarted
		ev.Timestamp = parseTime(job.StartedAt)
	case "completed":
		// Successful jobs report their counts through check_run.
		if job.Conclusion == "success" || job.Conclusion == "skipped" || job.Conclusion == "neutral" {
			return nil, nil
		}
		ev.Type = execution.EventFailed
		ev.Reason = "job " + job.Conclusion
		ev.Timestamp = parseTime(job.CompletedAt)
	default:
		return nil, nil
	}

	nonce := "job:" + strconv.FormatInt(job.ID, 10) + ":" + action + ":" + job.Conclusion
	return finish(ev, headers, g.scheme, nonce)
}

func (g *GitHub) checkRun(headers http.Header, action string, check *ghCheckRun) (*NormalizedEvent, error) {
	ev := &NormalizedEvent{
		Provider:  g.Name(),
		BuildID:   strconv.FormatInt(check.ID, 10),
		CommitSHA: check.HeadSHA,
		BuildURL:  check.HTMLURL,
	}
	ev.ExecutionRef, ev.ShardRef = findRef(check.ExternalID, check.Name, check.Output.Title)
	if ev.ExecutionRef == "" {
		// Check runs from unrelated apps are common; only ours carry a token.
		return nil, nil
	}

	results, hasCounts, err := parseCounts(check.Output.Summary)
	if err != nil {
		return nil, errors.Wrap(err, "github check_run")
	}
	if hasCounts {
		ev.Results = results
	}

	switch action {
	case "created", "rerequested":
		if check.Status == "completed" {
			return g.completedCheck(headers, ev, check)
		}
		ev.Type = execution.EventProgress
		ev.Timestamp = parseTime(check.StartedAt)
	case "completed":
		return g.completedCheck(headers, ev, check)
	default:
		return nil, nil
	}

	nonce := "check:" + ev.BuildID + ":" + action + ":" + check.Output.Summary
	return finish(ev, headers, g.scheme, nonce)
}

func (g *GitHub) completedCheck(headers http.Header, ev *NormalizedEvent, check *ghCheckRun) (*NormalizedEvent, error) {
	ev.Timestamp = parseTime(check.CompletedAt)
	tests, err := parseFailedTests(check.Output.Text)
	if err != nil {
		return nil, errors.Wrap(err, "github check_run")
	}
	ev.FailedTests = tests

	switch {
	case ev.Results != nil && ev.ShardRef != "":
		ev.Type = execution.EventShardCompleted
	case ev.Results != nil:
		ev.Type = execution.EventCompleted
	default:
		ev.Type, ev.Reason = conclusionEvent(check.Conclusion, ev.ShardRef != "")
		if ev.Type == execution.EventCompleted {
			return nil, errors.NewMalformedPayloadError("github check_run %s: %s without test counts", ev.BuildID, check.Conclusion)
		}
	}

	nonce := "check:" + ev.BuildID + ":completed:" + check.Conclusion
	return finish(ev, headers, g.scheme, nonce)
}

// conclusionEvent maps a GitHub conclusion to an event type. Cancellation of
// a shard is a shard failure; only a run-level cancel cancels the execution.
func conclusionEvent(conclusion string, shard bool) (execution.EventType, string) {
	switch conclusion {
	case "success", "neutral", "skipped":
		return execution.EventCompleted, ""
	case "cancelled":
		if shard {
			return execution.EventFailed, "cancelled"
		}
		return execution.EventCancelled, "cancelled by provider"
	default:
		return execution.EventFailed, firstNonEmpty(conclusion, "failure")
	}
}
