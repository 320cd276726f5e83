package provider

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
)

// Azure DevOps service hook event types
const (
	azureRunStateChanged   = "ms.vss-pipelines.run-state-changed-event"
	azureStageStateChanged = "ms.vss-pipelines.stage-state-changed-event"
	azureTestRunCompleted  = "ms.vss-test.test-run-completed"
)

// Stage names cannot carry a token, so shards are stages named shard_<n>.
var azureStageShard = regexp.MustCompile(`(?i)shard[_-]?(\d+)$`)

// Azure normalizes Azure DevOps service hook deliveries. The event kind is in
// the body; runs carry the token in their variables or template parameters.
type Azure struct {
	scheme SignatureScheme
}

// NewAzure creates the Azure DevOps adapter
func NewAzure() *Azure {
	return &Azure{scheme: SignatureScheme{
		Header:          "X-Azure-Signature",
		TimestampHeader: "X-Azure-Timestamp",
		Prefix:          "sha256=",
		Encoding:        EncodingBase64,
	}}
}

func (a *Azure) Name() string            { return "azure" }
func (a *Azure) Scheme() SignatureScheme { return a.scheme }

type azVariable struct {
	Value string `json:"value"`
}

type azRun struct {
	ID                 int64                 `json:"id"`
	Name               string                `json:"name"`
	State              string                `json:"state"`  // inProgress, canceling, completed
	Result             string                `json:"result"` // succeeded, failed, canceled
	CreatedDate        string                `json:"createdDate"`
	FinishedDate       string                `json:"finishedDate"`
	URL                string                `json:"url"`
	SourceVersion      string                `json:"sourceVersion"`
	Variables          map[string]azVariable `json:"variables"`
	TemplateParameters map[string]string     `json:"templateParameters"`
}

type azStage struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	State  string `json:"state"`
	Result string `json:"result"`
}

type azTestRun struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	State              string `json:"state"`
	TotalTests         int    `json:"totalTests"`
	PassedTests        int    `json:"passedTests"`
	IncompleteTests    int    `json:"incompleteTests"`
	NotApplicableTests int    `json:"notApplicableTests"`
	UnanalyzedTests    int    `json:"unanalyzedTests"`
	CompletedDate      string `json:"completedDate"`
	WebAccessURL       string `json:"webAccessUrl"`
	Build              struct {
		ID string `json:"id"`
	} `json:"build"`
}

type azTestResult struct {
	TestCaseTitle        string `json:"testCaseTitle"`
	AutomatedTestStorage string `json:"automatedTestStorage"`
	ErrorMessage         string `json:"errorMessage"`
	Outcome              string `json:"outcome"`
}

type azPayload struct {
	ID          string `json:"id"`
	EventType   string `json:"eventType"`
	CreatedDate string `json:"createdDate"`
	Resource    struct {
		Run     *azRun         `json:"run"`
		Stage   *azStage       `json:"stage"`
		TestRun *azTestRun     `json:"testRun"`
		Results []azTestResult `json:"results"`
	} `json:"resource"`
}

// Normalize implements Adapter
func (a *Azure) Normalize(headers http.Header, body []byte) (*NormalizedEvent, error) {
	var p azPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, errors.NewMalformedPayloadError("azure: %v", err)
	}
	if p.EventType == "" {
		return nil, errors.Wrap(errors.ErrUnsupportedProvider, "azure: body has no eventType")
	}

	switch p.EventType {
	case azureRunStateChanged:
		if p.Resource.Run == nil {
			return nil, errors.NewMalformedPayloadError("azure %s: missing resource.run", p.EventType)
		}
		return a.runState(headers, &p)
	case azureStageStateChanged:
		if p.Resource.Stage == nil || p.Resource.Run == nil {
			return nil, errors.NewMalformedPayloadError("azure %s: missing resource.stage or resource.run", p.EventType)
		}
		return a.stageState(headers, &p)
	case azureTestRunCompleted:
		if p.Resource.TestRun == nil {
			return nil, errors.NewMalformedPayloadError("azure %s: missing resource.testRun", p.EventType)
		}
		return a.testRun(headers, &p)
	default:
		return nil, nil
	}
}

func (a *Azure) runRef(run *azRun) (string, string) {
	vars := make(map[string]string, len(run.Variables)+len(run.TemplateParameters))
	for k, v := range run.TemplateParameters {
		vars[k] = v
	}
	for k, v := range run.Variables {
		vars[k] = v.Value
	}
	exec, shard := refFromVars(vars)
	if exec == "" {
		exec, shard = findRef(run.Name)
	}
	return exec, shard
}

func (a *Azure) newEvent(run *azRun) *NormalizedEvent {
	ev := &NormalizedEvent{
		Provider:  a.Name(),
		BuildID:   strconv.FormatInt(run.ID, 10),
		CommitSHA: run.SourceVersion,
		BuildURL:  run.URL,
	}
	ev.ExecutionRef, ev.ShardRef = a.runRef(run)
	return ev
}

func (a *Azure) runState(headers http.Header, p *azPayload) (*NormalizedEvent, error) {
	run := p.Resource.Run
	ev := a.newEvent(run)

	switch run.State {
	case "inProgress":
		ev.Type = execution.EventStarted
		ev.Timestamp = parseTime(run.CreatedDate)
	case "completed":
		ev.Timestamp = parseTime(run.FinishedDate)
		switch run.Result {
		case "succeeded":
			// Counts arrive with test-run-completed.
			return nil, nil
		case "canceled":
			ev.Type = execution.EventCancelled
			ev.Reason = "run canceled"
		default:
			ev.Type = execution.EventFailed
			ev.Reason = "run " + firstNonEmpty(run.Result, "failed")
		}
	default:
		return nil, nil
	}

	return finish(ev, headers, a.scheme, "run:"+ev.BuildID+":"+run.State+":"+run.Result)
}

func (a *Azure) stageState(headers http.Header, p *azPayload) (*NormalizedEvent, error) {
	stage := p.Resource.Stage
	ev := a.newEvent(p.Resource.Run)
	if m := azureStageShard.FindStringSubmatch(stage.Name); m != nil {
		ev.ShardRef = m[1]
	}
	if ev.ShardRef == "" {
		// Setup and teardown stages are not shards.
		return nil, nil
	}
	ev.Timestamp = parseTime(p.CreatedDate)

	switch stage.State {
	case "inProgress":
		ev.Type = execution.EventStarted
	case "completed":
		if stage.Result == "succeeded" {
			return nil, nil
		}
		ev.Type = execution.EventFailed
		ev.Reason = "stage " + firstNonEmpty(stage.Result, "failed")
	default:
		return nil, nil
	}

	nonce := "stage:" + ev.BuildID + ":" + stage.Name + ":" + stage.State + ":" + stage.Result
	return finish(ev, headers, a.scheme, nonce)
}

func (a *Azure) testRun(headers http.Header, p *azPayload) (*NormalizedEvent, error) {
	tr := p.Resource.TestRun
	ev := &NormalizedEvent{
		Provider:  a.Name(),
		BuildID:   tr.Build.ID,
		BuildURL:  tr.WebAccessURL,
		Timestamp: parseTime(tr.CompletedDate),
	}
	ev.ExecutionRef, ev.ShardRef = findRef(tr.Name)
	if ev.ExecutionRef == "" && p.Resource.Run != nil {
		ev.ExecutionRef, ev.ShardRef = a.runRef(p.Resource.Run)
	}

	skipped := tr.NotApplicableTests + tr.IncompleteTests
	failed := tr.TotalTests - tr.PassedTests - skipped
	if failed < 0 {
		return nil, errors.NewMalformedPayloadError("azure test run %d: passed+skipped exceed total", tr.ID)
	}
	ev.Results = &execution.Results{
		Total:   tr.TotalTests,
		Passed:  tr.PassedTests,
		Failed:  failed,
		Skipped: skipped,
	}

	for _, r := range p.Resource.Results {
		if r.Outcome != "Failed" && r.Outcome != "Aborted" && r.Outcome != "Error" {
			continue
		}
		ev.FailedTests = append(ev.FailedTests, FailedTest{
			Title: r.TestCaseTitle,
			File:  r.AutomatedTestStorage,
			Error: r.ErrorMessage,
		})
	}

	if ev.ShardRef != "" {
		ev.Type = execution.EventShardCompleted
	} else {
		ev.Type = execution.EventCompleted
	}

	return finish(ev, headers, a.scheme, "testrun:"+strconv.FormatInt(tr.ID, 10))
}
