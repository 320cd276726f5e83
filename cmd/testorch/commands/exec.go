package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/server"
)

// ExecCmd groups the execution commands
var ExecCmd = &cobra.Command{
	Use:     "exec",
	Aliases: []string{"execution", "executions"},
	Short:   "Create, inspect and cancel test executions",
	Long: `Manage test executions on a running testorch server.

Examples:
  testorch exec create --suite checkout --env staging --shards 4
  testorch exec create -f checkout.yaml
  testorch exec get 3f2c...
  testorch exec list --status queued,running
  testorch exec cancel 3f2c...`,
}

var execCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Submit a new execution",
	Long: `Submit an execution. The request comes from --file (YAML or JSON) and
is overridden by any flag given on the command line.`,
	Args: cobra.NoArgs,
	RunE: runExecCreate,
}

var execGetCmd = &cobra.Command{
	Use:   "get <execution-id>",
	Short: "Show one execution with its shards",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecGet,
}

var execListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List executions, newest first",
	Args:    cobra.NoArgs,
	RunE:    runExecList,
}

var execCancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Cancel a queued or running execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runExecCancel,
}

var (
	execServer      string
	execJSON        bool
	execFile        string
	execSuite       string
	execEnvironment string
	execProvider    string
	execShards      int
	execTimeout     time.Duration
	execRetries     int
	execStatus      string
	execLimit       int
)

func init() {
	ExecCmd.PersistentFlags().StringVar(&execServer, "server", "", "Server URL (default from TESTORCH_SERVER or config)")
	ExecCmd.PersistentFlags().BoolVarP(&execJSON, "json", "j", false, "Print raw JSON")

	execCreateCmd.Flags().StringVarP(&execFile, "file", "f", "", "Request file (YAML or JSON)")
	execCreateCmd.Flags().StringVar(&execSuite, "suite", "", "Test suite to run")
	execCreateCmd.Flags().StringVar(&execEnvironment, "env", "", "Target environment")
	execCreateCmd.Flags().StringVar(&execProvider, "provider", "", "CI/CD provider to dispatch to")
	execCreateCmd.Flags().IntVar(&execShards, "shards", 0, "Number of shards (0 uses the server default)")
	execCreateCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Execution timeout (0 uses the server default)")
	execCreateCmd.Flags().IntVar(&execRetries, "retries", 0, "Retries per failed shard")

	execListCmd.Flags().StringVar(&execStatus, "status", "", "Comma separated statuses to include")
	execListCmd.Flags().IntVar(&execLimit, "limit", server.DefaultListLimit, "Maximum executions to show")

	ExecCmd.AddCommand(execCreateCmd, execGetCmd, execListCmd, execCancelCmd)
}

// loadCreateRequest reads a request file; yaml.v3 accepts JSON documents too
func loadCreateRequest(path string) (server.CreateExecutionRequest, error) {
	var req server.CreateExecutionRequest
	if path == "" {
		return req, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return req, errors.Wrapf(err, "failed to read %s", path)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, errors.Wrapf(errors.ErrInvalidRequest, "failed to parse %s: %v", path, err)
	}
	return req, nil
}

// applyCreateFlags overrides req with every flag the user set
func applyCreateFlags(cmd *cobra.Command, req *server.CreateExecutionRequest) {
	flags := cmd.Flags()
	if flags.Changed("suite") {
		req.Suite = execSuite
	}
	if flags.Changed("env") {
		req.Environment = execEnvironment
	}
	if flags.Changed("provider") {
		req.Provider = execProvider
	}
	if flags.Changed("shards") {
		req.Shards = execShards
	}
	if flags.Changed("timeout") {
		req.Timeout = int(execTimeout / time.Second)
		req.TimeoutSeconds = 0
	}
	if flags.Changed("retries") {
		req.Retries = execRetries
	}
}

func runExecCreate(cmd *cobra.Command, args []string) error {
	req, err := loadCreateRequest(execFile)
	if err != nil {
		return err
	}
	applyCreateFlags(cmd, &req)
	if req.Suite == "" {
		return errors.NewInvalidRequestError("a suite is required (--suite or suite: in --file)")
	}

	client := newAPIClient(serverURL(execServer))
	var out server.CreateExecutionResponse
	status, err := client.do(cmd.Context(), http.MethodPost, "/executions", req, &out)
	if err != nil {
		return err
	}

	if execJSON {
		return printJSON(out)
	}
	if status == http.StatusAccepted {
		pterm.Warning.Printf("Execution %s queued at position %d\n", out.ExecutionID, out.Position)
		return nil
	}
	pterm.Success.Printf("Execution %s %s\n", out.ExecutionID, out.Status)
	return nil
}

func runExecGet(cmd *cobra.Command, args []string) error {
	client := newAPIClient(serverURL(execServer))
	var exec execution.Execution
	if _, err := client.do(cmd.Context(), http.MethodGet, "/executions/"+url.PathEscape(args[0]), nil, &exec); err != nil {
		return err
	}
	if execJSON {
		return printJSON(exec)
	}
	renderExecution(&exec)
	return nil
}

func runExecList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if execStatus != "" {
		q.Set("status", execStatus)
	}
	if execLimit > 0 {
		q.Set("limit", strconv.Itoa(execLimit))
	}
	path := "/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	client := newAPIClient(serverURL(execServer))
	var out server.ListExecutionsResponse
	if _, err := client.do(cmd.Context(), http.MethodGet, path, nil, &out); err != nil {
		return err
	}
	if execJSON {
		return printJSON(out)
	}
	if out.Count == 0 {
		pterm.Info.Println("No executions")
		return nil
	}

	rows := pterm.TableData{{"ID", "Suite", "Environment", "Status", "Shards", "Passed", "Failed", "Created"}}
	for _, e := range out.Executions {
		rows = append(rows, []string{
			e.ID,
			e.Config.Suite,
			e.Config.Environment,
			colorStatus(e.Status),
			strconv.Itoa(e.Config.Shards),
			strconv.Itoa(e.Results.Passed),
			strconv.Itoa(e.Results.Failed),
			e.CreatedAt.Local().Format(time.DateTime),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runExecCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
	defer cancel()

	client := newAPIClient(serverURL(execServer))
	var exec execution.Execution
	if _, err := client.do(ctx, http.MethodDelete, "/executions/"+url.PathEscape(args[0]), nil, &exec); err != nil {
		return err
	}
	if execJSON {
		return printJSON(exec)
	}
	pterm.Success.Printf("Execution %s %s\n", exec.ID, exec.Status)
	return nil
}

// renderExecution prints one execution and its shards
func renderExecution(e *execution.Execution) {
	pterm.DefaultSection.Printf("Execution %s", e.ID)

	summary := pterm.TableData{
		{"Suite", e.Config.Suite},
		{"Environment", e.Config.Environment},
		{"Status", colorStatus(e.Status)},
		{"Results", fmt.Sprintf("%d total, %d passed, %d failed, %d skipped",
			e.Results.Total, e.Results.Passed, e.Results.Failed, e.Results.Skipped)},
		{"Created", e.CreatedAt.Local().Format(time.DateTime)},
	}
	if e.Config.Provider != "" {
		summary = append(summary, []string{"Provider", e.Config.Provider})
	}
	if e.StartedAt != nil {
		summary = append(summary, []string{"Started", e.StartedAt.Local().Format(time.DateTime)})
	}
	if e.EndedAt != nil {
		summary = append(summary, []string{"Ended", e.EndedAt.Local().Format(time.DateTime)})
	}
	if e.Reason != "" {
		summary = append(summary, []string{"Reason", e.Reason})
	}
	_ = pterm.DefaultTable.WithData(summary).Render()

	if len(e.Shards) == 0 {
		return
	}
	rows := pterm.TableData{{"Shard", "Status", "Total", "Passed", "Failed", "Skipped"}}
	for _, sh := range e.Shards {
		rows = append(rows, []string{
			fmt.Sprintf("%d/%d", sh.Index, len(e.Shards)),
			string(sh.Status),
			strconv.Itoa(sh.Results.Total),
			strconv.Itoa(sh.Results.Passed),
			strconv.Itoa(sh.Results.Failed),
			strconv.Itoa(sh.Results.Skipped),
		})
	}
	pterm.Println()
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func colorStatus(s execution.Status) string {
	switch s {
	case execution.StatusCompleted:
		return pterm.FgGreen.Sprint(string(s))
	case execution.StatusFailed, execution.StatusCancelled:
		return pterm.FgRed.Sprint(string(s))
	case execution.StatusRunning:
		return pterm.FgCyan.Sprint(string(s))
	default:
		return pterm.FgYellow.Sprint(string(s))
	}
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode output")
	}
	fmt.Println(strings.TrimSpace(string(data)))
	return nil
}
