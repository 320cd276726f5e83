package commands

import (
	"net/http"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rogersg17/demoApp-sub002/admission"
)

// QueueCmd shows the admission queue of a running server
var QueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show running and waiting executions",
	Long:  `Show the admission queue: executions holding capacity, executions waiting for it, and the configured limits.`,
	Args:  cobra.NoArgs,
	RunE:  runQueue,
}

var (
	queueServer string
	queueJSON   bool
)

func init() {
	QueueCmd.Flags().StringVar(&queueServer, "server", "", "Server URL (default from TESTORCH_SERVER or config)")
	QueueCmd.Flags().BoolVarP(&queueJSON, "json", "j", false, "Print raw JSON")
}

func runQueue(cmd *cobra.Command, args []string) error {
	client := newAPIClient(serverURL(queueServer))
	var snap admission.Snapshot
	if _, err := client.do(cmd.Context(), http.MethodGet, "/queue", nil, &snap); err != nil {
		return err
	}
	if queueJSON {
		return printJSON(snap)
	}

	pterm.DefaultSection.Println("Capacity")
	_ = pterm.DefaultTable.WithData(pterm.TableData{
		{"Running", strconv.Itoa(len(snap.Running)) + " / " + strconv.Itoa(snap.MaxRunning)},
		{"Shards in flight", strconv.Itoa(snap.InFlightShards) + " / " + strconv.Itoa(snap.MaxInFlightShards)},
		{"Waiting", strconv.Itoa(len(snap.Waiting)) + " / " + strconv.Itoa(snap.MaxWaiting)},
	}).Render()

	if len(snap.Running) > 0 {
		pterm.DefaultSection.Println("Running")
		rows := pterm.TableData{{"Execution", "Shards"}}
		for _, r := range snap.Running {
			rows = append(rows, []string{r.ExecutionID, strconv.Itoa(r.Shards)})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}

	if len(snap.Waiting) > 0 {
		pterm.DefaultSection.Println("Waiting")
		rows := pterm.TableData{{"Position", "Execution", "Shards"}}
		for _, w := range snap.Waiting {
			rows = append(rows, []string{strconv.Itoa(w.Position), w.ExecutionID, strconv.Itoa(w.Shards)})
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	}
	return nil
}
