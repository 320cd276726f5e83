package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/cmd/testorch/commands"
	"github.com/rogersg17/demoApp-sub002/logger"
)

var rootCmd = &cobra.Command{
	Use:   "testorch",
	Short: "testorch - Test execution orchestration and CI/CD result correlation",
	Long: `testorch - Test execution orchestration and cross-platform correlation.

testorch admits test executions under capacity limits, dispatches them to
CI/CD providers, correlates the signed webhooks those providers send back,
and files tracker issues for failing tests.

Available commands:
  server  - Start the orchestration server
  exec    - Create, inspect and cancel executions
  queue   - Show the admission queue
  db      - Manage the execution database
  am      - Manage testorch configuration
  webhook - Sign webhook payloads for testing
  version - Show build information

Examples:
  testorch server -v                        # Start the server with info logging
  testorch exec create -f checkout.yaml     # Submit an execution
  testorch exec list --status running       # List running executions
  testorch queue                            # Show running and waiting executions
  testorch am show --format yaml            # Show the effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Commands that print machine-readable output keep the console quiet
		if cmd.Name() == "show" || cmd.Name() == "version" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")

		jsonLogs, configured := false, ""
		if cfg, err := am.Load(); err == nil {
			jsonLogs, configured = cfg.Log.JSON, cfg.Log.Level
		}
		if forced, _ := cmd.Flags().GetBool("json-logs"); forced {
			jsonLogs = true
		}
		if err := logger.InitializeAt(jsonLogs, logger.VerbosityToLevel(verbosity, configured)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Cleanup()
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit JSON logs (overrides log.json)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ExecCmd)
	rootCmd.AddCommand(commands.QueueCmd)
	rootCmd.AddCommand(commands.ServerCmd)
	rootCmd.AddCommand(commands.VersionCmd)
	rootCmd.AddCommand(commands.WebhookCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
