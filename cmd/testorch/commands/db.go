package commands

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/correlate"
	"github.com/rogersg17/demoApp-sub002/db"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/execution"
	"github.com/rogersg17/demoApp-sub002/logger"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the testorch database",
	Long: `db - Manage the execution database.

Examples:
  testorch db migrate               # Apply pending schema migrations
  testorch db stats                 # Executions by status
  testorch db purge --days 30       # Delete finished executions older than 30 days`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE:  runDbMigrate,
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show execution counts by status",
	Args:  cobra.NoArgs,
	RunE:  runDbStats,
}

var dbPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete finished executions and expired dedup keys",
	Long: `Delete completed, failed and cancelled executions that ended more than
--days ago, together with their shards, and sweep expired webhook dedup keys.
Queued and running executions are never purged.`,
	Args: cobra.NoArgs,
	RunE: runDbPurge,
}

var (
	dbPath      string
	dbPurgeDays int
)

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "Custom database path (overrides config)")
	dbPurgeCmd.Flags().IntVar(&dbPurgeDays, "days", 0, "Retention in days (default queue.retention_days)")

	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
	DbCmd.AddCommand(dbPurgeCmd)
}

func runDbMigrate(cmd *cobra.Command, args []string) error {
	database, path, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	versions, err := db.MigrationVersions()
	if err != nil {
		return err
	}
	pterm.Success.Printf("%s is at schema version %s (%d migrations)\n", path, versions[len(versions)-1], len(versions))
	return nil
}

func runDbStats(cmd *cobra.Command, args []string) error {
	database, path, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	registry := execution.NewRegistry(database, logger.Logger.Named("execution"))
	counts, err := registry.Counts(cmd.Context())
	if err != nil {
		return err
	}

	statuses := make([]string, 0, len(counts))
	total := 0
	for status, n := range counts {
		statuses = append(statuses, string(status))
		total += n
	}
	sort.Strings(statuses)

	pterm.DefaultSection.Printf("Executions in %s", path)
	rows := pterm.TableData{{"Status", "Count"}}
	for _, status := range statuses {
		rows = append(rows, []string{colorStatus(execution.Status(status)), strconv.Itoa(counts[execution.Status(status)])})
	}
	rows = append(rows, []string{"total", strconv.Itoa(total)})
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runDbPurge(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	days := dbPurgeDays
	if !cmd.Flags().Changed("days") {
		days = cfg.Queue.RetentionDays
	}
	if days <= 0 {
		return errors.NewInvalidRequestError("retention must be at least one day (--days or queue.retention_days)")
	}

	database, _, err := openDatabase(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := cmd.Context()
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)

	spinner, _ := pterm.DefaultSpinner.Start("Purging executions ended before " + cutoff.Format(time.DateOnly))
	registry := execution.NewRegistry(database, logger.Logger.Named("execution"))
	purged, err := registry.Purge(ctx, cutoff)
	if err != nil {
		spinner.Fail("Purge failed")
		return err
	}

	swept, err := correlate.NewDedupStore(database, cfg.Correlation.DedupTTL()).Sweep(ctx)
	if err != nil {
		spinner.Fail("Dedup sweep failed")
		return err
	}
	spinner.Success(fmt.Sprintf("Purged %d executions and %d expired dedup keys", purged, swept))
	return nil
}
