package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/errors"
)

// AmCmd manages testorch configuration ("I am")
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: "Manage testorch configuration",
	Long: `am - Manage testorch configuration.

Configuration is merged from /etc/testorch/testorch.toml, ~/.testorch/testorch.toml,
the nearest ./testorch.toml and TESTORCH_* environment variables, later sources
winning. Secrets are redacted in every output.

Examples:
  testorch am show                  # Effective configuration as TOML
  testorch am show --format json    # ... as JSON
  testorch am validate              # Check the configuration
  testorch am where                 # Show which files are read
  testorch am init                  # Write a starter testorch.toml`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runAmShow,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	Args:  cobra.NoArgs,
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where configuration is loaded from",
	Args:  cobra.NoArgs,
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with the built-in defaults",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAmInit,
}

var configFormat string

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	data, err := am.Marshal(cfg.Redacted(), configFormat)
	if err != nil {
		return err
	}
	if configFormat == "json" {
		fmt.Println(string(data))
		return nil
	}
	fmt.Printf("# testorch configuration\n%s", string(data))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	pterm.Success.Println("Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  [DEFAULT]  Built-in defaults")

	active := am.ActiveConfigPath()
	rows := pterm.TableData{{"Source", "Path", "State"}}
	for _, path := range am.ConfigPaths() {
		state := pterm.FgGray.Sprint("missing")
		if _, err := os.Stat(path); err == nil {
			state = pterm.FgGreen.Sprint("loaded")
		}
		if path == active {
			state += pterm.FgCyan.Sprint(" (watched)")
		}
		rows = append(rows, []string{sourceLabel(path), path, state})
	}
	rows = append(rows, []string{"[ENV]", "TESTORCH_* environment variables", ""})
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func sourceLabel(path string) string {
	if filepath.Dir(path) == "/etc/testorch" {
		return "[SYSTEM]"
	}
	if home, err := os.UserHomeDir(); err == nil && filepath.Dir(path) == filepath.Join(home, ".testorch") {
		return "[USER]"
	}
	return "[PROJECT]"
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := am.ConfigFileName
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		pterm.Warning.Printf("%s exists; keeping a backup as %s.back1\n", path, path)
	}

	v := viper.New()
	am.SetDefaults(v)
	cfg, err := am.LoadWithViper(v)
	if err != nil {
		return errors.Wrap(err, "failed to build default config")
	}
	if err := am.WriteFile(path, *cfg); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote %s\n", path)
	return nil
}
