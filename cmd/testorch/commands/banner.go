package commands

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pterm/pterm"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/logger"
	"github.com/rogersg17/demoApp-sub002/version"
)

// printStartupBanner prints the startup summary
func printStartupBanner(verbosity int, cfg *am.Config, dbPath, configPath string) {
	info := version.Get()

	pterm.DefaultHeader.WithFullWidth().Println("testorch")

	providers := make([]string, 0, len(cfg.Webhooks.Providers))
	for name := range cfg.Webhooks.Secrets() {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	if len(providers) == 0 {
		providers = []string{"none (webhooks rejected)"}
	}
	if configPath == "" {
		configPath = "defaults + environment"
	}

	rows := pterm.TableData{
		{"Version", fmt.Sprintf("%s (commit %s)", info.Version, info.Short())},
		{"Built", info.BuildTime},
		{"Verbosity", logger.LevelName(verbosity)},
		{"Listen", fmt.Sprintf(":%d", cfg.Server.Port)},
		{"Database", dbPath},
		{"Config", configPath},
		{"Webhooks", strings.Join(providers, ", ")},
		{"Capacity", fmt.Sprintf("%d running, %d shards, %d waiting",
			cfg.Queue.MaxRunning, cfg.Queue.MaxInFlightShards, cfg.Queue.MaxWaiting)},
		{"Tracker", cfg.Tracker.Kind},
	}
	_ = pterm.DefaultTable.WithData(rows).Render()

	pterm.Println()
	pterm.Info.Println("Press Ctrl+C to stop")
}
