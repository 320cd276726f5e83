package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/rogersg17/demoApp-sub002/am"
	"github.com/rogersg17/demoApp-sub002/errors"
	"github.com/rogersg17/demoApp-sub002/logger"
	"github.com/rogersg17/demoApp-sub002/server"
)

// ServerCmd starts the orchestration server
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   "Start the testorch orchestration server",
	Long: `Start the orchestration server: the HTTP API, the webhook gateway, the
realtime websocket and the background correlation, admission and issue workers.

Queued and running executions are recovered from the database on start.`,
	RunE: runServer,
}

var (
	serverDBPath  string
	serverPort    int
	serverNoWatch bool
)

func init() {
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "HTTP port (overrides config)")
	ServerCmd.Flags().BoolVar(&serverNoWatch, "no-watch", false, "Disable config file hot reload")
}

func runServer(cmd *cobra.Command, args []string) error {
	verbosity, _ := cmd.Flags().GetCount("verbose")

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}

	database, dbPath, err := openDatabase(serverDBPath)
	if err != nil {
		return errors.Wrap(err, "failed to open database")
	}
	defer database.Close()

	opts := []server.Option{server.WithLogger(logger.Logger.Named("server"))}

	configPath := am.ActiveConfigPath()
	if configPath != "" && !serverNoWatch {
		watcher, err := am.NewConfigWatcher(configPath, logger.Logger.Named("config"))
		if err != nil {
			pterm.Warning.Printf("Config hot reload disabled: %v\n", err)
		} else {
			opts = append(opts, server.WithConfigWatcher(watcher))
		}
	}

	srv, err := server.New(cfg, database, opts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	printStartupBanner(verbosity, cfg, dbPath, configPath)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil {
			return errors.Wrap(err, "server stopped unexpectedly")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")

		shutdownDone := make(chan error, 1)
		go func() {
			shutdownDone <- srv.Stop()
		}()

		select {
		case err := <-shutdownDone:
			if err != nil {
				return fmt.Errorf("shutdown error: %w", err)
			}
			if err := <-errChan; err != nil {
				return errors.Wrap(err, "server stopped with error")
			}
			pterm.Success.Println("Server stopped cleanly")
			return nil
		case <-sigChan:
			pterm.Warning.Println("Force shutdown - exiting immediately")
			os.Exit(1)
			return nil // unreachable
		}
	}
}
