package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"calendo/internal/config"
	appLog "calendo/internal/log"
)

const version = "0.1.0"

var (
	configPath string
	listenFlag string
	dbFlag     string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "calendo",
	Short: "Calendar and to-do backend with recurrence expansion",
	Long: `calendo stores events, tasks, reminders and time entries in SQLite and
expands recurring events into concrete occurrences.

Commands:
  serve  - run the HTTP API and background jobs
  invoke - run a single command against the database
  expand - print the occurrences of an RRULE`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/calendo/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&listenFlag, "listen", "", "HTTP listen address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "", "SQLite database path (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug|info|warn|error (overrides config)")

	rootCmd.AddCommand(serveCmd, invokeCmd, expandCmd)
}

// loadConfig reads the file, then environment, then flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if dbFlag != "" {
		cfg.DBPath = dbFlag
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	appLog.Configure(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func main() {
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...interface{}) {
		appLog.Debug(fmt.Sprintf(format, args...))
	})); err != nil {
		appLog.Warn("failed to set GOMAXPROCS", "err", err.Error())
	}

	err := rootCmd.Execute()
	appLog.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
