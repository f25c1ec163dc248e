// Command pulse keeps a project's local state and its remote tracker in
// sync: it watches the tree, analyzes packages, plans, and todo markers,
// stores snapshots in SQLite, mirrors them to the tracker, and serves
// realtime state over HTTP and WebSocket.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stoicfive/pulse/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Project state synchronization engine",
	Long: `Pulse watches a project tree, analyzes its packages, implementation
plans, and todo markers, and keeps that state in three places at once:

- a local SQLite database, updated transactionally per analysis cycle
- a remote issue tracker (milestones, issues, and project boards)
- connected WebSocket clients, which receive every committed update

Configuration is read from pulse.yaml (or --config) and PULSE_*
environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
}

// loadConfig reads and validates configuration for a command.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger builds a component logger. When a log file is configured the
// output is rotated and mirrored to stderr.
func newLogger(cfg *config.Config, prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
		})
	}
	return log.New(out, prefix, log.LstdFlags)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
