package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stoicfive/pulse/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the state store",
	Long: `Create the SQLite state database and apply the schema. Safe to run
repeatedly; an existing database is left untouched.

Example usage:
  pulse init
  pulse init --config ./ci.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.InitSchema(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("State store ready at %s\n", cfg.DBPath)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print state store statistics",
	Long: `Print a summary of the committed state: package status counts, todo
and plan totals, remote entity counts, and sync log outcomes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		last, err := st.LastAnalysis(cmd.Context())
		if errors.Is(err, store.ErrNoSnapshot) {
			fmt.Println("No analysis committed yet. Run 'pulse sync' or 'pulse engine'.")
			return nil
		}
		if err != nil {
			return err
		}

		state, err := st.GetState(cmd.Context())
		if err != nil {
			return err
		}
		syncStats, err := st.GetSyncStats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("Last analysis: %s\n", last.Local())
		fmt.Printf("Packages: %d total, %d complete, %d in progress, %d pending\n",
			state.Stats.TotalPackages, state.Stats.CompletePackages,
			state.Stats.InProgressPackages, state.Stats.PendingPackages)
		fmt.Printf("Todos: %d   Plans: %d   Commits: %d\n",
			len(state.Todos), len(state.Plans), len(state.Commits))
		fmt.Printf("Remote: %d boards, %d issues, %d milestones\n",
			state.Remote.Boards, state.Remote.Issues, state.Remote.Milestones)
		fmt.Printf("Sync log: %d entries, %d succeeded, %d failed\n",
			syncStats.Total, syncStats.Succeeded, syncStats.Failed)
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the full committed state as JSON",
	Long: `Print the complete committed state (packages, commits, todos, plans,
meta, and remote summary) as indented JSON, read in one transaction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		state, err := st.GetState(cmd.Context())
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(stateCmd)
}
