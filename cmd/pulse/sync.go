package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stoicfive/pulse/internal/analyzer"
	"github.com/stoicfive/pulse/internal/orchestrator"
	"github.com/stoicfive/pulse/internal/reconciler"
	"github.com/stoicfive/pulse/internal/store"
	"github.com/stoicfive/pulse/internal/tracker"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full analysis and reconciliation cycle",
	Long: `Run a single cycle outside the watch loop: analyze the tree, commit
the snapshot to the state store, push unmapped entities to the remote
tracker, and pull board movement back.

Requires sync.enabled with tracker credentials configured. Useful from
CI or cron when a long-running watcher is not wanted.

Example usage:
  pulse sync
  PULSE_TRACKER_TOKEN=... pulse sync --config ./ci.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Sync.Enabled {
			return fmt.Errorf("sync.enabled is false; enable it and configure tracker credentials")
		}

		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()
		st.SetCommitRetention(cfg.CommitRetention)
		if err := st.InitSchema(cmd.Context()); err != nil {
			return err
		}

		client, err := tracker.New(tracker.Config{
			Token:      cfg.Tracker.Token,
			Owner:      cfg.Tracker.Owner,
			Repo:       cfg.Tracker.Repo,
			BaseURL:    cfg.Tracker.BaseURL,
			GraphQLURL: cfg.Tracker.GraphQLURL,
		})
		if err != nil {
			return err
		}

		login, err := client.CheckAuth(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Authenticated as %s (%s)\n", login, client.RepoSlug())

		orch := orchestrator.New(orchestrator.Config{
			Analyzer: analyzer.New(analyzer.Options{
				Root:         cfg.Analyze.Root,
				PackagesGlob: cfg.Analyze.PackagesGlob,
				PlansDir:     cfg.Analyze.PlansDir,
				CommitLimit:  cfg.Analyze.CommitLimit,
			}),
			Store: st,
			Reconciler: reconciler.New(st, client, reconciler.Config{
				Root:            cfg.Analyze.Root,
				ProjectTitle:    cfg.ProjectTitle,
				TodoIssueCap:    cfg.Sync.TodoIssueCap,
				Pacing:          cfg.Sync.Pacing,
				AutoCloseIssues: cfg.Sync.AutoCloseIssues,
			}),
		})

		state, err := orch.RunCycle(cmd.Context())
		if err != nil {
			return err
		}

		stats, err := st.GetSyncStats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Cycle complete: %d packages, %d todos, %d plans\n",
			len(state.Packages), len(state.Todos), len(state.Plans))
		fmt.Printf("Remote: %d boards, %d issues, %d milestones\n",
			state.Remote.Boards, state.Remote.Issues, state.Remote.Milestones)
		fmt.Printf("Sync log: %d succeeded, %d failed\n", stats.Succeeded, stats.Failed)
		if remaining, limit, err := client.RateLimit(cmd.Context()); err == nil {
			fmt.Printf("API quota: %d/%d remaining\n", remaining, limit)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
