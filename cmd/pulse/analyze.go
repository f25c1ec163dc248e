package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stoicfive/pulse/internal/analyzer"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run one analysis pass and print the result",
	Long: `Analyze the project tree once without touching the state store or the
remote tracker: score packages, collect recent commits, scan for todo
markers, and parse implementation plans.

Example usage:
  pulse analyze          # human-readable summary
  pulse analyze --json   # full snapshot as JSON`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")

		an := analyzer.New(analyzer.Options{
			Root:         cfg.Analyze.Root,
			PackagesGlob: cfg.Analyze.PackagesGlob,
			PlansDir:     cfg.Analyze.PlansDir,
			CommitLimit:  cfg.Analyze.CommitLimit,
		})

		snap, err := an.Analyze(cmd.Context())
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}

		fmt.Printf("Packages: %d total, %d complete, %d in progress, %d pending\n",
			snap.Stats.TotalPackages, snap.Stats.CompletePackages,
			snap.Stats.InProgressPackages, snap.Stats.PendingPackages)
		for _, pkg := range snap.Packages {
			fmt.Printf("  %-20s %-12s %s\n", pkg.Name, pkg.Status, pkg.Version)
		}

		fmt.Printf("Test coverage: %d%% (%d/%d packages with tests, %d test files)\n",
			snap.Coverage.Coverage, snap.Coverage.PackagesWithTests,
			snap.Coverage.TotalPackages, snap.Coverage.TotalTests)

		fmt.Printf("Todo markers: %d\n", len(snap.Todos))
		fmt.Printf("Recent commits: %d\n", len(snap.Commits))

		if len(snap.Plans) > 0 {
			fmt.Println("Plans:")
			for _, plan := range snap.Plans {
				fmt.Printf("  %-20s %d%% (%d/%d tasks)\n",
					plan.Name, plan.Progress, plan.Completed, plan.Total)
			}
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().Bool("json", false, "Print the full snapshot as JSON")
	rootCmd.AddCommand(analyzeCmd)
}
