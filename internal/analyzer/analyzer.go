// Package analyzer derives an immutable project Snapshot from the source tree.
//
// The analyzer is stateless: every call re-reads manifests, source files,
// version history, and plan documents from disk and produces a complete
// Snapshot. Failures analyzing an individual package, file, or plan are
// logged and that item is skipped; the rest of the Snapshot still completes.
package analyzer

import (
	"context"
	"log"
	"os"
	"time"
)

// Status is the derived completion state of a package.
type Status string

const (
	// StatusPending means the package scored below 50 on the readiness checks.
	StatusPending Status = "pending"
	// StatusInProgress means the package scored at least 50.
	StatusInProgress Status = "in-progress"
	// StatusComplete means the package scored at least 75.
	StatusComplete Status = "complete"
)

// TodoType distinguishes TODO from FIXME markers.
type TodoType string

const (
	TodoTypeTodo  TodoType = "TODO"
	TodoTypeFixme TodoType = "FIXME"
)

// Package describes one package manifest found in the tree.
type Package struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Path        string `json:"path"`
	Status      Status `json:"status"`
}

// Commit is one entry of recent version history.
type Commit struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
	Date    string `json:"date"`
}

// Todo is a single TODO/FIXME marker found in source. Todos are ephemeral:
// they are fully replaced every cycle and carry no cross-cycle identity.
type Todo struct {
	Type    TodoType `json:"type"`
	Message string   `json:"message"`
	File    string   `json:"file"`
	Line    int      `json:"line"`
}

// Plan summarizes a checkbox-style implementation plan document.
type Plan struct {
	Name      string `json:"name"`
	File      string `json:"file"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Progress  int    `json:"progress"`
}

// Coverage summarizes test presence across packages.
type Coverage struct {
	TotalTests        int `json:"total_tests"`
	PackagesWithTests int `json:"packages_with_tests"`
	TotalPackages     int `json:"total_packages"`
	Coverage          int `json:"coverage"`
}

// Stats partitions packages by status. Complete+InProgress+Pending == Total.
type Stats struct {
	TotalPackages      int `json:"total_packages"`
	CompletePackages   int `json:"complete_packages"`
	InProgressPackages int `json:"in_progress_packages"`
	PendingPackages    int `json:"pending_packages"`
}

// Snapshot is an immutable point-in-time summary of project state from one
// analysis cycle. It is produced wholesale and never partially updated.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Packages  []Package `json:"packages"`
	Commits   []Commit  `json:"commits"`
	Todos     []Todo    `json:"todos"`
	Plans     []Plan    `json:"plans"`
	Coverage  Coverage  `json:"coverage"`
	Stats     Stats     `json:"stats"`
}

// Options configures an Analyzer.
type Options struct {
	// Root is the project root directory.
	Root string

	// PackagesGlob locates package manifests relative to Root.
	PackagesGlob string

	// PlansDir holds PLAN_*.md documents relative to Root.
	PlansDir string

	// CommitLimit is how many recent commits to record.
	CommitLimit int

	// Logger for per-item analysis failures. Defaults to stderr.
	Logger *log.Logger
}

// Analyzer computes Snapshots. It holds no state between calls.
type Analyzer struct {
	root        string
	pkgGlob     string
	plansDir    string
	commitLimit int
	logger      *log.Logger
}

// New creates an Analyzer for the given options.
func New(opts Options) *Analyzer {
	if opts.Root == "" {
		opts.Root = "."
	}
	if opts.PackagesGlob == "" {
		opts.PackagesGlob = "packages/*/package.json"
	}
	if opts.PlansDir == "" {
		opts.PlansDir = "implementation/plans"
	}
	if opts.CommitLimit <= 0 {
		opts.CommitLimit = 10
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[analyzer] ", log.LstdFlags)
	}
	return &Analyzer{
		root:        opts.Root,
		pkgGlob:     opts.PackagesGlob,
		plansDir:    opts.PlansDir,
		commitLimit: opts.CommitLimit,
		logger:      opts.Logger,
	}
}

// Analyze performs a full analysis pass and returns a new Snapshot.
//
// Sub-extractions run sequentially; each tolerates per-item failures.
// Only a failure to enumerate manifests at all aborts the pass.
func (a *Analyzer) Analyze(ctx context.Context) (*Snapshot, error) {
	packages, err := a.analyzePackages()
	if err != nil {
		return nil, err
	}

	commits := a.analyzeCommits(ctx)
	todos := a.analyzeTodos(packages)
	plans := a.analyzePlans()
	coverage := a.analyzeCoverage(packages)

	snap := &Snapshot{
		Timestamp: time.Now().UTC(),
		Packages:  packages,
		Commits:   commits,
		Todos:     todos,
		Plans:     plans,
		Coverage:  coverage,
		Stats:     computeStats(packages),
	}
	return snap, nil
}

// computeStats partitions packages by derived status.
func computeStats(packages []Package) Stats {
	stats := Stats{TotalPackages: len(packages)}
	for _, pkg := range packages {
		switch pkg.Status {
		case StatusComplete:
			stats.CompletePackages++
		case StatusInProgress:
			stats.InProgressPackages++
		default:
			stats.PendingPackages++
		}
	}
	return stats
}
