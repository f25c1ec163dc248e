package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/stoicfive/pulse/internal/analyzer"
)

// ErrNoSnapshot indicates that no analysis cycle has been committed yet.
var ErrNoSnapshot = errors.New("no snapshot committed")

// State is the full queryable picture of project state: the committed
// Snapshot tables plus remote sync summary data.
type State struct {
	Packages    []analyzer.Package `json:"packages"`
	Commits     []analyzer.Commit  `json:"commits"`
	Todos       []analyzer.Todo    `json:"todos"`
	Plans       []analyzer.Plan    `json:"plans"`
	Stats       analyzer.Stats     `json:"stats"`
	Meta        map[string]string  `json:"meta"`
	Remote      RemoteSummary      `json:"remote"`
	LastUpdated time.Time          `json:"last_updated"`
}

// RemoteSummary counts reconciled remote entities.
type RemoteSummary struct {
	Boards     int    `json:"boards"`
	Issues     int    `json:"issues"`
	Milestones int    `json:"milestones"`
	LastSync   string `json:"last_sync,omitempty"`
	SyncStatus string `json:"sync_status,omitempty"`
}

// CommitSnapshot atomically replaces the stored Snapshot.
//
// Within ONE transaction: packages, todos, and plans are cleared and
// repopulated; commits are upserted and pruned to the retention window;
// summary meta keys are recomputed. Any failure rolls the whole commit
// back, leaving the previous Snapshot authoritative.
func (s *Store) CommitSnapshot(ctx context.Context, snap *analyzer.Snapshot) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM packages"); err != nil {
		return fmt.Errorf("failed to clear packages: %w", err)
	}
	for _, pkg := range snap.Packages {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO packages (name, description, version, path, status) VALUES (?, ?, ?, ?, ?)`,
			pkg.Name, pkg.Description, pkg.Version, pkg.Path, string(pkg.Status))
		if err != nil {
			return fmt.Errorf("failed to insert package %s: %w", pkg.Name, err)
		}
	}

	for _, commit := range snap.Commits {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO commits (hash, message, date) VALUES (?, ?, ?)`,
			commit.Hash, commit.Message, commit.Date)
		if err != nil {
			return fmt.Errorf("failed to insert commit %s: %w", commit.Hash, err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM commits WHERE hash NOT IN (
			SELECT hash FROM commits ORDER BY created_at DESC LIMIT ?
		)`, s.commitRetention)
	if err != nil {
		return fmt.Errorf("failed to prune commits: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM todos"); err != nil {
		return fmt.Errorf("failed to clear todos: %w", err)
	}
	for _, todo := range snap.Todos {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO todos (type, message, file, line) VALUES (?, ?, ?, ?)`,
			string(todo.Type), todo.Message, todo.File, todo.Line)
		if err != nil {
			return fmt.Errorf("failed to insert todo %s:%d: %w", todo.File, todo.Line, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM plans"); err != nil {
		return fmt.Errorf("failed to clear plans: %w", err)
	}
	for _, plan := range snap.Plans {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO plans (name, file, progress, completed, total) VALUES (?, ?, ?, ?, ?)`,
			plan.Name, plan.File, plan.Progress, plan.Completed, plan.Total)
		if err != nil {
			return fmt.Errorf("failed to insert plan %s: %w", plan.Name, err)
		}
	}

	metaKeys := map[string]string{
		"last_analysis":     snap.Timestamp.Format(time.RFC3339),
		"total_packages":    strconv.Itoa(snap.Stats.TotalPackages),
		"complete_packages": strconv.Itoa(snap.Stats.CompletePackages),
		"test_coverage":     strconv.Itoa(snap.Coverage.Coverage),
	}
	for key, value := range metaKeys {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO project_meta (key, value, updated_at)
			 VALUES (?, ?, CURRENT_TIMESTAMP)`, key, value)
		if err != nil {
			return fmt.Errorf("failed to upsert meta %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// GetState reads the full current state inside one transaction, so the
// result is always internally consistent even while a snapshot commit is
// in flight on another goroutine.
func (s *Store) GetState(ctx context.Context) (*State, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	state := &State{
		Meta:        make(map[string]string),
		LastUpdated: time.Now().UTC(),
	}

	if state.Packages, err = scanPackages(ctx, tx); err != nil {
		return nil, err
	}
	if state.Commits, err = scanCommits(ctx, tx); err != nil {
		return nil, err
	}
	if state.Todos, err = scanTodos(ctx, tx); err != nil {
		return nil, err
	}
	if state.Plans, err = scanPlans(ctx, tx); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM project_meta`)
	if err != nil {
		return nil, fmt.Errorf("failed to query meta: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan meta: %w", err)
		}
		state.Meta[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating meta: %w", err)
	}

	state.Stats = statsFromPackages(state.Packages)

	if state.Remote, err = scanRemoteSummary(ctx, tx); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to finish read transaction: %w", err)
	}
	return state, nil
}

// LastAnalysis returns the timestamp of the most recent committed cycle.
// Returns ErrNoSnapshot when no cycle has been committed.
func (s *Store) LastAnalysis(ctx context.Context) (time.Time, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM project_meta WHERE key = 'last_analysis'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNoSnapshot
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last analysis: %w", err)
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last analysis timestamp: %w", err)
	}
	return t, nil
}

// UpdatePlanProgress writes pulled remote progress into the plans table.
// No-op if the plan is not in the current Snapshot.
func (s *Store) UpdatePlanProgress(ctx context.Context, name string, completed, total, progress int) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE plans SET progress = ?, completed = ?, total = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE name = ?`, progress, completed, total, name)
	if err != nil {
		return fmt.Errorf("failed to update plan progress for %s: %w", name, err)
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanPackages(ctx context.Context, q querier) ([]analyzer.Package, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name, description, version, path, status FROM packages ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query packages: %w", err)
	}
	defer rows.Close()

	var packages []analyzer.Package
	for rows.Next() {
		var pkg analyzer.Package
		var status string
		if err := rows.Scan(&pkg.Name, &pkg.Description, &pkg.Version, &pkg.Path, &status); err != nil {
			return nil, fmt.Errorf("failed to scan package: %w", err)
		}
		pkg.Status = analyzer.Status(status)
		packages = append(packages, pkg)
	}
	return packages, rows.Err()
}

func scanCommits(ctx context.Context, q querier) ([]analyzer.Commit, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT hash, message, date FROM commits ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query commits: %w", err)
	}
	defer rows.Close()

	var commits []analyzer.Commit
	for rows.Next() {
		var c analyzer.Commit
		if err := rows.Scan(&c.Hash, &c.Message, &c.Date); err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

func scanTodos(ctx context.Context, q querier) ([]analyzer.Todo, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT type, message, file, line FROM todos ORDER BY file, line`)
	if err != nil {
		return nil, fmt.Errorf("failed to query todos: %w", err)
	}
	defer rows.Close()

	var todos []analyzer.Todo
	for rows.Next() {
		var todo analyzer.Todo
		var typ string
		if err := rows.Scan(&typ, &todo.Message, &todo.File, &todo.Line); err != nil {
			return nil, fmt.Errorf("failed to scan todo: %w", err)
		}
		todo.Type = analyzer.TodoType(typ)
		todos = append(todos, todo)
	}
	return todos, rows.Err()
}

func scanPlans(ctx context.Context, q querier) ([]analyzer.Plan, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name, file, progress, completed, total FROM plans ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var plans []analyzer.Plan
	for rows.Next() {
		var plan analyzer.Plan
		if err := rows.Scan(&plan.Name, &plan.File, &plan.Progress, &plan.Completed, &plan.Total); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// scanRemoteSummary counts mapped remote entities and the last successful sync.
func scanRemoteSummary(ctx context.Context, tx *sql.Tx) (RemoteSummary, error) {
	var summary RemoteSummary

	row := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM boards`)
	if err := row.Scan(&summary.Boards); err != nil {
		return summary, fmt.Errorf("failed to count boards: %w", err)
	}

	row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM mappings WHERE remote_type = 'issue'`)
	if err := row.Scan(&summary.Issues); err != nil {
		return summary, fmt.Errorf("failed to count issue mappings: %w", err)
	}

	row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM mappings WHERE remote_type = 'milestone'`)
	if err := row.Scan(&summary.Milestones); err != nil {
		return summary, fmt.Errorf("failed to count milestone mappings: %w", err)
	}

	var last sql.NullString
	row = tx.QueryRowContext(ctx,
		`SELECT MAX(timestamp) FROM sync_log WHERE status = 'success'`)
	if err := row.Scan(&last); err != nil {
		return summary, fmt.Errorf("failed to read last sync: %w", err)
	}
	if last.Valid {
		summary.LastSync = last.String
		summary.SyncStatus = "success"
	}

	return summary, nil
}

// statsFromPackages recomputes the status partition from stored packages,
// keeping stats derivable from and consistent with the current Snapshot.
func statsFromPackages(packages []analyzer.Package) analyzer.Stats {
	stats := analyzer.Stats{TotalPackages: len(packages)}
	for _, pkg := range packages {
		switch pkg.Status {
		case analyzer.StatusComplete:
			stats.CompletePackages++
		case analyzer.StatusInProgress:
			stats.InProgressPackages++
		default:
			stats.PendingPackages++
		}
	}
	return stats
}
