package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stoicfive/pulse/internal/analyzer"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return s
}

func testSnapshot() *analyzer.Snapshot {
	snap := &analyzer.Snapshot{
		Timestamp: time.Now().UTC(),
		Packages: []analyzer.Package{
			{Name: "core", Version: "1.0.0", Path: "packages/core", Status: analyzer.StatusComplete},
			{Name: "cli", Version: "0.2.0", Path: "packages/cli", Status: analyzer.StatusInProgress},
			{Name: "docs", Path: "packages/docs", Status: analyzer.StatusPending},
		},
		Commits: []analyzer.Commit{
			{Hash: "abc1234", Message: "add core package", Date: "Aug 30, 2026"},
			{Hash: "def5678", Message: "wire cli entrypoint", Date: "Aug 31, 2026"},
		},
		Todos: []analyzer.Todo{
			{Type: analyzer.TodoTypeTodo, Message: "handle empty input", File: "packages/core/src/index.ts", Line: 42},
		},
		Plans: []analyzer.Plan{
			{Name: "phase-1", File: "implementation/plans/PLAN_PHASE_1.md", Progress: 50, Completed: 2, Total: 4},
		},
	}
	snap.Stats = analyzer.Stats{TotalPackages: 3, CompletePackages: 1, InProgressPackages: 1, PendingPackages: 1}
	snap.Coverage = analyzer.Coverage{TotalTests: 5, PackagesWithTests: 2, TotalPackages: 3, Coverage: 67}
	return snap
}

// TestInitSchemaIdempotent verifies the schema can be applied repeatedly
// without error, so startup never depends on database freshness.
func TestInitSchemaIdempotent(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		if err := s.InitSchema(context.Background()); err != nil {
			t.Fatalf("InitSchema run %d failed: %v", i+1, err)
		}
	}
}

// TestCommitSnapshotRoundTrip verifies a committed snapshot reads back
// with the same packages, commits, todos, and plans.
func TestCommitSnapshotRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CommitSnapshot(ctx, testSnapshot()); err != nil {
		t.Fatalf("CommitSnapshot failed: %v", err)
	}

	state, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.Packages) != 3 {
		t.Errorf("expected 3 packages, got %d", len(state.Packages))
	}
	if len(state.Commits) != 2 {
		t.Errorf("expected 2 commits, got %d", len(state.Commits))
	}
	if len(state.Todos) != 1 {
		t.Errorf("expected 1 todo, got %d", len(state.Todos))
	}
	if len(state.Plans) != 1 {
		t.Errorf("expected 1 plan, got %d", len(state.Plans))
	}
	if state.Stats.CompletePackages != 1 || state.Stats.InProgressPackages != 1 || state.Stats.PendingPackages != 1 {
		t.Errorf("unexpected stats partition: %+v", state.Stats)
	}
	if state.Meta["total_packages"] != "3" {
		t.Errorf("expected total_packages meta '3', got %q", state.Meta["total_packages"])
	}
}

// TestCommitSnapshotReplaces verifies a second commit fully replaces the
// first rather than accumulating rows.
func TestCommitSnapshotReplaces(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CommitSnapshot(ctx, testSnapshot()); err != nil {
		t.Fatalf("first CommitSnapshot failed: %v", err)
	}

	second := &analyzer.Snapshot{
		Timestamp: time.Now().UTC(),
		Packages: []analyzer.Package{
			{Name: "core", Version: "1.1.0", Path: "packages/core", Status: analyzer.StatusComplete},
		},
	}
	second.Stats = analyzer.Stats{TotalPackages: 1, CompletePackages: 1}
	if err := s.CommitSnapshot(ctx, second); err != nil {
		t.Fatalf("second CommitSnapshot failed: %v", err)
	}

	state, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.Packages) != 1 {
		t.Fatalf("expected 1 package after replace, got %d", len(state.Packages))
	}
	if state.Packages[0].Version != "1.1.0" {
		t.Errorf("expected version 1.1.0, got %s", state.Packages[0].Version)
	}
	if len(state.Todos) != 0 {
		t.Errorf("expected todos cleared, got %d", len(state.Todos))
	}
}

// TestCommitRetention verifies commits beyond the retention window are
// pruned while newer commits survive across snapshots.
func TestCommitRetention(t *testing.T) {
	s := openTestStore(t)
	s.SetCommitRetention(5)
	ctx := context.Background()

	for batch := 0; batch < 3; batch++ {
		snap := &analyzer.Snapshot{Timestamp: time.Now().UTC()}
		for i := 0; i < 4; i++ {
			snap.Commits = append(snap.Commits, analyzer.Commit{
				Hash:    fmt.Sprintf("hash%d%d", batch, i),
				Message: fmt.Sprintf("commit %d.%d", batch, i),
				Date:    "Sep 01, 2026",
			})
		}
		if err := s.CommitSnapshot(ctx, snap); err != nil {
			t.Fatalf("CommitSnapshot batch %d failed: %v", batch, err)
		}
	}

	state, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.Commits) > 5 {
		t.Errorf("expected at most 5 commits after pruning, got %d", len(state.Commits))
	}
}

// TestGetStateConsistentUnderWrites verifies concurrent readers never
// observe a half-committed snapshot: packages and stats always agree.
func TestGetStateConsistentUnderWrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CommitSnapshot(ctx, testSnapshot()); err != nil {
		t.Fatalf("seed CommitSnapshot failed: %v", err)
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			if err := s.CommitSnapshot(ctx, testSnapshot()); err != nil {
				t.Errorf("concurrent CommitSnapshot failed: %v", err)
				return
			}
		}
		close(done)
	}()

	for {
		select {
		case <-done:
			wg.Wait()
			return
		default:
		}
		state, err := s.GetState(ctx)
		if err != nil {
			t.Fatalf("GetState failed: %v", err)
		}
		got := state.Stats.CompletePackages + state.Stats.InProgressPackages + state.Stats.PendingPackages
		if got != len(state.Packages) {
			t.Fatalf("stats partition %d does not match %d packages", got, len(state.Packages))
		}
		if len(state.Packages) != 3 {
			t.Fatalf("observed partial snapshot with %d packages", len(state.Packages))
		}
	}
}

// TestLastAnalysisNoSnapshot verifies the sentinel before any commit.
func TestLastAnalysisNoSnapshot(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.LastAnalysis(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("expected ErrNoSnapshot, got %v", err)
	}
}

// TestMappingOverwrite verifies re-mapping the same local entity replaces
// the old remote ID instead of adding a second row.
func TestMappingOverwrite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutMapping(ctx, LocalPackage, "core", RemoteMilestone, "1"); err != nil {
		t.Fatalf("PutMapping failed: %v", err)
	}
	if err := s.PutMapping(ctx, LocalPackage, "core", RemoteMilestone, "7"); err != nil {
		t.Fatalf("second PutMapping failed: %v", err)
	}

	remoteID, err := s.GetRemoteID(ctx, LocalPackage, "core")
	if err != nil {
		t.Fatalf("GetRemoteID failed: %v", err)
	}
	if remoteID != "7" {
		t.Errorf("expected remote ID 7, got %s", remoteID)
	}

	mappings, err := s.ListMappings(ctx, LocalPackage)
	if err != nil {
		t.Fatalf("ListMappings failed: %v", err)
	}
	if len(mappings) != 1 {
		t.Errorf("expected 1 mapping after overwrite, got %d", len(mappings))
	}
}

// TestMappingReverseLookup verifies webhooks can resolve a remote entity
// back to its local counterpart.
func TestMappingReverseLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.PutMapping(ctx, LocalPlan, "phase-1", RemoteIssue, "42"); err != nil {
		t.Fatalf("PutMapping failed: %v", err)
	}

	localType, localID, err := s.GetLocalID(ctx, RemoteIssue, "42")
	if err != nil {
		t.Fatalf("GetLocalID failed: %v", err)
	}
	if localType != LocalPlan || localID != "phase-1" {
		t.Errorf("expected plan/phase-1, got %s/%s", localType, localID)
	}

	if _, _, err := s.GetLocalID(ctx, RemoteIssue, "999"); !errors.Is(err, ErrMappingNotFound) {
		t.Errorf("expected ErrMappingNotFound, got %v", err)
	}
}

// TestSyncLogAppendAndStats verifies the log is append-only and the
// stats summary counts outcomes correctly.
func TestSyncLogAppendAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	entries := []struct {
		status string
		detail string
	}{
		{SyncSuccess, ""}, {SyncSuccess, ""}, {SyncFailed, "rate limited"},
	}
	for i, e := range entries {
		err := s.AppendSyncLog(ctx, DirectionToRemote, "create_issue", LocalTodo,
			fmt.Sprintf("todo-%d", i), e.status, e.detail)
		if err != nil {
			t.Fatalf("AppendSyncLog failed: %v", err)
		}
	}

	stats, err := s.GetSyncStats(ctx)
	if err != nil {
		t.Fatalf("GetSyncStats failed: %v", err)
	}
	if stats.Total != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Errorf("unexpected sync stats: %+v", stats)
	}

	recent, err := s.RecentSyncLog(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSyncLog failed: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(recent))
	}
	newest := recent[0]
	if newest.Action != "create_issue" || newest.EntityType != LocalTodo ||
		newest.EntityID != "todo-2" || newest.Direction != DirectionToRemote {
		t.Errorf("unexpected newest entry: %+v", newest)
	}
	if newest.Status != SyncFailed || newest.Error != "rate limited" {
		t.Errorf("expected failed entry with error detail, got %+v", newest)
	}
}

// TestBoardLifecycle verifies boards and items round-trip and status
// updates land on the right item.
func TestBoardLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	board := Board{PlanName: "phase-1", BoardID: "PVT_1", BoardNumber: 3, URL: "https://example.com/3", OwnerID: "U_1"}
	if err := s.PutBoard(ctx, board); err != nil {
		t.Fatalf("PutBoard failed: %v", err)
	}

	got, err := s.GetBoard(ctx, "phase-1")
	if err != nil {
		t.Fatalf("GetBoard failed: %v", err)
	}
	if got.BoardID != "PVT_1" || got.BoardNumber != 3 {
		t.Errorf("unexpected board: %+v", got)
	}

	items := []BoardItem{
		{BoardID: "PVT_1", ItemID: "PVTI_1", IssueNumber: 10, Title: "write parser", Status: "To Do"},
		{BoardID: "PVT_1", ItemID: "PVTI_2", IssueNumber: 11, Title: "wire store", Status: "Done"},
		{BoardID: "PVT_1", ItemID: "PVTI_3", IssueNumber: 12, Title: "add tests", Status: "In Progress"},
	}
	for _, item := range items {
		if err := s.PutBoardItem(ctx, item); err != nil {
			t.Fatalf("PutBoardItem failed: %v", err)
		}
	}

	if err := s.UpdateBoardItemStatus(ctx, "PVT_1", "PVTI_1", "Done"); err != nil {
		t.Fatalf("UpdateBoardItemStatus failed: %v", err)
	}

	done, inProgress, total, err := s.TaskStatusesForPlan(ctx, "phase-1")
	if err != nil {
		t.Fatalf("TaskStatusesForPlan failed: %v", err)
	}
	if done != 2 || inProgress != 1 || total != 3 {
		t.Errorf("expected 2 done / 1 in progress / 3 total, got %d/%d/%d", done, inProgress, total)
	}

	item, err := s.GetBoardItemByIssue(ctx, 11)
	if err != nil {
		t.Fatalf("GetBoardItemByIssue failed: %v", err)
	}
	if item.ItemID != "PVTI_2" || item.Title != "wire store" {
		t.Errorf("expected item PVTI_2 %q, got %+v", "wire store", item)
	}
	if item.ID == 0 {
		t.Error("expected a row id on the stored item")
	}

	if _, err := s.GetBoard(ctx, "unknown"); !errors.Is(err, ErrBoardNotFound) {
		t.Errorf("expected ErrBoardNotFound, got %v", err)
	}
}

// TestUpdatePlanProgress verifies pulled progress lands on the plan row.
func TestUpdatePlanProgress(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CommitSnapshot(ctx, testSnapshot()); err != nil {
		t.Fatalf("CommitSnapshot failed: %v", err)
	}
	if err := s.UpdatePlanProgress(ctx, "phase-1", 3, 4, 75); err != nil {
		t.Fatalf("UpdatePlanProgress failed: %v", err)
	}

	state, err := s.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.Plans) != 1 || state.Plans[0].Progress != 75 || state.Plans[0].Completed != 3 {
		t.Errorf("unexpected plan after progress update: %+v", state.Plans)
	}
}
