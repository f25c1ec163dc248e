package reconciler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stoicfive/pulse/internal/analyzer"
	"github.com/stoicfive/pulse/internal/store"
	"github.com/stoicfive/pulse/internal/tracker"
)

// fakeTracker records mutations in memory and can be told to fail
// specific operations.
type fakeTracker struct {
	mu sync.Mutex

	issues     []tracker.Issue
	milestones []tracker.Milestone
	boards     []tracker.Board
	boardItems map[string][]tracker.BoardItem
	closed     []int

	failMilestone string
	nextIssue     int
	nextMilestone int
	nextItem      int
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{boardItems: make(map[string][]tracker.BoardItem)}
}

func (f *fakeTracker) CreateIssue(_ context.Context, title, body string, _ []string) (tracker.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextIssue++
	issue := tracker.Issue{
		Number: f.nextIssue,
		NodeID: fmt.Sprintf("I_%d", f.nextIssue),
		Title:  title,
		Body:   body,
		State:  "open",
	}
	f.issues = append(f.issues, issue)
	return issue, nil
}

func (f *fakeTracker) CloseIssue(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, number)
	return nil
}

func (f *fakeTracker) CreateComment(context.Context, int, string) error { return nil }

func (f *fakeTracker) CreateMilestone(_ context.Context, title, description string) (tracker.Milestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if title == f.failMilestone {
		return tracker.Milestone{}, fmt.Errorf("service unavailable")
	}
	f.nextMilestone++
	milestone := tracker.Milestone{Number: f.nextMilestone, Title: title, Description: description, State: "open"}
	f.milestones = append(f.milestones, milestone)
	return milestone, nil
}

func (f *fakeTracker) CloseMilestone(_ context.Context, number int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, number)
	return nil
}

func (f *fakeTracker) ListIssuesByMilestone(context.Context, int) ([]tracker.Issue, error) {
	return nil, nil
}

func (f *fakeTracker) OwnerID(context.Context) (string, error) { return "U_1", nil }

func (f *fakeTracker) CreateBoard(_ context.Context, ownerID, title string) (tracker.Board, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	board := tracker.Board{
		ID:      fmt.Sprintf("PVT_%d", len(f.boards)+1),
		Number:  len(f.boards) + 1,
		URL:     "https://example.com/" + title,
		OwnerID: ownerID,
	}
	f.boards = append(f.boards, board)
	return board, nil
}

func (f *fakeTracker) AddBoardItem(_ context.Context, boardID, issueNodeID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextItem++
	itemID := fmt.Sprintf("PVTI_%d", f.nextItem)
	f.boardItems[boardID] = append(f.boardItems[boardID], tracker.BoardItem{ItemID: itemID})
	return itemID, nil
}

func (f *fakeTracker) GetStatusField(context.Context, string) (tracker.StatusField, error) {
	return tracker.StatusField{
		ID:      "F_1",
		Options: map[string]string{"To Do": "o1", "In Progress": "o2", "Done": "o3"},
	}, nil
}

func (f *fakeTracker) SetItemStatus(context.Context, string, string, string, string) error {
	return nil
}

func (f *fakeTracker) ListBoardItems(_ context.Context, boardID string) ([]tracker.BoardItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boardItems[boardID], nil
}

func (f *fakeTracker) issueCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issues)
}

func (f *fakeTracker) milestoneCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.milestones)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema failed: %v", err)
	}
	return s
}

func writePlanFile(t *testing.T, root, name, content string) string {
	t.Helper()
	dir := filepath.Join(root, "implementation", "plans")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	file := filepath.Join(dir, name)
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	rel, _ := filepath.Rel(root, file)
	return filepath.ToSlash(rel)
}

// TestReconcileIdempotent verifies a second sweep over the same snapshot
// creates no additional remote entities.
func TestReconcileIdempotent(t *testing.T) {
	st := newTestStore(t)
	tr := newFakeTracker()
	root := t.TempDir()
	planFile := writePlanFile(t, root, "PLAN_PHASE_1.md",
		"# Phase 1\n\n## Build\n- [ ] write parser\n- [x] wire store\n")

	r := New(st, tr, Config{Root: root, ProjectTitle: "Pulse"})

	snap := &analyzer.Snapshot{
		Packages: []analyzer.Package{{Name: "core", Status: analyzer.StatusInProgress}},
		Todos:    []analyzer.Todo{{Type: analyzer.TodoTypeTodo, Message: "fix parser", File: "src/a.ts", Line: 3}},
		Plans:    []analyzer.Plan{{Name: "phase-1", File: planFile, Completed: 1, Total: 2, Progress: 50}},
	}

	if err := r.Reconcile(context.Background(), snap); err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}
	issuesAfterFirst := tr.issueCount()
	milestonesAfterFirst := tr.milestoneCount()
	if milestonesAfterFirst != 1 {
		t.Errorf("expected 1 milestone, got %d", milestonesAfterFirst)
	}
	// 1 todo issue + 1 plan issue + 2 task issues
	if issuesAfterFirst != 4 {
		t.Errorf("expected 4 issues after first sweep, got %d", issuesAfterFirst)
	}

	if err := r.Reconcile(context.Background(), snap); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if tr.issueCount() != issuesAfterFirst {
		t.Errorf("second sweep created issues: %d -> %d", issuesAfterFirst, tr.issueCount())
	}
	if tr.milestoneCount() != milestonesAfterFirst {
		t.Errorf("second sweep created milestones: %d -> %d", milestonesAfterFirst, tr.milestoneCount())
	}
	if len(tr.boards) != 1 {
		t.Errorf("expected 1 board across sweeps, got %d", len(tr.boards))
	}
}

// TestTodoIssueCap verifies one sweep opens at most the configured
// number of todo issues.
func TestTodoIssueCap(t *testing.T) {
	st := newTestStore(t)
	tr := newFakeTracker()
	r := New(st, tr, Config{Root: t.TempDir(), TodoIssueCap: 3})

	var todos []analyzer.Todo
	for i := 0; i < 10; i++ {
		todos = append(todos, analyzer.Todo{
			Type: analyzer.TodoTypeTodo, Message: fmt.Sprintf("task %d", i),
			File: "src/a.ts", Line: i + 1,
		})
	}

	if err := r.Reconcile(context.Background(), &analyzer.Snapshot{Todos: todos}); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := tr.issueCount(); got != 3 {
		t.Errorf("expected 3 issues under cap, got %d", got)
	}

	// The next sweep picks up where the cap stopped.
	if err := r.Reconcile(context.Background(), &analyzer.Snapshot{Todos: todos}); err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if got := tr.issueCount(); got != 6 {
		t.Errorf("expected 6 issues after second sweep, got %d", got)
	}
}

// TestPartialFailureContinues verifies one failing remote call does not
// abort the sweep and lands in the sync log as failed.
func TestPartialFailureContinues(t *testing.T) {
	st := newTestStore(t)
	tr := newFakeTracker()
	tr.failMilestone = "broken"
	r := New(st, tr, Config{Root: t.TempDir()})

	snap := &analyzer.Snapshot{
		Packages: []analyzer.Package{
			{Name: "alpha", Status: analyzer.StatusPending},
			{Name: "broken", Status: analyzer.StatusPending},
			{Name: "omega", Status: analyzer.StatusPending},
		},
	}
	if err := r.Reconcile(context.Background(), snap); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if got := tr.milestoneCount(); got != 2 {
		t.Errorf("expected 2 milestones despite one failure, got %d", got)
	}

	stats, err := st.GetSyncStats(context.Background())
	if err != nil {
		t.Fatalf("GetSyncStats failed: %v", err)
	}
	if stats.Failed != 1 || stats.Succeeded != 2 {
		t.Errorf("expected 2 succeeded / 1 failed, got %+v", stats)
	}
}

// TestAutoCloseMilestone verifies complete packages close their mapped
// milestone when auto-close is enabled.
func TestAutoCloseMilestone(t *testing.T) {
	st := newTestStore(t)
	tr := newFakeTracker()
	r := New(st, tr, Config{Root: t.TempDir(), AutoCloseIssues: true})

	snap := &analyzer.Snapshot{
		Packages: []analyzer.Package{{Name: "core", Status: analyzer.StatusComplete}},
	}
	if err := r.Reconcile(context.Background(), snap); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if len(tr.closed) != 1 {
		t.Errorf("expected 1 closed milestone, got %d", len(tr.closed))
	}
}

// TestPullRollsUpProgress verifies remote board movement updates plan
// progress as round(100*(done+inProgress)/total).
func TestPullRollsUpProgress(t *testing.T) {
	st := newTestStore(t)
	tr := newFakeTracker()
	r := New(st, tr, Config{Root: t.TempDir()})
	ctx := context.Background()

	snap := &analyzer.Snapshot{
		Plans: []analyzer.Plan{{Name: "phase-1", File: "implementation/plans/PLAN_PHASE_1.md", Total: 3}},
	}
	if err := st.CommitSnapshot(ctx, snap); err != nil {
		t.Fatalf("CommitSnapshot failed: %v", err)
	}
	if err := st.PutBoard(ctx, store.Board{PlanName: "phase-1", BoardID: "PVT_1"}); err != nil {
		t.Fatalf("PutBoard failed: %v", err)
	}
	for i, status := range []string{"Done", "In Progress", "To Do"} {
		err := st.PutBoardItem(ctx, store.BoardItem{
			BoardID: "PVT_1", ItemID: fmt.Sprintf("PVTI_%d", i+1),
			IssueNumber: i + 1, Status: "To Do",
		})
		if err != nil {
			t.Fatalf("PutBoardItem failed: %v", err)
		}
		tr.boardItems["PVT_1"] = append(tr.boardItems["PVT_1"], tracker.BoardItem{
			ItemID: fmt.Sprintf("PVTI_%d", i+1), IssueNumber: i + 1, Status: status,
		})
	}

	if err := r.Pull(ctx); err != nil {
		t.Fatalf("Pull failed: %v", err)
	}

	state, err := st.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.Plans) != 1 {
		t.Fatalf("expected 1 plan, got %d", len(state.Plans))
	}
	// (1 done + 1 in progress) / 3 = 67%
	if state.Plans[0].Progress != 67 {
		t.Errorf("expected progress 67, got %d", state.Plans[0].Progress)
	}
	if state.Plans[0].Completed != 1 {
		t.Errorf("expected completed 1, got %d", state.Plans[0].Completed)
	}

	// Pull-side log entries carry the from_remote direction.
	entries, err := st.RecentSyncLog(ctx, 10)
	if err != nil {
		t.Fatalf("RecentSyncLog failed: %v", err)
	}
	var pulled bool
	for _, e := range entries {
		if e.Action == "pull_board" {
			pulled = true
			if e.Direction != store.DirectionFromRemote {
				t.Errorf("expected pull_board direction from_remote, got %q", e.Direction)
			}
			if e.EntityType != store.RemoteBoard || e.EntityID != "phase-1" {
				t.Errorf("unexpected pull_board entry: %+v", e)
			}
		}
	}
	if !pulled {
		t.Error("expected a pull_board sync log entry")
	}
}

// TestTaskKeyTruncation verifies long task titles share a stable mapping
// key on the first 50 runes and multi-byte titles never split mid-rune.
func TestTaskKeyTruncation(t *testing.T) {
	long := strings.Repeat("x", 80)
	key := taskKey("phase-1", long)
	if want := "phase-1:" + strings.Repeat("x", 50); key != want {
		t.Errorf("unexpected key %q", key)
	}
	if taskKey("phase-1", "short") != "phase-1:short" {
		t.Errorf("short titles should pass through unchanged")
	}

	wide := strings.Repeat("実", 60)
	wideKey := taskKey("phase-1", wide)
	if !utf8.ValidString(wideKey) {
		t.Errorf("key for multi-byte title is not valid UTF-8: %q", wideKey)
	}
	if want := "phase-1:" + strings.Repeat("実", 50); wideKey != want {
		t.Errorf("expected truncation on a rune boundary, got %q", wideKey)
	}
}

// TestPacingHonorsContext verifies cancellation interrupts the pacing
// delay rather than sleeping it out.
func TestPacingHonorsContext(t *testing.T) {
	r := New(newTestStore(t), newFakeTracker(), Config{Root: t.TempDir(), Pacing: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := r.pace(ctx); err == nil {
		t.Error("expected context error from pace")
	}
	if time.Since(start) > time.Second {
		t.Error("pace did not honor cancellation promptly")
	}
}
