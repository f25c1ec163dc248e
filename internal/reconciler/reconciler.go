// Package reconciler mirrors local project state to a remote issue
// tracker and pulls remote task movement back. Packages map to
// milestones, todo markers to capped issues, and plans to issues plus
// project boards whose items track plan tasks.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/stoicfive/pulse/internal/analyzer"
	"github.com/stoicfive/pulse/internal/store"
	"github.com/stoicfive/pulse/internal/tracker"
)

// Tracker is the remote surface the reconciler mutates. Satisfied by
// *tracker.Client; tests supply fakes.
type Tracker interface {
	CreateIssue(ctx context.Context, title, body string, labels []string) (tracker.Issue, error)
	CloseIssue(ctx context.Context, number int) error
	CreateComment(ctx context.Context, number int, body string) error
	CreateMilestone(ctx context.Context, title, description string) (tracker.Milestone, error)
	CloseMilestone(ctx context.Context, number int) error
	ListIssuesByMilestone(ctx context.Context, milestoneNumber int) ([]tracker.Issue, error)
	OwnerID(ctx context.Context) (string, error)
	CreateBoard(ctx context.Context, ownerID, title string) (tracker.Board, error)
	AddBoardItem(ctx context.Context, boardID, issueNodeID string) (string, error)
	GetStatusField(ctx context.Context, boardID string) (tracker.StatusField, error)
	SetItemStatus(ctx context.Context, boardID, itemID, fieldID, optionID string) error
	ListBoardItems(ctx context.Context, boardID string) ([]tracker.BoardItem, error)
}

// Config controls reconciliation behavior.
type Config struct {
	// Root is the project root, used to re-read plan files for their
	// task lists.
	Root string

	// ProjectTitle prefixes board names ("<ProjectTitle> - <plan>").
	ProjectTitle string

	// TodoIssueCap bounds how many new todo issues one sweep may open.
	TodoIssueCap int

	// Pacing is the delay between consecutive remote mutations.
	Pacing time.Duration

	// AutoCloseIssues closes task issues whose checkbox is checked and
	// milestones whose package is complete.
	AutoCloseIssues bool

	// Logger for reconciliation activity.
	Logger *log.Logger
}

// Reconciler pushes local state to the tracker and pulls board movement
// back. Individual entity failures are logged and recorded in the sync
// log without aborting the sweep.
type Reconciler struct {
	store   *store.Store
	tracker Tracker
	config  Config

	ownerID string
}

// New creates a Reconciler.
func New(st *store.Store, tr Tracker, config Config) *Reconciler {
	if config.TodoIssueCap <= 0 {
		config.TodoIssueCap = 10
	}
	if config.ProjectTitle == "" {
		config.ProjectTitle = "Project"
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[reconciler] ", log.LstdFlags)
	}
	return &Reconciler{store: st, tracker: tr, config: config}
}

// Reconcile runs one full push sweep followed by a pull sweep. The
// returned error is fatal only (context cancellation or a dead store);
// per-entity remote failures are absorbed.
func (r *Reconciler) Reconcile(ctx context.Context, snap *analyzer.Snapshot) error {
	if err := r.pushPackages(ctx, snap.Packages); err != nil {
		return err
	}
	if err := r.pushTodos(ctx, snap.Todos); err != nil {
		return err
	}
	if err := r.pushPlans(ctx, snap.Plans); err != nil {
		return err
	}
	if err := r.Pull(ctx); err != nil {
		return err
	}
	return nil
}

// pushPackages mirrors packages to milestones, closing milestones for
// packages that reached complete.
func (r *Reconciler) pushPackages(ctx context.Context, packages []analyzer.Package) error {
	for _, pkg := range packages {
		if err := ctx.Err(); err != nil {
			return err
		}

		remoteID, err := r.store.GetRemoteID(ctx, store.LocalPackage, pkg.Name)
		if errors.Is(err, store.ErrMappingNotFound) {
			milestone, createErr := r.tracker.CreateMilestone(ctx, pkg.Name, pkg.Description)
			if createErr != nil {
				r.recordFailure(ctx, "create_milestone", store.LocalPackage, pkg.Name, createErr)
				continue
			}
			remoteID = fmt.Sprintf("%d", milestone.Number)
			if err := r.store.PutMapping(ctx, store.LocalPackage, pkg.Name, store.RemoteMilestone, remoteID); err != nil {
				return err
			}
			r.recordSuccess(ctx, "create_milestone", store.LocalPackage, pkg.Name)
			if err := r.pace(ctx); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		if pkg.Status == analyzer.StatusComplete && r.config.AutoCloseIssues {
			if err := r.closeMilestone(ctx, pkg.Name, atoiSafe(remoteID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// closeMilestone closes every open issue under a completed package's
// milestone, then the milestone itself. Already-closed milestones make
// this a cheap no-op: listing returns nothing.
func (r *Reconciler) closeMilestone(ctx context.Context, pkgName string, number int) error {
	if number == 0 {
		return nil
	}

	issues, err := r.tracker.ListIssuesByMilestone(ctx, number)
	if err != nil {
		r.recordFailure(ctx, "list_milestone_issues", store.LocalPackage, pkgName, err)
		return nil
	}
	for _, issue := range issues {
		if err := r.tracker.CloseIssue(ctx, issue.Number); err != nil {
			r.recordFailure(ctx, "close_milestone_issue", store.RemoteIssue, fmt.Sprintf("%d", issue.Number), err)
			continue
		}
		r.recordSuccess(ctx, "close_milestone_issue", store.RemoteIssue, fmt.Sprintf("%d", issue.Number))
		if err := r.pace(ctx); err != nil {
			return err
		}
	}

	if err := r.tracker.CloseMilestone(ctx, number); err != nil {
		r.recordFailure(ctx, "close_milestone", store.LocalPackage, pkgName, err)
		return nil
	}
	r.recordSuccess(ctx, "close_milestone", store.LocalPackage, pkgName)
	return r.pace(ctx)
}

// pushTodos opens issues for unmapped todo markers, bounded by the
// per-sweep cap so a marker-heavy tree cannot flood the tracker.
func (r *Reconciler) pushTodos(ctx context.Context, todos []analyzer.Todo) error {
	created := 0
	for _, todo := range todos {
		if created >= r.config.TodoIssueCap {
			r.config.Logger.Printf("Todo issue cap (%d) reached, deferring remainder", r.config.TodoIssueCap)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		localID := fmt.Sprintf("%s:%d", todo.File, todo.Line)
		_, err := r.store.GetRemoteID(ctx, store.LocalTodo, localID)
		if err == nil {
			continue
		}
		if !errors.Is(err, store.ErrMappingNotFound) {
			return err
		}

		title := fmt.Sprintf("%s: %s", todo.Type, todo.Message)
		body := fmt.Sprintf("Found in `%s` line %d.", todo.File, todo.Line)
		issue, err := r.tracker.CreateIssue(ctx, title, body, []string{"todo"})
		if err != nil {
			r.recordFailure(ctx, "create_issue", store.LocalTodo, localID, err)
			continue
		}
		if err := r.store.PutMapping(ctx, store.LocalTodo, localID, store.RemoteIssue, fmt.Sprintf("%d", issue.Number)); err != nil {
			return err
		}
		r.recordSuccess(ctx, "create_issue", store.LocalTodo, localID)
		created++
		if err := r.pace(ctx); err != nil {
			return err
		}
	}
	return nil
}

// pushPlans mirrors each plan to a tracking issue plus a project board
// whose items are the plan's tasks.
func (r *Reconciler) pushPlans(ctx context.Context, plans []analyzer.Plan) error {
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.pushPlan(ctx, plan); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) pushPlan(ctx context.Context, plan analyzer.Plan) error {
	_, err := r.store.GetRemoteID(ctx, store.LocalPlan, plan.Name)
	if errors.Is(err, store.ErrMappingNotFound) {
		title := fmt.Sprintf("Plan: %s", plan.Name)
		body := fmt.Sprintf("Tracking issue for plan `%s` (%d/%d tasks complete).",
			plan.Name, plan.Completed, plan.Total)
		issue, createErr := r.tracker.CreateIssue(ctx, title, body, []string{"plan"})
		if createErr != nil {
			r.recordFailure(ctx, "create_plan_issue", store.LocalPlan, plan.Name, createErr)
			return nil
		}
		if err := r.store.PutMapping(ctx, store.LocalPlan, plan.Name, store.RemoteIssue, fmt.Sprintf("%d", issue.Number)); err != nil {
			return err
		}
		r.recordSuccess(ctx, "create_plan_issue", store.LocalPlan, plan.Name)
		if err := r.pace(ctx); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	board, err := r.store.GetBoard(ctx, plan.Name)
	if errors.Is(err, store.ErrBoardNotFound) {
		board, err = r.createBoard(ctx, plan.Name)
		if err != nil {
			r.recordFailure(ctx, "create_board", store.LocalPlan, plan.Name, err)
			return nil
		}
	} else if err != nil {
		return err
	}

	return r.pushTasks(ctx, plan, board)
}

// createBoard creates the remote board for a plan and records it.
func (r *Reconciler) createBoard(ctx context.Context, planName string) (store.Board, error) {
	if r.ownerID == "" {
		ownerID, err := r.tracker.OwnerID(ctx)
		if err != nil {
			return store.Board{}, fmt.Errorf("failed to resolve owner: %w", err)
		}
		r.ownerID = ownerID
	}

	title := fmt.Sprintf("%s - %s", r.config.ProjectTitle, planName)
	remote, err := r.tracker.CreateBoard(ctx, r.ownerID, title)
	if err != nil {
		return store.Board{}, err
	}

	board := store.Board{
		PlanName:    planName,
		BoardID:     remote.ID,
		BoardNumber: remote.Number,
		URL:         remote.URL,
		OwnerID:     remote.OwnerID,
	}
	if err := r.store.PutBoard(ctx, board); err != nil {
		return store.Board{}, err
	}
	r.recordSuccess(ctx, "create_board", store.LocalPlan, planName)
	if err := r.pace(ctx); err != nil {
		return store.Board{}, err
	}
	return board, nil
}

// pushTasks mirrors a plan's checkbox tasks to issues placed on the
// plan's board.
func (r *Reconciler) pushTasks(ctx context.Context, plan analyzer.Plan, board store.Board) error {
	content, err := os.ReadFile(filepath.Join(r.config.Root, filepath.FromSlash(plan.File)))
	if err != nil {
		r.config.Logger.Printf("Failed to read plan file %s: %v", plan.File, err)
		return nil
	}
	tasks := analyzer.ParsePlanTasks(string(content), plan.Name)

	var field tracker.StatusField
	fieldLoaded := false

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}

		localID := taskKey(plan.Name, task.Title)
		remoteID, err := r.store.GetRemoteID(ctx, store.LocalTask, localID)
		if errors.Is(err, store.ErrMappingNotFound) {
			body := fmt.Sprintf("Task from plan `%s`", plan.Name)
			if task.Section != "" {
				body += fmt.Sprintf(", section %q", task.Section)
			}
			body += "."
			issue, createErr := r.tracker.CreateIssue(ctx, task.Title, body, []string{"task"})
			if createErr != nil {
				r.recordFailure(ctx, "create_task_issue", store.LocalTask, localID, createErr)
				continue
			}
			if err := r.store.PutMapping(ctx, store.LocalTask, localID, store.RemoteIssue, fmt.Sprintf("%d", issue.Number)); err != nil {
				return err
			}

			itemID, addErr := r.tracker.AddBoardItem(ctx, board.BoardID, issue.NodeID)
			if addErr != nil {
				r.recordFailure(ctx, "add_board_item", store.LocalTask, localID, addErr)
				continue
			}

			status := "To Do"
			if task.Completed {
				status = "Done"
			}
			if !fieldLoaded {
				field, err = r.tracker.GetStatusField(ctx, board.BoardID)
				if err != nil {
					r.recordFailure(ctx, "get_status_field", store.LocalPlan, plan.Name, err)
				} else {
					fieldLoaded = true
				}
			}
			if fieldLoaded {
				if optionID, ok := field.Options[status]; ok {
					if err := r.tracker.SetItemStatus(ctx, board.BoardID, itemID, field.ID, optionID); err != nil {
						r.recordFailure(ctx, "set_item_status", store.LocalTask, localID, err)
					}
				}
			}

			if err := r.store.PutBoardItem(ctx, store.BoardItem{
				BoardID:     board.BoardID,
				ItemID:      itemID,
				IssueNumber: issue.Number,
				Title:       task.Title,
				Status:      status,
			}); err != nil {
				return err
			}
			r.recordSuccess(ctx, "create_task_issue", store.LocalTask, localID)
			if err := r.pace(ctx); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		// Already mapped: close the issue when the checkbox got checked.
		if task.Completed && r.config.AutoCloseIssues {
			item, itemErr := r.store.GetBoardItemByIssue(ctx, atoiSafe(remoteID))
			if itemErr == nil && item.Status == "Done" {
				continue
			}
			if err := r.tracker.CloseIssue(ctx, atoiSafe(remoteID)); err != nil {
				r.recordFailure(ctx, "close_task_issue", store.LocalTask, localID, err)
				continue
			}
			r.recordSuccess(ctx, "close_task_issue", store.LocalTask, localID)
			if itemErr == nil {
				if err := r.store.UpdateBoardItemStatus(ctx, item.BoardID, item.ItemID, "Done"); err != nil {
					return err
				}
			}
			if err := r.pace(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Pull refreshes board item statuses from the tracker and rolls plan
// progress up from remote task movement.
func (r *Reconciler) Pull(ctx context.Context) error {
	boards, err := r.store.ListBoards(ctx)
	if err != nil {
		return err
	}

	// Snapshot current plan progress so remote-driven changes can be
	// reported on the plan's tracking issue.
	previous := make(map[string]int)
	if state, err := r.store.GetState(ctx); err == nil {
		for _, plan := range state.Plans {
			previous[plan.Name] = plan.Progress
		}
	}

	for _, board := range boards {
		if err := ctx.Err(); err != nil {
			return err
		}

		items, err := r.tracker.ListBoardItems(ctx, board.BoardID)
		if err != nil {
			r.recordPullFailure(ctx, "list_board_items", store.RemoteBoard, board.PlanName, err)
			continue
		}
		for _, item := range items {
			if item.Status == "" {
				continue
			}
			if err := r.store.UpdateBoardItemStatus(ctx, board.BoardID, item.ItemID, item.Status); err != nil {
				return err
			}
		}

		done, inProgress, total, err := r.store.TaskStatusesForPlan(ctx, board.PlanName)
		if err != nil {
			if errors.Is(err, store.ErrBoardNotFound) {
				continue
			}
			return err
		}
		if total == 0 {
			continue
		}
		progress := int(float64(done+inProgress)/float64(total)*100 + 0.5)
		if err := r.store.UpdatePlanProgress(ctx, board.PlanName, done, total, progress); err != nil {
			return err
		}
		r.recordPull(ctx, "pull_board", store.RemoteBoard, board.PlanName)

		if old, known := previous[board.PlanName]; known && old != progress {
			r.commentProgress(ctx, board.PlanName, done, total, progress)
		}
	}
	return nil
}

// commentProgress posts a progress update on the plan's tracking issue
// when remote board movement changed the rollup.
func (r *Reconciler) commentProgress(ctx context.Context, planName string, done, total, progress int) {
	remoteID, err := r.store.GetRemoteID(ctx, store.LocalPlan, planName)
	if err != nil {
		return
	}
	number := atoiSafe(remoteID)
	if number == 0 {
		return
	}

	body := fmt.Sprintf("Progress update: %d%% (%d/%d tasks done).", progress, done, total)
	if err := r.tracker.CreateComment(ctx, number, body); err != nil {
		r.recordPullFailure(ctx, "comment_progress", store.LocalPlan, planName, err)
		return
	}
	r.recordPull(ctx, "comment_progress", store.LocalPlan, planName)
}

// pace sleeps the configured delay between remote mutations, bailing out
// early on context cancellation.
func (r *Reconciler) pace(ctx context.Context) error {
	if r.config.Pacing <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.config.Pacing):
		return nil
	}
}

func (r *Reconciler) record(ctx context.Context, direction, action, entityType, entityID string, cause error) {
	status, detail := store.SyncSuccess, ""
	if cause != nil {
		status, detail = store.SyncFailed, cause.Error()
	}
	if err := r.store.AppendSyncLog(ctx, direction, action, entityType, entityID, status, detail); err != nil {
		r.config.Logger.Printf("Failed to record sync log for %s %s: %v", action, entityID, err)
	}
}

func (r *Reconciler) recordSuccess(ctx context.Context, action, entityType, entityID string) {
	r.record(ctx, store.DirectionToRemote, action, entityType, entityID, nil)
}

func (r *Reconciler) recordFailure(ctx context.Context, action, entityType, entityID string, cause error) {
	r.config.Logger.Printf("Remote mutation failed: %s %s: %v", action, entityID, cause)
	r.record(ctx, store.DirectionToRemote, action, entityType, entityID, cause)
}

// recordPull logs remote-originated updates applied locally during the
// pull sweep, distinguished from pushes by direction.
func (r *Reconciler) recordPull(ctx context.Context, action, entityType, entityID string) {
	r.record(ctx, store.DirectionFromRemote, action, entityType, entityID, nil)
}

func (r *Reconciler) recordPullFailure(ctx context.Context, action, entityType, entityID string, cause error) {
	r.config.Logger.Printf("Pull failed: %s %s: %v", action, entityID, cause)
	r.record(ctx, store.DirectionFromRemote, action, entityType, entityID, cause)
}

// taskKey builds the stable task mapping key: plan name plus the task
// title truncated to 50 runes, so minor title edits past the cutoff do
// not orphan the mapping. Truncation is rune-aware so multi-byte titles
// never produce an invalid key.
func taskKey(planName, title string) string {
	if runes := []rune(title); len(runes) > 50 {
		title = string(runes[:50])
	}
	return planName + ":" + title
}

func atoiSafe(s string) int {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}
