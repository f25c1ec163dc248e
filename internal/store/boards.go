package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrBoardNotFound indicates no board row exists for a plan.
var ErrBoardNotFound = errors.New("board not found")

// Board is a remote project board created for one plan.
type Board struct {
	PlanName    string `json:"plan_name"`
	BoardID     string `json:"board_id"`
	BoardNumber int    `json:"board_number"`
	URL         string `json:"url"`
	OwnerID     string `json:"owner_id"`
}

// BoardItem is one issue placed on a board, with its tracked status column.
type BoardItem struct {
	ID          int64  `json:"id"`
	BoardID     string `json:"board_id"`
	ItemID      string `json:"item_id"`
	IssueNumber int    `json:"issue_number"`
	Title       string `json:"title"`
	Status      string `json:"status"`
}

// PutBoard records a board created for a plan, overwriting any stale row.
func (s *Store) PutBoard(ctx context.Context, b Board) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO boards (plan_name, board_id, board_number, url, owner_id)
		 VALUES (?, ?, ?, ?, ?)`,
		b.PlanName, b.BoardID, b.BoardNumber, b.URL, b.OwnerID)
	if err != nil {
		return fmt.Errorf("failed to put board for plan %s: %w", b.PlanName, err)
	}
	return nil
}

// GetBoard looks up the board for a plan. Returns ErrBoardNotFound when
// the plan has no board yet.
func (s *Store) GetBoard(ctx context.Context, planName string) (Board, error) {
	var b Board
	err := s.conn.QueryRowContext(ctx,
		`SELECT plan_name, board_id, board_number, url, owner_id FROM boards WHERE plan_name = ?`,
		planName).Scan(&b.PlanName, &b.BoardID, &b.BoardNumber, &b.URL, &b.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Board{}, ErrBoardNotFound
	}
	if err != nil {
		return Board{}, fmt.Errorf("failed to get board for plan %s: %w", planName, err)
	}
	return b, nil
}

// ListBoards returns every tracked board.
func (s *Store) ListBoards(ctx context.Context) ([]Board, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT plan_name, board_id, board_number, url, owner_id FROM boards ORDER BY plan_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query boards: %w", err)
	}
	defer rows.Close()

	var boards []Board
	for rows.Next() {
		var b Board
		if err := rows.Scan(&b.PlanName, &b.BoardID, &b.BoardNumber, &b.URL, &b.OwnerID); err != nil {
			return nil, fmt.Errorf("failed to scan board: %w", err)
		}
		boards = append(boards, b)
	}
	return boards, rows.Err()
}

// PutBoardItem records an issue placed on a board. Re-adding the same
// issue to the same board overwrites the row.
func (s *Store) PutBoardItem(ctx context.Context, item BoardItem) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO board_items (board_id, item_id, issue_number, title, status)
		 VALUES (?, ?, ?, ?, ?)`,
		item.BoardID, item.ItemID, item.IssueNumber, item.Title, item.Status)
	if err != nil {
		return fmt.Errorf("failed to put board item #%d: %w", item.IssueNumber, err)
	}
	return nil
}

// UpdateBoardItemStatus moves a tracked item to a new status column.
func (s *Store) UpdateBoardItemStatus(ctx context.Context, boardID, itemID, status string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE board_items SET status = ? WHERE board_id = ? AND item_id = ?`,
		status, boardID, itemID)
	if err != nil {
		return fmt.Errorf("failed to update board item status: %w", err)
	}
	return nil
}

// GetBoardItemByIssue finds the board item for an issue number, across
// all boards. Used when a webhook only carries the issue number.
func (s *Store) GetBoardItemByIssue(ctx context.Context, issueNumber int) (BoardItem, error) {
	var item BoardItem
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, board_id, item_id, issue_number, title, status
		 FROM board_items WHERE issue_number = ?`, issueNumber).
		Scan(&item.ID, &item.BoardID, &item.ItemID, &item.IssueNumber, &item.Title, &item.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return BoardItem{}, ErrBoardNotFound
	}
	if err != nil {
		return BoardItem{}, fmt.Errorf("failed to get board item for issue #%d: %w", issueNumber, err)
	}
	return item, nil
}

// ListBoardItems returns all items on one board.
func (s *Store) ListBoardItems(ctx context.Context, boardID string) ([]BoardItem, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, board_id, item_id, issue_number, title, status
		 FROM board_items WHERE board_id = ? ORDER BY issue_number`, boardID)
	if err != nil {
		return nil, fmt.Errorf("failed to query board items: %w", err)
	}
	defer rows.Close()

	var items []BoardItem
	for rows.Next() {
		var item BoardItem
		if err := rows.Scan(&item.ID, &item.BoardID, &item.ItemID, &item.IssueNumber, &item.Title, &item.Status); err != nil {
			return nil, fmt.Errorf("failed to scan board item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// TaskStatusesForPlan counts board item statuses for a plan's board, used
// to roll plan progress up from remote task movement.
func (s *Store) TaskStatusesForPlan(ctx context.Context, planName string) (done, inProgress, total int, err error) {
	board, err := s.GetBoard(ctx, planName)
	if err != nil {
		return 0, 0, 0, err
	}

	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM board_items WHERE board_id = ? GROUP BY status`,
		board.BoardID)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count board item statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, fmt.Errorf("failed to scan status count: %w", err)
		}
		total += n
		switch status {
		case "Done":
			done += n
		case "In Progress":
			inProgress += n
		}
	}
	return done, inProgress, total, rows.Err()
}
