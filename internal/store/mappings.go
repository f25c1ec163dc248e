package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Local entity kinds tracked in the mappings table.
const (
	LocalPackage = "package"
	LocalPlan    = "plan"
	LocalTodo    = "todo"
	LocalTask    = "task"
)

// Remote entity kinds.
const (
	RemoteMilestone = "milestone"
	RemoteIssue     = "issue"
	RemoteBoard     = "board"
)

// ErrMappingNotFound indicates no mapping row exists for the given key.
var ErrMappingNotFound = errors.New("mapping not found")

// Mapping links a local entity to its remote counterpart.
type Mapping struct {
	ID         int64     `json:"id"`
	LocalType  string    `json:"local_type"`
	LocalID    string    `json:"local_id"`
	RemoteType string    `json:"remote_type"`
	RemoteID   string    `json:"remote_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// PutMapping records a local-to-remote link. Re-mapping the same local
// entity overwrites the previous link rather than accumulating rows.
func (s *Store) PutMapping(ctx context.Context, localType, localID, remoteType, remoteID string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO mappings (local_type, local_id, remote_type, remote_id)
		 VALUES (?, ?, ?, ?)`,
		localType, localID, remoteType, remoteID)
	if err != nil {
		return fmt.Errorf("failed to put mapping %s/%s: %w", localType, localID, err)
	}
	return nil
}

// GetRemoteID looks up the remote counterpart of a local entity.
// Returns ErrMappingNotFound if the entity has never been pushed.
func (s *Store) GetRemoteID(ctx context.Context, localType, localID string) (string, error) {
	var remoteID string
	err := s.conn.QueryRowContext(ctx,
		`SELECT remote_id FROM mappings WHERE local_type = ? AND local_id = ?`,
		localType, localID).Scan(&remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMappingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get mapping %s/%s: %w", localType, localID, err)
	}
	return remoteID, nil
}

// GetLocalID resolves a remote entity back to its local counterpart, used
// when a webhook or pull sweep reports a remote-side change.
func (s *Store) GetLocalID(ctx context.Context, remoteType, remoteID string) (string, string, error) {
	var localType, localID string
	err := s.conn.QueryRowContext(ctx,
		`SELECT local_type, local_id FROM mappings WHERE remote_type = ? AND remote_id = ?`,
		remoteType, remoteID).Scan(&localType, &localID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrMappingNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve remote %s/%s: %w", remoteType, remoteID, err)
	}
	return localType, localID, nil
}

// ListMappings returns all mappings of one local type, newest first.
// Pass an empty localType to list everything.
func (s *Store) ListMappings(ctx context.Context, localType string) ([]Mapping, error) {
	query := `SELECT id, local_type, local_id, remote_type, remote_id, created_at
		FROM mappings`
	var args []any
	if localType != "" {
		query += ` WHERE local_type = ?`
		args = append(args, localType)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []Mapping
	for rows.Next() {
		var m Mapping
		var created string
		if err := rows.Scan(&m.ID, &m.LocalType, &m.LocalID, &m.RemoteType, &m.RemoteID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		m.CreatedAt = parseSQLiteTime(created)
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// CountMappings returns the number of mappings for a local type.
func (s *Store) CountMappings(ctx context.Context, localType string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mappings WHERE local_type = ?`, localType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count mappings: %w", err)
	}
	return n, nil
}

// DeleteMapping removes the link for a local entity. Missing rows are
// not an error.
func (s *Store) DeleteMapping(ctx context.Context, localType, localID string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM mappings WHERE local_type = ? AND local_id = ?`,
		localType, localID)
	if err != nil {
		return fmt.Errorf("failed to delete mapping %s/%s: %w", localType, localID, err)
	}
	return nil
}

// parseSQLiteTime handles the timestamp formats SQLite emits for
// CURRENT_TIMESTAMP columns.
func parseSQLiteTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339, time.DateTime} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
