package store

import (
	"context"
	"fmt"
	"time"
)

// Sync directions and outcomes recorded in the sync log.
const (
	DirectionToRemote   = "to_remote"
	DirectionFromRemote = "from_remote"

	SyncSuccess = "success"
	SyncFailed  = "failed"
)

// SyncLogEntry is one append-only audit record of a remote mutation
// attempt. Entries are never updated or deleted.
type SyncLogEntry struct {
	ID         int64     `json:"id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Direction  string    `json:"direction"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// SyncStats summarizes the sync log for the stats endpoint.
type SyncStats struct {
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	LastSync  string `json:"last_sync,omitempty"`
}

// AppendSyncLog records the outcome of one remote mutation attempt.
func (s *Store) AppendSyncLog(ctx context.Context, direction, action, entityType, entityID, status, errDetail string) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO sync_log (action, entity_type, entity_id, direction, status, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		action, entityType, entityID, direction, status, errDetail)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}
	return nil
}

// RecentSyncLog returns the newest entries, capped at limit.
func (s *Store) RecentSyncLog(ctx context.Context, limit int) ([]SyncLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, action, entity_type, entity_id, direction, status, COALESCE(error, ''), timestamp
		 FROM sync_log ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync log: %w", err)
	}
	defer rows.Close()

	var entries []SyncLogEntry
	for rows.Next() {
		var e SyncLogEntry
		var ts string
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &e.Direction, &e.Status, &e.Error, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan sync log entry: %w", err)
		}
		e.Timestamp = parseSQLiteTime(ts)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSyncStats summarizes outcomes over the whole sync log.
func (s *Store) GetSyncStats(ctx context.Context) (SyncStats, error) {
	var stats SyncStats
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		        COALESCE(MAX(CASE WHEN status = 'success' THEN timestamp END), '')
		 FROM sync_log`).Scan(&stats.Total, &stats.Succeeded, &stats.Failed, &stats.LastSync)
	if err != nil {
		return stats, fmt.Errorf("failed to compute sync stats: %w", err)
	}
	return stats, nil
}
