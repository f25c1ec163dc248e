package tracker

import (
	"errors"
	"fmt"
)

// Issue is the subset of tracker issue fields the reconciler uses.
type Issue struct {
	Number  int    `json:"number"`
	NodeID  string `json:"node_id"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
}

// Milestone is the subset of tracker milestone fields the reconciler uses.
type Milestone struct {
	Number      int    `json:"number"`
	Title       string `json:"title"`
	Description string `json:"description"`
	State       string `json:"state"`
	HTMLURL     string `json:"html_url"`
}

// Board identifies a ProjectV2-style board.
type Board struct {
	ID      string
	Number  int
	URL     string
	OwnerID string
}

// BoardItem is one item on a board as reported by the tracker.
type BoardItem struct {
	ItemID      string
	IssueNumber int
	Title       string
	Status      string
}

// StatusField describes a board's single-select status field and its
// option IDs keyed by option name ("To Do", "In Progress", "Done").
type StatusField struct {
	ID      string
	Options map[string]string
}

// APIError is returned when the tracker responds with a non-success
// status code.
type APIError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tracker API error %d at %s: %s", e.StatusCode, e.URL, e.Message)
}

// IsNotFound reports whether the error is a tracker 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == 404
}
