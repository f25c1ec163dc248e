// Package tracker is a minimal client for a GitHub-style issue tracker:
// REST for issues, milestones, and comments, GraphQL for project boards.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	defaultBaseURL    = "https://api.github.com"
	defaultGraphQLURL = "https://api.github.com/graphql"
	requestTimeout    = 30 * time.Second
	userAgent         = "pulse-sync-engine"
)

// Config holds tracker connection settings.
type Config struct {
	Token      string
	Owner      string
	Repo       string
	BaseURL    string
	GraphQLURL string
	Logger     *log.Logger
}

// Client talks to the remote tracker. All methods honor the passed
// context for cancellation and deadlines.
type Client struct {
	token      string
	owner      string
	repo       string
	baseURL    string
	graphqlURL string
	httpClient *http.Client
	logger     *log.Logger
}

// New creates a tracker client. Token, Owner, and Repo are required.
func New(config Config) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("tracker token is required")
	}
	if config.Owner == "" || config.Repo == "" {
		return nil, fmt.Errorf("tracker owner and repo are required")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	graphqlURL := config.GraphQLURL
	if graphqlURL == "" {
		graphqlURL = defaultGraphQLURL
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[tracker] ", log.LstdFlags)
	}

	return &Client{
		token:      config.Token,
		owner:      config.Owner,
		repo:       config.Repo,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		graphqlURL: graphqlURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
	}, nil
}

// RepoSlug returns the owner/repo slug the client is bound to.
func (c *Client) RepoSlug() string {
	return c.owner + "/" + c.repo
}

// CheckAuth verifies the token by fetching the authenticated user.
// Returns the login name.
func (c *Client) CheckAuth(ctx context.Context) (string, error) {
	var user struct {
		Login string `json:"login"`
	}
	if err := c.rest(ctx, http.MethodGet, "/user", nil, &user); err != nil {
		return "", fmt.Errorf("auth check failed: %w", err)
	}
	return user.Login, nil
}

// CreateIssue opens a new issue with the given labels.
func (c *Client) CreateIssue(ctx context.Context, title, body string, labels []string) (Issue, error) {
	payload := map[string]any{"title": title, "body": body}
	if len(labels) > 0 {
		payload["labels"] = labels
	}

	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues", c.owner, c.repo)
	if err := c.rest(ctx, http.MethodPost, path, payload, &issue); err != nil {
		return Issue{}, fmt.Errorf("failed to create issue %q: %w", title, err)
	}
	return issue, nil
}

// GetIssue fetches one issue by number.
func (c *Client) GetIssue(ctx context.Context, number int) (Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, number)
	if err := c.rest(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return Issue{}, fmt.Errorf("failed to get issue #%d: %w", number, err)
	}
	return issue, nil
}

// CloseIssue closes an issue.
func (c *Client) CloseIssue(ctx context.Context, number int) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, number)
	if err := c.rest(ctx, http.MethodPatch, path, map[string]any{"state": "closed"}, nil); err != nil {
		return fmt.Errorf("failed to close issue #%d: %w", number, err)
	}
	return nil
}

// UpdateIssue patches an issue's title and body.
func (c *Client) UpdateIssue(ctx context.Context, number int, title, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d", c.owner, c.repo, number)
	payload := map[string]any{"title": title, "body": body}
	if err := c.rest(ctx, http.MethodPatch, path, payload, nil); err != nil {
		return fmt.Errorf("failed to update issue #%d: %w", number, err)
	}
	return nil
}

// AddLabels attaches labels to an issue, creating them repo-side as
// needed.
func (c *Client) AddLabels(ctx context.Context, number int, labels []string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/labels", c.owner, c.repo, number)
	if err := c.rest(ctx, http.MethodPost, path, map[string]any{"labels": labels}, nil); err != nil {
		return fmt.Errorf("failed to label issue #%d: %w", number, err)
	}
	return nil
}

// ListIssuesByMilestone returns open issues assigned to a milestone.
func (c *Client) ListIssuesByMilestone(ctx context.Context, milestoneNumber int) ([]Issue, error) {
	var issues []Issue
	path := fmt.Sprintf("/repos/%s/%s/issues?milestone=%d&state=open&per_page=100",
		c.owner, c.repo, milestoneNumber)
	if err := c.rest(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, fmt.Errorf("failed to list issues for milestone #%d: %w", milestoneNumber, err)
	}
	return issues, nil
}

// CreateRelease publishes a release for a tag.
func (c *Client) CreateRelease(ctx context.Context, tag, name, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/releases", c.owner, c.repo)
	payload := map[string]any{"tag_name": tag, "name": name, "body": body}
	if err := c.rest(ctx, http.MethodPost, path, payload, nil); err != nil {
		return fmt.Errorf("failed to create release %s: %w", tag, err)
	}
	return nil
}

// RateLimit returns the remaining and total core API quota.
func (c *Client) RateLimit(ctx context.Context) (remaining, limit int, err error) {
	var resp struct {
		Resources struct {
			Core struct {
				Limit     int `json:"limit"`
				Remaining int `json:"remaining"`
			} `json:"core"`
		} `json:"resources"`
	}
	if err := c.rest(ctx, http.MethodGet, "/rate_limit", nil, &resp); err != nil {
		return 0, 0, fmt.Errorf("failed to read rate limit: %w", err)
	}
	return resp.Resources.Core.Remaining, resp.Resources.Core.Limit, nil
}

// CreateComment adds a comment to an issue.
func (c *Client) CreateComment(ctx context.Context, number int, body string) error {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", c.owner, c.repo, number)
	if err := c.rest(ctx, http.MethodPost, path, map[string]any{"body": body}, nil); err != nil {
		return fmt.Errorf("failed to comment on issue #%d: %w", number, err)
	}
	return nil
}

// CreateMilestone creates an open milestone.
func (c *Client) CreateMilestone(ctx context.Context, title, description string) (Milestone, error) {
	payload := map[string]any{"title": title, "description": description}

	var milestone Milestone
	path := fmt.Sprintf("/repos/%s/%s/milestones", c.owner, c.repo)
	if err := c.rest(ctx, http.MethodPost, path, payload, &milestone); err != nil {
		return Milestone{}, fmt.Errorf("failed to create milestone %q: %w", title, err)
	}
	return milestone, nil
}

// CloseMilestone marks a milestone as closed.
func (c *Client) CloseMilestone(ctx context.Context, number int) error {
	path := fmt.Sprintf("/repos/%s/%s/milestones/%d", c.owner, c.repo, number)
	if err := c.rest(ctx, http.MethodPatch, path, map[string]any{"state": "closed"}, nil); err != nil {
		return fmt.Errorf("failed to close milestone #%d: %w", number, err)
	}
	return nil
}

// ListMilestones returns milestones in the given state ("open", "closed",
// or "all").
func (c *Client) ListMilestones(ctx context.Context, state string) ([]Milestone, error) {
	var milestones []Milestone
	path := fmt.Sprintf("/repos/%s/%s/milestones?state=%s&per_page=100", c.owner, c.repo, state)
	if err := c.rest(ctx, http.MethodGet, path, nil, &milestones); err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", err)
	}
	return milestones, nil
}

// rest issues one REST request and decodes the JSON response into out
// (when out is non-nil).
func (c *Client) rest(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
			URL:        url,
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// readErrorMessage extracts the tracker's error message, falling back to
// the raw body.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return "unreadable error body"
	}

	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &parsed) == nil && parsed.Message != "" {
		return parsed.Message
	}
	return strings.TrimSpace(string(data))
}
