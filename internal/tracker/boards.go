package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// graphqlRequest is the wire shape of one GraphQL call.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlError is a single error entry in a GraphQL response.
type graphqlError struct {
	Message string `json:"message"`
}

// OwnerID resolves the configured owner's node ID, trying the user
// endpoint first and falling back to organization.
func (c *Client) OwnerID(ctx context.Context) (string, error) {
	const query = `query($login: String!) {
		repositoryOwner(login: $login) { id }
	}`

	var result struct {
		RepositoryOwner struct {
			ID string `json:"id"`
		} `json:"repositoryOwner"`
	}
	err := c.graphql(ctx, query, map[string]any{"login": c.owner}, &result)
	if err != nil {
		return "", fmt.Errorf("failed to resolve owner ID for %s: %w", c.owner, err)
	}
	if result.RepositoryOwner.ID == "" {
		return "", fmt.Errorf("owner %s not found", c.owner)
	}
	return result.RepositoryOwner.ID, nil
}

// CreateBoard creates a new project board owned by ownerID.
func (c *Client) CreateBoard(ctx context.Context, ownerID, title string) (Board, error) {
	const mutation = `mutation($ownerId: ID!, $title: String!) {
		createProjectV2(input: {ownerId: $ownerId, title: $title}) {
			projectV2 { id number url }
		}
	}`

	var result struct {
		CreateProjectV2 struct {
			ProjectV2 struct {
				ID     string `json:"id"`
				Number int    `json:"number"`
				URL    string `json:"url"`
			} `json:"projectV2"`
		} `json:"createProjectV2"`
	}
	vars := map[string]any{"ownerId": ownerID, "title": title}
	if err := c.graphql(ctx, mutation, vars, &result); err != nil {
		return Board{}, fmt.Errorf("failed to create board %q: %w", title, err)
	}

	p := result.CreateProjectV2.ProjectV2
	return Board{ID: p.ID, Number: p.Number, URL: p.URL, OwnerID: ownerID}, nil
}

// AddBoardItem places an issue (by node ID) onto a board and returns the
// new item's ID.
func (c *Client) AddBoardItem(ctx context.Context, boardID, issueNodeID string) (string, error) {
	const mutation = `mutation($projectId: ID!, $contentId: ID!) {
		addProjectV2ItemById(input: {projectId: $projectId, contentId: $contentId}) {
			item { id }
		}
	}`

	var result struct {
		AddProjectV2ItemByID struct {
			Item struct {
				ID string `json:"id"`
			} `json:"item"`
		} `json:"addProjectV2ItemById"`
	}
	vars := map[string]any{"projectId": boardID, "contentId": issueNodeID}
	if err := c.graphql(ctx, mutation, vars, &result); err != nil {
		return "", fmt.Errorf("failed to add item to board: %w", err)
	}
	return result.AddProjectV2ItemByID.Item.ID, nil
}

// GetStatusField fetches a board's single-select Status field and its
// option IDs keyed by name.
func (c *Client) GetStatusField(ctx context.Context, boardID string) (StatusField, error) {
	const query = `query($projectId: ID!) {
		node(id: $projectId) {
			... on ProjectV2 {
				field(name: "Status") {
					... on ProjectV2SingleSelectField {
						id
						options { id name }
					}
				}
			}
		}
	}`

	var result struct {
		Node struct {
			Field struct {
				ID      string `json:"id"`
				Options []struct {
					ID   string `json:"id"`
					Name string `json:"name"`
				} `json:"options"`
			} `json:"field"`
		} `json:"node"`
	}
	if err := c.graphql(ctx, query, map[string]any{"projectId": boardID}, &result); err != nil {
		return StatusField{}, fmt.Errorf("failed to get status field: %w", err)
	}
	if result.Node.Field.ID == "" {
		return StatusField{}, fmt.Errorf("board has no Status field")
	}

	field := StatusField{ID: result.Node.Field.ID, Options: make(map[string]string)}
	for _, opt := range result.Node.Field.Options {
		field.Options[opt.Name] = opt.ID
	}
	return field, nil
}

// SetItemStatus moves a board item into the status column identified by
// optionID.
func (c *Client) SetItemStatus(ctx context.Context, boardID, itemID, fieldID, optionID string) error {
	const mutation = `mutation($projectId: ID!, $itemId: ID!, $fieldId: ID!, $optionId: String!) {
		updateProjectV2ItemFieldValue(input: {
			projectId: $projectId, itemId: $itemId, fieldId: $fieldId,
			value: {singleSelectOptionId: $optionId}
		}) {
			projectV2Item { id }
		}
	}`

	vars := map[string]any{
		"projectId": boardID,
		"itemId":    itemID,
		"fieldId":   fieldID,
		"optionId":  optionID,
	}
	if err := c.graphql(ctx, mutation, vars, nil); err != nil {
		return fmt.Errorf("failed to set item status: %w", err)
	}
	return nil
}

// ListBoardItems returns every item on a board with its current status,
// used by the pull sweep to mirror remote task movement.
func (c *Client) ListBoardItems(ctx context.Context, boardID string) ([]BoardItem, error) {
	const query = `query($projectId: ID!, $cursor: String) {
		node(id: $projectId) {
			... on ProjectV2 {
				items(first: 100, after: $cursor) {
					pageInfo { hasNextPage endCursor }
					nodes {
						id
						content {
							... on Issue { number title }
						}
						fieldValueByName(name: "Status") {
							... on ProjectV2ItemFieldSingleSelectValue { name }
						}
					}
				}
			}
		}
	}`

	var items []BoardItem
	var cursor any
	for {
		var result struct {
			Node struct {
				Items struct {
					PageInfo struct {
						HasNextPage bool   `json:"hasNextPage"`
						EndCursor   string `json:"endCursor"`
					} `json:"pageInfo"`
					Nodes []struct {
						ID      string `json:"id"`
						Content struct {
							Number int    `json:"number"`
							Title  string `json:"title"`
						} `json:"content"`
						FieldValueByName struct {
							Name string `json:"name"`
						} `json:"fieldValueByName"`
					} `json:"nodes"`
				} `json:"items"`
			} `json:"node"`
		}
		vars := map[string]any{"projectId": boardID, "cursor": cursor}
		if err := c.graphql(ctx, query, vars, &result); err != nil {
			return nil, fmt.Errorf("failed to list board items: %w", err)
		}

		for _, node := range result.Node.Items.Nodes {
			items = append(items, BoardItem{
				ItemID:      node.ID,
				IssueNumber: node.Content.Number,
				Title:       node.Content.Title,
				Status:      node.FieldValueByName.Name,
			})
		}

		if !result.Node.Items.PageInfo.HasNextPage {
			return items, nil
		}
		cursor = result.Node.Items.PageInfo.EndCursor
	}
}

// graphql issues one GraphQL call and decodes the data payload into out
// (when out is non-nil). GraphQL-level errors are surfaced as a single
// wrapped error.
func (c *Client) graphql(ctx context.Context, query string, variables map[string]any, out any) error {
	body, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("failed to encode graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build graphql request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("graphql request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    readErrorMessage(resp.Body),
			URL:        c.graphqlURL,
		}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		return fmt.Errorf("graphql error: %s", envelope.Errors[0].Message)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode graphql data: %w", err)
	}
	return nil
}
