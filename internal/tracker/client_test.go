package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{
		Token:      "test-token",
		Owner:      "stoicfive",
		Repo:       "pulse",
		BaseURL:    server.URL,
		GraphQLURL: server.URL + "/graphql",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return client
}

// TestNewRequiresCredentials verifies construction fails without a token
// or repo slug.
func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{Owner: "o", Repo: "r"}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := New(Config{Token: "t"}); err == nil {
		t.Error("expected error without owner/repo")
	}
}

// TestCreateIssue verifies the request shape and response decoding.
func TestCreateIssue(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/stoicfive/pulse/issues" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("unexpected auth header: %s", got)
		}

		var payload struct {
			Title  string   `json:"title"`
			Labels []string `json:"labels"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("failed to decode payload: %v", err)
		}
		if payload.Title != "TODO: fix parser" || len(payload.Labels) != 1 {
			t.Errorf("unexpected payload: %+v", payload)
		}

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Issue{Number: 42, NodeID: "I_42", Title: payload.Title, State: "open"})
	}))

	issue, err := client.CreateIssue(context.Background(), "TODO: fix parser", "body", []string{"todo"})
	if err != nil {
		t.Fatalf("CreateIssue failed: %v", err)
	}
	if issue.Number != 42 || issue.NodeID != "I_42" {
		t.Errorf("unexpected issue: %+v", issue)
	}
}

// TestIssueMutations verifies the update, label, and release endpoints
// hit the right paths with the right verbs.
func TestIssueMutations(t *testing.T) {
	var calls []string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		w.Write([]byte(`{}`))
	}))

	ctx := context.Background()
	if err := client.UpdateIssue(ctx, 7, "new title", "new body"); err != nil {
		t.Fatalf("UpdateIssue failed: %v", err)
	}
	if err := client.AddLabels(ctx, 7, []string{"todo", "sync"}); err != nil {
		t.Fatalf("AddLabels failed: %v", err)
	}
	if err := client.CreateRelease(ctx, "v1.2.0", "1.2.0", "notes"); err != nil {
		t.Fatalf("CreateRelease failed: %v", err)
	}

	want := []string{
		"PATCH /repos/stoicfive/pulse/issues/7",
		"POST /repos/stoicfive/pulse/issues/7/labels",
		"POST /repos/stoicfive/pulse/releases",
	}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), calls)
	}
	for i, c := range calls {
		if c != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], c)
		}
	}
}

// TestAPIErrorSurface verifies non-2xx responses map to APIError with
// the tracker's message, and that IsNotFound matches wrapped 404s.
func TestAPIErrorSurface(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "Not Found"}`))
	}))

	_, err := client.GetIssue(context.Background(), 999)
	if err == nil {
		t.Fatal("expected error for 404")
	}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != 404 || apiErr.Message != "Not Found" {
		t.Errorf("unexpected APIError: %+v", apiErr)
	}
	if !IsNotFound(err) {
		t.Error("expected IsNotFound to match wrapped 404")
	}
}

// TestCreateBoard verifies the GraphQL mutation round trip.
func TestCreateBoard(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/graphql" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req graphqlRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode graphql request: %v", err)
		}
		if req.Variables["title"] != "Pulse - phase-1" {
			t.Errorf("unexpected title variable: %v", req.Variables["title"])
		}

		w.Write([]byte(`{"data": {"createProjectV2": {"projectV2":
			{"id": "PVT_1", "number": 7, "url": "https://example.com/7"}}}}`))
	}))

	board, err := client.CreateBoard(context.Background(), "U_1", "Pulse - phase-1")
	if err != nil {
		t.Fatalf("CreateBoard failed: %v", err)
	}
	if board.ID != "PVT_1" || board.Number != 7 || board.OwnerID != "U_1" {
		t.Errorf("unexpected board: %+v", board)
	}
}

// TestGraphQLErrors verifies GraphQL-level errors surface even on a 200
// response.
func TestGraphQLErrors(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data": null, "errors": [{"message": "insufficient scopes"}]}`))
	}))

	if _, err := client.OwnerID(context.Background()); err == nil {
		t.Error("expected error from GraphQL errors array")
	}
}

// TestListBoardItemsPagination verifies cursor pagination drains all
// pages.
func TestListBoardItemsPagination(t *testing.T) {
	page := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		if page == 1 {
			w.Write([]byte(`{"data": {"node": {"items": {
				"pageInfo": {"hasNextPage": true, "endCursor": "c1"},
				"nodes": [{"id": "PVTI_1", "content": {"number": 1, "title": "a"},
					"fieldValueByName": {"name": "To Do"}}]}}}}`))
			return
		}
		w.Write([]byte(`{"data": {"node": {"items": {
			"pageInfo": {"hasNextPage": false, "endCursor": ""},
			"nodes": [{"id": "PVTI_2", "content": {"number": 2, "title": "b"},
				"fieldValueByName": {"name": "Done"}}]}}}}`))
	}))

	items, err := client.ListBoardItems(context.Background(), "PVT_1")
	if err != nil {
		t.Fatalf("ListBoardItems failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items across pages, got %d", len(items))
	}
	if items[1].Status != "Done" || items[1].IssueNumber != 2 {
		t.Errorf("unexpected second item: %+v", items[1])
	}
}
