// Package webhook receives signed tracker events and feeds them back
// into the sync engine. Every request is HMAC-verified before any state
// is touched; a bad signature produces a 401 and no side effects.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/stoicfive/pulse/internal/store"
)

// ErrBadSignature indicates the request signature did not match the
// shared secret.
var ErrBadSignature = errors.New("webhook signature mismatch")

const signatureHeader = "X-Hub-Signature-256"
const eventHeader = "X-GitHub-Event"

// maxBodySize bounds webhook payloads to 1 MiB.
const maxBodySize = 1 << 20

// Config holds webhook receiver settings.
type Config struct {
	// Port to listen on, separate from the state API port.
	Port int

	// Path the tracker delivers to.
	Path string

	// Secret is the shared HMAC secret. Required.
	Secret string

	// Logger for webhook activity.
	Logger *log.Logger
}

// Server is the webhook receiver. Verified events are recorded in the
// sync log and coalesced into an analysis trigger.
type Server struct {
	config   Config
	store    *store.Store
	trigger  func()
	listener net.Listener
	server   *http.Server
	logger   *log.Logger
}

// New creates a webhook Server. trigger may be nil.
func New(config Config, st *store.Store, trigger func()) (*Server, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if config.Path == "" {
		config.Path = "/webhooks/tracker"
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[webhook] ", log.LstdFlags)
	}
	return &Server{config: config, store: st, trigger: trigger, logger: logger}, nil
}

// Start begins listening for deliveries.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen for webhooks: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+s.config.Path, s.handleDelivery)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Printf("Webhook receiver listening on %s%s", ln.Addr(), s.config.Path)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Webhook server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the receiver down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("webhook shutdown error: %w", err)
	}
	return nil
}

// Addr returns the receiver's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return fmt.Sprintf(":%d", s.config.Port)
}

// handleDelivery verifies and dispatches one delivery. Verification
// happens before the payload is parsed, so unauthenticated requests
// cannot reach any handler.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := VerifySignature(s.config.Secret, body, r.Header.Get(signatureHeader)); err != nil {
		s.logger.Printf("Rejected delivery: %v", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	event := r.Header.Get(eventHeader)
	if err := s.dispatch(r.Context(), event, body); err != nil {
		s.logger.Printf("Failed to process %s event: %v", event, err)
		http.Error(w, "failed to process event", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// VerifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
// against the body using constant-time comparison.
func VerifySignature(secret string, body []byte, header string) error {
	digest, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return ErrBadSignature
	}
	provided, err := hex.DecodeString(digest)
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the signature header value for a payload. Used by tests
// and outbound verification tooling.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// payload is the subset of tracker event fields the receiver reads.
type payload struct {
	Action string `json:"action"`
	Issue  struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
	} `json:"issue"`
	Milestone struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
	} `json:"milestone"`
	Release struct {
		TagName string `json:"tag_name"`
	} `json:"release"`
	PullRequest struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
	} `json:"pull_request"`
	ProjectsV2Item struct {
		NodeID        string `json:"node_id"`
		ProjectNodeID string `json:"project_node_id"`
	} `json:"projects_v2_item"`
	Changes struct {
		FieldValue struct {
			FieldType string `json:"field_type"`
			To        struct {
				Name string `json:"name"`
			} `json:"to"`
		} `json:"field_value"`
	} `json:"changes"`
	Ref string `json:"ref"`
}

// dispatch applies the event's side effects and coalesces a re-analysis
// trigger. Unknown events are accepted and ignored so new tracker event
// types never cause delivery retries.
func (s *Server) dispatch(ctx context.Context, event string, body []byte) error {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	switch event {
	case "issues":
		switch p.Action {
		case "closed":
			if err := s.issueClosed(ctx, p.Issue.Number); err != nil {
				return err
			}
		case "opened", "edited", "reopened":
			s.record(ctx, event+"_"+p.Action, store.RemoteIssue, fmt.Sprintf("%d", p.Issue.Number))
		default:
			return nil
		}

	case "milestone":
		if p.Action != "closed" {
			return nil
		}
		s.record(ctx, "milestone_closed", store.RemoteMilestone, p.Milestone.Title)

	case "release":
		if p.Action != "published" {
			return nil
		}
		s.record(ctx, "release_published", "release", p.Release.TagName)

	case "push":
		s.record(ctx, "push", "ref", p.Ref)

	case "pull_request":
		if p.Action != "closed" || !p.PullRequest.Merged {
			return nil
		}
		s.record(ctx, "pull_request_merged", "pull_request", fmt.Sprintf("%d", p.PullRequest.Number))

	case "projects_v2_item":
		if err := s.boardItemMoved(ctx, p); err != nil {
			return err
		}
		s.record(ctx, "board_item_"+p.Action, "board_item", p.ProjectsV2Item.NodeID)

	default:
		return nil
	}

	if s.trigger != nil {
		s.trigger()
	}
	return nil
}

// issueClosed marks the matching board item done when the closed issue
// is a mapped plan task, then records the event.
func (s *Server) issueClosed(ctx context.Context, number int) error {
	item, err := s.store.GetBoardItemByIssue(ctx, number)
	if err == nil {
		if err := s.store.UpdateBoardItemStatus(ctx, item.BoardID, item.ItemID, "Done"); err != nil {
			return err
		}
	} else if !errors.Is(err, store.ErrBoardNotFound) {
		return err
	}

	s.record(ctx, "issues_closed", store.RemoteIssue, fmt.Sprintf("%d", number))
	return nil
}

// boardItemMoved refreshes the cached status for a board item edited on
// the remote board. The delivery carries the item and project node ids
// plus the new single-select value, so the cache stays fresh without a
// full reconcile. Unmapped items update zero rows and are ignored.
func (s *Server) boardItemMoved(ctx context.Context, p payload) error {
	if p.Action != "edited" {
		return nil
	}
	change := p.Changes.FieldValue
	if change.FieldType != "single_select" || change.To.Name == "" {
		return nil
	}
	if p.ProjectsV2Item.NodeID == "" || p.ProjectsV2Item.ProjectNodeID == "" {
		return nil
	}
	return s.store.UpdateBoardItemStatus(ctx,
		p.ProjectsV2Item.ProjectNodeID, p.ProjectsV2Item.NodeID, change.To.Name)
}

func (s *Server) record(ctx context.Context, action, entityType, entityID string) {
	if err := s.store.AppendSyncLog(ctx, store.DirectionFromRemote, action, entityType, entityID, store.SyncSuccess, ""); err != nil {
		s.logger.Printf("Failed to record webhook event %s: %v", action, err)
	}
}
