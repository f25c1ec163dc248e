package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/stoicfive/pulse/internal/store"
)

// routes builds the HTTP mux: the JSON state API plus the WebSocket
// endpoint.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/packages", s.handlePackages)
	mux.HandleFunc("GET /api/commits", s.handleCommits)
	mux.HandleFunc("GET /api/todos", s.handleTodos)
	mux.HandleFunc("GET /api/plans", s.handlePlans)
	mux.HandleFunc("GET /api/sync/log", s.handleSyncLog)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("/ws", s.handleWebSocket)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("Failed to encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	last, err := s.store.LastAnalysis(r.Context())
	resp := map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	}
	if err == nil {
		resp["last_analysis"] = last.Format(time.RFC3339)
	} else if !errors.Is(err, store.ErrNoSnapshot) {
		s.writeError(w, http.StatusInternalServerError, "failed to read state")
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetState(r.Context())
	if err != nil {
		s.logger.Printf("Failed to load state: %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetState(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	syncStats, err := s.store.GetSyncStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load sync stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"stats":  state.Stats,
		"meta":   state.Meta,
		"remote": state.Remote,
		"sync":   syncStats,
	})
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetState(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"packages": state.Packages})
}

func (s *Server) handleCommits(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetState(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"commits": state.Commits})
}

func (s *Server) handleTodos(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetState(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"todos": state.Todos})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.GetState(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load state")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"plans": state.Plans})
}

func (s *Server) handleSyncLog(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.RecentSyncLog(r.Context(), 50)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load sync log")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleSync requests a manual analysis cycle. The cycle runs
// asynchronously; if one is already in flight the request coalesces
// into the queued trigger.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.trigger == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"success": false,
			"message": "sync not available",
		})
		return
	}
	s.trigger()
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"message": "analysis cycle triggered",
	})
}
