// Package api exposes the scan workflow over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/deplai/scan-engine/pkg/logger"
	"github.com/deplai/scan-engine/pkg/metrics"
	"github.com/deplai/scan-engine/pkg/service"
)

type startRequest struct {
	RepoURL     string `json:"repo_url"`
	ProjectID   string `json:"project_id"`
	GithubToken string `json:"github_token,omitempty"`
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Actor    string `json:"actor,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Server serves the scan API.
type Server struct {
	scans   *service.ScanService
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewServer(scans *service.ScanService, m *metrics.Metrics) *Server {
	return &Server{scans: scans, metrics: m, log: logger.Component("api")}
}

// Router builds the chi router with CORS and request logging.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Route("/scan", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Get("/{scanID}/status", s.handleStatus)
		r.Get("/{scanID}/results", s.handleResults)
		r.Post("/{scanID}/hitl-decision", s.handleDecision)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "repo_url is required")
		return
	}
	if req.ProjectID == "" {
		req.ProjectID = "default"
	}

	scanID := s.scans.StartScan(req.RepoURL, req.ProjectID, req.GithubToken)
	s.log.Info().Str("scan_id", scanID).Str("repo_url", req.RepoURL).Msg("scan accepted")
	writeJSON(w, http.StatusCreated, map[string]any{"scan_id": scanID, "status": "started"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	view, ok := s.scans.Status(scanID)
	if !ok {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	state, ok := s.scans.Results(scanID)
	if !ok {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	view, _ := s.scans.Status(scanID)
	writeJSON(w, http.StatusOK, map[string]any{
		"scan_id": scanID,
		"status":  view.Status,
		"state":   state,
	})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	decision, accepted := s.scans.SubmitDecision(scanID, req.Decision, req.Actor, req.Reason)
	if !accepted {
		if _, exists := s.scans.Status(scanID); !exists {
			writeError(w, http.StatusNotFound, "scan not found")
			return
		}
		writeError(w, http.StatusBadRequest, "decision must be approve or reject")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scan_id":  scanID,
		"accepted": true,
		"decision": decision,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
