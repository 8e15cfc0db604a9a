package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/JonMunkholm/cnpjsync/internal/core"
	"github.com/JonMunkholm/cnpjsync/internal/logging"
)

// errRunInProgress mirrors the runner's refusal to overlap runs.
var errRunInProgress = errors.New("run already in progress")

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status    string                     `json:"status"`
	Running   bool                       `json:"running"`
	LastRun   string                     `json:"last_run,omitempty"`
	LastOK    *bool                      `json:"last_ok,omitempty"`
	Transfers core.TransferLimiterStatus `json:"transfers"`
}

// handleHealth reports liveness. It stays 200 after a failed run: the
// process is healthy, the run report carries the failure.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Running:   s.runner.Running(),
		Transfers: s.runner.Transfers(),
	}
	if rep, ok := s.runner.Last(); ok {
		resp.LastRun = rep.RunID
		ok := !rep.Failed()
		resp.LastOK = &ok
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleReport returns the latest run report as JSON.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.runner.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no run has finished yet")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// handleReportSummary returns the latest run report as plain text.
func (s *Server) handleReportSummary(w http.ResponseWriter, r *http.Request) {
	rep, ok := s.runner.Last()
	if !ok {
		http.Error(w, "no run has finished yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, rep.Summary())
}

// handleRuns returns recent runs from the store history.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, "run history is not available for this load target")
		return
	}

	limit := parseIntParam(r, "limit", 20)
	if limit > 200 {
		limit = 200
	}

	runs, err := s.history.RecentRuns(r.Context(), limit)
	if err != nil {
		respondError(w, r, err, http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []core.RunReport{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// TriggerResponse is the body of POST /run.
type TriggerResponse struct {
	Status string `json:"status"`
}

// handleTriggerRun claims the run slot and executes the run in the background.
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	start, ok := s.runner.TryStart()
	if !ok {
		respondError(w, r, errRunInProgress, http.StatusConflict)
		return
	}

	logger := logging.FromContext(r.Context())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := start(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("triggered run failed", "error", err)
		}
	}()

	logger.Info("run triggered")
	writeJSON(w, http.StatusAccepted, TriggerResponse{Status: "started"})
}

// parseIntParam extracts a positive integer query parameter.
// Returns defaultVal if the parameter is missing or invalid.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
