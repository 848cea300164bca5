package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// recentRunLimit bounds the in-memory run log.
const recentRunLimit = config.DefaultPaginationLimit

// runLog keeps recently finished runs, newest last.
type runLog struct {
	mu      sync.Mutex
	limit   int
	results []types.RunResult
	errs    map[string]string // submission id -> error
}

func newRunLog(limit int) *runLog {
	return &runLog{limit: limit, errs: make(map[string]string)}
}

func (l *runLog) add(submission string, results []types.RunResult, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, results...)
	if over := len(l.results) - l.limit; over > 0 {
		l.results = append([]types.RunResult(nil), l.results[over:]...)
	}
	if err != nil {
		l.errs[submission] = err.Error()
	}
}

// recent returns up to limit runs, newest first.
func (l *runLog) recent(limit int) []types.RunResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.RunResult, 0, len(l.results))
	for i := len(l.results) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.results[i])
	}
	return out
}

func (l *runLog) get(runID string) (types.RunResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.results) - 1; i >= 0; i-- {
		if l.results[i].RunID == runID {
			return l.results[i], true
		}
	}
	return types.RunResult{}, false
}

func (l *runLog) submissionError(id string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg, ok := l.errs[id]
	return msg, ok
}

// =============================================================================
// RUN CONTROL
// =============================================================================

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var wl types.CoordinatedWorkload
	if err := s.readJSON(r, &wl); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := wl.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg.Validator != nil {
		cfg := wl.Config
		if ok, reason := s.cfg.Validator.Validate(cfg.Target, cfg.Port, cfg.Protocol, cfg.Duration); !ok {
			s.writeError(w, http.StatusUnprocessableEntity, "target rejected: "+reason)
			return
		}
	}
	if active, ok := s.cfg.Runner.Active(); ok {
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"error":  "a run is already in progress",
			"active": active,
		})
		return
	}

	submission := uuid.NewString()
	logger := s.logger.With("submission", submission, "name", wl.Name)
	go func() {
		results, err := s.cfg.Runner.ExecuteMultiPhase(s.cfg.BaseContext, wl)
		s.runs.add(submission, results, err)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("run failed", "error", err, "phases_completed", len(results))
			return
		}
		logger.Info("run finished", "phases", len(results))
	}()

	logger.Info("run accepted",
		"target", wl.Config.HostPort(),
		"agents_required", wl.AgentsRequired,
		"phases", len(wl.Phases),
	)
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"submission": submission,
		"name":       wl.Name,
	})
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := s.readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "stopped by operator"
	}
	if !s.cfg.Runner.StopWorkload(req.Reason) {
		s.writeError(w, http.StatusNotFound, "no run in progress")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handlePauseRun(w http.ResponseWriter, r *http.Request) {
	active, ok := s.cfg.Runner.Active()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no run in progress")
		return
	}
	n := s.cfg.Fleet.Pause(r.Context())
	s.logger.Info("run paused", "run_id", active.RunID, "agents", n)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "paused", "agents": n})
}

func (s *Server) handleResumeRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RateLimit int `json:"rate_limit"`
	}
	if err := s.readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RateLimit < 0 {
		s.writeError(w, http.StatusBadRequest, "rate_limit must not be negative")
		return
	}
	active, ok := s.cfg.Runner.Active()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no run in progress")
		return
	}
	n := s.cfg.Fleet.Resume(r.Context(), req.RateLimit)
	s.logger.Info("run resumed", "run_id", active.RunID, "rate_limit", req.RateLimit, "agents", n)
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "running", "agents": n})
}

func (s *Server) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	active, ok := s.cfg.Runner.Active()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no run in progress")
		return
	}
	s.writeJSON(w, http.StatusOK, active)
}

// =============================================================================
// RUN HISTORY
// =============================================================================

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit")
	if !ok {
		limit = recentRunLimit
	}

	var runs []types.RunResult
	if s.cfg.History != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		var err error
		runs, err = s.cfg.History.ListRuns(ctx, limit)
		if err != nil {
			s.logger.Error("listing runs failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}
	} else {
		runs = s.runs.recent(limit)
	}
	if runs == nil {
		runs = []types.RunResult{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if run, ok := s.runs.get(id); ok {
		s.writeJSON(w, http.StatusOK, run)
		return
	}
	if msg, ok := s.runs.submissionError(id); ok {
		s.writeJSON(w, http.StatusOK, map[string]string{"submission": id, "error": msg})
		return
	}
	if s.cfg.History != nil {
		run, err := s.cfg.History.GetRun(r.Context(), id)
		if err != nil {
			s.logger.Error("getting run failed", "run_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to get run")
			return
		}
		if run != nil {
			s.writeJSON(w, http.StatusOK, run)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "run not found")
}

func (s *Server) handleRedistributions(w http.ResponseWriter, r *http.Request) {
	events := []types.RedistributionEvent{}
	if s.cfg.Redistributions != nil {
		events = append(events, s.cfg.Redistributions.Recent()...)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}
