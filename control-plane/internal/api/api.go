// Package api provides the operator HTTP surface of the control plane.
//
// # Endpoints
//
// Fleet:
//   - GET  /api/v1/agents - List registered agents
//   - GET  /api/v1/agents/{id} - Get one agent
//   - POST /api/v1/agents/{id}/unhealthy - Mark an agent unhealthy
//   - POST /api/v1/fleet/status - Ask every agent for a status report
//   - POST /api/v1/fleet/shutdown - Ask every agent to shut down
//
// Statistics:
//   - GET /api/v1/stats - Current aggregated snapshot
//   - GET /api/v1/stats/history - Recent snapshots, oldest first
//   - GET /api/v1/stats/stream - WebSocket, one snapshot per tick
//   - GET /metrics - Prometheus text exposition
//
// Runs:
//   - POST /api/v1/runs - Start a coordinated workload (asynchronous)
//   - POST /api/v1/runs/stop - Stop the active run
//   - POST /api/v1/runs/pause - Pause the active run on every agent
//   - POST /api/v1/runs/resume - Resume it, optionally with a new per-agent rate
//   - GET  /api/v1/runs - Run history, newest first
//   - GET  /api/v1/runs/active - The run currently executing
//   - GET  /api/v1/runs/{id} - One finished run
//   - GET  /api/v1/redistributions - Recent redistribution events
//
// Health:
//   - GET /api/v1/health - Health check with controller resource usage
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/pilot-net/fleetsync/control-plane/internal/config"
	"github.com/pilot-net/fleetsync/control-plane/internal/coordinator"
	"github.com/pilot-net/fleetsync/control-plane/internal/metrics"
	"github.com/pilot-net/fleetsync/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Fleet is the agent registry as seen by operators.
type Fleet interface {
	Agents() []types.AgentInfo
	Agent(id string) (types.AgentInfo, bool)
	AvailableCount() int
	MarkUnhealthy(id, reason string) error
	Pause(ctx context.Context) int
	Resume(ctx context.Context, rateLimit int) int
	RequestStatus(ctx context.Context) int
	Shutdown(ctx context.Context, reason string) int
}

// Stats is the aggregated statistics source.
type Stats interface {
	Snapshot() types.AggregatedStats
	History() []types.AggregatedStats
	Subscribe() (<-chan types.AggregatedStats, func())
	Collector() prometheus.Collector
}

// Runner executes coordinated workloads.
type Runner interface {
	ExecuteMultiPhase(ctx context.Context, w types.CoordinatedWorkload) ([]types.RunResult, error)
	Active() (coordinator.ActiveRun, bool)
	StopWorkload(reason string) bool
}

// Redistributions exposes recent redistribution events.
type Redistributions interface {
	Recent() []types.RedistributionEvent
}

// RunHistory reads persisted runs.
type RunHistory interface {
	ListRuns(ctx context.Context, limit int) ([]types.RunResult, error)
	GetRun(ctx context.Context, runID string) (*types.RunResult, error)
}

// Validator gates workload targets before a run is accepted.
type Validator interface {
	Validate(target string, port int, protocol string, duration time.Duration) (bool, string)
}

// Health reports controller resource usage.
type Health interface {
	Health(ctx context.Context) (metrics.Sample, error)
}

// Config wires a Server. Fleet, Stats and Runner are required.
type Config struct {
	Fleet           Fleet
	Stats           Stats
	Runner          Runner
	Redistributions Redistributions // optional
	History         RunHistory      // optional; recent runs are kept in memory without it
	Validator       Validator       // optional
	Health          Health          // optional

	// KeyHash is the bcrypt hash of the operator API key. Empty runs
	// authentication in grace mode.
	KeyHash string
	// RequestsPerSecond limits API calls across all clients; 0 disables it.
	RequestsPerSecond float64

	// BaseContext scopes asynchronous runs; cancelling it stops them.
	BaseContext context.Context
	Logger      *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
	runs    *runLog
	started time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "api"),
		mux:     http.NewServeMux(),
		runs:    newRunLog(recentRunLimit),
		started: time.Now(),
	}
	s.registerRoutes()

	var h http.Handler = s.mux
	h = s.OperatorAuthMiddleware(AuthConfig{KeyHash: cfg.KeyHash, Logger: s.logger})(h)
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		h = RateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst), s.logger)(h)
	}
	s.handler = h
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.handler.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	// Fleet
	s.mux.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	s.mux.HandleFunc("GET /api/v1/agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("POST /api/v1/agents/{id}/unhealthy", s.handleMarkUnhealthy)
	s.mux.HandleFunc("POST /api/v1/fleet/status", s.handleRequestStatus)
	s.mux.HandleFunc("POST /api/v1/fleet/shutdown", s.handleShutdown)

	// Statistics
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/v1/stats/history", s.handleStatsHistory)
	s.mux.HandleFunc("GET /api/v1/stats/stream", s.handleStatsStream)
	s.mux.Handle("GET /metrics", s.metricsHandler())

	// Runs - static routes before the wildcard
	s.mux.HandleFunc("POST /api/v1/runs", s.handleStartRun)
	s.mux.HandleFunc("POST /api/v1/runs/stop", s.handleStopRun)
	s.mux.HandleFunc("POST /api/v1/runs/pause", s.handlePauseRun)
	s.mux.HandleFunc("POST /api/v1/runs/resume", s.handleResumeRun)
	s.mux.HandleFunc("GET /api/v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/v1/runs/active", s.handleActiveRun)
	s.mux.HandleFunc("GET /api/v1/runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /api/v1/redistributions", s.handleRedistributions)
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":           "ok",
		"time":             time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds":   int64(time.Since(s.started).Seconds()),
		"available_agents": s.cfg.Fleet.AvailableCount(),
	}
	if s.cfg.Health != nil {
		sample, err := s.cfg.Health.Health(r.Context())
		if err != nil {
			s.logger.Warn("resource sample failed", "error", err)
		} else {
			resp["status"] = sample.Status
			resp["resources"] = sample
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// FLEET
// =============================================================================

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.cfg.Fleet.Agents()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := agents[:0]
		for _, a := range agents {
			if string(a.Status) == status {
				filtered = append(filtered, a)
			}
		}
		agents = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"agents":    agents,
		"count":     len(agents),
		"available": s.cfg.Fleet.AvailableCount(),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.cfg.Fleet.Agent(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	s.writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleMarkUnhealthy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := s.readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "marked unhealthy by operator"
	}

	id := r.PathValue("id")
	if err := s.cfg.Fleet.MarkUnhealthy(id, req.Reason); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.logger.Info("agent marked unhealthy", "agent_id", id, "reason", req.Reason)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	n := s.cfg.Fleet.RequestStatus(r.Context())
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "requested", "agents": n})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := s.readJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "shutdown by operator"
	}
	n := s.cfg.Fleet.Shutdown(r.Context(), req.Reason)
	s.logger.Warn("fleet shutdown requested", "reason", req.Reason, "agents", n)
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "shutting_down", "agents": n})
}

// =============================================================================
// STATISTICS
// =============================================================================

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.Stats.Snapshot())
}

func (s *Server) handleStatsHistory(w http.ResponseWriter, r *http.Request) {
	history := s.cfg.Stats.History()
	if limit, ok := queryInt(r, "limit"); ok && limit < len(history) {
		history = history[len(history)-limit:]
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"snapshots": history,
		"count":     len(history),
	})
}

func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		s.cfg.Stats.Collector(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelError),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// queryInt reads a positive integer query parameter, capped at
// config.MaxPaginationLimit.
func queryInt(r *http.Request, name string) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return min(n, config.MaxPaginationLimit), true
}
