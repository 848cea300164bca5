package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/pilot-net/fleetsync/control-plane/internal/coordinator"
	"github.com/pilot-net/fleetsync/control-plane/internal/metrics"
	"github.com/pilot-net/fleetsync/control-plane/internal/testutil"
	"github.com/pilot-net/fleetsync/pkg/types"
)

type fakeFleet struct {
	mu        sync.Mutex
	agents    []types.AgentInfo
	unhealthy map[string]string
	commands  []string
}

func (f *fakeFleet) record(cmd string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	return len(f.agents)
}

func (f *fakeFleet) Pause(context.Context) int { return f.record("pause") }

func (f *fakeFleet) Resume(_ context.Context, rateLimit int) int {
	return f.record(fmt.Sprintf("resume %d", rateLimit))
}

func (f *fakeFleet) RequestStatus(context.Context) int { return f.record("status") }

func (f *fakeFleet) Shutdown(_ context.Context, reason string) int {
	return f.record("shutdown " + reason)
}

func (f *fakeFleet) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeFleet) Agents() []types.AgentInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.AgentInfo(nil), f.agents...)
}

func (f *fakeFleet) Agent(id string) (types.AgentInfo, bool) {
	for _, a := range f.Agents() {
		if a.ID == id {
			return a, true
		}
	}
	return types.AgentInfo{}, false
}

func (f *fakeFleet) AvailableCount() int {
	n := 0
	for _, a := range f.Agents() {
		if a.Status.Available() {
			n++
		}
	}
	return n
}

func (f *fakeFleet) MarkUnhealthy(id, reason string) error {
	if _, ok := f.Agent(id); !ok {
		return errors.New("unknown agent")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unhealthy == nil {
		f.unhealthy = map[string]string{}
	}
	f.unhealthy[id] = reason
	return nil
}

type fakeStats struct {
	snap types.AggregatedStats
	subs chan types.AggregatedStats
}

func (f *fakeStats) Snapshot() types.AggregatedStats { return f.snap }

func (f *fakeStats) History() []types.AggregatedStats {
	out := make([]types.AggregatedStats, 3)
	for i := range out {
		out[i] = types.AggregatedStats{Metrics: map[string]float64{"n": float64(i)}}
	}
	return out
}

func (f *fakeStats) Subscribe() (<-chan types.AggregatedStats, func()) {
	return f.subs, func() {}
}

func (f *fakeStats) Collector() prometheus.Collector {
	return prometheus.NewGauge(prometheus.GaugeOpts{Name: "fleetsync_active_agents"})
}

type fakeRunner struct {
	mu       sync.Mutex
	active   *coordinator.ActiveRun
	executed chan types.CoordinatedWorkload
	stops    []string
	results  []types.RunResult
	err      error
}

func (f *fakeRunner) ExecuteMultiPhase(ctx context.Context, w types.CoordinatedWorkload) ([]types.RunResult, error) {
	f.executed <- w
	return f.results, f.err
}

func (f *fakeRunner) Active() (coordinator.ActiveRun, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		return coordinator.ActiveRun{}, false
	}
	return *f.active, true
}

func (f *fakeRunner) StopWorkload(reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, reason)
	return f.active != nil
}

type fixedEvents []types.RedistributionEvent

func (e fixedEvents) Recent() []types.RedistributionEvent { return e }

type healthFunc func(ctx context.Context) (metrics.Sample, error)

func (h healthFunc) Health(ctx context.Context) (metrics.Sample, error) { return h(ctx) }

type rejectAll struct{}

func (rejectAll) Validate(string, int, string, time.Duration) (bool, string) {
	return false, "target not in allowlist"
}

type harness struct {
	server *Server
	fleet  *fakeFleet
	stats  *fakeStats
	runner *fakeRunner
}

func withID(id string) func(*types.AgentInfo) {
	return func(a *types.AgentInfo) { a.ID = id }
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		fleet: &fakeFleet{agents: []types.AgentInfo{
			testutil.FixtureAgent(withID("a1")),
			testutil.FixtureAgentRunning(withID("a2")),
			testutil.FixtureAgentOffline(withID("a3")),
		}},
		stats: &fakeStats{
			snap: testutil.FixtureSnapshot(map[string]float64{"requests_sent": 150}),
			subs: make(chan types.AggregatedStats, 4),
		},
		runner: &fakeRunner{executed: make(chan types.CoordinatedWorkload, 1)},
	}
	cfg := Config{
		Fleet:  h.fleet,
		Stats:  h.stats,
		Runner: h.runner,
		Logger: testutil.NewTestLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.server = NewServer(cfg)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func validRun() string {
	return `{"name":"smoke","agents_required":2,"total_rate":1000,
		"config":{"target":"10.0.0.1","port":80,"protocol":"tcp","duration":2000000000}}`
}

func TestHealth(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Health = healthFunc(func(context.Context) (metrics.Sample, error) {
			return metrics.Sample{Status: "degraded", CPUPercent: 95}, nil
		})
	})

	rec := h.do(t, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "degraded", body["status"])
	assert.EqualValues(t, 2, body["available_agents"])
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAgents(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "GET", "/api/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 3, body["count"])
	assert.EqualValues(t, 2, body["available"])

	rec = h.do(t, "GET", "/api/v1/agents?status=offline", "")
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = h.do(t, "GET", "/api/v1/agents/a2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "running", decode(t, rec)["status"])

	rec = h.do(t, "GET", "/api/v1/agents/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMarkUnhealthy(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "POST", "/api/v1/agents/a1/unhealthy", `{"reason":"flapping"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "flapping", h.fleet.unhealthy["a1"])

	rec = h.do(t, "POST", "/api/v1/agents/a2/unhealthy", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "marked unhealthy by operator", h.fleet.unhealthy["a2"])

	rec = h.do(t, "POST", "/api/v1/agents/ghost/unhealthy", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "GET", "/api/v1/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 150, body["metrics"].(map[string]any)["requests_sent"])

	rec = h.do(t, "GET", "/api/v1/stats/history?limit=2", "")
	body = decode(t, rec)
	assert.EqualValues(t, 2, body["count"])
	snaps := body["snapshots"].([]any)
	assert.EqualValues(t, 1, snaps[0].(map[string]any)["metrics"].(map[string]any)["n"])

	rec = h.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fleetsync_active_agents")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStartRun(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.results = []types.RunResult{{RunID: "run-1", Name: "smoke"}}

	rec := h.do(t, "POST", "/api/v1/runs", validRun())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "accepted", body["status"])

	select {
	case w := <-h.runner.executed:
		assert.Equal(t, "smoke", w.Name)
		assert.Equal(t, 2*time.Second, w.Config.Duration)
	case <-time.After(2 * time.Second):
		t.Fatal("run was not executed")
	}

	require.Eventually(t, func() bool {
		return h.do(t, "GET", "/api/v1/runs/run-1", "").Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	rec = h.do(t, "GET", "/api/v1/runs", "")
	assert.EqualValues(t, 1, decode(t, rec)["count"])
}

func TestStartRun_Rejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		active bool
		body   string
		want   int
	}{
		{"malformed body", nil, false, `{`, http.StatusBadRequest},
		{"invalid workload", nil, false, `{"config":{"target":"","duration":1}}`, http.StatusBadRequest},
		{"target rejected", func(c *Config) { c.Validator = rejectAll{} }, false, validRun(), http.StatusUnprocessableEntity},
		{"run in progress", nil, true, validRun(), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.mutate)
			if tt.active {
				h.runner.active = &coordinator.ActiveRun{RunID: "busy"}
			}
			rec := h.do(t, "POST", "/api/v1/runs", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Empty(t, h.runner.executed)
		})
	}
}

func TestStopAndActiveRun(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, http.StatusNotFound, h.do(t, "POST", "/api/v1/runs/stop", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, "GET", "/api/v1/runs/active", "").Code)

	h.runner.active = &coordinator.ActiveRun{RunID: "r1", Name: "smoke"}
	rec := h.do(t, "GET", "/api/v1/runs/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "r1", decode(t, rec)["run_id"])

	rec = h.do(t, "POST", "/api/v1/runs/stop", `{"reason":"enough"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"stopped by operator", "enough"}, h.runner.stops)
}

func TestPauseAndResumeRun(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, http.StatusNotFound, h.do(t, "POST", "/api/v1/runs/pause", "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, "POST", "/api/v1/runs/resume", "").Code)
	assert.Empty(t, h.fleet.recorded())

	h.runner.active = &coordinator.ActiveRun{RunID: "r1"}

	tests := []struct {
		name string
		path string
		body string
		want int
		cmd  string
	}{
		{"pause", "/api/v1/runs/pause", "", http.StatusOK, "pause"},
		{"resume", "/api/v1/runs/resume", "", http.StatusOK, "resume 0"},
		{"resume with rate", "/api/v1/runs/resume", `{"rate_limit":250}`, http.StatusOK, "resume 250"},
		{"negative rate", "/api/v1/runs/resume", `{"rate_limit":-1}`, http.StatusBadRequest, ""},
		{"malformed body", "/api/v1/runs/resume", `{`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(h.fleet.recorded())
			rec := h.do(t, "POST", tt.path, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())

			got := h.fleet.recorded()[before:]
			if tt.cmd == "" {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, []string{tt.cmd}, got)
			assert.EqualValues(t, 3, decode(t, rec)["agents"])
		})
	}
}

func TestFleetCommands(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, "POST", "/api/v1/fleet/status", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 3, decode(t, rec)["agents"])

	rec = h.do(t, "POST", "/api/v1/fleet/shutdown", `{"reason":"maintenance"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "shutting_down", decode(t, rec)["status"])

	rec = h.do(t, "POST", "/api/v1/fleet/shutdown", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Equal(t, []string{"status", "shutdown maintenance", "shutdown shutdown by operator"}, h.fleet.recorded())
}

func TestRedistributions(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.Redistributions = fixedEvents{{Trigger: "a3", RemainingAgents: 3, NewPerAgentRate: 333, TotalRate: 1000}}
	})
	rec := h.do(t, "GET", "/api/v1/redistributions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["count"])
	ev := body["events"].([]any)[0].(map[string]any)
	assert.EqualValues(t, 333, ev["new_per_agent_rate"])

	// Without a source the list is empty, not null.
	h = newHarness(t, nil)
	assert.Contains(t, h.do(t, "GET", "/api/v1/redistributions", "").Body.String(), `"events":[]`)
}

func TestOperatorAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("operator-key"), bcrypt.MinCost)
	require.NoError(t, err)
	h := newHarness(t, func(c *Config) { c.KeyHash = string(hash) })

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"missing credentials", "/api/v1/agents", nil, http.StatusUnauthorized},
		{"wrong key", "/api/v1/agents", []string{"Authorization", "Bearer nope"}, http.StatusUnauthorized},
		{"valid key", "/api/v1/agents", []string{"Authorization", "Bearer operator-key"}, http.StatusOK},
		{"health is public", "/api/v1/health", nil, http.StatusOK},
		{"metrics is public", "/metrics", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, "GET", tt.path, "", tt.header...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RequestsPerSecond = 0.001 })

	assert.Equal(t, http.StatusOK, h.do(t, "GET", "/api/v1/stats", "").Code)
	rec := h.do(t, "GET", "/api/v1/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestStatsStream(t *testing.T) {
	h := newHarness(t, nil)
	srv := httptest.NewServer(h.server)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stats/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	h.stats.subs <- types.AggregatedStats{Metrics: map[string]float64{"requests_sent": 42}, ActiveAgents: 1, TotalAgents: 1}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var snap types.AggregatedStats
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 42.0, snap.Metrics["requests_sent"])

	close(h.stats.subs)
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
