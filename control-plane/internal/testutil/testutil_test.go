package testutil

import (
	"testing"
	"time"

	"github.com/pilot-net/fleetsync/pkg/types"
)

func TestFixtureAgent(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		agent := FixtureAgent()
		if agent.ID == "" {
			t.Error("expected agent to have ID")
		}
		if agent.Status != types.AgentStatusIdle {
			t.Errorf("expected status %s, got %s", types.AgentStatusIdle, agent.Status)
		}
		if !agent.Status.Available() {
			t.Error("expected idle agent to be available")
		}
	})

	t.Run("with overrides", func(t *testing.T) {
		agent := FixtureAgent(func(a *types.AgentInfo) {
			a.Name = "edge-01"
		})
		if agent.Name != "edge-01" {
			t.Errorf("expected name 'edge-01', got %s", agent.Name)
		}
	})

	t.Run("running variant", func(t *testing.T) {
		agent := FixtureAgentRunning()
		if agent.Status != types.AgentStatusRunning {
			t.Errorf("expected status %s, got %s", types.AgentStatusRunning, agent.Status)
		}
		if agent.Stats["requests_sent"] != 100 {
			t.Error("expected running agent to carry stats")
		}
	})

	t.Run("offline variant", func(t *testing.T) {
		agent := FixtureAgentOffline()
		if agent.Status.Available() {
			t.Error("expected offline agent to be unavailable")
		}
		if time.Since(agent.LastHeartbeat) < 30*time.Second {
			t.Error("expected old heartbeat for offline agent")
		}
	})
}

func TestFixtureWorkload(t *testing.T) {
	w := FixtureWorkload()
	if err := w.Validate(); err != nil {
		t.Fatalf("default workload should be valid: %v", err)
	}
	if got := w.RateFor(w.AgentsRequired); got != 500 {
		t.Errorf("expected per-agent rate 500, got %d", got)
	}

	w = FixtureWorkload(func(w *types.CoordinatedWorkload) {
		w.Config.Target = ""
	})
	if err := w.Validate(); err == nil {
		t.Error("expected workload without target to be invalid")
	}
}

func TestFixtureSnapshotAndRun(t *testing.T) {
	s := FixtureSnapshot(nil)
	if s.Metrics == nil {
		t.Error("expected non-nil metrics map")
	}
	if s.ActiveAgents > s.TotalAgents {
		t.Error("active agents must not exceed total agents")
	}

	r := FixtureRunResult(func(r *types.RunResult) { r.Partial = true })
	if !r.Partial || r.RunID == "" {
		t.Errorf("unexpected run fixture: %+v", r)
	}
}

func TestClock(t *testing.T) {
	c := NewClock()
	if !c.Now().Equal(Epoch) {
		t.Error("expected frozen clock to read Epoch")
	}
	c.Advance(5 * time.Second)
	if got := c.Now().Sub(Epoch); got != 5*time.Second {
		t.Errorf("expected 5s after Advance, got %v", got)
	}

	s := NewSteppingClock(time.Millisecond)
	a, b := s.Now(), s.Now()
	if !b.After(a) {
		t.Error("expected stepping clock to increase")
	}
}

func TestPtr(t *testing.T) {
	p := Ptr(42)
	if *p != 42 {
		t.Errorf("expected 42, got %d", *p)
	}
}
