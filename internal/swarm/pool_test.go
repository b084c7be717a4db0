package swarm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPool(t *testing.T, agents ...Agent) *AgentPool {
	t.Helper()
	p := NewAgentPool()
	for _, a := range agents {
		if a.Type == "" {
			a.Type = AgentDeveloper
		}
		a.IsActive = true
		require.NoError(t, p.Add(a))
	}
	return p
}

func TestFindCapableIdlePrefersTagMatches(t *testing.T) {
	p := newPool(t,
		Agent{ID: "a1", Specialization: []string{"frontend"}},
		Agent{ID: "a2", Specialization: []string{"backend", "db"}},
		Agent{ID: "a3", Specialization: []string{"backend"}},
	)

	got, ok := p.FindCapableIdle(Task{Specialization: []string{"backend", "db"}})
	require.True(t, ok)
	assert.Equal(t, "a2", got.ID)

	_, ok = p.FindCapableIdle(Task{Specialization: []string{"ml"}})
	assert.False(t, ok, "required tags must match at least once")

	got, ok = p.FindCapableIdle(Task{})
	require.True(t, ok)
	assert.Equal(t, "a1", got.ID, "untagged task goes to lowest id on a tie")
}

func TestFindCapableIdleTieBreaks(t *testing.T) {
	p := newPool(t,
		Agent{ID: "b", Specialization: []string{"go"}, Performance: AgentMetrics{SuccessRate: 0.9, AverageResponseTime: 10}},
		Agent{ID: "a", Specialization: []string{"go"}, Performance: AgentMetrics{SuccessRate: 0.9, AverageResponseTime: 20}},
		Agent{ID: "c", Specialization: []string{"go"}, Performance: AgentMetrics{SuccessRate: 0.5, AverageResponseTime: 1}},
	)
	task := Task{Specialization: []string{"go"}}

	got, ok := p.FindCapableIdle(task)
	require.True(t, ok)
	assert.Equal(t, "b", got.ID, "faster agent wins at equal success rate")

	require.NoError(t, p.Assign("b", "t1"))
	got, _ = p.FindCapableIdle(task)
	assert.Equal(t, "a", got.ID)

	require.NoError(t, p.Assign("a", "t2"))
	got, _ = p.FindCapableIdle(task)
	assert.Equal(t, "c", got.ID)
}

func TestFindCapableIdleFiltersAgentType(t *testing.T) {
	p := newPool(t,
		Agent{ID: "dev", Type: AgentDeveloper, Specialization: []string{"developer"}},
		Agent{ID: "rev", Type: AgentReviewer, Specialization: []string{"reviewer"}},
	)
	got, ok := p.FindCapableIdle(Task{AgentType: AgentReviewer})
	require.True(t, ok)
	assert.Equal(t, "rev", got.ID)
}

func TestAssignExclusive(t *testing.T) {
	p := newPool(t, Agent{ID: "a"})
	require.NoError(t, p.Assign("a", "t1"))
	assert.ErrorIs(t, p.Assign("a", "t2"), ErrAgentBusy)
	assert.ErrorIs(t, p.Assign("ghost", "t2"), ErrAgentNotFound)
	assert.Equal(t, 0, p.IdleCount())

	require.NoError(t, p.SetActive("a", false))
	p.ForceRelease("a")
	assert.ErrorIs(t, p.Assign("a", "t3"), ErrAgentBusy, "inactive agents refuse work")
	_, ok := p.FindCapableIdle(Task{})
	assert.False(t, ok)
}

func TestReleaseUpdatesMetrics(t *testing.T) {
	p := newPool(t, Agent{ID: "a", Specialization: []string{"backend"}})

	require.NoError(t, p.Assign("a", "t1"))
	require.NoError(t, p.Release("a", Observation{Success: true, Duration: 2 * time.Second, Tags: []string{"backend"}}))
	require.NoError(t, p.Assign("a", "t2"))
	require.NoError(t, p.Release("a", Observation{Success: false, Duration: 4 * time.Second, Tags: []string{"backend"}}))

	a, err := p.Agent("a")
	require.NoError(t, err)
	assert.Empty(t, a.CurrentTask)
	assert.Equal(t, 2, a.Performance.TasksCompleted)
	assert.Equal(t, 1, a.Performance.TasksSucceeded)
	assert.InDelta(t, 0.5, a.Performance.SuccessRate, 1e-9)
	assert.InDelta(t, 3.0, a.Performance.AverageResponseTime, 1e-9)
	assert.InDelta(t, 0.5, a.Performance.SpecialtyScore["backend"], 1e-9)
}

func TestForceReleaseKeepsMetrics(t *testing.T) {
	p := newPool(t, Agent{ID: "a"})
	require.NoError(t, p.Assign("a", "t1"))
	p.ForceRelease("a")

	a, _ := p.Agent("a")
	assert.Empty(t, a.CurrentTask)
	assert.Zero(t, a.Performance.TasksCompleted)
}

func TestAddAndRemoveAgents(t *testing.T) {
	p := NewAgentPool()
	assert.ErrorIs(t, p.Add(Agent{ID: "x", Type: "wizard"}), ErrUnknownAgentType)
	require.NoError(t, p.Add(Agent{ID: "x", Type: AgentTester, IsActive: true}))
	assert.ErrorIs(t, p.Add(Agent{ID: "x", Type: AgentTester}), ErrDuplicateID)

	require.NoError(t, p.Assign("x", "t1"))
	held, err := p.Remove("x")
	require.NoError(t, err)
	assert.Equal(t, "t1", held)
	assert.Zero(t, p.Len())

	_, err = p.Remove("x")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestAgentsReturnsCopies(t *testing.T) {
	p := newPool(t, Agent{ID: "a", Specialization: []string{"go"}})
	agents := p.Agents()
	agents[0].Specialization[0] = "mutated"

	a, _ := p.Agent("a")
	assert.Equal(t, []string{"go"}, a.Specialization)
}
