package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	res ExecResult
	err error
}

// stubCapability blocks every execution until the test finishes it.
type stubCapability struct {
	mu       sync.Mutex
	replies  map[string]chan reply
	requests []ExecRequest
}

func newStub() *stubCapability {
	return &stubCapability{replies: make(map[string]chan reply)}
}

func (s *stubCapability) channel(taskID string) chan reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.replies[taskID]
	if !ok {
		ch = make(chan reply, 1)
		s.replies[taskID] = ch
	}
	return ch
}

func (s *stubCapability) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	ch := s.channel(req.TaskID)
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	select {
	case r := <-ch:
		return r.res, r.err
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}
}

func (s *stubCapability) succeed(taskID, output string) {
	s.channel(taskID) <- reply{res: ExecResult{Output: json.RawMessage(output), Confidence: 0.9}}
}

func (s *stubCapability) fail(taskID string, err error) {
	s.channel(taskID) <- reply{err: err}
}

func (s *stubCapability) request(taskID string) (ExecRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.requests {
		if r.TaskID == taskID {
			return r, true
		}
	}
	return ExecRequest{}, false
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) Publish(_, eventType string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == eventType {
			n++
		}
	}
	return n
}

func newTestSwarm(t *testing.T, capability Capability, events EventPublisher, agents ...Agent) *Controller {
	t.Helper()
	return newConfiguredSwarm(t, Config{}, capability, events, agents...)
}

func newConfiguredSwarm(t *testing.T, cfg Config, capability Capability, events EventPublisher, agents ...Agent) *Controller {
	t.Helper()
	for i := range agents {
		if agents[i].Type == "" {
			agents[i].Type = AgentDeveloper
		}
		agents[i].Role = agents[i].Type.Role()
		agents[i].IsActive = true
		agents[i].SwarmID = "s1"
	}
	c, err := RestoreController(Swarm{
		ID:        "s1",
		Name:      "test",
		Objective: "ship the feature",
		Strategy:  StrategyCollaborative,
		Status:    SwarmInitializing,
		Agents:    agents,
		CreatedAt: memBase,
		UpdatedAt: memBase,
	}, capability, events, cfg)
	require.NoError(t, err)
	return c
}

func taskByID(t *testing.T, sw Swarm, id string) Task {
	t.Helper()
	for _, task := range sw.Tasks {
		if task.ID == id {
			return task
		}
	}
	t.Fatalf("task %s not in snapshot", id)
	return Task{}
}

func agentByID(t *testing.T, sw Swarm, id string) Agent {
	t.Helper()
	for _, a := range sw.Agents {
		if a.ID == id {
			return a
		}
	}
	t.Fatalf("agent %s not in snapshot", id)
	return Agent{}
}

// awaitOutcomes waits until n outcomes are buffered for the next pass.
func awaitOutcomes(t *testing.T, c *Controller, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(c.results) >= n }, 2*time.Second, time.Millisecond)
}

func TestDependentTaskRunsAfterItsDependency(t *testing.T) {
	stub := newStub()
	c := newTestSwarm(t, stub, nil, Agent{ID: "dev", Specialization: []string{"backend"}})
	ctx := context.Background()

	t1, err := c.Submit(TaskSpec{ID: "task1", Title: "schema", Specialization: []string{"backend"}})
	require.NoError(t, err)
	_, err = c.Submit(TaskSpec{ID: "task2", Title: "handlers", Dependencies: []string{t1.ID}})
	require.NoError(t, err)

	require.True(t, c.Pass(ctx))
	sw := c.Snapshot()
	assert.Equal(t, SwarmRunning, sw.Status)
	assert.Equal(t, TaskInProgress, taskByID(t, sw, "task1").Status)
	assert.Equal(t, "dev", taskByID(t, sw, "task1").AssignedTo)
	assert.Equal(t, TaskPending, taskByID(t, sw, "task2").Status)
	assert.False(t, c.graph.IsReady("task2"))

	stub.succeed("task1", `{"tables":["users"]}`)
	awaitOutcomes(t, c, 1)
	require.True(t, c.Pass(ctx))

	sw = c.Snapshot()
	assert.Equal(t, TaskCompleted, taskByID(t, sw, "task1").Status)
	task2 := taskByID(t, sw, "task2")
	assert.Equal(t, TaskInProgress, task2.Status, "released agent picks up the promoted task")
	assert.Equal(t, "dev", task2.AssignedTo)

	req, ok := stub.request("task2")
	require.True(t, ok)
	assert.JSONEq(t, `{"tables":["users"]}`, string(req.Inputs["task1"]))
	assert.Equal(t, "ship the feature", req.Objective)
	require.Len(t, req.Memory, 1, "outcome of task1 is offered as context")

	stub.succeed("task2", `"done"`)
	awaitOutcomes(t, c, 1)
	require.True(t, c.Pass(ctx))

	sw = c.Snapshot()
	assert.Equal(t, SwarmCompleted, sw.Status)
	assert.Equal(t, 2, sw.Metrics.TasksCompleted)
	assert.InDelta(t, 1.0, sw.Metrics.SuccessRate, 1e-9)
	assert.Zero(t, sw.Metrics.CollaborationScore, "one agent did both ends of the edge")
	dev := agentByID(t, sw, "dev")
	assert.Equal(t, 2, dev.Performance.TasksCompleted)
	assert.Empty(t, dev.CurrentTask)
	assert.Len(t, sw.Memory.Entries, 2)
}

func TestIndependentTasksAssignedInOnePass(t *testing.T) {
	c := newTestSwarm(t, newStub(), nil, Agent{ID: "a1"}, Agent{ID: "a2"})
	_, err := c.Submit(TaskSpec{Title: "one"})
	require.NoError(t, err)
	_, err = c.Submit(TaskSpec{Title: "two"})
	require.NoError(t, err)

	require.True(t, c.Pass(context.Background()))

	sw := c.Snapshot()
	var assignees []string
	for _, task := range sw.Tasks {
		assert.Equal(t, TaskInProgress, task.Status)
		assignees = append(assignees, task.AssignedTo)
	}
	assert.ElementsMatch(t, []string{"a1", "a2"}, assignees)
	assert.Zero(t, c.pool.IdleCount())
}

func TestHumanReviewBlocksAssignmentUntilApproved(t *testing.T) {
	events := &recorder{}
	c := newTestSwarm(t, newStub(), events, Agent{ID: "a1"})
	ctx := context.Background()

	_, err := c.Submit(TaskSpec{ID: "deploy", Title: "deploy"})
	require.NoError(t, err)
	_, err = c.AddNode(WorkflowNode{ID: "gate", Type: NodeHumanReview, TaskID: "deploy"})
	require.NoError(t, err)

	c.Pass(ctx)
	c.Pass(ctx)
	sw := c.Snapshot()
	assert.Equal(t, TaskPending, taskByID(t, sw, "deploy").Status)
	assert.True(t, c.graph.IsReady("deploy"), "ready in the graph, held back by the gate")
	assert.Equal(t, 1, c.pool.IdleCount())

	require.NoError(t, c.ApproveNode("gate"))
	require.True(t, c.Pass(ctx))
	sw = c.Snapshot()
	assert.Equal(t, TaskInProgress, taskByID(t, sw, "deploy").Status)
	assert.Equal(t, 1, events.count("node_approved"))

	assert.ErrorIs(t, c.ApproveNode("missing"), ErrNodeNotFound)
}

func TestPassIsIdempotentWithoutEvents(t *testing.T) {
	stub := newStub()
	c := newTestSwarm(t, stub, nil, Agent{ID: "a1"})
	ctx := context.Background()

	_, err := c.Submit(TaskSpec{ID: "a", Title: "a"})
	require.NoError(t, err)
	_, err = c.Submit(TaskSpec{ID: "b", Title: "b", Dependencies: []string{"a"}})
	require.NoError(t, err)
	_, err = c.Submit(TaskSpec{ID: "c", Title: "c"})
	require.NoError(t, err)
	require.True(t, c.Pass(ctx))

	before := c.Snapshot()
	assert.False(t, c.Pass(ctx))
	assert.False(t, c.Pass(ctx))
	assert.Equal(t, before, c.Snapshot())
}

func TestFailureCascadesAndFailsObjective(t *testing.T) {
	stub := newStub()
	events := &recorder{}
	c := newTestSwarm(t, stub, events, Agent{ID: "a1"})
	ctx := context.Background()

	_, err := c.Submit(TaskSpec{ID: "build", Title: "build"})
	require.NoError(t, err)
	_, err = c.Submit(TaskSpec{ID: "ship", Title: "ship", Objective: true, Dependencies: []string{"build"}})
	require.NoError(t, err)
	c.Pass(ctx)

	stub.fail("build", errors.New("compiler exploded"))
	awaitOutcomes(t, c, 1)
	require.True(t, c.Pass(ctx))

	sw := c.Snapshot()
	build := taskByID(t, sw, "build")
	assert.Equal(t, TaskFailed, build.Status)
	require.Len(t, build.Results, 1)
	assert.Equal(t, OutcomeFailure, build.Results[0].Outcome)
	assert.Equal(t, "compiler exploded", build.Results[0].Error)
	assert.Equal(t, TaskCancelled, taskByID(t, sw, "ship").Status)
	assert.Equal(t, SwarmFailed, sw.Status)
	assert.Equal(t, 1, sw.Metrics.TasksFailed)
	assert.Zero(t, agentByID(t, sw, "a1").Performance.SuccessRate)
	assert.Equal(t, 1, events.count("task_failed"))

	_, err = c.Submit(TaskSpec{Title: "late"})
	assert.ErrorIs(t, err, ErrSwarmTerminal)
}

func TestTimeoutOutcome(t *testing.T) {
	stub := newStub()
	c := newTestSwarm(t, stub, nil, Agent{ID: "a1"})
	c.cfg.ExecTimeout = 10 * time.Millisecond

	_, err := c.Submit(TaskSpec{ID: "slow", Title: "slow"})
	require.NoError(t, err)
	c.Pass(context.Background())

	awaitOutcomes(t, c, 1)
	c.Pass(context.Background())
	slow := taskByID(t, c.Snapshot(), "slow")
	assert.Equal(t, TaskFailed, slow.Status)
	assert.Equal(t, OutcomeTimeout, slow.Results[0].Outcome)
}

func TestStopCancelsInFlightWork(t *testing.T) {
	stub := newStub()
	c := newTestSwarm(t, stub, nil, Agent{ID: "a1"}, Agent{ID: "a2"})
	ctx := context.Background()

	_, err := c.Submit(TaskSpec{ID: "a", Title: "a"})
	require.NoError(t, err)
	_, err = c.Submit(TaskSpec{ID: "b", Title: "b", Dependencies: []string{"a"}})
	require.NoError(t, err)
	_, err = c.Submit(TaskSpec{ID: "c", Title: "c"})
	require.NoError(t, err)
	c.Pass(ctx)

	require.NoError(t, c.Stop())
	require.True(t, c.Pass(ctx))

	sw := c.Snapshot()
	assert.Equal(t, SwarmStopped, sw.Status)
	for _, task := range sw.Tasks {
		assert.Equal(t, TaskCancelled, task.Status, task.ID)
	}
	for _, a := range sw.Agents {
		assert.Empty(t, a.CurrentTask)
		assert.Zero(t, a.Performance.TasksCompleted, "force release leaves metrics alone")
	}

	// the cancelled executions report back and are ignored
	awaitOutcomes(t, c, 2)
	assert.False(t, c.Pass(ctx))
	assert.ErrorIs(t, c.Stop(), ErrSwarmTerminal)
}

func TestPauseHoldsAssignment(t *testing.T) {
	stub := newStub()
	c := newTestSwarm(t, stub, nil, Agent{ID: "a1"})
	ctx := context.Background()

	_, err := c.Submit(TaskSpec{ID: "first", Title: "first"})
	require.NoError(t, err)
	c.Pass(ctx)
	require.NoError(t, c.Pause())
	_, err = c.Submit(TaskSpec{ID: "second", Title: "second"})
	require.NoError(t, err)
	c.Pass(ctx)
	assert.Equal(t, SwarmPaused, c.Status())

	stub.succeed("first", `{}`)
	awaitOutcomes(t, c, 1)
	require.True(t, c.Pass(ctx))
	sw := c.Snapshot()
	assert.Equal(t, TaskCompleted, taskByID(t, sw, "first").Status, "results are recorded while paused")
	assert.Equal(t, TaskPending, taskByID(t, sw, "second").Status)
	assert.ErrorIs(t, c.Pause(), ErrInvalidTransition)

	require.NoError(t, c.Resume())
	c.Pass(ctx)
	assert.Equal(t, TaskInProgress, taskByID(t, c.Snapshot(), "second").Status)
}

func TestOverdueTaskIsFlaggedOnce(t *testing.T) {
	events := &recorder{}
	c := newTestSwarm(t, newStub(), events, Agent{ID: "a1"})
	clock := memBase
	c.now = func() time.Time { return clock }
	ctx := context.Background()

	_, err := c.Submit(TaskSpec{ID: "long", Title: "long", EstimatedDuration: 10 * time.Second})
	require.NoError(t, err)
	c.Pass(ctx)

	clock = clock.Add(14 * time.Second)
	assert.False(t, c.Pass(ctx), "within estimate times factor")

	clock = clock.Add(2 * time.Second)
	assert.True(t, c.Pass(ctx))
	long := taskByID(t, c.Snapshot(), "long")
	assert.True(t, long.Overdue)
	assert.Equal(t, TaskInProgress, long.Status, "overdue work keeps running")

	clock = clock.Add(time.Minute)
	assert.False(t, c.Pass(ctx))
	assert.Equal(t, 1, events.count("task_overdue"))
}

func TestRemoveAgentRequeuesItsTask(t *testing.T) {
	c := newTestSwarm(t, newStub(), nil, Agent{ID: "a1"})
	ctx := context.Background()

	_, err := c.Submit(TaskSpec{ID: "job", Title: "job"})
	require.NoError(t, err)
	c.Pass(ctx)

	require.NoError(t, c.RemoveAgent("a1"))
	c.Pass(ctx)
	job := taskByID(t, c.Snapshot(), "job")
	assert.Equal(t, TaskPending, job.Status)
	assert.Empty(t, job.AssignedTo)

	added, err := c.AddAgent(AgentSpec{Type: AgentTester})
	require.NoError(t, err)
	assert.Equal(t, []string{"tester"}, added.Specialization)
	c.Pass(ctx)
	job = taskByID(t, c.Snapshot(), "job")
	assert.Equal(t, TaskInProgress, job.Status)
	assert.Equal(t, added.ID, job.AssignedTo)
	assert.Equal(t, 2, job.Attempts)

	assert.ErrorIs(t, c.RemoveAgent("a1"), ErrAgentNotFound)
}

func TestRetryAfterFailure(t *testing.T) {
	stub := newStub()
	c := newTestSwarm(t, stub, nil, Agent{ID: "a1"})
	ctx := context.Background()

	_, err := c.Submit(TaskSpec{ID: "a", Title: "a"})
	require.NoError(t, err)
	_, err = c.Submit(TaskSpec{ID: "b", Title: "b", Dependencies: []string{"a"}})
	require.NoError(t, err)
	c.Pass(ctx)
	stub.fail("a", errors.New("flaky"))
	awaitOutcomes(t, c, 1)
	c.Pass(ctx)
	assert.Equal(t, TaskCancelled, taskByID(t, c.Snapshot(), "b").Status)

	require.NoError(t, c.RetryTask("a"))
	c.Pass(ctx)
	sw := c.Snapshot()
	assert.Equal(t, TaskInProgress, taskByID(t, sw, "a").Status)
	assert.Equal(t, TaskPending, taskByID(t, sw, "b").Status)

	stub.succeed("a", `{}`)
	awaitOutcomes(t, c, 1)
	c.Pass(ctx)
	assert.Equal(t, TaskInProgress, taskByID(t, c.Snapshot(), "b").Status)
}

func TestConditionBranchSkipsOtherTarget(t *testing.T) {
	stub := newStub()
	c := newTestSwarm(t, stub, nil, Agent{ID: "a1"})
	ctx := context.Background()

	for _, id := range []string{"review", "merge", "rework"} {
		_, err := c.Submit(TaskSpec{ID: id, Title: id})
		require.NoError(t, err)
	}
	for _, n := range []WorkflowNode{
		{ID: "n-review", Type: NodeAITask, TaskID: "review"},
		{ID: "verdict", Type: NodeCondition},
		{ID: "n-merge", Type: NodeAITask, TaskID: "merge"},
		{ID: "n-rework", Type: NodeAITask, TaskID: "rework"},
	} {
		_, err := c.AddNode(n)
		require.NoError(t, err)
	}
	for _, conn := range []Connection{
		{SourceID: "n-review", TargetID: "verdict"},
		{SourceID: "verdict", TargetID: "n-merge", Condition: "approved"},
		{SourceID: "verdict", TargetID: "n-rework", Condition: "else"},
	} {
		_, err := c.Connect(conn)
		require.NoError(t, err)
	}
	_, err := c.Connect(Connection{SourceID: "verdict", TargetID: "n-merge", Condition: "score >"})
	assert.ErrorIs(t, err, ErrInvalidGuard)

	c.Pass(ctx)
	assert.Equal(t, TaskInProgress, taskByID(t, c.Snapshot(), "review").Status)

	stub.succeed("review", `{"approved":true}`)
	awaitOutcomes(t, c, 1)
	c.Pass(ctx)

	sw := c.Snapshot()
	assert.Equal(t, TaskInProgress, taskByID(t, sw, "merge").Status)
	assert.Equal(t, TaskCancelled, taskByID(t, sw, "rework").Status)

	stub.succeed("merge", `{}`)
	awaitOutcomes(t, c, 1)
	c.Pass(ctx)
	assert.Equal(t, SwarmCompleted, c.Status())
}

func TestSubmitValidation(t *testing.T) {
	c := newTestSwarm(t, newStub(), nil, Agent{ID: "a1"})

	_, err := c.Submit(TaskSpec{Title: "orphan", Dependencies: []string{"ghost"}})
	assert.True(t, IsValidation(err))
	assert.ErrorIs(t, err, ErrInvalidDependency)

	_, err = c.Submit(TaskSpec{Title: "odd", AgentType: "wizard"})
	assert.ErrorIs(t, err, ErrUnknownAgentType)

	_, err = c.Submit(TaskSpec{ID: "x", Title: "x"})
	require.NoError(t, err)
	_, err = c.Submit(TaskSpec{ID: "x", Title: "again"})
	assert.ErrorIs(t, err, ErrDuplicateID)

	assert.Equal(t, 1, c.intents.Len(), "rejected commands are never queued")
	assert.ErrorIs(t, c.CancelTask("ghost"), ErrTaskNotFound)
}

func TestAddDependencyCommand(t *testing.T) {
	c := newTestSwarm(t, newStub(), nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		_, err := c.Submit(TaskSpec{ID: id, Title: id})
		require.NoError(t, err)
	}
	require.NoError(t, c.AddDependency("b", "a"))
	c.Pass(ctx)

	err := c.AddDependency("a", "b")
	assert.ErrorIs(t, err, ErrInvalidDependency)
	assert.Equal(t, []string{"a"}, slices.Collect(c.graph.Ready()))
	assert.Equal(t, SwarmInitializing, c.Status(), "no roster yet")
}

func TestNewControllerBuildsRoster(t *testing.T) {
	c, err := NewController("p1", SwarmConfig{
		Objective:       "refactor billing",
		AgentCount:      5,
		AgentTypes:      []AgentType{AgentQueen, AgentDeveloper},
		MemoryCapacity:  50,
		RetentionPolicy: RetainPriority,
	}, newStub(), nil, Config{})
	require.NoError(t, err)

	sw := c.Snapshot()
	assert.Equal(t, SwarmInitializing, sw.Status)
	assert.Equal(t, StrategyCollaborative, sw.Strategy)
	assert.Equal(t, "p1", sw.ProjectID)
	require.Len(t, sw.Agents, 5)
	var types []AgentType
	for _, a := range sw.Agents {
		types = append(types, a.Type)
		assert.Equal(t, "claude-code", a.AITool)
		assert.Equal(t, sw.ID, a.SwarmID)
		assert.True(t, a.IsActive)
	}
	assert.Equal(t, []AgentType{AgentQueen, AgentDeveloper, AgentQueen, AgentDeveloper, AgentQueen}, types)
	assert.Equal(t, "coordinator", sw.Agents[0].Role)
	assert.Equal(t, sw.ID, sw.Memory.Namespace)
	assert.Equal(t, 50, sw.Memory.Capacity)
	assert.Equal(t, RetainPriority, sw.Memory.Policy)

	_, err = NewController("p1", SwarmConfig{Objective: "x", AgentTypes: []AgentType{"wizard"}}, newStub(), nil, Config{})
	assert.ErrorIs(t, err, ErrUnknownAgentType)
	_, err = NewController("p1", SwarmConfig{AgentTypes: []AgentType{AgentTester}}, newStub(), nil, Config{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	stub := newStub()
	c := newTestSwarm(t, stub, nil, Agent{ID: "a1"}, Agent{ID: "a2"})
	ctx := context.Background()

	_, err := c.Submit(TaskSpec{ID: "done", Title: "done", Priority: 3})
	require.NoError(t, err)
	_, err = c.Submit(TaskSpec{ID: "next", Title: "next", Dependencies: []string{"done"}})
	require.NoError(t, err)
	_, err = c.PutMemory(MemoryEntry{Type: EntryDecision, Content: json.RawMessage(`"use postgres"`), Importance: 8})
	require.NoError(t, err)
	c.Pass(ctx)
	stub.succeed("done", `{"ok":true}`)
	awaitOutcomes(t, c, 1)
	c.Pass(ctx)

	sw := c.Snapshot()
	data, err := json.Marshal(sw)
	require.NoError(t, err)
	var decoded Swarm
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored, err := RestoreController(decoded, newStub(), nil, Config{})
	require.NoError(t, err)
	again := restored.Snapshot()

	assert.Equal(t, TaskPending, taskByID(t, again, "next").Status, "in-flight work is requeued")
	assert.Empty(t, agentByID(t, again, taskByID(t, sw, "next").AssignedTo).CurrentTask)

	// everything else survives untouched
	assert.Equal(t, taskByID(t, sw, "done"), taskByID(t, again, "done"))
	assert.Equal(t, sw.Memory, again.Memory)
	assert.Equal(t, sw.Metrics, again.Metrics)
	assert.Equal(t, sw.Status, again.Status)
}

func TestQueryMemoryWhileLoopRuns(t *testing.T) {
	stub := newStub()
	c := newTestSwarm(t, stub, nil, Agent{ID: "a1"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, nil) }()

	for i := range 20 {
		_, err := c.PutMemory(MemoryEntry{Type: EntryConversation, Content: json.RawMessage(`"hello"`), Importance: i})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		n := 0
		for range c.QueryMemory(MatchText("hello")) {
			n++
		}
		return n == 20
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestInterruptedExecutionStaysInProgress(t *testing.T) {
	stub := newStub()
	c := newTestSwarm(t, stub, nil, Agent{ID: "a1"})
	ctx, cancel := context.WithCancel(context.Background())

	_, err := c.Submit(TaskSpec{ID: "t1", Title: "build", Objective: true})
	require.NoError(t, err)
	_, err = c.Submit(TaskSpec{ID: "t2", Title: "release", Dependencies: []string{"t1"}})
	require.NoError(t, err)
	require.True(t, c.Pass(ctx))
	require.Equal(t, TaskInProgress, taskByID(t, c.Snapshot(), "t1").Status)

	// shutting down cancels the execution, which reports a context error
	cancel()
	awaitOutcomes(t, c, 1)
	c.Pass(ctx)

	sw := c.Snapshot()
	assert.Equal(t, SwarmRunning, sw.Status)
	t1 := taskByID(t, sw, "t1")
	assert.Equal(t, TaskInProgress, t1.Status)
	assert.Empty(t, t1.Results)
	assert.Equal(t, TaskPending, taskByID(t, sw, "t2").Status)
	assert.Zero(t, sw.Metrics.TasksFailed)

	restored, err := RestoreController(sw, stub, nil, Config{})
	require.NoError(t, err)
	again := restored.Snapshot()
	assert.Equal(t, TaskPending, taskByID(t, again, "t1").Status, "restore requeues interrupted work")
	assert.Equal(t, SwarmRunning, again.Status)
}

func TestLateOutcomesDoNotBlockAfterStop(t *testing.T) {
	stub := newStub()
	c := newConfiguredSwarm(t, Config{ResultBuffer: 1}, stub, nil, Agent{ID: "a1"}, Agent{ID: "a2"}, Agent{ID: "a3"})
	ctx := context.Background()

	for _, id := range []string{"x", "y", "z"} {
		_, err := c.Submit(TaskSpec{ID: id, Title: id})
		require.NoError(t, err)
	}
	c.Pass(ctx)
	require.Len(t, c.running, 3)

	require.NoError(t, c.Stop())
	require.True(t, c.Pass(ctx))
	assert.Equal(t, SwarmStopped, c.Status())

	// nobody drains results any more; two of the three cannot be buffered
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	assert.NoError(t, c.waitExecutions(waitCtx))
}

func TestAddDependencyRejectsCycleThroughQueuedEdges(t *testing.T) {
	c := newTestSwarm(t, newStub(), nil)
	for _, id := range []string{"a", "b"} {
		_, err := c.Submit(TaskSpec{ID: id, Title: id})
		require.NoError(t, err)
	}
	_, err := c.Submit(TaskSpec{ID: "x", Title: "x", Dependencies: []string{"a"}})
	require.NoError(t, err)

	require.NoError(t, c.AddDependency("a", "b"))
	assert.ErrorIs(t, c.AddDependency("b", "a"), ErrInvalidDependency)
	assert.ErrorIs(t, c.AddDependency("a", "x"), ErrInvalidDependency, "x is queued with a dependency on a")
	assert.Equal(t, 4, c.intents.Len(), "rejected edges are never queued")

	c.Pass(context.Background())
	for _, task := range c.Snapshot().Tasks {
		assert.Equal(t, TaskPending, task.Status, task.ID)
	}
	assert.Equal(t, []string{"b"}, slices.Collect(c.graph.Ready()))
}

func TestPutMemoryRacingStopKeepsEveryEntry(t *testing.T) {
	for range 20 {
		c := newTestSwarm(t, newStub(), nil, Agent{ID: "a1"})
		ctx := context.Background()
		c.Pass(ctx)
		require.Equal(t, SwarmRunning, c.Status())

		done := make(chan error, 1)
		go func() { done <- c.Run(ctx, nil) }()

		var (
			wg     sync.WaitGroup
			mu     sync.Mutex
			stored []string
		)
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				e, err := c.PutMemory(MemoryEntry{Content: json.RawMessage(`"note"`), Importance: i})
				if err != nil {
					return
				}
				mu.Lock()
				stored = append(stored, e.ID)
				mu.Unlock()
			}()
		}
		require.NoError(t, c.Stop())
		wg.Wait()
		require.NoError(t, <-done)

		require.Len(t, stored, 8)
		for _, id := range stored {
			assert.True(t, c.memory.Has(c.namespace, id), "entry %s lost", id)
		}
	}
}
