package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Capability executes one task on behalf of an agent. Implementations must
// honour ctx cancellation; the returned error classifies the outcome:
// context.DeadlineExceeded is a timeout, anything else a failure.
type Capability interface {
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)
}

// EventPublisher receives notable engine events. Publish must not block.
type EventPublisher interface {
	Publish(swarmID, eventType string, data map[string]any)
}

type ExecRequest struct {
	SwarmID        string                     `json:"swarm_id"`
	TaskID         string                     `json:"task_id"`
	AgentID        string                     `json:"agent_id"`
	AgentType      AgentType                  `json:"agent_type"`
	Role           string                     `json:"role"`
	AITool         string                     `json:"ai_tool"`
	Specialization []string                   `json:"specialization,omitempty"`
	Objective      string                     `json:"objective"`
	Title          string                     `json:"title"`
	Description    string                     `json:"description,omitempty"`
	Inputs         map[string]json.RawMessage `json:"inputs,omitempty"`
	Memory         []MemoryEntry              `json:"memory,omitempty"`
}

type ExecResult struct {
	Output     json.RawMessage `json:"output,omitempty"`
	Confidence float64         `json:"confidence"`
}

// Config tunes a controller. Zero values fall back to defaults.
type Config struct {
	PollInterval    time.Duration
	ExecTimeout     time.Duration
	TimeoutFactor   float64
	CostPerSecond   float64
	ResultBuffer    int
	ContextEntries  int
	DefaultTool     string
	MemoryCapacity  int
	RetentionPolicy RetentionPolicy
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ExecTimeout <= 0 {
		c.ExecTimeout = 15 * time.Minute
	}
	if c.TimeoutFactor <= 0 {
		c.TimeoutFactor = 1.5
	}
	if c.ResultBuffer <= 0 {
		c.ResultBuffer = 64
	}
	if c.ContextEntries <= 0 {
		c.ContextEntries = 5
	}
	if c.DefaultTool == "" {
		c.DefaultTool = "claude-code"
	}
	if c.MemoryCapacity <= 0 {
		c.MemoryCapacity = 1000
	}
	if !c.RetentionPolicy.IsValid() {
		c.RetentionPolicy = RetainLRU
	}
	return c
}

// Controller owns one swarm: its task graph, agent pool, workflow and memory.
// External commands are validated immediately and queued as intents; every
// Pass applies the queue, records reported outcomes, assigns ready work and
// refreshes metrics and status. The controller lock is held for a whole pass
// so commands never interleave with scheduling.
type Controller struct {
	mu        sync.RWMutex
	cfg       Config
	header    Swarm
	namespace string
	aiTool    string

	graph    *TaskGraph
	pool     *AgentPool
	workflow *Workflow
	memory   *MemoryStore

	capability Capability
	events     EventPublisher

	intents intentQueue
	results chan outcome
	wake    chan struct{}
	done    chan struct{}
	execs   sync.WaitGroup
	running map[string]*execution
	attempt uint64
	waiting map[string]bool

	now func() time.Time
}

type execution struct {
	attempt uint64
	agentID string
	started time.Time
	cancel  context.CancelFunc
}

type outcome struct {
	taskID   string
	agentID  string
	attempt  uint64
	result   ExecResult
	err      error
	duration time.Duration
	finished time.Time
}

// NewController validates the swarm configuration and builds the initial
// roster. The swarm starts in initializing and moves to running on its first
// pass.
func NewController(projectID string, sc SwarmConfig, capability Capability, events EventPublisher, cfg Config) (*Controller, error) {
	if capability == nil {
		return nil, invalid("capability", ErrInvalidConfig, "a capability is required")
	}
	if sc.Objective == "" {
		return nil, invalid("objective", ErrInvalidConfig, "objective is required")
	}
	if len(sc.AgentTypes) == 0 {
		return nil, invalid("agent_types", ErrInvalidConfig, "at least one agent type is required")
	}
	for _, t := range sc.AgentTypes {
		if !t.IsValid() {
			return nil, invalid("agent_types", ErrUnknownAgentType, "unknown agent type %q", t)
		}
	}
	if sc.AgentCount < 0 {
		return nil, invalid("agent_count", ErrInvalidConfig, "agent count must not be negative")
	}
	if sc.Strategy == "" {
		sc.Strategy = StrategyCollaborative
	}
	if !sc.Strategy.IsValid() {
		return nil, invalid("strategy", ErrInvalidConfig, "unknown strategy %q", sc.Strategy)
	}
	if sc.RetentionPolicy != "" && !sc.RetentionPolicy.IsValid() {
		return nil, invalid("retention_policy", ErrInvalidConfig, "unknown retention policy %q", sc.RetentionPolicy)
	}
	if sc.MemoryCapacity < 0 {
		return nil, invalid("memory_capacity", ErrInvalidConfig, "memory capacity must not be negative")
	}

	cfg = cfg.withDefaults()
	c := newController(cfg, capability, events)

	now := c.now()
	c.header = Swarm{
		ID:        uuid.NewString(),
		Name:      sc.Name,
		ProjectID: projectID,
		Objective: sc.Objective,
		Strategy:  sc.Strategy,
		Status:    SwarmInitializing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.header.Name == "" {
		c.header.Name = "swarm-" + c.header.ID[:8]
	}
	c.aiTool = sc.AITool
	if c.aiTool == "" {
		c.aiTool = cfg.DefaultTool
	}

	c.namespace = sc.Namespace
	if c.namespace == "" {
		c.namespace = c.header.ID
	}
	capacity := sc.MemoryCapacity
	if capacity == 0 {
		capacity = cfg.MemoryCapacity
	}
	policy := sc.RetentionPolicy
	if policy == "" {
		policy = cfg.RetentionPolicy
	}
	if err := c.memory.Namespace(c.namespace, capacity, policy); err != nil {
		return nil, err
	}

	n := sc.AgentCount
	if n == 0 {
		n = len(sc.AgentTypes)
	}
	for i := range n {
		t := sc.AgentTypes[i%len(sc.AgentTypes)]
		if err := c.pool.Add(c.newAgent(AgentSpec{Type: t})); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RestoreController rebuilds a controller from a persisted snapshot. Tasks
// that were in flight when the snapshot was taken go back to pending since
// their executions did not survive.
func RestoreController(sw Swarm, capability Capability, events EventPublisher, cfg Config) (*Controller, error) {
	if capability == nil {
		return nil, invalid("capability", ErrInvalidConfig, "a capability is required")
	}
	if !sw.Status.IsValid() {
		return nil, fmt.Errorf("restore swarm %s: unknown status %q", sw.ID, sw.Status)
	}
	cfg = cfg.withDefaults()
	c := newController(cfg, capability, events)

	graph, err := RestoreTaskGraph(sw.Tasks)
	if err != nil {
		return nil, fmt.Errorf("restore swarm %s: %w", sw.ID, err)
	}
	wf, err := RestoreWorkflow(sw.Workflow)
	if err != nil {
		return nil, fmt.Errorf("restore swarm %s: %w", sw.ID, err)
	}
	c.graph = graph
	c.workflow = wf
	c.header = Swarm{
		ID:        sw.ID,
		Name:      sw.Name,
		ProjectID: sw.ProjectID,
		Objective: sw.Objective,
		Strategy:  sw.Strategy,
		Status:    sw.Status,
		Metrics:   sw.Metrics,
		CreatedAt: sw.CreatedAt,
		UpdatedAt: sw.UpdatedAt,
	}
	if sw.Metrics.CostEstimate != nil {
		v := *sw.Metrics.CostEstimate
		c.header.Metrics.CostEstimate = &v
	}
	c.aiTool = cfg.DefaultTool

	for _, a := range sw.Agents {
		if err := c.pool.Add(a); err != nil {
			return nil, fmt.Errorf("restore swarm %s: %w", sw.ID, err)
		}
		if a.AITool != "" {
			c.aiTool = a.AITool
		}
	}

	c.namespace = sw.Memory.Namespace
	if c.namespace == "" {
		c.namespace = sw.ID
		if err := c.memory.Namespace(c.namespace, cfg.MemoryCapacity, cfg.RetentionPolicy); err != nil {
			return nil, err
		}
	} else if err := c.memory.Restore(sw.Memory); err != nil {
		return nil, fmt.Errorf("restore swarm %s: %w", sw.ID, err)
	}

	for _, t := range sw.Tasks {
		if t.Status != TaskInProgress {
			continue
		}
		c.pool.ForceRelease(t.AssignedTo)
		if err := c.graph.Requeue(t.ID); err != nil {
			return nil, fmt.Errorf("restore swarm %s: %w", sw.ID, err)
		}
		c.workflow.MirrorTask(t.ID, TaskPending)
		slog.Info("requeued interrupted task", "swarm", sw.ID, "task", t.ID)
	}
	return c, nil
}

func newController(cfg Config, capability Capability, events EventPublisher) *Controller {
	return &Controller{
		cfg:        cfg,
		graph:      NewTaskGraph(),
		pool:       NewAgentPool(),
		workflow:   NewWorkflow(),
		memory:     NewMemoryStore(cfg.MemoryCapacity, cfg.RetentionPolicy),
		capability: capability,
		events:     events,
		results:    make(chan outcome, cfg.ResultBuffer),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		running:    make(map[string]*execution),
		waiting:    make(map[string]bool),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *Controller) newAgent(spec AgentSpec) Agent {
	a := Agent{
		ID:             spec.ID,
		Type:           spec.Type,
		Role:           spec.Type.Role(),
		AITool:         spec.AITool,
		Specialization: spec.Specialization,
		IsActive:       true,
		SwarmID:        c.header.ID,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.AITool == "" {
		a.AITool = c.aiTool
	}
	if len(a.Specialization) == 0 {
		a.Specialization = []string{string(spec.Type)}
	}
	return a
}

func (c *Controller) ID() string {
	return c.header.ID
}

func (c *Controller) ProjectID() string {
	return c.header.ProjectID
}

// Namespace returns the memory namespace owned by the swarm.
func (c *Controller) Namespace() string {
	return c.namespace
}

func (c *Controller) Status() SwarmStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.header.Status
}

// Snapshot returns a deep copy of the whole swarm.
func (c *Controller) Snapshot() Swarm {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sw := c.header
	if sw.Metrics.CostEstimate != nil {
		v := *sw.Metrics.CostEstimate
		sw.Metrics.CostEstimate = &v
	}
	sw.Agents = c.pool.Agents()
	sw.Tasks = c.graph.Tasks()
	sw.Workflow = c.workflow.State()
	mem, err := c.memory.Snapshot(c.namespace)
	if err != nil {
		slog.Error("snapshot swarm memory", "swarm", sw.ID, "error", err)
	}
	sw.Memory = mem
	return sw
}

// Tiers groups the swarm's tasks by dependency depth.
func (c *Controller) Tiers() []ExecutionTier {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.graph.Tiers()
}

// QueryMemory reads the swarm memory without going through the pass loop.
func (c *Controller) QueryMemory(match Predicate) iter.Seq[MemoryEntry] {
	return c.memory.Query(c.namespace, match)
}

// Run drives passes until ctx is cancelled or the swarm reaches a terminal
// state. onChange, when set, receives a snapshot after every pass that
// changed state.
func (c *Controller) Run(ctx context.Context, onChange func(Swarm)) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Pass(ctx) && onChange != nil {
			onChange(c.Snapshot())
		}
		if c.Status().IsTerminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Pass runs one scheduling pass and reports whether any state changed. A pass
// without new intents, outcomes or elapsed deadlines changes nothing.
func (c *Controller) Pass(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.start()
	if c.applyIntents() {
		changed = true
	}
	if c.drainOutcomes(ctx) {
		changed = true
	}
	if c.start() {
		changed = true
	}
	if c.header.Status == SwarmRunning && c.assignReady(ctx) {
		changed = true
	}
	if c.flagOverdue() {
		changed = true
	}
	if changed {
		c.recomputeMetrics()
	}
	if c.evaluateStatus() {
		changed = true
	}
	if changed {
		c.header.UpdatedAt = c.now()
	}
	return changed
}

// start moves an initializing swarm to running once it has a roster.
func (c *Controller) start() bool {
	if c.header.Status != SwarmInitializing || c.pool.Len() == 0 {
		return false
	}
	return c.transition(SwarmRunning)
}

func (c *Controller) transition(to SwarmStatus) bool {
	from := c.header.Status
	if !from.CanTransitionTo(to) {
		return false
	}
	c.header.Status = to
	slog.Info("swarm status changed", "swarm", c.header.ID, "from", from, "to", to)
	c.publish("swarm_status", map[string]any{"from": from, "to": to})
	if to.IsTerminal() {
		c.halt()
	}
	return true
}

// halt cancels in-flight executions and frees every agent. In-flight tasks
// end up cancelled along with their pending dependents. Executions that
// report after halt find done closed and exit without a reader.
func (c *Controller) halt() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	for taskID, ex := range c.running {
		ex.cancel()
		delete(c.running, taskID)
		cancelled, err := c.graph.Cancel(taskID)
		if err != nil {
			slog.Error("cancel in-flight task", "swarm", c.header.ID, "task", taskID, "error", err)
			continue
		}
		c.mirror(cancelled, TaskCancelled)
	}
	for _, a := range c.pool.Agents() {
		c.pool.ForceRelease(a.ID)
	}
}

func (c *Controller) assignReady(ctx context.Context) bool {
	changed := false
	for id := range c.graph.Ready() {
		if c.pool.IdleCount() == 0 {
			break
		}
		if c.workflow.Gated(id) {
			continue
		}
		t, err := c.graph.Task(id)
		if err != nil {
			continue
		}
		a, ok := c.pool.FindCapableIdle(t)
		if !ok {
			if !c.waiting[id] {
				c.waiting[id] = true
				slog.Debug("no capable idle agent", "swarm", c.header.ID, "task", id, "error", ErrNoCapableAgent)
				c.publish("task_waiting", map[string]any{"task_id": id})
			}
			continue
		}
		if err := c.pool.Assign(a.ID, id); err != nil {
			slog.Debug("assignment refused", "swarm", c.header.ID, "task", id, "agent", a.ID, "error", err)
			continue
		}
		if err := c.graph.Start(id, a.ID); err != nil {
			c.pool.ForceRelease(a.ID)
			slog.Error("start task", "swarm", c.header.ID, "task", id, "error", err)
			continue
		}
		delete(c.waiting, id)
		c.workflow.MirrorTask(id, TaskInProgress)
		t, _ = c.graph.Task(id)
		c.launch(ctx, t, a)
		slog.Info("task assigned", "swarm", c.header.ID, "task", id, "agent", a.ID)
		c.publish("task_assigned", map[string]any{"task_id": id, "agent_id": a.ID, "attempt": t.Attempts})
		changed = true
	}
	return changed
}

func (c *Controller) launch(ctx context.Context, t Task, a Agent) {
	c.attempt++
	attempt := c.attempt
	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecTimeout)
	started := c.now()
	c.running[t.ID] = &execution{attempt: attempt, agentID: a.ID, started: started, cancel: cancel}

	req := c.request(t, a)
	c.execs.Add(1)
	go func() {
		defer c.execs.Done()
		defer cancel()
		begin := time.Now()
		res, err := c.capability.Execute(execCtx, req)
		o := outcome{
			taskID:   t.ID,
			agentID:  a.ID,
			attempt:  attempt,
			result:   res,
			err:      err,
			duration: time.Since(begin),
			finished: time.Now().UTC(),
		}
		select {
		case c.results <- o:
			c.signal()
			return
		default:
		}
		select {
		case c.results <- o:
			c.signal()
		case <-ctx.Done():
		case <-c.done:
		}
	}()
}

// waitExecutions blocks until every launched capability call has returned.
func (c *Controller) waitExecutions(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		c.execs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) request(t Task, a Agent) ExecRequest {
	req := ExecRequest{
		SwarmID:        c.header.ID,
		TaskID:         t.ID,
		AgentID:        a.ID,
		AgentType:      a.Type,
		Role:           a.Role,
		AITool:         a.AITool,
		Specialization: a.Specialization,
		Objective:      c.header.Objective,
		Title:          t.Title,
		Description:    t.Description,
	}
	for _, dep := range t.Dependencies {
		d, err := c.graph.Task(dep)
		if err != nil {
			continue
		}
		if r, ok := d.LastResult(); ok && len(r.Output) > 0 {
			if req.Inputs == nil {
				req.Inputs = make(map[string]json.RawMessage)
			}
			req.Inputs[dep] = r.Output
		}
	}
	for e := range c.memory.Query(c.namespace, MatchAll()) {
		req.Memory = append(req.Memory, e)
		if len(req.Memory) >= c.cfg.ContextEntries {
			break
		}
	}
	return req
}

func (c *Controller) drainOutcomes(ctx context.Context) bool {
	changed := false
	for {
		select {
		case o := <-c.results:
			if c.record(ctx, o) {
				changed = true
			}
		default:
			return changed
		}
	}
}

func (c *Controller) record(ctx context.Context, o outcome) bool {
	ex, ok := c.running[o.taskID]
	if !ok || ex.attempt != o.attempt {
		slog.Debug("ignoring stale outcome", "swarm", c.header.ID, "task", o.taskID, "attempt", o.attempt)
		return false
	}
	// A loop that is shutting down cancelled this execution itself. The task
	// stays in progress so a restore requeues it instead of failing it.
	if o.err != nil && ctx.Err() != nil {
		slog.Debug("ignoring outcome of interrupted execution", "swarm", c.header.ID, "task", o.taskID, "error", o.err)
		return false
	}
	delete(c.running, o.taskID)
	ex.cancel()

	t, err := c.graph.Task(o.taskID)
	if err != nil {
		return false
	}
	result := TaskResult{
		ID:        uuid.NewString(),
		TaskID:    o.taskID,
		AgentID:   o.agentID,
		Duration:  o.duration,
		Timestamp: o.finished,
	}

	if o.err == nil {
		result.Outcome = OutcomeSuccess
		result.Output = normalizeOutput(o.result.Output)
		result.Confidence = clamp01(o.result.Confidence)
		if err := c.graph.MarkCompleted(o.taskID, result); err != nil {
			slog.Error("complete task", "swarm", c.header.ID, "task", o.taskID, "error", err)
			return false
		}
		c.release(o.agentID, true, o.duration, t.Specialization)
		c.workflow.MirrorTask(o.taskID, TaskCompleted)
		c.branch(o.taskID, result.Output)
		slog.Info("task completed", "swarm", c.header.ID, "task", o.taskID, "agent", o.agentID, "duration", o.duration)
		c.publish("task_completed", map[string]any{"task_id": o.taskID, "agent_id": o.agentID, "confidence": result.Confidence})
	} else {
		result.Outcome = OutcomeFailure
		if errors.Is(o.err, context.DeadlineExceeded) {
			result.Outcome = OutcomeTimeout
		}
		result.Error = o.err.Error()
		cancelled, err := c.graph.MarkFailed(o.taskID, result)
		if err != nil {
			slog.Error("fail task", "swarm", c.header.ID, "task", o.taskID, "error", err)
			return false
		}
		c.release(o.agentID, false, o.duration, t.Specialization)
		c.workflow.MirrorTask(o.taskID, TaskFailed)
		c.mirror(cancelled, TaskCancelled)
		slog.Warn("task failed", "swarm", c.header.ID, "task", o.taskID, "agent", o.agentID, "outcome", result.Outcome, "error", o.err)
		c.publish("task_failed", map[string]any{"task_id": o.taskID, "agent_id": o.agentID, "outcome": result.Outcome, "error": result.Error, "cancelled": cancelled})
	}
	c.remember(t, result)
	return true
}

func (c *Controller) release(agentID string, success bool, d time.Duration, tags []string) {
	err := c.pool.Release(agentID, Observation{Success: success, Duration: d, Tags: tags})
	if err != nil {
		slog.Debug("release agent", "swarm", c.header.ID, "agent", agentID, "error", err)
	}
}

// branch applies condition nodes downstream of a completed task.
func (c *Controller) branch(taskID string, output json.RawMessage) {
	b := c.workflow.EvaluateConditions(taskID, output)
	for _, skipped := range b.Skipped {
		cancelled, err := c.graph.Cancel(skipped)
		if err != nil {
			slog.Debug("skip branch task", "swarm", c.header.ID, "task", skipped, "error", err)
			continue
		}
		c.mirror(cancelled, TaskCancelled)
		c.publish("task_cancelled", map[string]any{"task_id": skipped, "reason": "branch not taken", "cancelled": cancelled})
	}
	for _, node := range b.Activated {
		c.publish("node_activated", map[string]any{"node_id": node, "source_task": taskID})
	}
	for _, node := range b.Stalled {
		slog.Warn("workflow condition stalled", "swarm", c.header.ID, "node", node, "source_task", taskID)
		c.publish("workflow_stalled", map[string]any{"node_id": node, "source_task": taskID})
	}
}

// remember stores the outcome of a task in swarm memory.
func (c *Controller) remember(t Task, r TaskResult) {
	content := r.Output
	importance := int(math.Round(r.Confidence * 10))
	if r.Outcome != OutcomeSuccess {
		content, _ = json.Marshal(map[string]string{"error": r.Error})
		importance = 0
	}
	if len(content) == 0 {
		content = json.RawMessage(`null`)
	}
	entry := MemoryEntry{
		ID:      r.ID,
		Type:    EntryOutcome,
		Content: content,
		Metadata: map[string]any{
			"task_id":  t.ID,
			"title":    t.Title,
			"agent_id": r.AgentID,
			"outcome":  string(r.Outcome),
		},
		Importance: importance,
		Timestamp:  r.Timestamp,
	}
	_, evicted, err := c.memory.Put(c.namespace, entry)
	if err != nil {
		slog.Error("store task outcome", "swarm", c.header.ID, "task", t.ID, "error", err)
		return
	}
	if evicted != "" {
		slog.Debug("memory entry evicted", "swarm", c.header.ID, "namespace", c.namespace, "entry", evicted)
		c.publish("memory_evicted", map[string]any{"namespace": c.namespace, "entry_id": evicted})
	}
}

func (c *Controller) mirror(taskIDs []string, s TaskStatus) {
	for _, id := range taskIDs {
		c.workflow.MirrorTask(id, s)
	}
}

func (c *Controller) flagOverdue() bool {
	changed := false
	now := c.now()
	for taskID, ex := range c.running {
		t, err := c.graph.Task(taskID)
		if err != nil || t.Overdue || t.EstimatedDuration <= 0 {
			continue
		}
		limit := time.Duration(float64(t.EstimatedDuration) * c.cfg.TimeoutFactor)
		elapsed := now.Sub(ex.started)
		if elapsed <= limit {
			continue
		}
		c.graph.SetOverdue(taskID)
		slog.Warn("task overdue", "swarm", c.header.ID, "task", taskID, "agent", ex.agentID, "elapsed", elapsed, "estimate", t.EstimatedDuration)
		c.publish("task_overdue", map[string]any{"task_id": taskID, "agent_id": ex.agentID, "elapsed": elapsed.Seconds()})
		changed = true
	}
	return changed
}

func (c *Controller) recomputeMetrics() {
	var (
		m         SwarmMetrics
		completed float64
		edges     int
		crossed   int
	)
	agentEdges := make(map[string]int)
	agentCrossed := make(map[string]int)

	tasks := c.graph.Tasks()
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		for _, r := range t.Results {
			m.TotalExecutionTime += r.Duration.Seconds()
		}
		if t.Status == TaskFailed {
			m.TasksFailed++
		}
		if t.Status != TaskCompleted {
			continue
		}
		m.TasksCompleted++
		completed += t.ActualDuration.Seconds()

		for _, dep := range t.Dependencies {
			d := byID[dep]
			if d.Status != TaskCompleted {
				continue
			}
			edges++
			agentEdges[t.AssignedTo]++
			agentEdges[d.AssignedTo]++
			if d.AssignedTo != t.AssignedTo {
				crossed++
				agentCrossed[t.AssignedTo]++
				agentCrossed[d.AssignedTo]++
			}
		}
	}

	if m.TasksCompleted > 0 {
		m.AverageTaskDuration = completed / float64(m.TasksCompleted)
	}
	if total := m.TasksCompleted + m.TasksFailed; total > 0 {
		m.SuccessRate = float64(m.TasksCompleted) / float64(total)
	}
	if edges > 0 {
		m.CollaborationScore = float64(crossed) / float64(edges)
	}
	if c.cfg.CostPerSecond > 0 {
		cost := m.TotalExecutionTime * c.cfg.CostPerSecond
		m.CostEstimate = &cost
	}
	c.header.Metrics = m

	for _, a := range c.pool.Agents() {
		rating := 0.0
		if n := agentEdges[a.ID]; n > 0 {
			rating = float64(agentCrossed[a.ID]) / float64(n)
		}
		c.pool.setCollaboration(a.ID, rating)
	}
}

func (c *Controller) evaluateStatus() bool {
	if c.header.Status != SwarmRunning {
		return false
	}
	for _, t := range c.graph.Tasks() {
		if t.Objective && (t.Status == TaskFailed || t.Status == TaskCancelled) {
			slog.Warn("objective task did not complete", "swarm", c.header.ID, "task", t.ID, "status", t.Status)
			return c.transition(SwarmFailed)
		}
	}
	counts := c.graph.Counts()
	if counts[TaskPending] == 0 && counts[TaskInProgress] == 0 && counts[TaskCompleted] > 0 {
		return c.transition(SwarmCompleted)
	}
	return false
}

func (c *Controller) publish(eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	c.events.Publish(c.header.ID, eventType, data)
}

func normalizeOutput(out json.RawMessage) json.RawMessage {
	if len(out) == 0 {
		return nil
	}
	if json.Valid(out) {
		return out
	}
	quoted, _ := json.Marshal(string(out))
	return quoted
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return min(max(v, 0), 1)
}
