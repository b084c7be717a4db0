package swarm

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// The methods below form the per-swarm command surface. Each validates the
// command against the current state plus the commands already queued,
// enqueues an intent and returns immediately; effects land on the next pass.

func (c *Controller) Pause() error {
	return c.lifecycle(intentPause, SwarmPaused)
}

func (c *Controller) Resume() error {
	return c.lifecycle(intentResume, SwarmRunning)
}

func (c *Controller) Stop() error {
	return c.lifecycle(intentStop, SwarmStopped)
}

func (c *Controller) lifecycle(kind intentKind, target SwarmStatus) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.header.Status
	if s.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrSwarmTerminal, c.header.ID, s)
	}
	// a queued resume or pause may still flip the state before this applies
	if !s.CanTransitionTo(target) && s != SwarmInitializing && c.intents.Len() == 0 {
		return fmt.Errorf("%w: %s cannot go from %s to %s", ErrInvalidTransition, c.header.ID, s, target)
	}
	c.enqueue(intent{kind: kind})
	return nil
}

// Submit validates a task and queues it for insertion into the graph.
func (c *Controller) Submit(spec TaskSpec) (Task, error) {
	if strings.TrimSpace(spec.Title) == "" {
		return Task{}, invalid("title", nil, "title is required")
	}
	if spec.AgentType != "" && !spec.AgentType.IsValid() {
		return Task{}, invalid("agent_type", ErrUnknownAgentType, "unknown agent type %q", spec.AgentType)
	}
	if spec.EstimatedDuration < 0 {
		return Task{}, invalid("estimated_duration", nil, "estimate must not be negative")
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return Task{}, err
	}

	id := spec.ID
	if id == "" {
		id = uuid.NewString()
	}
	if c.taskKnown(id) {
		return Task{}, invalid("id", ErrDuplicateID, "task %q already exists", id)
	}
	var deps []string
	for _, dep := range spec.Dependencies {
		if dep == id {
			return Task{}, invalid("dependencies", ErrInvalidDependency, "task %q depends on itself", id)
		}
		if !c.taskKnown(dep) {
			return Task{}, invalid("dependencies", ErrInvalidDependency, "unknown dependency %q", dep)
		}
		if !slices.Contains(deps, dep) {
			deps = append(deps, dep)
		}
	}

	now := c.now()
	t := Task{
		ID:                id,
		Title:             spec.Title,
		Description:       spec.Description,
		Status:            TaskPending,
		Priority:          spec.Priority,
		Specialization:    slices.Clone(spec.Specialization),
		AgentType:         spec.AgentType,
		Objective:         spec.Objective,
		Dependencies:      deps,
		EstimatedDuration: spec.EstimatedDuration,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	c.enqueue(intent{kind: intentSubmitTask, task: t})
	return cloneTask(t), nil
}

// AddDependency queues an extra dependency edge for a pending task. Cycles
// through applied and still queued edges are rejected here.
func (c *Controller) AddDependency(taskID, depID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.taskKnown(taskID) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if taskID == depID {
		return invalid("dependencies", ErrInvalidDependency, "task %q depends on itself", taskID)
	}
	if !c.taskKnown(depID) {
		return invalid("dependencies", ErrInvalidDependency, "unknown dependency %q", depID)
	}
	if c.graph.reachesWith(depID, taskID, c.intents.edges()) {
		return invalid("dependencies", ErrInvalidDependency, "dependency %q would create a cycle", depID)
	}
	c.enqueue(intent{kind: intentAddDep, id: taskID, dep: depID})
	return nil
}

func (c *Controller) AddAgent(spec AgentSpec) (Agent, error) {
	if !spec.Type.IsValid() {
		return Agent{}, invalid("type", ErrUnknownAgentType, "unknown agent type %q", spec.Type)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return Agent{}, err
	}
	a := c.newAgent(spec)
	if _, err := c.pool.Agent(a.ID); err == nil || c.intents.has(intentAddAgent, a.ID) {
		return Agent{}, invalid("id", ErrDuplicateID, "agent %q already exists", a.ID)
	}
	c.enqueue(intent{kind: intentAddAgent, agent: a})
	return cloneAgent(a), nil
}

func (c *Controller) RemoveAgent(agentID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.agentKnown(agentID) {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	c.enqueue(intent{kind: intentRemoveAgent, id: agentID})
	return nil
}

// SetAgentActive takes an agent out of (or back into) the assignment pool
// without removing it. A deactivated agent finishes its current task.
func (c *Controller) SetAgentActive(agentID string, active bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.agentKnown(agentID) {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	c.enqueue(intent{kind: intentSetActive, id: agentID, active: active})
	return nil
}

func (c *Controller) RetryTask(taskID string) error {
	return c.taskCommand(intentRetryTask, taskID)
}

func (c *Controller) CancelTask(taskID string) error {
	return c.taskCommand(intentCancelTask, taskID)
}

func (c *Controller) taskCommand(kind intentKind, taskID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if !c.taskKnown(taskID) {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	c.enqueue(intent{kind: kind, id: taskID})
	return nil
}

func (c *Controller) AddNode(n WorkflowNode) (WorkflowNode, error) {
	if !n.Type.IsValid() {
		return WorkflowNode{}, invalid("type", nil, "unknown node type %q", n.Type)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return WorkflowNode{}, err
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if c.nodeKnown(n.ID) {
		return WorkflowNode{}, invalid("id", ErrDuplicateID, "node %q already exists", n.ID)
	}
	if n.TaskID != "" && !c.taskKnown(n.TaskID) {
		return WorkflowNode{}, fmt.Errorf("%w: %s", ErrTaskNotFound, n.TaskID)
	}
	if n.Name == "" {
		n.Name = string(n.Type)
	}
	n.Status = NodeIdle
	if n.Type == NodeHumanReview {
		n.Status = NodePaused
	}
	c.enqueue(intent{kind: intentAddNode, node: cloneNode(n)})
	return n, nil
}

func (c *Controller) Connect(conn Connection) (Connection, error) {
	if _, err := parseGuard(conn.Condition); err != nil {
		return Connection{}, invalid("condition", ErrInvalidGuard, "%v", err)
	}
	if conn.SourceID == conn.TargetID {
		return Connection{}, invalid("target_id", nil, "node %q cannot connect to itself", conn.SourceID)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return Connection{}, err
	}
	for _, id := range []string{conn.SourceID, conn.TargetID} {
		if !c.nodeKnown(id) {
			return Connection{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
		}
	}
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}
	c.enqueue(intent{kind: intentConnect, conn: conn})
	return conn, nil
}

// ApproveNode releases a human-review gate on the next pass.
func (c *Controller) ApproveNode(nodeID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if n, err := c.workflow.Node(nodeID); err == nil {
		if n.Type != NodeHumanReview {
			return fmt.Errorf("%w: node %s is %s, not %s", ErrInvalidTransition, nodeID, n.Type, NodeHumanReview)
		}
	} else if !c.intents.has(intentAddNode, nodeID) {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	c.enqueue(intent{kind: intentApproveNode, id: nodeID})
	return nil
}

// PutMemory queues an entry for the swarm namespace. Memory stays writable
// after the swarm ends so results can still be annotated; with no loop left
// to apply intents the entry is stored directly.
func (c *Controller) PutMemory(e MemoryEntry) (MemoryEntry, error) {
	if e.Type == "" {
		e.Type = EntryConversation
	}
	if !e.Type.IsValid() {
		return MemoryEntry{}, invalid("type", nil, "unknown entry type %q", e.Type)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now()
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.header.Status.IsTerminal() {
		stored, _, err := c.memory.Put(c.namespace, e)
		return stored, err
	}
	c.enqueue(intent{kind: intentPutMemory, entry: cloneEntry(e)})
	return e, nil
}

func (c *Controller) enqueue(in intent) {
	c.intents.Enqueue(in)
	c.signal()
}

func (c *Controller) checkOpen() error {
	if c.header.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrSwarmTerminal, c.header.ID, c.header.Status)
	}
	return nil
}

func (c *Controller) taskKnown(id string) bool {
	return c.graph.Has(id) || c.intents.has(intentSubmitTask, id)
}

func (c *Controller) agentKnown(id string) bool {
	_, err := c.pool.Agent(id)
	return err == nil || c.intents.has(intentAddAgent, id)
}

func (c *Controller) nodeKnown(id string) bool {
	_, err := c.workflow.Node(id)
	return err == nil || c.intents.has(intentAddNode, id)
}

func (c *Controller) applyIntents() bool {
	changed := false
	for _, in := range c.intents.Drain() {
		if err := c.apply(in); err != nil {
			slog.Warn("intent rejected", "swarm", c.header.ID, "intent", in.kind, "error", err)
			c.publish("intent_rejected", map[string]any{"intent": string(in.kind), "error": err.Error()})
			continue
		}
		changed = true
	}
	return changed
}

func (c *Controller) apply(in intent) error {
	if in.kind != intentPutMemory {
		if err := c.checkOpen(); err != nil {
			return err
		}
	}

	switch in.kind {
	case intentPause, intentResume, intentStop:
		target := map[intentKind]SwarmStatus{
			intentPause:  SwarmPaused,
			intentResume: SwarmRunning,
			intentStop:   SwarmStopped,
		}[in.kind]
		if !c.transition(target) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, c.header.Status, target)
		}

	case intentSubmitTask:
		t, err := c.graph.AddTask(in.task)
		if err != nil {
			return err
		}
		c.workflow.MirrorTask(t.ID, t.Status)
		c.publish("task_submitted", map[string]any{"task_id": t.ID, "title": t.Title, "status": t.Status})

	case intentAddDep:
		if err := c.graph.AddDependency(in.id, in.dep); err != nil {
			return err
		}
		if t, err := c.graph.Task(in.id); err == nil {
			c.workflow.MirrorTask(t.ID, t.Status)
		}
		c.publish("task_dependency_added", map[string]any{"task_id": in.id, "dependency": in.dep})

	case intentRetryTask:
		restored, err := c.graph.Retry(in.id)
		if err != nil {
			return err
		}
		c.mirror(restored, TaskPending)
		c.publish("task_retried", map[string]any{"task_id": in.id, "restored": restored})

	case intentCancelTask:
		if ex, ok := c.running[in.id]; ok {
			ex.cancel()
			delete(c.running, in.id)
			c.pool.ForceRelease(ex.agentID)
		}
		cancelled, err := c.graph.Cancel(in.id)
		if err != nil {
			return err
		}
		c.mirror(cancelled, TaskCancelled)
		c.publish("task_cancelled", map[string]any{"task_id": in.id, "cancelled": cancelled})

	case intentAddAgent:
		if err := c.pool.Add(in.agent); err != nil {
			return err
		}
		c.publish("agent_added", map[string]any{"agent_id": in.agent.ID, "type": in.agent.Type})

	case intentRemoveAgent:
		held, err := c.pool.Remove(in.id)
		if err != nil {
			return err
		}
		if held != "" {
			if ex, ok := c.running[held]; ok {
				ex.cancel()
				delete(c.running, held)
			}
			if err := c.graph.Requeue(held); err != nil {
				slog.Error("requeue task", "swarm", c.header.ID, "task", held, "error", err)
			} else {
				c.workflow.MirrorTask(held, TaskPending)
				c.publish("task_requeued", map[string]any{"task_id": held, "agent_id": in.id})
			}
		}
		c.publish("agent_removed", map[string]any{"agent_id": in.id})

	case intentSetActive:
		if err := c.pool.SetActive(in.id, in.active); err != nil {
			return err
		}
		c.publish("agent_updated", map[string]any{"agent_id": in.id, "is_active": in.active})

	case intentAddNode:
		n, err := c.workflow.AddNode(in.node)
		if err != nil {
			return err
		}
		if t, err := c.graph.Task(n.TaskID); err == nil {
			c.workflow.MirrorTask(t.ID, t.Status)
		}
		c.publish("node_added", map[string]any{"node_id": n.ID, "type": n.Type, "task_id": n.TaskID})

	case intentConnect:
		conn, err := c.workflow.Connect(in.conn)
		if err != nil {
			return err
		}
		c.publish("nodes_connected", map[string]any{"connection_id": conn.ID, "source_id": conn.SourceID, "target_id": conn.TargetID})

	case intentApproveNode:
		n, err := c.workflow.Approve(in.id)
		if err != nil {
			return err
		}
		slog.Info("workflow node approved", "swarm", c.header.ID, "node", n.ID, "task", n.TaskID)
		c.publish("node_approved", map[string]any{"node_id": n.ID, "task_id": n.TaskID})

	case intentPutMemory:
		stored, evicted, err := c.memory.Put(c.namespace, in.entry)
		if err != nil {
			return err
		}
		if evicted != "" {
			slog.Debug("memory entry evicted", "swarm", c.header.ID, "namespace", c.namespace, "entry", evicted)
			c.publish("memory_evicted", map[string]any{"namespace": c.namespace, "entry_id": evicted})
		}
		c.publish("memory_stored", map[string]any{"namespace": c.namespace, "entry_id": stored.ID, "type": stored.Type})

	default:
		return fmt.Errorf("unknown intent %q", in.kind)
	}
	return nil
}
