package swarm

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskGraph is the dependency DAG of a swarm's tasks. Every listed dependency is
// required (AND semantics). Readiness is tracked incrementally: each task keeps
// a count of dependencies that have not completed yet, and a task enters the
// ready set when that count drops to zero while it is pending.
//
// TaskGraph is not safe for concurrent use; the Controller serializes access.
type TaskGraph struct {
	tasks      map[string]*Task
	order      []string
	dependents map[string][]string
	unresolved map[string]int
	ready      map[string]struct{}
	seq        uint64
	now        func() time.Time
}

func NewTaskGraph() *TaskGraph {
	return &TaskGraph{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		unresolved: make(map[string]int),
		ready:      make(map[string]struct{}),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (g *TaskGraph) Len() int {
	return len(g.order)
}

// Task returns a copy of the task with the given id.
func (g *TaskGraph) Task(id string) (Task, error) {
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return cloneTask(*t), nil
}

// Tasks returns copies of all tasks in insertion order.
func (g *TaskGraph) Tasks() []Task {
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, cloneTask(*g.tasks[id]))
	}
	return out
}

// Has reports whether a task with the id exists.
func (g *TaskGraph) Has(id string) bool {
	_, ok := g.tasks[id]
	return ok
}

// AddTask validates and inserts a new pending task. Nothing is mutated when an
// error is returned.
func (g *TaskGraph) AddTask(t Task) (Task, error) {
	if strings.TrimSpace(t.Title) == "" {
		return Task{}, invalid("title", nil, "title is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := g.tasks[t.ID]; exists {
		return Task{}, invalid("id", ErrDuplicateID, "task %q already exists", t.ID)
	}
	if t.AgentType != "" && !t.AgentType.IsValid() {
		return Task{}, invalid("agent_type", ErrUnknownAgentType, "unknown agent type %q", t.AgentType)
	}

	deps := make([]string, 0, len(t.Dependencies))
	for _, dep := range t.Dependencies {
		if slices.Contains(deps, dep) {
			continue
		}
		if err := g.checkEdge(t.ID, dep); err != nil {
			return Task{}, err
		}
		deps = append(deps, dep)
	}

	now := g.now()
	g.seq++
	task := &Task{
		ID:                t.ID,
		Title:             t.Title,
		Description:       t.Description,
		Status:            TaskPending,
		Priority:          t.Priority,
		Specialization:    slices.Clone(t.Specialization),
		AgentType:         t.AgentType,
		Objective:         t.Objective,
		Dependencies:      deps,
		EstimatedDuration: t.EstimatedDuration,
		Seq:               g.seq,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         now,
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}

	g.tasks[task.ID] = task
	g.order = append(g.order, task.ID)

	unresolved := 0
	for _, dep := range deps {
		g.dependents[dep] = append(g.dependents[dep], task.ID)
		d := g.tasks[dep]
		switch d.Status {
		case TaskCompleted:
		case TaskFailed, TaskCancelled:
			unresolved++
			if task.Status == TaskPending {
				task.Status = TaskCancelled
				task.CancelledBy = rootCause(d)
			}
		default:
			unresolved++
		}
	}
	g.unresolved[task.ID] = unresolved
	if task.Status == TaskPending && unresolved == 0 {
		g.ready[task.ID] = struct{}{}
	}

	return cloneTask(*task), nil
}

// AddDependency makes a pending task depend on another existing task.
func (g *TaskGraph) AddDependency(taskID, depID string) error {
	t, ok := g.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if t.Status != TaskPending {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, taskID, t.Status)
	}
	if slices.Contains(t.Dependencies, depID) {
		return nil
	}
	if err := g.checkEdge(taskID, depID); err != nil {
		return err
	}

	t.Dependencies = append(t.Dependencies, depID)
	t.UpdatedAt = g.now()
	g.dependents[depID] = append(g.dependents[depID], taskID)

	d := g.tasks[depID]
	if d.Status == TaskCompleted {
		return nil
	}
	g.unresolved[taskID]++
	delete(g.ready, taskID)
	if d.Status == TaskFailed || d.Status == TaskCancelled {
		root := rootCause(d)
		g.setStatus(t, TaskCancelled)
		t.CancelledBy = root
		g.cascade(taskID, root)
	}
	return nil
}

func (g *TaskGraph) checkEdge(taskID, depID string) error {
	if depID == taskID {
		return invalid("dependencies", ErrInvalidDependency, "task %q depends on itself", taskID)
	}
	if _, ok := g.tasks[depID]; !ok {
		return invalid("dependencies", ErrInvalidDependency, "unknown dependency %q", depID)
	}
	if g.reaches(depID, taskID) {
		return invalid("dependencies", ErrInvalidDependency, "dependency %q would create a cycle", depID)
	}
	return nil
}

// reaches reports whether target is in the dependency closure of from.
func (g *TaskGraph) reaches(from, target string) bool {
	return g.reachesWith(from, target, nil)
}

// reachesWith is reaches over the graph plus extra edges that are not
// applied yet, keyed by the dependent task.
func (g *TaskGraph) reachesWith(from, target string, extra map[string][]string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if t, ok := g.tasks[id]; ok {
			stack = append(stack, t.Dependencies...)
		}
		stack = append(stack, extra[id]...)
	}
	return false
}

// Ready yields the ids of ready tasks, most urgent first. Each iteration takes
// a fresh ordering, so the sequence can be ranged over repeatedly.
func (g *TaskGraph) Ready() iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, id := range g.readyIDs() {
			if !yield(id) {
				return
			}
		}
	}
}

// IsReady reports whether the task currently satisfies the readiness invariant.
func (g *TaskGraph) IsReady(id string) bool {
	_, ok := g.ready[id]
	return ok
}

func (g *TaskGraph) readyIDs() []string {
	ids := make([]string, 0, len(g.ready))
	for id := range g.ready {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		ta, tb := g.tasks[a], g.tasks[b]
		if c := cmp.Compare(tb.Priority, ta.Priority); c != 0 {
			return c
		}
		if c := ta.CreatedAt.Compare(tb.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(ta.Seq, tb.Seq)
	})
	return ids
}

// Start moves a ready task to in_progress on behalf of an agent.
func (g *TaskGraph) Start(id, agentID string) error {
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !g.IsReady(id) {
		return fmt.Errorf("%w: task %s is not ready", ErrInvalidTransition, id)
	}
	now := g.now()
	g.setStatus(t, TaskInProgress)
	t.AssignedTo = agentID
	t.StartedAt = &now
	t.Overdue = false
	t.Attempts++
	return nil
}

// Requeue returns an in-progress task to pending, e.g. after its agent left.
func (g *TaskGraph) Requeue(id string) error {
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != TaskInProgress {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
	}
	g.setStatus(t, TaskPending)
	t.AssignedTo = ""
	t.StartedAt = nil
	t.Overdue = false
	if g.unresolved[id] == 0 {
		g.ready[id] = struct{}{}
	}
	return nil
}

// MarkCompleted records the result, completes the task and promotes direct
// dependents whose last outstanding dependency this was.
func (g *TaskGraph) MarkCompleted(id string, result TaskResult) error {
	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != TaskInProgress {
		return fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
	}
	t.Results = append(t.Results, result)
	t.ActualDuration = result.Duration
	g.setStatus(t, TaskCompleted)

	for _, depID := range g.dependents[id] {
		g.unresolved[depID]--
		if g.unresolved[depID] == 0 && g.tasks[depID].Status == TaskPending {
			g.ready[depID] = struct{}{}
		}
	}
	return nil
}

// MarkFailed records the result, fails the task and cancels every transitive
// dependent. It returns the ids that were cancelled.
func (g *TaskGraph) MarkFailed(id string, result TaskResult) ([]string, error) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != TaskInProgress {
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
	}
	t.Results = append(t.Results, result)
	t.ActualDuration = result.Duration
	g.setStatus(t, TaskFailed)
	return g.cascade(id, id), nil
}

// Cancel cancels a pending or in-progress task and its transitive dependents.
// The returned ids include the task itself.
func (g *TaskGraph) Cancel(id string) ([]string, error) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !t.Status.CanTransitionTo(TaskCancelled) {
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
	}
	g.setStatus(t, TaskCancelled)
	delete(g.ready, id)
	return append([]string{id}, g.cascade(id, id)...), nil
}

// cascade cancels pending transitive dependents of from, attributing them to root.
func (g *TaskGraph) cascade(from, root string) []string {
	var cancelled []string
	seen := map[string]bool{from: true}
	queue := slices.Clone(g.dependents[from])
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		t := g.tasks[id]
		if t.Status != TaskPending {
			continue
		}
		g.setStatus(t, TaskCancelled)
		t.CancelledBy = root
		delete(g.ready, id)
		cancelled = append(cancelled, id)
		queue = append(queue, g.dependents[id]...)
	}
	return cancelled
}

// Retry returns a failed or cancelled task to pending and restores dependents
// that were cancelled on its account once their dependencies are viable again.
// It returns the ids that went back to pending, the task itself first.
func (g *TaskGraph) Retry(id string) ([]string, error) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if t.Status != TaskFailed && t.Status != TaskCancelled {
		return nil, fmt.Errorf("%w: task %s is %s", ErrInvalidTransition, id, t.Status)
	}
	if dep, blocked := g.blockedBy(t); blocked {
		return nil, invalid("dependencies", ErrInvalidDependency, "dependency %q is %s", dep, g.tasks[dep].Status)
	}

	g.reopen(t)
	restored := []string{id}

	for changed := true; changed; {
		changed = false
		for _, depID := range g.order {
			d := g.tasks[depID]
			if d.Status != TaskCancelled || d.CancelledBy != id {
				continue
			}
			if _, blocked := g.blockedBy(d); blocked {
				continue
			}
			g.reopen(d)
			restored = append(restored, depID)
			changed = true
		}
	}
	return restored, nil
}

func (g *TaskGraph) reopen(t *Task) {
	g.setStatus(t, TaskPending)
	t.CancelledBy = ""
	t.AssignedTo = ""
	t.StartedAt = nil
	t.Overdue = false
	g.unresolved[t.ID] = g.countUnresolved(t)
	if g.unresolved[t.ID] == 0 {
		g.ready[t.ID] = struct{}{}
	}
}

func (g *TaskGraph) blockedBy(t *Task) (string, bool) {
	for _, dep := range t.Dependencies {
		s := g.tasks[dep].Status
		if s == TaskFailed || s == TaskCancelled {
			return dep, true
		}
	}
	return "", false
}

func (g *TaskGraph) countUnresolved(t *Task) int {
	n := 0
	for _, dep := range t.Dependencies {
		if g.tasks[dep].Status != TaskCompleted {
			n++
		}
	}
	return n
}

func (g *TaskGraph) setStatus(t *Task, s TaskStatus) {
	t.Status = s
	t.UpdatedAt = g.now()
	if s != TaskPending {
		delete(g.ready, t.ID)
	}
}

// SetOverdue flags an in-progress task as exceeding its estimate.
func (g *TaskGraph) SetOverdue(id string) {
	if t, ok := g.tasks[id]; ok && t.Status == TaskInProgress {
		t.Overdue = true
		t.UpdatedAt = g.now()
	}
}

// Counts returns the number of tasks per status.
func (g *TaskGraph) Counts() map[TaskStatus]int {
	counts := make(map[TaskStatus]int, len(taskTransitions))
	for _, t := range g.tasks {
		counts[t.Status]++
	}
	return counts
}

// ExecutionTier is a group of tasks at the same dependency depth; tasks within
// a tier have no dependencies on each other.
type ExecutionTier struct {
	Tasks []string `json:"tasks"`
}

// Tiers groups all tasks by their longest dependency chain, in insertion order
// within each tier.
func (g *TaskGraph) Tiers() []ExecutionTier {
	depth := make(map[string]int, len(g.tasks))
	var visit func(id string) int
	visit = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		d := 0
		for _, dep := range g.tasks[id].Dependencies {
			d = max(d, visit(dep)+1)
		}
		depth[id] = d
		return d
	}

	maxDepth := -1
	for _, id := range g.order {
		maxDepth = max(maxDepth, visit(id))
	}
	tiers := make([]ExecutionTier, maxDepth+1)
	for _, id := range g.order {
		d := depth[id]
		tiers[d].Tasks = append(tiers[d].Tasks, id)
	}
	return tiers
}

// RestoreTaskGraph rebuilds a graph from a snapshot taken with Tasks.
func RestoreTaskGraph(tasks []Task) (*TaskGraph, error) {
	g := NewTaskGraph()
	for _, t := range tasks {
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("restore task %s: %w", t.ID, ErrDuplicateID)
		}
		if !t.Status.IsValid() {
			return nil, fmt.Errorf("restore task %s: unknown status %q", t.ID, t.Status)
		}
		c := cloneTask(t)
		g.tasks[c.ID] = &c
		g.order = append(g.order, c.ID)
		g.seq = max(g.seq, c.Seq)
	}
	for _, id := range g.order {
		t := g.tasks[id]
		for _, dep := range t.Dependencies {
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("restore task %s: %w: unknown dependency %s", id, ErrInvalidDependency, dep)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	for _, id := range g.order {
		t := g.tasks[id]
		g.unresolved[id] = g.countUnresolved(t)
		if t.Status == TaskPending && g.unresolved[id] == 0 {
			g.ready[id] = struct{}{}
		}
	}
	return g, nil
}

func rootCause(t *Task) string {
	if t.Status == TaskCancelled && t.CancelledBy != "" {
		return t.CancelledBy
	}
	return t.ID
}

func cloneTask(t Task) Task {
	t.Specialization = slices.Clone(t.Specialization)
	t.Dependencies = slices.Clone(t.Dependencies)
	if t.Results != nil {
		results := make([]TaskResult, len(t.Results))
		for i, r := range t.Results {
			r.Output = slices.Clone(r.Output)
			results[i] = r
		}
		t.Results = results
	}
	if t.StartedAt != nil {
		s := *t.StartedAt
		t.StartedAt = &s
	}
	return t
}
