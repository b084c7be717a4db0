package swarm

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

type NodeType string

const (
	NodeAITask      NodeType = "ai-task"
	NodeHumanReview NodeType = "human-review"
	NodeCondition   NodeType = "condition"
	NodeMerge       NodeType = "merge"
	NodeStart       NodeType = "start"
	NodeEnd         NodeType = "end"
)

func (t NodeType) IsValid() bool {
	switch t {
	case NodeAITask, NodeHumanReview, NodeCondition, NodeMerge, NodeStart, NodeEnd:
		return true
	}
	return false
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type WorkflowNode struct {
	ID        string          `json:"id"`
	Type      NodeType        `json:"type"`
	Name      string          `json:"name"`
	Position  Position        `json:"position"`
	Data      json.RawMessage `json:"data,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Status    NodeStatus      `json:"status"`
	Approved  bool            `json:"approved,omitempty"`
	Activated bool            `json:"activated,omitempty"`
}

type Connection struct {
	ID        string `json:"id"`
	SourceID  string `json:"source_id"`
	TargetID  string `json:"target_id"`
	Condition string `json:"condition,omitempty"`
	Label     string `json:"label,omitempty"`
}

// WorkflowState is the persistable form of a workflow.
type WorkflowState struct {
	Nodes       []WorkflowNode `json:"nodes"`
	Connections []Connection   `json:"connections"`
}

// Branching reports the effect of evaluating condition nodes after a task
// completed.
type Branching struct {
	Activated []string // node ids
	Skipped   []string // task ids bound to branches that were not taken
	Stalled   []string // condition node ids without a matching guard
}

// Workflow is the advisory node graph laid over a swarm's tasks. It only
// affects scheduling through human-review gates and condition branches.
type Workflow struct {
	nodes  map[string]*WorkflowNode
	order  []string
	conns  []Connection
	byTask map[string]string
}

func NewWorkflow() *Workflow {
	return &Workflow{
		nodes:  make(map[string]*WorkflowNode),
		byTask: make(map[string]string),
	}
}

func RestoreWorkflow(st WorkflowState) (*Workflow, error) {
	w := NewWorkflow()
	for _, n := range st.Nodes {
		if _, err := w.insert(n); err != nil {
			return nil, fmt.Errorf("restore workflow: %w", err)
		}
		// insert resets runtime flags
		node := w.nodes[n.ID]
		node.Status = n.Status
		node.Approved = n.Approved
		node.Activated = n.Activated
	}
	for _, c := range st.Connections {
		if _, err := w.Connect(c); err != nil {
			return nil, fmt.Errorf("restore workflow: %w", err)
		}
	}
	return w, nil
}

func (w *Workflow) State() WorkflowState {
	st := WorkflowState{
		Nodes:       make([]WorkflowNode, 0, len(w.order)),
		Connections: slices.Clone(w.conns),
	}
	for _, id := range w.order {
		st.Nodes = append(st.Nodes, cloneNode(*w.nodes[id]))
	}
	if st.Connections == nil {
		st.Connections = []Connection{}
	}
	return st
}

func (w *Workflow) Node(id string) (WorkflowNode, error) {
	n, ok := w.nodes[id]
	if !ok {
		return WorkflowNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return cloneNode(*n), nil
}

// NodeForTask returns the id of the node bound to the task.
func (w *Workflow) NodeForTask(taskID string) (string, bool) {
	id, ok := w.byTask[taskID]
	return id, ok
}

// AddNode validates and inserts a node. Binding the node to a task is the
// caller's concern; the workflow only enforces one node per task.
func (w *Workflow) AddNode(n WorkflowNode) (WorkflowNode, error) {
	return w.insert(n)
}

func (w *Workflow) insert(n WorkflowNode) (WorkflowNode, error) {
	if !n.Type.IsValid() {
		return WorkflowNode{}, invalid("type", nil, "unknown node type %q", n.Type)
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if _, exists := w.nodes[n.ID]; exists {
		return WorkflowNode{}, invalid("id", ErrDuplicateID, "node %q already exists", n.ID)
	}
	if n.TaskID != "" {
		if other, bound := w.byTask[n.TaskID]; bound {
			return WorkflowNode{}, invalid("task_id", ErrDuplicateID, "task %q already bound to node %q", n.TaskID, other)
		}
	}
	if n.Name == "" {
		n.Name = string(n.Type)
	}

	n.Status = NodeIdle
	n.Approved = false
	n.Activated = false
	if n.Type == NodeHumanReview {
		n.Status = NodePaused
	}

	c := cloneNode(n)
	w.nodes[c.ID] = &c
	w.order = append(w.order, c.ID)
	if c.TaskID != "" {
		w.byTask[c.TaskID] = c.ID
	}
	return cloneNode(c), nil
}

// Connect adds an edge between two existing nodes. Guards are parsed up front
// so a malformed guard is rejected before it can stall a branch.
func (w *Workflow) Connect(c Connection) (Connection, error) {
	if c.SourceID == c.TargetID {
		return Connection{}, invalid("target_id", nil, "node %q cannot connect to itself", c.SourceID)
	}
	if _, ok := w.nodes[c.SourceID]; !ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrNodeNotFound, c.SourceID)
	}
	if _, ok := w.nodes[c.TargetID]; !ok {
		return Connection{}, fmt.Errorf("%w: %s", ErrNodeNotFound, c.TargetID)
	}
	if _, err := parseGuard(c.Condition); err != nil {
		return Connection{}, invalid("condition", ErrInvalidGuard, "%v", err)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if slices.ContainsFunc(w.conns, func(e Connection) bool { return e.ID == c.ID }) {
		return Connection{}, invalid("id", ErrDuplicateID, "connection %q already exists", c.ID)
	}
	w.conns = append(w.conns, c)
	return c, nil
}

// Gated reports whether the task bound to a node must not be assigned yet:
// its node is an unapproved human review, or a condition upstream has not
// selected it.
func (w *Workflow) Gated(taskID string) bool {
	id, ok := w.byTask[taskID]
	if !ok {
		return false
	}
	n := w.nodes[id]
	if n.Type == NodeHumanReview && !n.Approved {
		return true
	}
	if n.Activated {
		return false
	}
	for _, c := range w.conns {
		if c.TargetID == id && w.nodes[c.SourceID].Type == NodeCondition {
			return true
		}
	}
	return false
}

// Approve releases a human-review gate. Approving twice is a no-op.
func (w *Workflow) Approve(nodeID string) (WorkflowNode, error) {
	n, ok := w.nodes[nodeID]
	if !ok {
		return WorkflowNode{}, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	if n.Type != NodeHumanReview {
		return WorkflowNode{}, fmt.Errorf("%w: node %s is %s, not %s", ErrInvalidTransition, nodeID, n.Type, NodeHumanReview)
	}
	if !n.Approved {
		n.Approved = true
		n.Status = NodeRunning
	}
	return cloneNode(*n), nil
}

// MirrorTask copies a task status onto its bound node. It reports whether the
// node changed.
func (w *Workflow) MirrorTask(taskID string, s TaskStatus) bool {
	id, ok := w.byTask[taskID]
	if !ok {
		return false
	}
	n := w.nodes[id]
	next := nodeStatusFor(s)
	if s == TaskPending && n.Type == NodeHumanReview {
		next = NodePaused
		if n.Approved {
			next = NodeRunning
		}
	}
	if n.Status == next {
		return false
	}
	n.Status = next
	return true
}

// EvaluateConditions runs every condition node fed by the completed task's
// node against the task output. The first matching outgoing guard activates
// its target; the tasks bound to the other targets are reported as skipped.
// A condition without a match is marked as errored and reported as stalled.
// Condition nodes are evaluated once.
func (w *Workflow) EvaluateConditions(sourceTaskID string, payload []byte) Branching {
	var b Branching
	src, ok := w.byTask[sourceTaskID]
	if !ok {
		return b
	}
	for _, in := range w.conns {
		if in.SourceID != src {
			continue
		}
		cond := w.nodes[in.TargetID]
		if cond.Type != NodeCondition || cond.Status == NodeCompleted || cond.Status == NodeError {
			continue
		}

		var selected string
		for _, out := range w.outgoing(cond.ID) {
			g, err := parseGuard(out.Condition)
			if err == nil && g.match(payload) {
				selected = out.TargetID
				break
			}
		}
		if selected == "" {
			cond.Status = NodeError
			b.Stalled = append(b.Stalled, cond.ID)
			continue
		}

		cond.Status = NodeCompleted
		target := w.nodes[selected]
		target.Activated = true
		b.Activated = append(b.Activated, target.ID)
		for _, out := range w.outgoing(cond.ID) {
			if out.TargetID == selected {
				continue
			}
			if t := w.nodes[out.TargetID].TaskID; t != "" && !slices.Contains(b.Skipped, t) {
				b.Skipped = append(b.Skipped, t)
			}
		}
	}
	return b
}

// Stalled returns the condition nodes that found no matching guard.
func (w *Workflow) Stalled() []string {
	var ids []string
	for _, id := range w.order {
		n := w.nodes[id]
		if n.Type == NodeCondition && n.Status == NodeError {
			ids = append(ids, id)
		}
	}
	return ids
}

func (w *Workflow) outgoing(nodeID string) []Connection {
	var out []Connection
	for _, c := range w.conns {
		if c.SourceID == nodeID {
			out = append(out, c)
		}
	}
	return out
}

func cloneNode(n WorkflowNode) WorkflowNode {
	n.Data = slices.Clone(n.Data)
	return n
}

// guard is a parsed connection condition: a gjson path, optionally compared
// against a JSON literal. A bare path matches when the value is truthy.
type guard struct {
	always bool
	path   string
	op     string
	value  gjson.Result
}

var guardOps = []string{">=", "<=", "==", "!=", ">", "<"}

func parseGuard(s string) (guard, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "else") {
		return guard{always: true}, nil
	}

	at, op := -1, ""
	for _, candidate := range guardOps {
		i := strings.Index(s, candidate)
		if i < 0 {
			continue
		}
		if at < 0 || i < at || (i == at && len(candidate) > len(op)) {
			at, op = i, candidate
		}
	}
	if at < 0 {
		return guard{path: s}, nil
	}

	path := strings.TrimSpace(s[:at])
	raw := strings.TrimSpace(s[at+len(op):])
	if path == "" {
		return guard{}, fmt.Errorf("guard %q has no path", s)
	}
	if raw == "" {
		return guard{}, fmt.Errorf("guard %q has no value", s)
	}
	value := gjson.Result{Type: gjson.String, Str: strings.Trim(raw, `'`)}
	if gjson.Valid(raw) {
		value = gjson.Parse(raw)
	}
	return guard{path: path, op: op, value: value}, nil
}

func (g guard) match(payload []byte) bool {
	if g.always {
		return true
	}
	got := gjson.GetBytes(payload, g.path)
	if g.op == "" {
		return got.Exists() && got.Bool()
	}
	if !got.Exists() {
		return g.op == "!="
	}

	switch g.op {
	case "==":
		return sameValue(got, g.value)
	case "!=":
		return !sameValue(got, g.value)
	}
	c, ok := order(got, g.value)
	if !ok {
		return false
	}
	switch g.op {
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	case "<":
		return c < 0
	default:
		return c <= 0
	}
}

func sameValue(a, b gjson.Result) bool {
	if a.Type == gjson.Number && b.Type == gjson.Number {
		return a.Num == b.Num
	}
	if a.Type != b.Type {
		return false
	}
	return a.String() == b.String()
}

func order(a, b gjson.Result) (int, bool) {
	switch {
	case a.Type == gjson.Number && b.Type == gjson.Number:
		return cmp.Compare(a.Num, b.Num), true
	case a.Type == gjson.String && b.Type == gjson.String:
		return strings.Compare(a.Str, b.Str), true
	}
	return 0, false
}
