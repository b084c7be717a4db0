package swarm

import (
	"slices"
	"sync"
)

type intentKind string

const (
	intentPause       intentKind = "pause"
	intentResume      intentKind = "resume"
	intentStop        intentKind = "stop"
	intentAddAgent    intentKind = "add_agent"
	intentRemoveAgent intentKind = "remove_agent"
	intentSubmitTask  intentKind = "submit_task"
	intentRetryTask   intentKind = "retry_task"
	intentCancelTask  intentKind = "cancel_task"
	intentApproveNode intentKind = "approve_node"
	intentAddNode     intentKind = "add_node"
	intentConnect     intentKind = "connect"
	intentPutMemory   intentKind = "put_memory"
	intentSetActive   intentKind = "set_active"
	intentAddDep      intentKind = "add_dependency"
)

// intent is an external command waiting for the next pass. Only the fields
// relevant to its kind are set.
type intent struct {
	kind   intentKind
	id     string
	dep    string
	active bool
	task   Task
	agent  Agent
	node   WorkflowNode
	conn   Connection
	entry  MemoryEntry
}

type intentQueue struct {
	mu      sync.Mutex
	pending []intent
}

func (q *intentQueue) Enqueue(in intent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, in)
}

// Drain removes and returns every queued intent in arrival order.
func (q *intentQueue) Drain() []intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.pending
	q.pending = nil
	return out
}

func (q *intentQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// has reports whether a queued intent of the kind carries the id. Used to
// validate commands that reference entities not applied yet.
func (q *intentQueue) has(kind intentKind, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.ContainsFunc(q.pending, func(in intent) bool {
		if in.kind != kind {
			return false
		}
		switch kind {
		case intentSubmitTask:
			return in.task.ID == id
		case intentAddAgent:
			return in.agent.ID == id
		case intentAddNode:
			return in.node.ID == id
		}
		return in.id == id
	})
}

// edges returns the dependency edges carried by queued submissions and
// dependency additions, keyed by the dependent task.
func (q *intentQueue) edges() map[string][]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out map[string][]string
	for _, in := range q.pending {
		var from string
		var deps []string
		switch in.kind {
		case intentSubmitTask:
			from, deps = in.task.ID, in.task.Dependencies
		case intentAddDep:
			from, deps = in.id, []string{in.dep}
		default:
			continue
		}
		if len(deps) == 0 {
			continue
		}
		if out == nil {
			out = make(map[string][]string)
		}
		out[from] = append(out[from], deps...)
	}
	return out
}
