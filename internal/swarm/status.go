package swarm

import "slices"

// SwarmStatus is the lifecycle state of a swarm.
type SwarmStatus string

const (
	SwarmInitializing SwarmStatus = "initializing"
	SwarmRunning      SwarmStatus = "running"
	SwarmPaused       SwarmStatus = "paused"
	SwarmCompleted    SwarmStatus = "completed"
	SwarmFailed       SwarmStatus = "failed"
	SwarmStopped      SwarmStatus = "stopped"
)

// Flow: initializing → running ⇄ paused → completed | failed; stop is allowed from
// any non-terminal state.
var swarmTransitions = map[SwarmStatus][]SwarmStatus{
	SwarmInitializing: {SwarmRunning, SwarmStopped},
	SwarmRunning:      {SwarmPaused, SwarmCompleted, SwarmFailed, SwarmStopped},
	SwarmPaused:       {SwarmRunning, SwarmStopped},
	SwarmCompleted:    {},
	SwarmFailed:       {},
	SwarmStopped:      {},
}

func (s SwarmStatus) CanTransitionTo(target SwarmStatus) bool {
	return slices.Contains(swarmTransitions[s], target)
}

func (s SwarmStatus) IsTerminal() bool {
	return s == SwarmCompleted || s == SwarmFailed || s == SwarmStopped
}

func (s SwarmStatus) IsValid() bool {
	_, ok := swarmTransitions[s]
	return ok
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// in_progress → pending happens when the holding agent is removed; failed and
// cancelled go back to pending only through an explicit retry.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskCancelled, TaskPending},
	TaskCompleted:  {},
	TaskFailed:     {TaskPending},
	TaskCancelled:  {TaskPending},
}

func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	return slices.Contains(taskTransitions[s], target)
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

func (s TaskStatus) IsValid() bool {
	_, ok := taskTransitions[s]
	return ok
}

// NodeStatus mirrors execution state onto workflow nodes.
type NodeStatus string

const (
	NodeIdle      NodeStatus = "idle"
	NodeRunning   NodeStatus = "running"
	NodePaused    NodeStatus = "paused"
	NodeCompleted NodeStatus = "completed"
	NodeError     NodeStatus = "error"
)

func nodeStatusFor(s TaskStatus) NodeStatus {
	switch s {
	case TaskInProgress:
		return NodeRunning
	case TaskCompleted:
		return NodeCompleted
	case TaskFailed, TaskCancelled:
		return NodeError
	default:
		return NodeIdle
	}
}
