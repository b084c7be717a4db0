package swarm

import (
	"encoding/json"
	"time"
)

type AgentType string

const (
	AgentQueen     AgentType = "queen"
	AgentArchitect AgentType = "architect"
	AgentDeveloper AgentType = "developer"
	AgentReviewer  AgentType = "reviewer"
	AgentTester    AgentType = "tester"
)

func (t AgentType) IsValid() bool {
	switch t {
	case AgentQueen, AgentArchitect, AgentDeveloper, AgentReviewer, AgentTester:
		return true
	}
	return false
}

// Role returns the coordination role implied by the agent type.
func (t AgentType) Role() string {
	if t == AgentQueen {
		return "coordinator"
	}
	return "executor"
}

type Strategy string

const (
	StrategyCollaborative Strategy = "collaborative"
	StrategyHierarchical  Strategy = "hierarchical"
	StrategyCompetitive   Strategy = "competitive"
)

func (s Strategy) IsValid() bool {
	switch s {
	case StrategyCollaborative, StrategyHierarchical, StrategyCompetitive:
		return true
	}
	return false
}

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// SwarmConfig is the caller supplied recipe for a new swarm.
type SwarmConfig struct {
	Name            string          `json:"name"`
	Objective       string          `json:"objective"`
	AgentCount      int             `json:"agent_count"`
	AgentTypes      []AgentType     `json:"agent_types"`
	Namespace       string          `json:"namespace,omitempty"`
	Strategy        Strategy        `json:"strategy,omitempty"`
	AITool          string          `json:"ai_tool,omitempty"`
	MemoryCapacity  int             `json:"memory_capacity,omitempty"`
	RetentionPolicy RetentionPolicy `json:"retention_policy,omitempty"`
}

type Swarm struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	ProjectID string         `json:"project_id"`
	Objective string         `json:"objective"`
	Strategy  Strategy       `json:"strategy"`
	Status    SwarmStatus    `json:"status"`
	Agents    []Agent        `json:"agents"`
	Tasks     []Task         `json:"tasks"`
	Workflow  WorkflowState  `json:"workflow"`
	Memory    MemorySnapshot `json:"memory"`
	Metrics   SwarmMetrics   `json:"metrics"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type Agent struct {
	ID             string       `json:"id"`
	Type           AgentType    `json:"type"`
	Role           string       `json:"role"`
	AITool         string       `json:"ai_tool"`
	Specialization []string     `json:"specialization"`
	CurrentTask    string       `json:"current_task,omitempty"`
	Performance    AgentMetrics `json:"performance"`
	IsActive       bool         `json:"is_active"`
	SwarmID        string       `json:"swarm_id"`
}

type AgentMetrics struct {
	TasksCompleted      int                `json:"tasks_completed"`
	TasksSucceeded      int                `json:"tasks_succeeded"`
	SuccessRate         float64            `json:"success_rate"`
	AverageResponseTime float64            `json:"average_response_time"`
	CollaborationRating float64            `json:"collaboration_rating"`
	SpecialtyScore      map[string]float64 `json:"specialty_score,omitempty"`
	SpecialtyRuns       map[string]int     `json:"specialty_runs,omitempty"`
}

type Task struct {
	ID                string        `json:"id"`
	Title             string        `json:"title"`
	Description       string        `json:"description,omitempty"`
	Status            TaskStatus    `json:"status"`
	Priority          int           `json:"priority"`
	Specialization    []string      `json:"specialization,omitempty"`
	AgentType         AgentType     `json:"agent_type,omitempty"`
	Objective         bool          `json:"objective,omitempty"`
	AssignedTo        string        `json:"assigned_to,omitempty"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	ActualDuration    time.Duration `json:"actual_duration,omitempty"`
	Results           []TaskResult  `json:"results,omitempty"`
	Overdue           bool          `json:"overdue,omitempty"`
	CancelledBy       string        `json:"cancelled_by,omitempty"`
	Attempts          int           `json:"attempts"`
	Seq               uint64        `json:"seq"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
}

// LastResult returns the most recent result, if any.
func (t *Task) LastResult() (TaskResult, bool) {
	if len(t.Results) == 0 {
		return TaskResult{}, false
	}
	return t.Results[len(t.Results)-1], true
}

type TaskResult struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	AgentID    string          `json:"agent_id"`
	Outcome    Outcome         `json:"outcome"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Confidence float64         `json:"confidence"`
	Duration   time.Duration   `json:"duration"`
	Timestamp  time.Time       `json:"timestamp"`
}

type SwarmMetrics struct {
	TasksCompleted      int      `json:"tasks_completed"`
	TasksFailed         int      `json:"tasks_failed"`
	AverageTaskDuration float64  `json:"average_task_duration"`
	SuccessRate         float64  `json:"success_rate"`
	CollaborationScore  float64  `json:"collaboration_score"`
	TotalExecutionTime  float64  `json:"total_execution_time"`
	CostEstimate        *float64 `json:"cost_estimate,omitempty"`
}

// TaskSpec is the caller facing shape of a task submission.
type TaskSpec struct {
	ID                string        `json:"id,omitempty"`
	Title             string        `json:"title"`
	Description       string        `json:"description,omitempty"`
	Priority          int           `json:"priority"`
	Specialization    []string      `json:"specialization,omitempty"`
	AgentType         AgentType     `json:"agent_type,omitempty"`
	Objective         bool          `json:"objective,omitempty"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// AgentSpec is the caller facing shape of an agent addition.
type AgentSpec struct {
	ID             string    `json:"id,omitempty"`
	Type           AgentType `json:"type"`
	AITool         string    `json:"ai_tool,omitempty"`
	Specialization []string  `json:"specialization,omitempty"`
}
