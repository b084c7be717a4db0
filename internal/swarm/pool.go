package swarm

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"time"
)

// AgentPool tracks the agents of one swarm, their availability and their
// running performance metrics. Not safe for concurrent use.
type AgentPool struct {
	agents map[string]*Agent
	order  []string
}

func NewAgentPool() *AgentPool {
	return &AgentPool{agents: make(map[string]*Agent)}
}

// Observation describes a finished execution for metric updates.
type Observation struct {
	Success  bool
	Duration time.Duration
	Tags     []string
}

func (p *AgentPool) Add(a Agent) error {
	if a.ID == "" {
		return invalid("id", nil, "agent id is required")
	}
	if !a.Type.IsValid() {
		return invalid("type", ErrUnknownAgentType, "unknown agent type %q", a.Type)
	}
	if _, exists := p.agents[a.ID]; exists {
		return invalid("id", ErrDuplicateID, "agent %q already exists", a.ID)
	}
	c := cloneAgent(a)
	p.agents[c.ID] = &c
	p.order = append(p.order, c.ID)
	return nil
}

// Remove drops the agent and returns the id of the task it was holding, if any.
func (p *AgentPool) Remove(id string) (string, error) {
	a, ok := p.agents[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	delete(p.agents, id)
	p.order = slices.DeleteFunc(p.order, func(s string) bool { return s == id })
	return a.CurrentTask, nil
}

func (p *AgentPool) Agent(id string) (Agent, error) {
	a, ok := p.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return cloneAgent(*a), nil
}

// Agents returns copies of all agents in roster order.
func (p *AgentPool) Agents() []Agent {
	out := make([]Agent, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, cloneAgent(*p.agents[id]))
	}
	return out
}

func (p *AgentPool) Len() int {
	return len(p.order)
}

// IdleCount returns the number of active agents without a task.
func (p *AgentPool) IdleCount() int {
	n := 0
	for _, a := range p.agents {
		if a.IsActive && a.CurrentTask == "" {
			n++
		}
	}
	return n
}

// FindCapableIdle picks the best idle agent for the task: most matching
// specialization tags first, then higher success rate, lower average response
// time and finally lower id. When the task names required tags, at least one
// must match.
func (p *AgentPool) FindCapableIdle(t Task) (Agent, bool) {
	var (
		best      *Agent
		bestMatch int
	)
	for _, id := range p.order {
		a := p.agents[id]
		if !a.IsActive || a.CurrentTask != "" {
			continue
		}
		if t.AgentType != "" && a.Type != t.AgentType {
			continue
		}
		match := matchCount(a.Specialization, t.Specialization)
		if len(t.Specialization) > 0 && match == 0 {
			continue
		}
		if best == nil || betterCandidate(a, match, best, bestMatch) {
			best, bestMatch = a, match
		}
	}
	if best == nil {
		return Agent{}, false
	}
	return cloneAgent(*best), true
}

func betterCandidate(a *Agent, aMatch int, b *Agent, bMatch int) bool {
	if aMatch != bMatch {
		return aMatch > bMatch
	}
	if c := cmp.Compare(a.Performance.SuccessRate, b.Performance.SuccessRate); c != 0 {
		return c > 0
	}
	if c := cmp.Compare(a.Performance.AverageResponseTime, b.Performance.AverageResponseTime); c != 0 {
		return c < 0
	}
	return a.ID < b.ID
}

func matchCount(have, want []string) int {
	n := 0
	for _, tag := range want {
		if slices.Contains(have, tag) {
			n++
		}
	}
	return n
}

func (p *AgentPool) Assign(agentID, taskID string) error {
	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if a.CurrentTask != "" {
		return fmt.Errorf("%w: %s holds %s", ErrAgentBusy, agentID, a.CurrentTask)
	}
	if !a.IsActive {
		return fmt.Errorf("%w: %s is inactive", ErrAgentBusy, agentID)
	}
	a.CurrentTask = taskID
	return nil
}

// Release frees the agent and folds the observation into its metrics.
func (p *AgentPool) Release(agentID string, obs Observation) error {
	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	a.CurrentTask = ""

	m := &a.Performance
	m.TasksCompleted++
	if obs.Success {
		m.TasksSucceeded++
	}
	n := float64(m.TasksCompleted)
	m.SuccessRate = float64(m.TasksSucceeded) / n
	m.AverageResponseTime += (obs.Duration.Seconds() - m.AverageResponseTime) / n

	if len(obs.Tags) > 0 {
		if m.SpecialtyScore == nil {
			m.SpecialtyScore = make(map[string]float64)
			m.SpecialtyRuns = make(map[string]int)
		}
		score := 0.0
		if obs.Success {
			score = 1
		}
		for _, tag := range obs.Tags {
			m.SpecialtyRuns[tag]++
			m.SpecialtyScore[tag] += (score - m.SpecialtyScore[tag]) / float64(m.SpecialtyRuns[tag])
		}
	}
	return nil
}

// ForceRelease frees the agent without recording an observation.
func (p *AgentPool) ForceRelease(agentID string) {
	if a, ok := p.agents[agentID]; ok {
		a.CurrentTask = ""
	}
}

func (p *AgentPool) SetActive(agentID string, active bool) error {
	a, ok := p.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	a.IsActive = active
	return nil
}

// setCollaboration stores the collaboration rating computed by the controller.
func (p *AgentPool) setCollaboration(agentID string, rating float64) {
	if a, ok := p.agents[agentID]; ok {
		a.Performance.CollaborationRating = rating
	}
}

func cloneAgent(a Agent) Agent {
	a.Specialization = slices.Clone(a.Specialization)
	a.Performance.SpecialtyScore = maps.Clone(a.Performance.SpecialtyScore)
	a.Performance.SpecialtyRuns = maps.Clone(a.Performance.SpecialtyRuns)
	return a
}
