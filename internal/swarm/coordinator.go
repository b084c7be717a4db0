package swarm

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// SnapshotStore persists whole swarm snapshots.
type SnapshotStore interface {
	SaveSwarm(ctx context.Context, sw *Swarm) error
	LoadSwarms(ctx context.Context) ([]Swarm, error)
	DeleteSwarm(ctx context.Context, id string) error
}

// Coordinator runs every swarm of the process. Each swarm gets its own
// Controller and loop goroutine; the coordinator only routes commands and
// persists snapshots after passes that changed state.
type Coordinator struct {
	store      SnapshotStore
	capability Capability
	events     EventPublisher

	mu     sync.RWMutex
	cfg    Config
	swarms map[string]*managedSwarm

	base context.Context
	stop context.CancelFunc
}

type managedSwarm struct {
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan struct{}
}

func NewCoordinator(store SnapshotStore, capability Capability, events EventPublisher, cfg Config) *Coordinator {
	base, stop := context.WithCancel(context.Background())
	return &Coordinator{
		store:      store,
		capability: capability,
		events:     events,
		cfg:        cfg.withDefaults(),
		swarms:     make(map[string]*managedSwarm),
		base:       base,
		stop:       stop,
	}
}

// Start restores persisted swarms and resumes the loops of those that have
// not finished.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	saved, err := c.store.LoadSwarms(ctx)
	if err != nil {
		return fmt.Errorf("load swarms: %w", err)
	}

	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	for _, sw := range saved {
		ctrl, err := RestoreController(sw, c.capability, c.events, cfg)
		if err != nil {
			slog.Error("restore swarm failed", "swarm", sw.ID, "error", err)
			continue
		}
		if ctrl.Status().IsTerminal() {
			c.register(ctrl, false)
			continue
		}
		c.save(ctrl.Snapshot())
		c.register(ctrl, true)
		slog.Info("swarm restored", "swarm", sw.ID, "status", sw.Status)
	}
	return nil
}

// UpdateConfig applies new engine tuning to swarms created from now on.
func (c *Coordinator) UpdateConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg.withDefaults()
}

func (c *Coordinator) CreateSwarm(ctx context.Context, projectID string, sc SwarmConfig) (Swarm, error) {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	ctrl, err := NewController(projectID, sc, c.capability, c.events, cfg)
	if err != nil {
		return Swarm{}, err
	}
	sw := ctrl.Snapshot()
	if c.store != nil {
		if err := c.store.SaveSwarm(ctx, &sw); err != nil {
			return Swarm{}, fmt.Errorf("save swarm: %w", err)
		}
	}
	c.register(ctrl, true)

	slog.Info("swarm created", "swarm", sw.ID, "project", projectID, "agents", len(sw.Agents))
	if c.events != nil {
		c.events.Publish(sw.ID, "swarm_created", map[string]any{
			"name":    sw.Name,
			"project": projectID,
			"agents":  len(sw.Agents),
		})
	}
	return sw, nil
}

func (c *Coordinator) register(ctrl *Controller, run bool) {
	m := &managedSwarm{ctrl: ctrl, done: make(chan struct{})}
	c.mu.Lock()
	c.swarms[ctrl.ID()] = m
	c.mu.Unlock()

	if !run {
		close(m.done)
		return
	}
	ctx, cancel := context.WithCancel(c.base)
	m.cancel = cancel
	go func() {
		defer close(m.done)
		err := ctrl.Run(ctx, c.save)
		if err != nil && ctx.Err() == nil {
			slog.Error("swarm loop exited", "swarm", ctrl.ID(), "error", err)
		}
	}()
}

func (c *Coordinator) save(sw Swarm) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.base), 10*time.Second)
	defer cancel()
	if err := c.store.SaveSwarm(ctx, &sw); err != nil {
		slog.Error("save swarm snapshot", "swarm", sw.ID, "error", err)
	}
}

func (c *Coordinator) controller(id string) (*Controller, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.swarms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSwarmNotFound, id)
	}
	return m.ctrl, nil
}

func (c *Coordinator) GetSwarm(id string) (Swarm, error) {
	ctrl, err := c.controller(id)
	if err != nil {
		return Swarm{}, err
	}
	return ctrl.Snapshot(), nil
}

// ListSwarms returns the swarms of a project, or all swarms when projectID
// is empty, oldest first.
func (c *Coordinator) ListSwarms(projectID string) []Swarm {
	c.mu.RLock()
	ctrls := make([]*Controller, 0, len(c.swarms))
	for _, m := range c.swarms {
		if projectID == "" || m.ctrl.ProjectID() == projectID {
			ctrls = append(ctrls, m.ctrl)
		}
	}
	c.mu.RUnlock()

	out := make([]Swarm, 0, len(ctrls))
	for _, ctrl := range ctrls {
		out = append(out, ctrl.Snapshot())
	}
	slices.SortFunc(out, func(a, b Swarm) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

func (c *Coordinator) Tiers(id string) ([]ExecutionTier, error) {
	ctrl, err := c.controller(id)
	if err != nil {
		return nil, err
	}
	return ctrl.Tiers(), nil
}

func (c *Coordinator) SubmitTask(swarmID string, spec TaskSpec) (Task, error) {
	ctrl, err := c.controller(swarmID)
	if err != nil {
		return Task{}, err
	}
	return ctrl.Submit(spec)
}

func (c *Coordinator) AddDependency(swarmID, taskID, depID string) error {
	ctrl, err := c.controller(swarmID)
	if err != nil {
		return err
	}
	return ctrl.AddDependency(taskID, depID)
}

func (c *Coordinator) PauseSwarm(id string) error {
	ctrl, err := c.controller(id)
	if err != nil {
		return err
	}
	return ctrl.Pause()
}

func (c *Coordinator) ResumeSwarm(id string) error {
	ctrl, err := c.controller(id)
	if err != nil {
		return err
	}
	return ctrl.Resume()
}

func (c *Coordinator) StopSwarm(id string) error {
	ctrl, err := c.controller(id)
	if err != nil {
		return err
	}
	return ctrl.Stop()
}

// DeleteSwarm stops the swarm loop and removes it from memory and the store.
func (c *Coordinator) DeleteSwarm(ctx context.Context, id string) error {
	c.mu.Lock()
	m, ok := c.swarms[id]
	if ok {
		delete(c.swarms, id)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSwarmNotFound, id)
	}
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done

	if c.store != nil {
		if err := c.store.DeleteSwarm(ctx, id); err != nil {
			return fmt.Errorf("delete swarm: %w", err)
		}
	}
	slog.Info("swarm deleted", "swarm", id)
	if c.events != nil {
		c.events.Publish(id, "swarm_deleted", nil)
	}
	return nil
}

// DeleteProjectSwarms removes every swarm of a project.
func (c *Coordinator) DeleteProjectSwarms(ctx context.Context, projectID string) error {
	for _, sw := range c.ListSwarms(projectID) {
		if err := c.DeleteSwarm(ctx, sw.ID); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) AddAgent(swarmID string, spec AgentSpec) (Agent, error) {
	ctrl, err := c.controller(swarmID)
	if err != nil {
		return Agent{}, err
	}
	return ctrl.AddAgent(spec)
}

func (c *Coordinator) RemoveAgent(swarmID, agentID string) error {
	ctrl, err := c.controller(swarmID)
	if err != nil {
		return err
	}
	return ctrl.RemoveAgent(agentID)
}

func (c *Coordinator) SetAgentActive(swarmID, agentID string, active bool) error {
	ctrl, err := c.controller(swarmID)
	if err != nil {
		return err
	}
	return ctrl.SetAgentActive(agentID, active)
}

func (c *Coordinator) RetryTask(swarmID, taskID string) error {
	ctrl, err := c.controller(swarmID)
	if err != nil {
		return err
	}
	return ctrl.RetryTask(taskID)
}

func (c *Coordinator) CancelTask(swarmID, taskID string) error {
	ctrl, err := c.controller(swarmID)
	if err != nil {
		return err
	}
	return ctrl.CancelTask(taskID)
}

func (c *Coordinator) AddWorkflowNode(swarmID string, n WorkflowNode) (WorkflowNode, error) {
	ctrl, err := c.controller(swarmID)
	if err != nil {
		return WorkflowNode{}, err
	}
	return ctrl.AddNode(n)
}

func (c *Coordinator) ConnectNodes(swarmID string, conn Connection) (Connection, error) {
	ctrl, err := c.controller(swarmID)
	if err != nil {
		return Connection{}, err
	}
	return ctrl.Connect(conn)
}

func (c *Coordinator) ApproveNode(swarmID, nodeID string) error {
	ctrl, err := c.controller(swarmID)
	if err != nil {
		return err
	}
	return ctrl.ApproveNode(nodeID)
}

func (c *Coordinator) PutMemory(swarmID string, e MemoryEntry) (MemoryEntry, error) {
	ctrl, err := c.controller(swarmID)
	if err != nil {
		return MemoryEntry{}, err
	}
	stored, err := ctrl.PutMemory(e)
	if err == nil && ctrl.Status().IsTerminal() {
		c.save(ctrl.Snapshot())
	}
	return stored, err
}

// QueryMemory reads a namespace by name. Namespaces belong to exactly one
// swarm.
func (c *Coordinator) QueryMemory(namespace string, match Predicate) (iter.Seq[MemoryEntry], error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, m := range c.swarms {
		if m.ctrl.Namespace() == namespace {
			return m.ctrl.QueryMemory(match), nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNamespaceNotFound, namespace)
}

// Shutdown stops every swarm loop, waits for their capability calls to
// return and writes a final snapshot of each.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stop()

	c.mu.RLock()
	managed := make([]*managedSwarm, 0, len(c.swarms))
	for _, m := range c.swarms {
		managed = append(managed, m)
	}
	c.mu.RUnlock()

	for _, m := range managed {
		select {
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		if err := m.ctrl.waitExecutions(ctx); err != nil {
			return err
		}
		c.save(m.ctrl.Snapshot())
	}
	return nil
}
