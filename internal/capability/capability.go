// Package capability implements the ways a swarm agent executes a task: a
// local tool CLI, a remote kworker over NATS, or a plain function.
package capability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/mtzanidakis/kypseli/internal/swarm"
)

var ErrUnknownTool = errors.New("unknown ai tool")

// DefaultConfidence is reported for outputs that carry no confidence of
// their own.
const DefaultConfidence = 0.8

// Func adapts a function to swarm.Capability.
type Func func(ctx context.Context, req swarm.ExecRequest) (swarm.ExecResult, error)

func (f Func) Execute(ctx context.Context, req swarm.ExecRequest) (swarm.ExecResult, error) {
	return f(ctx, req)
}

// Router dispatches each request to the capability registered for the
// agent's ai tool, falling back to the default tool when the agent names
// none. The tool set can be swapped at runtime on config reload.
type Router struct {
	mu       sync.RWMutex
	tools    map[string]swarm.Capability
	fallback string
}

func NewRouter(fallback string) *Router {
	return &Router{tools: make(map[string]swarm.Capability), fallback: fallback}
}

func (r *Router) Register(name string, c swarm.Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = c
}

// Replace swaps the whole tool set and the fallback in one step.
func (r *Router) Replace(tools map[string]swarm.Capability, fallback string) {
	next := make(map[string]swarm.Capability, len(tools))
	for name, c := range tools {
		next[name] = c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = next
	r.fallback = fallback
}

// Names lists registered tools in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Router) resolve(tool string) (swarm.Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool == "" {
		tool = r.fallback
	}
	c, ok := r.tools[tool]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, tool)
	}
	return c, nil
}

func (r *Router) Execute(ctx context.Context, req swarm.ExecRequest) (swarm.ExecResult, error) {
	c, err := r.resolve(req.AITool)
	if err != nil {
		return swarm.ExecResult{}, err
	}
	return c.Execute(ctx, req)
}
