package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/kypseli/internal/natsbus"
	"github.com/mtzanidakis/kypseli/internal/swarm"
	"github.com/nats-io/nats.go"
)

// Reply is the wire format a kworker answers capability requests with.
type Reply struct {
	Output     json.RawMessage `json:"output,omitempty"`
	Confidence float64         `json:"confidence"`
	Error      string          `json:"error,omitempty"`
}

// Request is the wire format of a capability request. Deadline is the
// gateway's own deadline for the call; workers stop when it passes.
type Request struct {
	swarm.ExecRequest
	Deadline time.Time `json:"deadline,omitzero"`
}

// Remote hands tasks to whichever kworker serves the tool on the bus.
type Remote struct {
	client *natsbus.Client
	tool   string
}

func NewRemote(client *natsbus.Client, tool string) *Remote {
	return &Remote{client: client, tool: tool}
}

func (r *Remote) Execute(ctx context.Context, req swarm.ExecRequest) (swarm.ExecResult, error) {
	wire := Request{ExecRequest: req}
	if deadline, ok := ctx.Deadline(); ok {
		wire.Deadline = deadline.UTC()
	}
	var reply Reply
	if err := r.client.RequestJSON(ctx, natsbus.TopicCapability(r.tool), wire, &reply); err != nil {
		if ctx.Err() != nil {
			return swarm.ExecResult{}, ctx.Err()
		}
		return swarm.ExecResult{}, err
	}
	if reply.Error != "" {
		if ctx.Err() != nil {
			return swarm.ExecResult{}, ctx.Err()
		}
		// the worker ran out of the deadline it was sent
		if reply.Error == context.DeadlineExceeded.Error() {
			return swarm.ExecResult{}, context.DeadlineExceeded
		}
		return swarm.ExecResult{}, errors.New(reply.Error)
	}
	return swarm.ExecResult{Output: reply.Output, Confidence: reply.Confidence}, nil
}

// Worker answers capability requests for one tool by running them through a
// local capability. Workers of the same tool share a queue group.
type Worker struct {
	client  *natsbus.Client
	tool    string
	exec    swarm.Capability
	timeout time.Duration
	sub     *nats.Subscription
}

func NewWorker(client *natsbus.Client, tool string, exec swarm.Capability, timeout time.Duration) *Worker {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &Worker{client: client, tool: tool, exec: exec, timeout: timeout}
}

func (w *Worker) Start() error {
	sub, err := w.client.QueueSubscribe(natsbus.TopicCapability(w.tool), natsbus.QueueWorkers, func(msg *nats.Msg) {
		go w.handle(msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", w.tool, err)
	}
	w.sub = sub
	slog.Info("worker listening", "tool", w.tool, "subject", natsbus.TopicCapability(w.tool))
	return w.client.Flush()
}

func (w *Worker) Stop() error {
	if w.sub == nil {
		return nil
	}
	return w.sub.Drain()
}

func (w *Worker) handle(msg *nats.Msg) {
	var wire Request
	if err := json.Unmarshal(msg.Data, &wire); err != nil {
		w.respond(msg, Reply{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}
	req := wire.ExecRequest

	ctx, cancel := w.requestContext(wire.Deadline)
	defer cancel()
	if ctx.Err() != nil {
		slog.Warn("request expired before execution", "tool", w.tool, "task", req.TaskID)
		w.respond(msg, Reply{Error: context.DeadlineExceeded.Error()})
		return
	}

	slog.Info("executing task", "tool", w.tool, "swarm", req.SwarmID, "task", req.TaskID)
	res, err := w.exec.Execute(ctx, req)
	if err != nil {
		slog.Warn("task execution failed", "tool", w.tool, "task", req.TaskID, "error", err)
		w.respond(msg, Reply{Error: err.Error()})
		return
	}
	w.respond(msg, Reply{Output: res.Output, Confidence: res.Confidence})
}

// requestContext bounds an execution by the worker timeout and, when the
// caller sent one, its deadline, whichever comes first.
func (w *Worker) requestContext(deadline time.Time) (context.Context, context.CancelFunc) {
	limit := time.Now().Add(w.timeout)
	if !deadline.IsZero() && deadline.Before(limit) {
		limit = deadline
	}
	return context.WithDeadline(context.Background(), limit)
}

func (w *Worker) respond(msg *nats.Msg, reply Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		slog.Error("marshal reply", "tool", w.tool, "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("respond", "tool", w.tool, "error", err)
	}
}
