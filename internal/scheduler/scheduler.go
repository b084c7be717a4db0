package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/kypseli/internal/config"
	"github.com/mtzanidakis/kypseli/internal/schedule"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
)

const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Submitter hands a task to a running swarm.
type Submitter interface {
	SubmitTask(swarmID string, spec swarm.TaskSpec) (swarm.Task, error)
}

// Scheduler submits tasks to swarms on a schedule. Due submissions are
// polled from the store; each run records its outcome and the next run time.
type Scheduler struct {
	store  *store.Store
	submit Submitter
	events swarm.EventPublisher

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
	now          func() time.Time
}

func New(s *store.Store, submit Submitter, events swarm.EventPublisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		submit:       submit,
		events:       events,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
		now:          time.Now,
	}
}

// UpdateConfig updates the poll interval and signals the run loop to reset
// its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.mu.Lock()
	s.pollInterval = pollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return 30 * time.Second
	}
	return s.pollInterval
}

// Start runs the poll loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll fires every submission that is due now.
func (s *Scheduler) Poll(ctx context.Context) {
	due, err := s.store.GetDueSubmissions(ctx, s.now())
	if err != nil {
		slog.Error("failed to get due submissions", "error", err)
		return
	}
	for _, sub := range due {
		s.fire(ctx, sub)
	}
}

func (s *Scheduler) fire(ctx context.Context, sub store.ScheduledSubmission) {
	spec := sub.Task
	// every run is a new task
	spec.ID = ""

	task, err := s.submit.SubmitTask(sub.SwarmID, spec)

	lastStatus, lastError := "submitted", ""
	nextRun := schedule.NextRun(sub.Schedule, s.now())
	if err != nil {
		lastStatus, lastError = "error", err.Error()
		slog.Error("scheduled submission failed", "id", sub.ID, "swarm", sub.SwarmID, "error", err)
		// A swarm that is gone or finished will never accept the task.
		if errors.Is(err, swarm.ErrSwarmNotFound) || errors.Is(err, swarm.ErrSwarmTerminal) {
			nextRun = nil
		}
	} else {
		slog.Info("scheduled task submitted", "id", sub.ID, "name", sub.Name, "swarm", sub.SwarmID, "task", task.ID)
	}

	if err := s.store.UpdateSubmissionRun(ctx, sub.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update submission run", "id", sub.ID, "error", err)
	}
	if nextRun == nil {
		slog.Info("no next run, submission completed", "id", sub.ID, "name", sub.Name)
	}

	if s.events != nil {
		data := map[string]any{
			"submission_id": sub.ID,
			"name":          sub.Name,
			"status":        lastStatus,
		}
		if task.ID != "" {
			data["task_id"] = task.ID
		}
		if lastError != "" {
			data["error"] = lastError
		}
		s.events.Publish(sub.SwarmID, "submission_fired", data)
	}
}
