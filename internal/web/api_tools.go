package web

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/kypseli/internal/schedule"
	"github.com/mtzanidakis/kypseli/internal/scheduler"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
)

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.registry.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, tools)
}

func (s *Server) setToolKey(w http.ResponseWriter, r *http.Request) {
	var body struct {
		APIKey string `json:"api_key"`
	}
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.APIKey) == "" {
		jsonError(w, "api_key is required", http.StatusBadRequest)
		return
	}
	if err := s.registry.SetAPIKey(r.Context(), r.PathValue("name"), body.APIKey); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "saved"})
}

func (s *Server) clearToolKey(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.ClearAPIKey(r.Context(), r.PathValue("name")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func scheduleToAPI(sub store.ScheduledSubmission) map[string]any {
	m := map[string]any{
		"id":               sub.ID,
		"swarm_id":         sub.SwarmID,
		"name":             sub.Name,
		"schedule":         sub.Schedule,
		"schedule_display": schedule.Describe(sub.Schedule),
		"task":             sub.Task,
		"enabled":          sub.Status == scheduler.StatusActive,
		"status":           sub.Status,
		"last_status":      sub.LastStatus,
		"last_error":       sub.LastError,
	}
	if sub.LastRunAt != nil {
		m["last_run"] = sub.LastRunAt.UTC()
	}
	if sub.NextRunAt != nil {
		m["next_run"] = sub.NextRunAt.UTC()
	}
	return m
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubmissions(r.Context(), r.URL.Query().Get("swarm"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		out = append(out, scheduleToAPI(sub))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SwarmID  string         `json:"swarm_id"`
		Name     string         `json:"name"`
		Schedule string         `json:"schedule"`
		Task     swarm.TaskSpec `json:"task"`
		Enabled  *bool          `json:"enabled"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.SwarmID == "" || body.Name == "" || body.Schedule == "" || body.Task.Title == "" {
		jsonError(w, "swarm_id, name, schedule, and task.title are required", http.StatusBadRequest)
		return
	}
	sw, err := s.coord.GetSwarm(body.SwarmID)
	if err != nil {
		writeError(w, err)
		return
	}
	if sw.Status.IsTerminal() {
		writeError(w, fmt.Errorf("%w: %s", swarm.ErrSwarmTerminal, sw.ID))
		return
	}

	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	sub := store.ScheduledSubmission{
		ID:       uuid.NewString(),
		SwarmID:  body.SwarmID,
		Name:     body.Name,
		Schedule: normalized,
		Task:     body.Task,
		Status:   scheduler.StatusActive,
	}
	if body.Enabled != nil && !*body.Enabled {
		sub.Status = scheduler.StatusPaused
	} else {
		sub.NextRunAt = schedule.NextRun(normalized, time.Now())
	}

	if err := s.store.SaveSubmission(r.Context(), &sub); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, scheduleToAPI(sub))
}

// updateSchedule changes the name, schedule, task or enabled flag of a
// submission. Re-enabling recomputes the next run.
func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	sub, err := s.store.GetSubmission(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Name     *string         `json:"name"`
		Schedule *string         `json:"schedule"`
		Task     *swarm.TaskSpec `json:"task"`
		Enabled  *bool           `json:"enabled"`
	}
	if !decode(w, r, &body) {
		return
	}

	if body.Name != nil {
		sub.Name = *body.Name
	}
	if body.Task != nil {
		if body.Task.Title == "" {
			jsonError(w, "task.title is required", http.StatusBadRequest)
			return
		}
		sub.Task = *body.Task
	}
	reschedule := false
	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		sub.Schedule = normalized
		reschedule = true
	}
	if body.Enabled != nil {
		if *body.Enabled {
			sub.Status = scheduler.StatusActive
			reschedule = true
		} else {
			sub.Status = scheduler.StatusPaused
		}
	}
	if reschedule && sub.Status == scheduler.StatusActive {
		sub.NextRunAt = schedule.NextRun(sub.Schedule, time.Now())
	}

	if err := s.store.SaveSubmission(r.Context(), sub); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, scheduleToAPI(*sub))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSubmission(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}
