package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/kypseli/internal/registry"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Projects
	mux.HandleFunc("GET /api/projects", s.listProjects)
	mux.HandleFunc("POST /api/projects", s.createProject)
	mux.HandleFunc("GET /api/projects/{id}", s.getProject)
	mux.HandleFunc("PUT /api/projects/{id}", s.updateProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.deleteProject)

	// Swarms
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms", s.createSwarm)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("DELETE /api/swarms/{id}", s.deleteSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/pause", s.pauseSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/resume", s.resumeSwarm)
	mux.HandleFunc("POST /api/swarms/{id}/stop", s.stopSwarm)
	mux.HandleFunc("GET /api/swarms/{id}/tiers", s.getTiers)

	// Tasks
	mux.HandleFunc("POST /api/swarms/{id}/tasks", s.submitTask)
	mux.HandleFunc("POST /api/swarms/{id}/tasks/{taskId}/dependencies", s.addDependency)
	mux.HandleFunc("POST /api/swarms/{id}/tasks/{taskId}/retry", s.retryTask)
	mux.HandleFunc("POST /api/swarms/{id}/tasks/{taskId}/cancel", s.cancelTask)

	// Agents
	mux.HandleFunc("POST /api/swarms/{id}/agents", s.addAgent)
	mux.HandleFunc("DELETE /api/swarms/{id}/agents/{agentId}", s.removeAgent)
	mux.HandleFunc("PUT /api/swarms/{id}/agents/{agentId}/active", s.setAgentActive)

	// Workflow
	mux.HandleFunc("POST /api/swarms/{id}/workflow/nodes", s.addWorkflowNode)
	mux.HandleFunc("POST /api/swarms/{id}/workflow/nodes/{nodeId}/approve", s.approveNode)
	mux.HandleFunc("POST /api/swarms/{id}/workflow/connections", s.connectNodes)

	// Memory
	mux.HandleFunc("POST /api/swarms/{id}/memory", s.putMemory)
	mux.HandleFunc("GET /api/memory/{namespace}", s.queryMemory)

	// Chat sessions
	mux.HandleFunc("GET /api/sessions", s.listSessions)
	mux.HandleFunc("POST /api/sessions", s.createSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.getSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.deleteSession)
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.addMessage)

	// Tools
	mux.HandleFunc("GET /api/tools", s.listTools)
	mux.HandleFunc("PUT /api/tools/{name}/api-key", s.setToolKey)
	mux.HandleFunc("DELETE /api/tools/{name}/api-key", s.clearToolKey)

	// Scheduled submissions
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		out = append(out, map[string]any{
			"id":          p.ID,
			"name":        p.Name,
			"description": p.Description,
			"path":        p.Path,
			"swarms":      len(s.coord.ListSwarms(p.ID)),
			"created_at":  p.CreatedAt,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) createProject(w http.ResponseWriter, r *http.Request) {
	var p store.Project
	if !decode(w, r, &p) {
		return
	}
	if strings.TrimSpace(p.Name) == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.store.SaveProject(r.Context(), &p); err != nil {
		writeError(w, err)
		return
	}
	saved, err := s.store.GetProject(r.Context(), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, saved)
}

func (s *Server) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]any{
		"project": p,
		"swarms":  summaries(s.coord.ListSwarms(p.ID)),
	})
}

func (s *Server) updateProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		Name        *string `json:"name"`
		Description *string `json:"description"`
		Path        *string `json:"path"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Name != nil {
		if strings.TrimSpace(*body.Name) == "" {
			jsonError(w, "name cannot be empty", http.StatusBadRequest)
			return
		}
		p.Name = *body.Name
	}
	if body.Description != nil {
		p.Description = *body.Description
	}
	if body.Path != nil {
		p.Path = *body.Path
	}

	if err := s.store.SaveProject(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	saved, err := s.store.GetProject(r.Context(), p.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, saved)
}

// deleteProject removes the project and every swarm that belongs to it.
func (s *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetProject(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.coord.DeleteProjectSwarms(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteProject(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	byStatus := make(map[swarm.SwarmStatus]int)
	agents, busy, pending := 0, 0, 0
	for _, sw := range s.coord.ListSwarms("") {
		byStatus[sw.Status]++
		agents += len(sw.Agents)
		for _, a := range sw.Agents {
			if a.CurrentTask != "" {
				busy++
			}
		}
		for _, t := range sw.Tasks {
			if t.Status == swarm.TaskPending {
				pending++
			}
		}
	}

	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "ok"
	}

	jsonResponse(w, map[string]any{
		"status":        "ok",
		"swarms":        byStatus,
		"agents":        agents,
		"busy_agents":   busy,
		"pending_tasks": pending,
		"uptime":        formatUptime(time.Since(s.startedAt)),
		"nats":          natsStatus,
		"timestamp":     time.Now().UTC(),
		"version":       s.version,
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps engine, store and registry errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case swarm.IsValidation(err):
		code = http.StatusBadRequest
	case errors.Is(err, swarm.ErrSwarmNotFound),
		errors.Is(err, swarm.ErrTaskNotFound),
		errors.Is(err, swarm.ErrAgentNotFound),
		errors.Is(err, swarm.ErrNodeNotFound),
		errors.Is(err, swarm.ErrNamespaceNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, registry.ErrUnknownTool):
		code = http.StatusNotFound
	case errors.Is(err, swarm.ErrInvalidTransition),
		errors.Is(err, swarm.ErrSwarmTerminal),
		errors.Is(err, swarm.ErrCapacityImmutable),
		errors.Is(err, swarm.ErrAgentBusy),
		errors.Is(err, registry.ErrNoVault):
		code = http.StatusConflict
	}
	jsonError(w, err.Error(), code)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
