package web

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/mtzanidakis/kypseli/internal/swarm"
)

func summaries(swarms []swarm.Swarm) []map[string]any {
	out := make([]map[string]any, 0, len(swarms))
	for _, sw := range swarms {
		out = append(out, map[string]any{
			"id":         sw.ID,
			"name":       sw.Name,
			"project_id": sw.ProjectID,
			"objective":  sw.Objective,
			"status":     sw.Status,
			"agents":     len(sw.Agents),
			"tasks":      len(sw.Tasks),
			"metrics":    sw.Metrics,
			"created_at": sw.CreatedAt,
			"updated_at": sw.UpdatedAt,
		})
	}
	return out
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	swarms := s.coord.ListSwarms(r.URL.Query().Get("project"))
	if status := r.URL.Query().Get("status"); status != "" {
		swarms = slices.DeleteFunc(swarms, func(sw swarm.Swarm) bool {
			return string(sw.Status) != status
		})
	}
	jsonResponse(w, summaries(swarms))
}

// createSwarm fills fields the request leaves empty from the configured
// defaults before handing it to the coordinator.
func (s *Server) createSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"project_id"`
		swarm.SwarmConfig
	}
	if !decode(w, r, &body) {
		return
	}
	if body.ProjectID != "" {
		if _, err := s.store.GetProject(r.Context(), body.ProjectID); err != nil {
			writeError(w, err)
			return
		}
	}

	sc := body.SwarmConfig
	d := s.currentDefaults()
	if sc.AITool == "" {
		sc.AITool = d.AITool
	}
	if len(sc.AgentTypes) == 0 {
		for _, t := range d.AgentTypes {
			sc.AgentTypes = append(sc.AgentTypes, swarm.AgentType(t))
		}
	}
	if sc.AgentCount == 0 {
		sc.AgentCount = d.AgentCount
	}
	if sc.Strategy == "" {
		sc.Strategy = swarm.Strategy(d.Strategy)
	}
	if sc.AITool != "" && !s.registry.Has(sc.AITool) {
		jsonError(w, "unknown ai_tool "+strconv.Quote(sc.AITool), http.StatusBadRequest)
		return
	}

	sw, err := s.coord.CreateSwarm(r.Context(), body.ProjectID, sc)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, sw)
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	sw, err := s.coord.GetSwarm(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, sw)
}

func (s *Server) deleteSwarm(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.DeleteSwarm(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) pauseSwarm(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.coord.PauseSwarm)
}

func (s *Server) resumeSwarm(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.coord.ResumeSwarm)
}

func (s *Server) stopSwarm(w http.ResponseWriter, r *http.Request) {
	s.command(w, r, s.coord.StopSwarm)
}

// command runs a lifecycle command and answers with the swarm snapshot.
func (s *Server) command(w http.ResponseWriter, r *http.Request, fn func(id string) error) {
	id := r.PathValue("id")
	if err := fn(id); err != nil {
		writeError(w, err)
		return
	}
	s.getSwarm(w, r)
}

func (s *Server) getTiers(w http.ResponseWriter, r *http.Request) {
	tiers, err := s.coord.Tiers(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, tiers)
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		swarm.TaskSpec
		// Estimate is a Go duration string, e.g. "10m".
		Estimate string `json:"estimate"`
	}
	if !decode(w, r, &body) {
		return
	}
	spec := body.TaskSpec
	if body.Estimate != "" {
		d, err := time.ParseDuration(body.Estimate)
		if err != nil {
			jsonError(w, "invalid estimate: "+err.Error(), http.StatusBadRequest)
			return
		}
		spec.EstimatedDuration = d
	}

	task, err := s.coord.SubmitTask(r.PathValue("id"), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, task)
}

func (s *Server) addDependency(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DependsOn string `json:"depends_on"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.coord.AddDependency(r.PathValue("id"), r.PathValue("taskId"), body.DependsOn); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, map[string]string{"status": "queued"})
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	s.taskCommand(w, r, s.coord.RetryTask)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.taskCommand(w, r, s.coord.CancelTask)
}

func (s *Server) taskCommand(w http.ResponseWriter, r *http.Request, fn func(swarmID, taskID string) error) {
	if err := fn(r.PathValue("id"), r.PathValue("taskId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, map[string]string{"status": "queued"})
}

func (s *Server) addAgent(w http.ResponseWriter, r *http.Request) {
	var spec swarm.AgentSpec
	if !decode(w, r, &spec) {
		return
	}
	if spec.AITool != "" && !s.registry.Has(spec.AITool) {
		jsonError(w, "unknown ai_tool "+strconv.Quote(spec.AITool), http.StatusBadRequest)
		return
	}
	a, err := s.coord.AddAgent(r.PathValue("id"), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, a)
}

func (s *Server) removeAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.RemoveAgent(r.PathValue("id"), r.PathValue("agentId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, map[string]string{"status": "queued"})
}

func (s *Server) setAgentActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool `json:"active"`
	}
	if !decode(w, r, &body) {
		return
	}
	if err := s.coord.SetAgentActive(r.PathValue("id"), r.PathValue("agentId"), body.Active); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, map[string]string{"status": "queued"})
}

func (s *Server) addWorkflowNode(w http.ResponseWriter, r *http.Request) {
	var n swarm.WorkflowNode
	if !decode(w, r, &n) {
		return
	}
	node, err := s.coord.AddWorkflowNode(r.PathValue("id"), n)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, node)
}

func (s *Server) connectNodes(w http.ResponseWriter, r *http.Request) {
	var c swarm.Connection
	if !decode(w, r, &c) {
		return
	}
	conn, err := s.coord.ConnectNodes(r.PathValue("id"), c)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, conn)
}

func (s *Server) approveNode(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.ApproveNode(r.PathValue("id"), r.PathValue("nodeId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	jsonResponse(w, map[string]string{"status": "queued"})
}

func (s *Server) putMemory(w http.ResponseWriter, r *http.Request) {
	var e swarm.MemoryEntry
	if !decode(w, r, &e) {
		return
	}
	stored, err := s.coord.PutMemory(r.PathValue("id"), e)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, stored)
}

// queryMemory filters a namespace with the optional type, min_importance,
// q (text) and limit query parameters.
func (s *Server) queryMemory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	preds := []swarm.Predicate{swarm.MatchAll()}
	if t := q.Get("type"); t != "" {
		preds = append(preds, swarm.MatchType(swarm.EntryType(t)))
	}
	if v := q.Get("min_importance"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			jsonError(w, "invalid min_importance", http.StatusBadRequest)
			return
		}
		preds = append(preds, swarm.MatchMinImportance(n))
	}
	if text := q.Get("q"); text != "" {
		preds = append(preds, swarm.MatchText(text))
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	seq, err := s.coord.QueryMemory(r.PathValue("namespace"), swarm.And(preds...))
	if err != nil {
		writeError(w, err)
		return
	}
	entries := []swarm.MemoryEntry{}
	for e := range seq {
		entries = append(entries, e)
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	jsonResponse(w, entries)
}
