package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/kypseli/internal/store"
	"github.com/mtzanidakis/kypseli/internal/swarm"
)

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context(), r.URL.Query().Get("project_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []store.ChatSession{}
	}
	jsonResponse(w, sessions)
}

// createSession binds a new session to a project, a swarm or both. A session
// bound to a swarm inherits the swarm's project.
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var cs store.ChatSession
	if !decode(w, r, &cs) {
		return
	}
	if strings.TrimSpace(cs.Name) == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	if cs.SwarmID != "" {
		sw, err := s.coord.GetSwarm(cs.SwarmID)
		if err != nil {
			writeError(w, err)
			return
		}
		if cs.ProjectID == "" {
			cs.ProjectID = sw.ProjectID
		} else if cs.ProjectID != sw.ProjectID {
			jsonError(w, "swarm belongs to another project", http.StatusBadRequest)
			return
		}
	}
	if cs.ProjectID != "" {
		if _, err := s.store.GetProject(r.Context(), cs.ProjectID); err != nil {
			writeError(w, err)
			return
		}
	}
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	cs.CreatedAt, cs.UpdatedAt = time.Time{}, time.Time{}

	if err := s.store.SaveSession(r.Context(), &cs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, cs)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	cs, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), cs.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []store.ChatMessage{}
	}
	jsonResponse(w, map[string]any{
		"session":  cs,
		"messages": messages,
	})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []store.ChatMessage{}
	}
	jsonResponse(w, messages)
}

// addMessage appends to a session. Messages of a session bound to a swarm
// are also written to the swarm's memory as conversation entries so agents
// see them as context.
func (s *Server) addMessage(w http.ResponseWriter, r *http.Request) {
	cs, err := s.store.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var m store.ChatMessage
	if !decode(w, r, &m) {
		return
	}
	if m.Role == "" {
		m.Role = store.RoleUser
	}
	if !store.ValidRole(m.Role) {
		jsonError(w, "role must be user, assistant or system", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		jsonError(w, "content is required", http.StatusBadRequest)
		return
	}
	if len(m.Metadata) > 0 && !json.Valid(m.Metadata) {
		jsonError(w, "metadata must be valid JSON", http.StatusBadRequest)
		return
	}
	m.ID = uuid.NewString()
	m.SessionID = cs.ID
	m.Timestamp = time.Time{}

	if err := s.store.AddMessage(r.Context(), &m); err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]any{"message": m}
	if cs.SwarmID != "" {
		entry, err := s.coord.PutMemory(cs.SwarmID, conversationEntry(cs, m))
		if err != nil {
			slog.Warn("mirror chat message to swarm memory", "session", cs.ID, "swarm", cs.SwarmID, "error", err)
		} else {
			resp["memory_entry"] = entry.ID
		}
	}
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, resp)
}

func conversationEntry(cs *store.ChatSession, m store.ChatMessage) swarm.MemoryEntry {
	content, _ := json.Marshal(map[string]string{
		"role":    m.Role,
		"content": m.Content,
	})
	return swarm.MemoryEntry{
		ID:      m.ID,
		Type:    swarm.EntryConversation,
		Content: content,
		Metadata: map[string]any{
			"session_id": cs.ID,
			"session":    cs.Name,
		},
		Timestamp: m.Timestamp,
	}
}
