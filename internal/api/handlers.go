package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/northlight-studio/atelier/internal/graph"
	"github.com/northlight-studio/atelier/internal/store"
)

// GET /projects — list, POST /projects — create
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		projects, err := s.store.ListProjects(r.Context())
		if err != nil {
			s.logger.Error("failed to list projects", "error", err)
			writeStoreError(w, err)
			return
		}
		if projects == nil {
			projects = []store.Project{}
		}
		writeJSON(w, projects)

	case http.MethodPost:
		var req struct {
			Name   string `json:"name"`
			Client string `json:"client"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json request body")
			return
		}

		id, err := s.store.CreateProject(r.Context(), req.Name, req.Client)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Info("project created", "project_id", id, "name", req.Name)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{"id": id})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// routeProjects routes /projects/{id}[/...] to the appropriate handler
func (s *Server) routeProjects(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/projects/")
	if rest == "" {
		s.handleProjects(w, r)
		return
	}

	idStr, sub, _ := strings.Cut(rest, "/")
	projectID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	switch sub {
	case "":
		s.handleProjectDetail(w, r, projectID)
	case "tasks":
		s.handleProjectTasks(w, r, projectID)
	case "graph":
		s.handleProjectGraph(w, r, projectID)
	case "critical-path":
		s.handleCriticalPath(w, r, projectID)
	case "ready":
		s.handleReadyTasks(w, r, projectID)
	case "sessions":
		s.handleProjectSessions(w, r, projectID)
	default:
		writeError(w, http.StatusNotFound, "unknown project resource")
	}
}

// GET /projects/{id}
func (s *Server) handleProjectDetail(w http.ResponseWriter, r *http.Request, projectID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	project, err := s.store.GetProject(r.Context(), projectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, project)
}

// GET /projects/{id}/tasks
func (s *Server) handleProjectTasks(w http.ResponseWriter, r *http.Request, projectID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		writeStoreError(w, err)
		return
	}
	tasks, err := s.store.ListTasks(r.Context(), projectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, tasks)
}

// GET /projects/{id}/graph — nodes, edges, and blocking analytics
func (s *Server) handleProjectGraph(w http.ResponseWriter, r *http.Request, projectID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	g, err := s.projectGraph(r.Context(), projectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	resp := map[string]any{
		"project_id": projectID,
		"nodes":      g.Tasks(),
		"edges":      g.Edges(),
		"stats":      g.Stats(),
		"blocked":    g.BlockedTasks(),
	}
	writeJSON(w, resp)
}

// GET /projects/{id}/critical-path
func (s *Server) handleCriticalPath(w http.ResponseWriter, r *http.Request, projectID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	g, err := s.projectGraph(r.Context(), projectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	path := g.CriticalPath()
	writeJSON(w, map[string]any{
		"project_id": projectID,
		"path":       path,
		"length":     len(path),
	})
}

// GET /projects/{id}/ready — pending tasks whose blockers are done
func (s *Server) handleReadyTasks(w http.ResponseWriter, r *http.Request, projectID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		writeStoreError(w, err)
		return
	}
	tasks, err := s.store.ListReadyTasks(r.Context(), projectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []store.Task{}
	}
	writeJSON(w, tasks)
}

// POST /tasks — create
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req store.Task
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json request body")
		return
	}

	id, err := s.store.CreateTask(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.invalidateGraph(req.ProjectID)
	s.logger.Info("task created", "task_id", id, "project_id", req.ProjectID)
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{"id": id})
}

// routeTasks routes /tasks/{id}[/blocked] to the appropriate handler
func (s *Server) routeTasks(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tasks/")
	idStr, sub, _ := strings.Cut(rest, "/")
	taskID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}

	switch sub {
	case "":
		s.handleTaskDetail(w, r, taskID)
	case "blocked":
		s.handleTaskBlocked(w, r, taskID)
	default:
		writeError(w, http.StatusNotFound, "unknown task resource")
	}
}

// GET /tasks/{id}, PATCH /tasks/{id}
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request, taskID int64) {
	switch r.Method {
	case http.MethodGet:
		task, err := s.store.GetTask(r.Context(), taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, task)

	case http.MethodPatch:
		var fields map[string]any
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json request body")
			return
		}

		task, err := s.store.GetTask(r.Context(), taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if err := s.store.UpdateTask(r.Context(), taskID, fields); err != nil {
			writeStoreError(w, err)
			return
		}

		s.invalidateGraph(task.ProjectID)
		updated, err := s.store.GetTask(r.Context(), taskID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, updated)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// GET /tasks/{id}/blocked — is the task blocked, and by whom
func (s *Server) handleTaskBlocked(w http.ResponseWriter, r *http.Request, taskID int64) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	g, err := s.projectGraph(r.Context(), task.ProjectID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	blocking := []int64{}
	for _, blockerID := range g.DependencyIDs(taskID) {
		blocker := g.Task(blockerID)
		if blocker == nil || blocker.Status != graph.StatusCompleted {
			blocking = append(blocking, blockerID)
		}
	}

	writeJSON(w, map[string]any{
		"task_id":  taskID,
		"blocked":  g.IsBlocked(taskID),
		"blocking": blocking,
	})
}

// POST /dependencies — add an edge, DELETE /dependencies — remove one
func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BlockerID   int64 `json:"blocker_id"`
		DependentID int64 `json:"dependent_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json request body")
		return
	}
	if req.BlockerID == 0 || req.DependentID == 0 {
		writeError(w, http.StatusBadRequest, "blocker_id and dependent_id are required")
		return
	}

	switch r.Method {
	case http.MethodPost:
		if err := s.store.AddEdge(r.Context(), req.BlockerID, req.DependentID); err != nil {
			s.logger.Warn("dependency rejected",
				"blocker_id", req.BlockerID, "dependent_id", req.DependentID, "error", err)
			writeStoreError(w, err)
			return
		}
		s.invalidateGraphByTask(r.Context(), req.DependentID)
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, map[string]any{
			"blocker_id":   req.BlockerID,
			"dependent_id": req.DependentID,
		})

	case http.MethodDelete:
		if err := s.store.RemoveEdge(r.Context(), req.BlockerID, req.DependentID); err != nil {
			writeStoreError(w, err)
			return
		}
		s.invalidateGraphByTask(r.Context(), req.DependentID)
		writeJSON(w, map[string]any{"removed": true})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
