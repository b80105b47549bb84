// Package api provides the HTTP API for the Atelier dashboard backend.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/northlight-studio/atelier/internal/assist"
	"github.com/northlight-studio/atelier/internal/config"
	"github.com/northlight-studio/atelier/internal/graph"
	"github.com/northlight-studio/atelier/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	cfg            *config.Config
	store          *store.Store
	assist         *assist.Manager
	logger         *slog.Logger
	startTime      time.Time
	httpServer     *http.Server
	authMiddleware *AuthMiddleware

	// graphs caches per-project dependency graphs; mutations evict.
	graphs *lru.Cache[int64, *graph.DepGraph]

	// baseCtx bounds the lifetime of background work started by handlers.
	baseCtx context.Context
}

// NewServer creates a new API server. The assist manager may be nil when
// the call assistant is disabled.
func NewServer(cfg *config.Config, s *store.Store, am *assist.Manager, logger *slog.Logger) (*Server, error) {
	authMiddleware, err := NewAuthMiddleware(&cfg.API.Security, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize auth middleware: %w", err)
	}

	size := cfg.API.GraphCacheSize
	if size <= 0 {
		size = 1
	}
	graphs, err := lru.New[int64, *graph.DepGraph](size)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize graph cache: %w", err)
	}

	return &Server{
		cfg:            cfg,
		store:          s,
		assist:         am,
		logger:         logger,
		startTime:      time.Now(),
		authMiddleware: authMiddleware,
		graphs:         graphs,
		baseCtx:        context.Background(),
	}, nil
}

// Close closes the server and cleans up resources
func (s *Server) Close() error {
	if s.authMiddleware != nil {
		return s.authMiddleware.Close()
	}
	return nil
}

// Start begins listening on the configured bind address. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.baseCtx = ctx
	s.httpServer = &http.Server{
		Addr:        s.cfg.API.Bind,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "bind", s.cfg.API.Bind)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Read-only endpoints
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	// Project and task endpoints
	mux.HandleFunc("/projects", s.authMiddleware.RequireAuth(s.handleProjects))
	mux.HandleFunc("/projects/", s.authMiddleware.RequireAuth(s.routeProjects))
	mux.HandleFunc("/tasks", s.authMiddleware.RequireAuth(s.handleTasks))
	mux.HandleFunc("/tasks/", s.authMiddleware.RequireAuth(s.routeTasks))
	mux.HandleFunc("/dependencies", s.authMiddleware.RequireAuth(s.handleDependencies))

	// Call-assistant endpoints
	mux.HandleFunc("/assist/sessions", s.authMiddleware.RequireAuth(s.handleSessionStart))
	mux.HandleFunc("/assist/sessions/", s.authMiddleware.RequireAuth(s.routeSessions))

	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeStoreError maps store sentinels to HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrSelfEdge), errors.Is(err, store.ErrCrossProject):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrEdgeCycle):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// GET /status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var projectCount, taskCount int
	s.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&projectCount)
	s.store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&taskCount)

	activeSessions := 0
	if s.assist != nil {
		activeSessions = s.assist.Active()
	}

	resp := map[string]any{
		"uptime_s":        time.Since(s.startTime).Seconds(),
		"projects":        projectCount,
		"tasks":           taskCount,
		"active_sessions": activeSessions,
	}
	writeJSON(w, resp)
}

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	detail := "ok"
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		healthy = false
		detail = err.Error()
	}

	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, map[string]any{
		"healthy":  healthy,
		"database": detail,
	})
}

// GET /metrics - Prometheus-compatible text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	var b strings.Builder
	db := s.store.DB()

	var totalProjects, totalTasks, totalEdges int
	db.QueryRow(`SELECT COUNT(*) FROM projects`).Scan(&totalProjects)
	db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&totalTasks)
	db.QueryRow(`SELECT COUNT(*) FROM task_edges`).Scan(&totalEdges)

	fmt.Fprintf(&b, "# HELP atelier_projects_total Total number of projects\n")
	fmt.Fprintf(&b, "# TYPE atelier_projects_total gauge\n")
	fmt.Fprintf(&b, "atelier_projects_total %d\n", totalProjects)

	fmt.Fprintf(&b, "# HELP atelier_tasks_total Total number of tasks\n")
	fmt.Fprintf(&b, "# TYPE atelier_tasks_total gauge\n")
	fmt.Fprintf(&b, "atelier_tasks_total %d\n", totalTasks)

	fmt.Fprintf(&b, "# HELP atelier_task_edges_total Total number of dependency edges\n")
	fmt.Fprintf(&b, "# TYPE atelier_task_edges_total gauge\n")
	fmt.Fprintf(&b, "atelier_task_edges_total %d\n", totalEdges)

	// Tasks by status
	fmt.Fprintf(&b, "# HELP atelier_tasks_by_status Tasks by status\n")
	fmt.Fprintf(&b, "# TYPE atelier_tasks_by_status gauge\n")

	statusRows, err := db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status ORDER BY status`)
	if err == nil {
		defer statusRows.Close()
		for statusRows.Next() {
			var status string
			var count int
			if statusRows.Scan(&status, &count) == nil {
				fmt.Fprintf(&b, "atelier_tasks_by_status{status=%q} %d\n", status, count)
			}
		}
	}

	// Call-assistant sessions by persisted state
	fmt.Fprintf(&b, "# HELP atelier_call_sessions_by_state Persisted call sessions by state\n")
	fmt.Fprintf(&b, "# TYPE atelier_call_sessions_by_state gauge\n")

	sessionRows, err := db.Query(`SELECT state, COUNT(*) FROM call_sessions GROUP BY state ORDER BY state`)
	if err == nil {
		defer sessionRows.Close()
		for sessionRows.Next() {
			var state string
			var count int
			if sessionRows.Scan(&state, &count) == nil {
				fmt.Fprintf(&b, "atelier_call_sessions_by_state{state=%q} %d\n", state, count)
			}
		}
	}

	if s.assist != nil {
		fmt.Fprintf(&b, "# HELP atelier_call_sessions_active Live call-assistant sessions\n")
		fmt.Fprintf(&b, "# TYPE atelier_call_sessions_active gauge\n")
		fmt.Fprintf(&b, "atelier_call_sessions_active %d\n", s.assist.Active())
	}

	fmt.Fprintf(&b, "# HELP atelier_graph_cache_entries Cached project dependency graphs\n")
	fmt.Fprintf(&b, "# TYPE atelier_graph_cache_entries gauge\n")
	fmt.Fprintf(&b, "atelier_graph_cache_entries %d\n", s.graphs.Len())

	fmt.Fprintf(&b, "# HELP atelier_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(&b, "# TYPE atelier_uptime_seconds gauge\n")
	fmt.Fprintf(&b, "atelier_uptime_seconds %.0f\n", time.Since(s.startTime).Seconds())

	w.Write([]byte(b.String()))
}

// projectGraph returns the cached dependency graph for a project,
// building it from the store on a miss.
func (s *Server) projectGraph(ctx context.Context, projectID int64) (*graph.DepGraph, error) {
	if g, ok := s.graphs.Get(projectID); ok {
		return g, nil
	}

	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	edges, err := s.store.ListEdges(ctx, projectID)
	if err != nil {
		return nil, err
	}

	nodes := make([]graph.Task, 0, len(tasks))
	for _, t := range tasks {
		nodes = append(nodes, graph.Task{
			ID:     t.ID,
			Title:  t.Title,
			Status: graph.Status(t.Status).Normalize(),
		})
	}
	links := make([]graph.Edge, 0, len(edges))
	for _, e := range edges {
		links = append(links, graph.Edge{BlockerID: e.BlockerID, DependentID: e.DependentID})
	}

	g := graph.New()
	g.Load(nodes, links)
	s.graphs.Add(projectID, g)
	return g, nil
}

func (s *Server) baseContext() context.Context {
	return s.baseCtx
}

// invalidateGraph drops the cached graph after a mutation.
func (s *Server) invalidateGraph(projectID int64) {
	s.graphs.Remove(projectID)
}

// invalidateGraphByTask resolves a task to its project before evicting.
func (s *Server) invalidateGraphByTask(ctx context.Context, taskID int64) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	s.invalidateGraph(task.ProjectID)
}
