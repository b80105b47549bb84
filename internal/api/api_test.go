package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/northlight-studio/atelier/internal/config"
	"github.com/northlight-studio/atelier/internal/store"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.API.Bind = "127.0.0.1:0"

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv, err := NewServer(cfg, st, nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

// seedGraph creates a project with n tasks and returns the project id
// plus task ids in creation order.
func seedGraph(t *testing.T, srv *Server, n int) (int64, []int64) {
	t.Helper()
	ctx := context.Background()

	projectID, err := srv.store.CreateProject(ctx, "website-relaunch", "Acme")
	if err != nil {
		t.Fatal(err)
	}
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := srv.store.CreateTask(ctx, store.Task{ProjectID: projectID, Title: "task"})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	return projectID, ids
}

// do runs a request through the full route table.
func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHandleStatus(t *testing.T) {
	srv := setupTestServer(t)
	seedGraph(t, srv, 2)

	w := do(t, srv, http.MethodGet, "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}

	var resp map[string]any
	decodeJSON(t, w, &resp)
	if _, ok := resp["uptime_s"]; !ok {
		t.Fatal("missing uptime_s")
	}
	if resp["tasks"] != float64(2) {
		t.Fatalf("expected 2 tasks, got %v", resp["tasks"])
	}
}

func TestHandleHealth(t *testing.T) {
	srv := setupTestServer(t)

	w := do(t, srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]any
	decodeJSON(t, w, &resp)
	if resp["healthy"] != true {
		t.Fatal("expected healthy=true")
	}
}

func TestHandleMetrics(t *testing.T) {
	srv := setupTestServer(t)
	_, ids := seedGraph(t, srv, 2)
	if err := srv.store.AddEdge(context.Background(), ids[0], ids[1]); err != nil {
		t.Fatal(err)
	}

	w := do(t, srv, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	for _, metric := range []string{
		"atelier_projects_total 1",
		"atelier_tasks_total 2",
		"atelier_task_edges_total 1",
		"atelier_tasks_by_status",
		"atelier_uptime_seconds",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("missing %s metric in:\n%s", metric, body)
		}
	}
}

func TestProjectCreateAndList(t *testing.T) {
	srv := setupTestServer(t)

	w := do(t, srv, http.MethodPost, "/projects", map[string]any{
		"name": "brand-refresh", "client": "Orbit Coffee",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodGet, "/projects", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var projects []map[string]any
	decodeJSON(t, w, &projects)
	if len(projects) != 1 || projects[0]["name"] != "brand-refresh" {
		t.Fatalf("unexpected project list: %v", projects)
	}
}

func TestProjectDetail_NotFound(t *testing.T) {
	srv := setupTestServer(t)

	w := do(t, srv, http.MethodGet, "/projects/42", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = do(t, srv, http.MethodGet, "/projects/not-a-number", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestTaskCreateAndPatch(t *testing.T) {
	srv := setupTestServer(t)
	projectID, _ := seedGraph(t, srv, 0)

	w := do(t, srv, http.MethodPost, "/tasks", map[string]any{
		"project_id": projectID, "title": "design homepage",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]any
	decodeJSON(t, w, &created)
	id := int64(created["id"].(float64))

	w = do(t, srv, http.MethodPatch, taskPath(id), map[string]any{
		"status": "in_progress",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var updated map[string]any
	decodeJSON(t, w, &updated)
	if updated["status"] != "in_progress" {
		t.Fatalf("expected status=in_progress, got %v", updated["status"])
	}

	w = do(t, srv, http.MethodPatch, "/tasks/9999", map[string]any{"title": "x"})
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func taskPath(id int64) string {
	return "/tasks/" + jsonNumber(id)
}

func jsonNumber(id int64) string {
	data, _ := json.Marshal(id)
	return string(data)
}

func TestDependencies_CycleReturnsConflict(t *testing.T) {
	srv := setupTestServer(t)
	_, ids := seedGraph(t, srv, 3)
	a, b, c := ids[0], ids[1], ids[2]

	for _, edge := range []map[string]any{
		{"blocker_id": a, "dependent_id": b},
		{"blocker_id": b, "dependent_id": c},
	} {
		w := do(t, srv, http.MethodPost, "/dependencies", edge)
		if w.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
		}
	}

	// c transitively depends on a; making a depend on c closes a cycle.
	w := do(t, srv, http.MethodPost, "/dependencies", map[string]any{
		"blocker_id": c, "dependent_id": a,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestDependencies_ValidationErrors(t *testing.T) {
	srv := setupTestServer(t)
	_, ids := seedGraph(t, srv, 1)

	w := do(t, srv, http.MethodPost, "/dependencies", map[string]any{
		"blocker_id": ids[0], "dependent_id": ids[0],
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("self edge: expected 400, got %d", w.Code)
	}

	w = do(t, srv, http.MethodPost, "/dependencies", map[string]any{
		"blocker_id": ids[0], "dependent_id": 9999,
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown task: expected 404, got %d", w.Code)
	}

	w = do(t, srv, http.MethodPost, "/dependencies", map[string]any{
		"blocker_id": ids[0],
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing dependent: expected 400, got %d", w.Code)
	}
}

func TestDependencies_Remove(t *testing.T) {
	srv := setupTestServer(t)
	_, ids := seedGraph(t, srv, 2)

	edge := map[string]any{"blocker_id": ids[0], "dependent_id": ids[1]}
	if w := do(t, srv, http.MethodPost, "/dependencies", edge); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	if w := do(t, srv, http.MethodDelete, "/dependencies", edge); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	// Removing again is a no-op.
	if w := do(t, srv, http.MethodDelete, "/dependencies", edge); w.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat delete, got %d", w.Code)
	}
}

func TestProjectGraph_ReflectsMutations(t *testing.T) {
	srv := setupTestServer(t)
	projectID, ids := seedGraph(t, srv, 3)

	graphPath := "/projects/" + jsonNumber(projectID) + "/graph"

	w := do(t, srv, http.MethodGet, graphPath, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Nodes   []map[string]any `json:"nodes"`
		Edges   []map[string]any `json:"edges"`
		Blocked []int64          `json:"blocked"`
	}
	decodeJSON(t, w, &resp)
	if len(resp.Nodes) != 3 || len(resp.Edges) != 0 {
		t.Fatalf("unexpected initial graph: %+v", resp)
	}

	// The mutation must evict the cached graph.
	edge := map[string]any{"blocker_id": ids[0], "dependent_id": ids[1]}
	if w := do(t, srv, http.MethodPost, "/dependencies", edge); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}

	w = do(t, srv, http.MethodGet, graphPath, nil)
	decodeJSON(t, w, &resp)
	if len(resp.Edges) != 1 {
		t.Fatalf("expected cache eviction to surface new edge, got %+v", resp.Edges)
	}
	if len(resp.Blocked) != 1 || resp.Blocked[0] != ids[1] {
		t.Fatalf("expected task %d blocked, got %v", ids[1], resp.Blocked)
	}
}

func TestCriticalPathEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	projectID, ids := seedGraph(t, srv, 4)

	// Chain 0->1->2 plus an isolated task 3.
	ctx := context.Background()
	if err := srv.store.AddEdge(ctx, ids[0], ids[1]); err != nil {
		t.Fatal(err)
	}
	if err := srv.store.AddEdge(ctx, ids[1], ids[2]); err != nil {
		t.Fatal(err)
	}

	w := do(t, srv, http.MethodGet, "/projects/"+jsonNumber(projectID)+"/critical-path", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp struct {
		Path   []int64 `json:"path"`
		Length int     `json:"length"`
	}
	decodeJSON(t, w, &resp)
	if resp.Length != 3 {
		t.Fatalf("expected length=3, got %d (path %v)", resp.Length, resp.Path)
	}
	want := []int64{ids[0], ids[1], ids[2]}
	for i, id := range want {
		if resp.Path[i] != id {
			t.Fatalf("expected path %v, got %v", want, resp.Path)
		}
	}
}

func TestTaskBlockedEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	projectID, ids := seedGraph(t, srv, 2)
	ctx := context.Background()

	if err := srv.store.AddEdge(ctx, ids[0], ids[1]); err != nil {
		t.Fatal(err)
	}

	w := do(t, srv, http.MethodGet, taskPath(ids[1])+"/blocked", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Blocked  bool    `json:"blocked"`
		Blocking []int64 `json:"blocking"`
	}
	decodeJSON(t, w, &resp)
	if !resp.Blocked || len(resp.Blocking) != 1 || resp.Blocking[0] != ids[0] {
		t.Fatalf("expected blocked by %d, got %+v", ids[0], resp)
	}

	// Completing the blocker unblocks the task.
	if err := srv.store.UpdateTask(ctx, ids[0], map[string]any{"status": "completed"}); err != nil {
		t.Fatal(err)
	}
	srv.invalidateGraph(projectID)

	w = do(t, srv, http.MethodGet, taskPath(ids[1])+"/blocked", nil)
	decodeJSON(t, w, &resp)
	if resp.Blocked {
		t.Fatalf("expected unblocked after completion, got %+v", resp)
	}
}

func TestReadyTasksEndpoint(t *testing.T) {
	srv := setupTestServer(t)
	projectID, ids := seedGraph(t, srv, 2)
	if err := srv.store.AddEdge(context.Background(), ids[0], ids[1]); err != nil {
		t.Fatal(err)
	}

	w := do(t, srv, http.MethodGet, "/projects/"+jsonNumber(projectID)+"/ready", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var tasks []map[string]any
	decodeJSON(t, w, &tasks)
	if len(tasks) != 1 || int64(tasks[0]["id"].(float64)) != ids[0] {
		t.Fatalf("expected only the blocker ready, got %v", tasks)
	}
}

func TestAssistEndpoints_DisabledWithoutManager(t *testing.T) {
	srv := setupTestServer(t)
	projectID, _ := seedGraph(t, srv, 0)

	w := do(t, srv, http.MethodPost, "/assist/sessions", map[string]any{
		"project_id": projectID,
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	// Persisted session lookups still work without a live manager.
	ctx := context.Background()
	if err := srv.store.UpsertCallSession(ctx, store.CallSession{
		ID: "call-7", ProjectID: projectID, State: "stopped", LastSeq: 12,
	}); err != nil {
		t.Fatal(err)
	}

	w = do(t, srv, http.MethodGet, "/assist/sessions/call-7", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]any
	decodeJSON(t, w, &resp)
	if resp["live"] != false || resp["last_seq"] != float64(12) {
		t.Fatalf("unexpected session detail: %v", resp)
	}

	w = do(t, srv, http.MethodGet, "/projects/"+jsonNumber(projectID)+"/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var sessions []map[string]any
	decodeJSON(t, w, &sessions)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %v", sessions)
	}
}

func TestServerStartStop(t *testing.T) {
	srv := setupTestServer(t)
	srv.cfg.API.Bind = "127.0.0.1:0" // random port

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Give server a moment to start
	cancel()

	err := <-errCh
	if err != nil {
		t.Fatalf("server error: %v", err)
	}
}
