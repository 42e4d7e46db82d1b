package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentforge/internal/lock"
	"github.com/agentforge/agentforge/internal/task"
	"github.com/agentforge/agentforge/internal/taskqueue"
	v1 "github.com/agentforge/agentforge/pkg/api/v1"
)

type singleWorkspace struct {
	handle *WorkspaceHandle
	err    error
}

func (s *singleWorkspace) Resolve(string) (*WorkspaceHandle, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.handle, nil
}

func newTestRouter(t *testing.T) (*httptest.Server, task.Store, *taskqueue.Queue) {
	t.Helper()
	store, err := task.NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	pool := lock.NewPool()
	root := t.TempDir()
	queue := taskqueue.New(store, pool, nil, nil, nil, taskqueue.Options{WorkspaceRoot: root})

	ws := &singleWorkspace{handle: &WorkspaceHandle{Root: root, Store: store, Queue: queue}}
	router := New(ws, pool, nil, nil)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, store, queue
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHTTPAPI_CreateThenGetTask(t *testing.T) {
	srv, _, _ := newTestRouter(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks", v1.CreateTaskRequest{Prompt: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[v1.Task](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "pending", created.Status)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[v1.Task](t, resp)
	assert.Equal(t, "hello", got.Prompt)
}

func TestHTTPAPI_CreateRejectsEmptyPrompt(t *testing.T) {
	srv, _, _ := newTestRouter(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks", v1.CreateTaskRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPAPI_GetMissingTaskReturns404(t *testing.T) {
	srv, _, _ := newTestRouter(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPAPI_ReorderThenListReflectsOrder(t *testing.T) {
	srv, _, _ := newTestRouter(t)
	var ids []string
	for i := 0; i < 3; i++ {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks", v1.CreateTaskRequest{Prompt: "t"})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		ids = append(ids, decode[v1.Task](t, resp).ID)
	}
	reversed := []string{ids[2], ids[0], ids[1]}

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks/reorder", v1.ReorderTasksRequest{IDs: reversed})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks?status=pending", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[v1.ListTasksResponse](t, resp)
	require.Len(t, list.Tasks, 3)
	assert.Equal(t, reversed, []string{list.Tasks[0].ID, list.Tasks[1].ID, list.Tasks[2].ID})
}

func TestHTTPAPI_MoveRejectedWhileQueueRunning(t *testing.T) {
	srv, _, queue := newTestRouter(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks", v1.CreateTaskRequest{Prompt: "t"})
	created := decode[v1.Task](t, resp)

	queue.Resume()
	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+created.ID+"/move", v1.MoveTaskRequest{Direction: "up"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHTTPAPI_ChatForbiddenOnCancelledTask(t *testing.T) {
	srv, store, _ := newTestRouter(t)
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks", v1.CreateTaskRequest{Prompt: "t"})
	created := decode[v1.Task](t, resp)

	cancelled := task.StatusCanceled
	_, err := store.UpdateTask(context.Background(), created.ID, task.TaskUpdate{Status: &cancelled}, time.Now().UTC())
	require.NoError(t, err)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+created.ID+"/chat", v1.ChatRequest{Content: "hi"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHTTPAPI_QueueStatusReflectsRun(t *testing.T) {
	srv, _, _ := newTestRouter(t)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/task-queue/status", nil)
	status := decode[v1.TaskQueueStatus](t, resp)
	assert.False(t, status.Running)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/task-queue/run", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/task-queue/status", nil)
	status = decode[v1.TaskQueueStatus](t, resp)
	assert.True(t, status.Running)
}
