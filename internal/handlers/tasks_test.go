package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-creator-backend/internal/models"
	"image-creator-backend/internal/notifier"
	"image-creator-backend/internal/tasks"
)

func tasksRouter(e *env, auth ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(auth...)
	router.POST("/api/generate", e.handler.Generate)
	router.GET("/api/tasks", e.handler.ListTasks)
	router.GET("/api/tasks/:taskId", e.handler.GetTask)
	router.GET("/api/tasks/stream/:taskId", e.stream.SSE)
	router.GET("/api/tasks/ws/:taskId", e.stream.WebSocket)
	router.GET("/api/task-notification", e.handler.GetNotification)
	router.POST("/api/task-notification", e.handler.PostNotification)
	router.GET("/api/task-final-check/:taskId", e.handler.GetTask)
	router.POST("/api/task-final-check/:taskId", e.handler.CancelTask)
	return router
}

func TestGenerate_DeductsAndAccepts(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()
	router := tasksRouter(e, as(userID))

	w := doJSON(router, http.MethodPost, "/api/generate", map[string]any{"prompt": "a red fox"})
	require.Equal(t, http.StatusAccepted, w.Code)
	resp := decode[models.GenerateResponse](t, w)
	assert.Equal(t, 4, resp.Credits)
	assert.Equal(t, "pending", resp.Task.Status)

	w = doJSON(router, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[models.TaskListResponse](t, w).Tasks, 1)
}

func TestGenerate_InsufficientCredits(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()
	e.store.SetBalance(userID, 0)
	router := tasksRouter(e, as(userID))

	w := doJSON(router, http.MethodPost, "/api/generate", map[string]any{"prompt": "a red fox"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, e.store.Balance(userID))

	w = doJSON(router, http.MethodPost, "/api/generate", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTaskAccessIsOwnerOnly(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()
	task, _, err := e.tasks.Create(context.Background(), owner, tasks.CreateParams{Prompt: "p"})
	require.NoError(t, err)

	w := doJSON(tasksRouter(e, as(uuid.New())), http.MethodGet, "/api/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(tasksRouter(e, as(owner)), http.MethodGet, "/api/task-final-check/"+task.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(tasksRouter(e, as(owner)), http.MethodGet, "/api/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelTask_RefundsOnce(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()
	task, _, err := e.tasks.Create(context.Background(), owner, tasks.CreateParams{Prompt: "p"})
	require.NoError(t, err)
	router := tasksRouter(e, as(owner))

	for i := 0; i < 2; i++ {
		w := doJSON(router, http.MethodPost, "/api/task-final-check/"+task.ID, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "cancelled", decode[models.TaskResponse](t, w).Status)
	}
	assert.Equal(t, 5, e.store.Balance(owner))
}

func TestPostNotification(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()
	task, _, err := e.tasks.Create(context.Background(), owner, tasks.CreateParams{Prompt: "p"})
	require.NoError(t, err)

	internal := tasksRouter(e, asInternal())
	user := tasksRouter(e, as(owner))

	w := doJSON(user, http.MethodPost, "/api/task-notification", map[string]any{"taskId": task.ID, "status": "completed", "imageUrl": "https://x"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	progress := 40
	w = doJSON(internal, http.MethodPost, "/api/task-notification", map[string]any{"taskId": task.ID, "status": "processing", "progress": progress, "stage": "rendering"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 40, decode[models.TaskResponse](t, w).Progress)

	w = doJSON(internal, http.MethodPost, "/api/task-notification", map[string]any{"taskId": task.ID, "status": "completed", "imageUrl": "https://cdn.test/x.png"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(internal, http.MethodPost, "/api/task-notification", map[string]any{"taskId": task.ID, "status": "failed", "error": "late"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(internal, http.MethodPost, "/api/task-notification", map[string]any{"taskId": task.ID, "status": "exploded"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 4, e.store.Balance(owner))
}

func TestGetNotification_PollsWithoutEventStream(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()
	task, _, err := e.tasks.Create(context.Background(), owner, tasks.CreateParams{Prompt: "p"})
	require.NoError(t, err)
	router := tasksRouter(e, as(owner))

	w := doJSON(router, http.MethodGet, "/api/task-notification?taskId="+task.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, task.ID, decode[models.TaskResponse](t, w).TaskID)

	w = doJSON(router, http.MethodGet, "/api/task-notification", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSSE_StreamsUntilTerminal(t *testing.T) {
	e := newEnv(t)
	e.stream.SetIntervals(time.Second, 20*time.Millisecond)
	owner := uuid.New()
	ctx := context.Background()
	task, _, err := e.tasks.Create(ctx, owner, tasks.CreateParams{Prompt: "p"})
	require.NoError(t, err)
	router := tasksRouter(e, as(owner))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_, _ = e.tasks.MarkProcessing(ctx, task.ID)
		_, _ = e.tasks.MarkCompleted(ctx, task.ID, "https://cdn.test/done.png")
	}()

	req, _ := http.NewRequest(http.MethodGet, "/api/task-notification?taskId="+task.ID, nil)
	req.Header.Set("Accept", "text/event-stream")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	body := w.Body.String()
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(body, "event:status"))
	assert.Contains(t, body, "https://cdn.test/done.png")
	assert.Contains(t, body, "event:close")
	assert.Equal(t, 0, e.hub.Tasks())
}

func TestSSE_TerminalTaskClosesImmediately(t *testing.T) {
	e := newEnv(t)
	owner := uuid.New()
	ctx := context.Background()
	task, _, err := e.tasks.Create(ctx, owner, tasks.CreateParams{Prompt: "p"})
	require.NoError(t, err)
	_, err = e.tasks.MarkFailed(ctx, task.ID, "boom")
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodGet, "/api/tasks/stream/"+task.ID, nil)
	w := httptest.NewRecorder()
	tasksRouter(e, as(owner)).ServeHTTP(w, req)

	assert.Equal(t, 1, strings.Count(w.Body.String(), "event:status"))
	assert.Equal(t, 1, strings.Count(w.Body.String(), "event:close"))
}

func TestWebSocket_DeliversEvents(t *testing.T) {
	e := newEnv(t)
	e.stream.SetIntervals(time.Second, time.Second)
	owner := uuid.New()
	ctx := context.Background()
	task, _, err := e.tasks.Create(ctx, owner, tasks.CreateParams{Prompt: "p"})
	require.NoError(t, err)

	server := httptest.NewServer(tasksRouter(e, as(owner)))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/api/tasks/ws/"+task.ID, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first notifier.Event
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, models.TaskStatusPending, first.Status)

	// The stream subscribes after writing the first frame.
	require.Eventually(t, func() bool { return e.hub.Count(task.ID) == 1 }, time.Second, 5*time.Millisecond)
	_, err = e.tasks.Cancel(ctx, task.ID, owner)
	require.NoError(t, err)

	var types []string
	for {
		var ev notifier.Event
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, notifier.EventClose)
}
