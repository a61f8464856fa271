package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"image-creator-backend/internal/credits"
	"image-creator-backend/internal/handlers"
	"image-creator-backend/internal/middleware"
	"image-creator-backend/internal/notifier"
	"image-creator-backend/internal/tasks"
	"image-creator-backend/internal/templates"
	"image-creator-backend/internal/testutil"
)

// env wires handlers over the in-memory store.
type env struct {
	store   *testutil.MemStore
	ledger  *credits.Ledger
	hub     *notifier.Hub
	tasks   *tasks.Service
	stream  *handlers.StreamHandler
	handler *handlers.TasksHandler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := testutil.NewMemStore()
	ledger := credits.NewLedger(store, 5, zap.NewNop())
	hub := notifier.NewHub(notifier.NewLocalBroker(), 8, zap.NewNop())
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(func() { _ = hub.Stop() })

	taskService := tasks.NewService(store, ledger, hub, 1, 5, zap.NewNop())
	stream := handlers.NewStreamHandler(taskService, hub, zap.NewNop())
	return &env{
		store:   store,
		ledger:  ledger,
		hub:     hub,
		tasks:   taskService,
		stream:  stream,
		handler: handlers.NewTasksHandler(taskService, templates.NewService(store), stream),
	}
}

// as authenticates every request as the given user.
func as(userID uuid.UUID) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.UserIDKey, userID.String())
		c.Next()
	}
}

func asAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.AdminKey, true)
		c.Next()
	}
}

func asInternal() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.InternalKey, true)
		c.Next()
	}
}

func doJSON(router http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}
