package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"image-creator-backend/internal/cache"
	"image-creator-backend/internal/handlers"
	"image-creator-backend/internal/models"
	"image-creator-backend/internal/ratelimit"
)

type mapCache struct {
	values map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{values: map[string][]byte{}} }

func (m *mapCache) Get(_ context.Context, key string, dest any) error {
	data, ok := m.values[key]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(data, dest)
}

func (m *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.values[key] = data
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	delete(m.values, key)
	return nil
}

// countingLimiter allows the first n calls.
type countingLimiter struct {
	n     int
	calls int
	err   error
}

func (l *countingLimiter) Allow(context.Context, string) (*ratelimit.Result, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.calls++
	return &ratelimit.Result{
		Allowed:    l.calls <= l.n,
		Limit:      l.n,
		RetryAfter: 1500 * time.Millisecond,
	}, nil
}

func creditsRouter(h *handlers.CreditsHandler, auth ...gin.HandlerFunc) *gin.Engine {
	router := gin.New()
	router.Use(auth...)
	router.GET("/api/credits/get", h.GetCredits)
	router.POST("/api/credits/update", h.UpdateCredits)
	router.GET("/api/credits/history", h.History)
	router.POST("/api/admin/credits/reconcile", h.Reconcile)
	return router
}

func TestGetCredits_GrantsOnFirstRead(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()
	router := creditsRouter(handlers.NewCreditsHandler(e.ledger, nil, nil, zap.NewNop()), as(userID))

	w := doJSON(router, http.MethodGet, "/api/credits/get", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[models.CreditsResponse](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, 5, resp.Credits)
}

func TestGetCredits_LimitedServesCachedValue(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()
	limiter := &countingLimiter{n: 1}
	router := creditsRouter(handlers.NewCreditsHandler(e.ledger, newMapCache(), limiter, zap.NewNop()), as(userID))

	w := doJSON(router, http.MethodGet, "/api/credits/get", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(router, http.MethodGet, "/api/credits/get", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[models.CreditsResponse](t, w)
	assert.True(t, resp.Cached)
	assert.Equal(t, 5, resp.Credits)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	w = doJSON(router, http.MethodGet, "/api/credits/get?force=1", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestGetCredits_LimitedWithoutCache(t *testing.T) {
	e := newEnv(t)
	router := creditsRouter(handlers.NewCreditsHandler(e.ledger, nil, &countingLimiter{n: 0}, zap.NewNop()), as(uuid.New()))

	w := doJSON(router, http.MethodGet, "/api/credits/get", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	resp := decode[models.CreditsErrorResponse](t, w)
	assert.False(t, resp.Success)
	assert.Equal(t, "too many requests", resp.Error)
}

func TestGetCredits_LimiterOutageFailsOpen(t *testing.T) {
	e := newEnv(t)
	limiter := &countingLimiter{err: errors.New("redis down")}
	router := creditsRouter(handlers.NewCreditsHandler(e.ledger, nil, limiter, zap.NewNop()), as(uuid.New()))

	w := doJSON(router, http.MethodGet, "/api/credits/get", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetCredits_Unauthenticated(t *testing.T) {
	e := newEnv(t)
	router := creditsRouter(handlers.NewCreditsHandler(e.ledger, nil, nil, zap.NewNop()))

	w := doJSON(router, http.MethodGet, "/api/credits/get", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUpdateCredits_Deduct(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()
	c := newMapCache()
	router := creditsRouter(handlers.NewCreditsHandler(e.ledger, c, nil, zap.NewNop()), as(userID))

	w := doJSON(router, http.MethodPost, "/api/credits/update", map[string]any{"action": "deduct", "amount": 2})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3, decode[models.CreditsResponse](t, w).Credits)
	assert.Equal(t, 3, e.store.Balance(userID))
	assert.Equal(t, "3", string(c.values["credits:"+userID.String()]))

	w = doJSON(router, http.MethodPost, "/api/credits/update", map[string]any{"action": "deduct", "amount": 10})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 3, e.store.Balance(userID))
	failed := decode[models.CreditsErrorResponse](t, w)
	assert.False(t, failed.Success)
	assert.Equal(t, "insufficient credits", failed.Error)
	require.NotNil(t, failed.Credits)
	assert.Equal(t, 3, *failed.Credits)
}

func TestUpdateCredits_InsufficientForNewUserReportsBalance(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()
	router := creditsRouter(handlers.NewCreditsHandler(e.ledger, nil, nil, zap.NewNop()), as(userID))

	w := doJSON(router, http.MethodPost, "/api/credits/update", map[string]any{"action": "deduct", "amount": 10})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), `"success":false`)
	assert.Contains(t, w.Body.String(), `"credits":5`)
	assert.Contains(t, w.Body.String(), `"error":"insufficient credits"`)
	assert.Empty(t, e.store.Logs())
}

func TestUpdateCredits_Authorization(t *testing.T) {
	e := newEnv(t)
	userID, other := uuid.New(), uuid.New()
	router := creditsRouter(handlers.NewCreditsHandler(e.ledger, nil, nil, zap.NewNop()), as(userID))

	w := doJSON(router, http.MethodPost, "/api/credits/update", map[string]any{"action": "deduct", "userId": other.String()})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodPost, "/api/credits/update", map[string]any{"action": "add", "amount": 100})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodPost, "/api/credits/update", map[string]any{"action": "steal"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/api/credits/update", map[string]any{"action": "deduct", "amount": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUpdateCredits_AdminAdd(t *testing.T) {
	e := newEnv(t)
	target := uuid.New()
	router := creditsRouter(handlers.NewCreditsHandler(e.ledger, nil, nil, zap.NewNop()), asAdmin())

	w := doJSON(router, http.MethodPost, "/api/credits/update", map[string]any{"action": "add", "amount": 50, "userId": target.String()})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 55, e.store.Balance(target))

	logs := e.store.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, models.CreditOpRecharge, logs[0].OperationType)
	assert.Contains(t, logs[0].OrderNo.String, "admin-")

	w = doJSON(router, http.MethodPost, "/api/credits/update", map[string]any{"action": "add"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreditsHistoryAndReconcile(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()
	user := creditsRouter(handlers.NewCreditsHandler(e.ledger, nil, nil, zap.NewNop()), as(userID))
	admin := creditsRouter(handlers.NewCreditsHandler(e.ledger, nil, nil, zap.NewNop()), asAdmin())

	require.Equal(t, http.StatusOK, doJSON(user, http.MethodPost, "/api/credits/update", map[string]any{"action": "deduct"}).Code)

	w := doJSON(user, http.MethodGet, "/api/credits/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[models.CreditHistoryResponse](t, w)
	require.Len(t, history.Logs, 1)
	assert.Equal(t, "consume", history.Logs[0].OperationType)

	w = doJSON(admin, http.MethodPost, "/api/admin/credits/reconcile", map[string]any{"userId": userID.String()})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success":true`)

	w = doJSON(admin, http.MethodPost, "/api/admin/credits/reconcile", map[string]any{"userId": "nope"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
