package handlers_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"image-creator-backend/internal/handlers"
	"image-creator-backend/internal/models"
	"image-creator-backend/internal/payment"
)

const merchantKey = "merchant-secret"

func paymentRouter(e *env, auth ...gin.HandlerFunc) *gin.Engine {
	gw := payment.NewEpayGateway("", "1001", merchantKey)
	h := handlers.NewPaymentHandler(payment.NewReconciler(e.store, gw, 5, zap.NewNop()), zap.NewNop())

	router := gin.New()
	router.GET("/api/payment/webhook", h.Webhook)
	router.POST("/api/payment/webhook", h.Webhook)
	authed := router.Group("/", auth...)
	authed.GET("/api/payment/check", h.Check)
	authed.GET("/api/payment/fix", h.Fix)
	authed.POST("/api/admin/payment/sync", h.Sync)
	return router
}

func webhookValues(orderNo, money string) url.Values {
	params := map[string]string{
		"pid":          "1001",
		"out_trade_no": orderNo,
		"trade_no":     "T-" + orderNo,
		"money":        money,
		"trade_status": payment.TradeSuccess,
	}
	params["sign"] = payment.Sign(params, merchantKey)

	v := url.Values{}
	for k, val := range params {
		v.Set(k, val)
	}
	return v
}

func seedOrder(e *env, userID uuid.UUID, orderNo string) {
	e.store.PutPayment(models.Payment{
		OrderNo: orderNo,
		UserID:  userID,
		Amount:  decimal.RequireFromString("9.99"),
		Credits: 100,
		Status:  models.PaymentStatusPending,
	})
}

func TestWebhook_GetAndPostCreditOnce(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()
	seedOrder(e, userID, "ORD123")
	router := paymentRouter(e)
	values := webhookValues("ORD123", "9.99")

	req, _ := http.NewRequest(http.MethodGet, "/api/payment/webhook?"+values.Encode(), nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", w.Body.String())

	req, _ = http.NewRequest(http.MethodPost, "/api/payment/webhook", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", w.Body.String())

	assert.Equal(t, 105, e.store.Balance(userID))
}

func TestWebhook_Rejections(t *testing.T) {
	e := newEnv(t)
	seedOrder(e, uuid.New(), "ORD1")
	router := paymentRouter(e)

	tampered := webhookValues("ORD1", "9.99")
	tampered.Set("money", "0.01")
	unknown := webhookValues("MISSING", "9.99")
	mismatch := webhookValues("ORD1", "1.00")

	tests := []struct {
		name   string
		values url.Values
		status int
	}{
		{"bad signature", tampered, http.StatusBadRequest},
		{"unknown order", unknown, http.StatusNotFound},
		{"amount mismatch", mismatch, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, "/api/payment/webhook?"+tt.values.Encode(), nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "fail", w.Body.String())
		})
	}
	assert.Empty(t, e.store.Logs())
}

func TestPaymentCheckAndFix(t *testing.T) {
	e := newEnv(t)
	userID := uuid.New()
	seedOrder(e, userID, "ORD9")

	user := paymentRouter(e, as(userID))
	admin := paymentRouter(e, asAdmin())

	w := doJSON(user, http.MethodGet, "/api/payment/check?order_no=ORD9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	check := decode[models.PaymentCheckResponse](t, w)
	assert.False(t, check.Success)
	assert.Equal(t, "pending", check.Order.Status)

	w = doJSON(paymentRouter(e, as(uuid.New())), http.MethodGet, "/api/payment/check?order_no=ORD9", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(admin, http.MethodGet, "/api/payment/fix?order_no=ORD9&force=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	fix := decode[models.PaymentFixResponse](t, w)
	assert.Equal(t, 100, fix.CreditsGranted)

	w = doJSON(admin, http.MethodGet, "/api/payment/fix?order_no=ORD9&force=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.PaymentFixResponse](t, w).AlreadyProcessed)

	w = doJSON(user, http.MethodGet, "/api/payment/check?order_no=ORD9", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.PaymentCheckResponse](t, w).Success)
	assert.Equal(t, 105, e.store.Balance(userID))

	w = doJSON(admin, http.MethodPost, "/api/admin/payment/sync", map[string]any{"days": 1})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"already_ok":1`)
}
