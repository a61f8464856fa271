package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"image-creator-backend/internal/models"
	"image-creator-backend/internal/payment"
)

// Gateway contract: the webhook answers with these plaintext tokens.
const (
	webhookSuccess = "success"
	webhookFail    = "fail"
)

type PaymentHandler struct {
	reconciler *payment.Reconciler
	logger     *zap.Logger
}

func NewPaymentHandler(reconciler *payment.Reconciler, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		reconciler: reconciler,
		logger:     logger.Named("payment_handler"),
	}
}

// Webhook godoc
// @Summary     Payment gateway callback
// @Description Signed gateway notification. Replays of an already credited order answer "success" without granting again.
// @Tags        payment
// @Accept      x-www-form-urlencoded
// @Produce     plain
// @Success     200 {string} string "success"
// @Failure     400 {string} string "fail"
// @Failure     500 {string} string "fail"
// @Router      /api/payment/webhook [get]
// @Router      /api/payment/webhook [post]
func (h *PaymentHandler) Webhook(c *gin.Context) {
	params := map[string]string{}
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if c.Request.Method == http.MethodPost {
		if err := c.Request.ParseForm(); err == nil {
			for k, v := range c.Request.PostForm {
				if len(v) > 0 {
					params[k] = v[0]
				}
			}
		}
	}

	result, err := h.reconciler.HandleWebhook(c.Request.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, models.ErrInvalidSignature),
			errors.Is(err, models.ErrInvalidInput),
			errors.Is(err, models.ErrAmountMismatch),
			errors.Is(err, models.ErrPaymentFailed):
			status = http.StatusBadRequest
		case errors.Is(err, models.ErrNotFound):
			status = http.StatusNotFound
		default:
			h.logger.Error("webhook processing failed", zap.String("order_no", params["out_trade_no"]), zap.Error(err))
		}
		c.String(status, webhookFail)
		return
	}

	h.logger.Debug("webhook handled", zap.String("order_no", result.OrderNo), zap.String("outcome", result.Outcome))
	c.String(http.StatusOK, webhookSuccess)
}

// Check godoc
// @Summary     Check an order
// @Description Read-only. A pending order older than two minutes is also queried upstream.
// @Tags        payment
// @Produce     json
// @Param       order_no query string true "Order number"
// @Success     200 {object} models.PaymentCheckResponse
// @Failure     404 {object} models.ErrorResponse
// @Security    BearerAuth
// @Router      /api/payment/check [get]
func (h *PaymentHandler) Check(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	orderNo := c.Query("order_no")
	if orderNo == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "order_no is required"})
		return
	}

	result, err := h.reconciler.Check(c.Request.Context(), orderNo, &userID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.PaymentCheckResponse{
		Success:      result.Payment.Status == models.PaymentStatusSuccess && result.Credited,
		Order:        models.NewPaymentResponse(result.Payment),
		UpstreamPaid: result.UpstreamPaid,
	})
}

// Fix godoc
// @Summary     Reconcile one order
// @Description Admin only and idempotent. A pending order must be paid upstream unless force=1.
// @Tags        admin
// @Produce     json
// @Param       order_no query string true "Order number"
// @Param       force query string false "skip the upstream check (1)"
// @Success     200 {object} models.PaymentFixResponse
// @Failure     400 {object} models.ErrorResponse
// @Security    AdminAuth
// @Router      /api/payment/fix [get]
func (h *PaymentHandler) Fix(c *gin.Context) {
	orderNo := c.Query("order_no")
	if orderNo == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "order_no is required"})
		return
	}

	result, err := h.reconciler.ManualFix(c.Request.Context(), orderNo, isTruthy(c.Query("force")))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, models.PaymentFixResponse{
		Success:          true,
		Order:            models.NewPaymentResponse(result.Payment),
		CreditsGranted:   result.CreditsGranted,
		AlreadyProcessed: result.AlreadyProcessed,
	})
}

// Sync godoc
// @Summary     Reconcile recent orders
// @Tags        admin
// @Accept      json
// @Produce     json
// @Param       request body models.PaymentSyncRequest false "Look-back window"
// @Success     200 {object} payment.SyncReport
// @Security    AdminAuth
// @Router      /api/admin/payment/sync [post]
func (h *PaymentHandler) Sync(c *gin.Context) {
	var req models.PaymentSyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
			return
		}
	}

	report, err := h.reconciler.ManualSync(c.Request.Context(), req.Days)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}
