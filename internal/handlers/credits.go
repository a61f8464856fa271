package handlers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"image-creator-backend/internal/credits"
	"image-creator-backend/internal/middleware"
	"image-creator-backend/internal/models"
	"image-creator-backend/internal/ratelimit"
)

const (
	creditsCacheTTL    = 30 * time.Second
	creditsCachePrefix = "credits:"
)

// BalanceCache holds recently read balances.
type BalanceCache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (*ratelimit.Result, error)
}

type CreditsHandler struct {
	ledger  *credits.Ledger
	cache   BalanceCache
	limiter Limiter
	logger  *zap.Logger
}

// NewCreditsHandler builds the credits endpoints. cache and limiter may be nil.
func NewCreditsHandler(ledger *credits.Ledger, cache BalanceCache, limiter Limiter, logger *zap.Logger) *CreditsHandler {
	return &CreditsHandler{
		ledger:  ledger,
		cache:   cache,
		limiter: limiter,
		logger:  logger.Named("credits_handler"),
	}
}

// GetCredits godoc
// @Summary     Get credit balance
// @Description Returns the caller's balance. Reads are rate limited per user and a limited caller gets the cached value.
// @Tags        credits
// @Produce     json
// @Param       force query string false "never serve a cached value (1)"
// @Success     200 {object} models.CreditsResponse
// @Failure     429 {object} models.CreditsErrorResponse
// @Security    BearerAuth
// @Router      /api/credits/get [get]
func (h *CreditsHandler) GetCredits(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if h.limiter != nil {
		res, err := h.limiter.Allow(ctx, userID.String())
		if err != nil {
			// The window lives in Redis; an outage must not block balance reads.
			h.logger.Warn("credits rate limiter unavailable", zap.Error(err))
		} else if !res.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter.Seconds()))))
			// force=1 asks for a fresh value, so a stale cached one is not served.
			if cached, hit := h.cached(ctx, userID); hit && !isTruthy(c.Query("force")) {
				c.JSON(http.StatusOK, models.CreditsResponse{Success: true, Credits: cached, Cached: true})
				return
			}
			c.JSON(http.StatusTooManyRequests, models.CreditsErrorResponse{
				Error:   "too many requests",
				Message: fmt.Sprintf("at most %d balance reads per window", res.Limit),
			})
			return
		}
	}

	balance, err := h.ledger.GetBalance(ctx, userID)
	if err != nil {
		h.fail(c, statusFor(err), err, nil)
		return
	}
	h.store(ctx, userID, balance.Credits)

	c.JSON(http.StatusOK, models.CreditsResponse{Success: true, Credits: balance.Credits})
}

// UpdateCredits godoc
// @Summary     Adjust credits
// @Description "deduct" consumes credits from the caller (or any user, for admins). "add" is admin only and is logged as a recharge.
// @Tags        credits
// @Accept      json
// @Produce     json
// @Param       request body models.CreditsUpdateRequest true "Adjustment"
// @Success     200 {object} models.CreditsResponse
// @Failure     400 {object} models.CreditsErrorResponse
// @Failure     403 {object} models.CreditsErrorResponse
// @Security    BearerAuth
// @Router      /api/credits/update [post]
func (h *CreditsHandler) UpdateCredits(c *gin.Context) {
	var req models.CreditsUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, fmt.Errorf("%w: %v", models.ErrInvalidInput, err), nil)
		return
	}

	isAdmin := middleware.IsAdmin(c)
	caller := optionalUserID(c)

	var target uuid.UUID
	switch {
	case req.UserID != "":
		parsed, err := uuid.Parse(req.UserID)
		if err != nil {
			h.fail(c, http.StatusBadRequest, fmt.Errorf("%w: invalid userId", models.ErrInvalidInput), nil)
			return
		}
		target = parsed
	case caller != nil:
		target = *caller
	default:
		h.fail(c, http.StatusBadRequest, fmt.Errorf("%w: userId is required", models.ErrInvalidInput), nil)
		return
	}
	if !isAdmin && (caller == nil || *caller != target) {
		h.fail(c, http.StatusForbidden, fmt.Errorf("%w: cannot adjust another user's credits", models.ErrForbidden), nil)
		return
	}

	amount := req.Amount
	if amount == 0 {
		amount = 1
	}
	if amount < 0 {
		h.fail(c, http.StatusBadRequest, fmt.Errorf("%w: amount must be positive", models.ErrInvalidInput), &target)
		return
	}

	var (
		balance *models.CreditBalance
		err     error
	)
	ctx := c.Request.Context()
	switch req.Action {
	case "deduct":
		balance, err = h.ledger.Adjust(ctx, target, -amount, models.CreditOpConsume, "", req.Note)
	case "add":
		if !isAdmin {
			h.fail(c, http.StatusForbidden, fmt.Errorf("%w: adding credits requires admin credentials", models.ErrForbidden), &target)
			return
		}
		balance, err = h.ledger.Adjust(ctx, target, amount, models.CreditOpRecharge, "admin-"+uuid.NewString(), req.Note)
	default:
		h.fail(c, http.StatusBadRequest, fmt.Errorf(`%w: action must be "deduct" or "add"`, models.ErrInvalidInput), &target)
		return
	}
	if err != nil {
		h.fail(c, statusFor(err), err, &target)
		return
	}

	h.store(ctx, target, balance.Credits)
	c.JSON(http.StatusOK, models.CreditsResponse{Success: true, Credits: balance.Credits})
}

// fail writes a credits error body. For client errors on a known user the
// current balance is included.
func (h *CreditsHandler) fail(c *gin.Context, status int, err error, userID *uuid.UUID) {
	_ = c.Error(err)
	resp := models.CreditsErrorResponse{Error: errorLabel(status)}
	if status < http.StatusInternalServerError {
		resp.Error = err.Error()
	}

	if userID != nil && status < http.StatusInternalServerError {
		if balance, berr := h.ledger.GetBalance(c.Request.Context(), *userID); berr == nil {
			credits := balance.Credits
			resp.Credits = &credits
		}
	}
	c.JSON(status, resp)
}

// History godoc
// @Summary     Credit history
// @Tags        credits
// @Produce     json
// @Success     200 {object} models.CreditHistoryResponse
// @Security    BearerAuth
// @Router      /api/credits/history [get]
func (h *CreditsHandler) History(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	logs, err := h.ledger.History(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}

	resp := models.CreditHistoryResponse{Success: true, Logs: make([]models.CreditLogResponse, 0, len(logs))}
	for _, l := range logs {
		resp.Logs = append(resp.Logs, models.NewCreditLogResponse(l))
	}
	c.JSON(http.StatusOK, resp)
}

// Reconcile godoc
// @Summary     Reconcile a user's balance against the credit log
// @Tags        admin
// @Accept      json
// @Produce     json
// @Param       request body models.ReconcileRequest true "User"
// @Success     200 {object} credits.ReconcileReport
// @Security    AdminAuth
// @Router      /api/admin/credits/reconcile [post]
func (h *CreditsHandler) Reconcile(c *gin.Context) {
	var req models.ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request", Message: err.Error()})
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid userId"})
		return
	}

	report, err := h.ledger.Reconcile(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.invalidate(c.Request.Context(), userID)

	c.JSON(http.StatusOK, gin.H{"success": true, "report": report})
}

func (h *CreditsHandler) cached(ctx context.Context, userID uuid.UUID) (int, bool) {
	if h.cache == nil {
		return 0, false
	}
	var credits int
	if err := h.cache.Get(ctx, creditsCachePrefix+userID.String(), &credits); err != nil {
		return 0, false
	}
	return credits, true
}

func (h *CreditsHandler) store(ctx context.Context, userID uuid.UUID, credits int) {
	if h.cache == nil {
		return
	}
	if err := h.cache.Set(ctx, creditsCachePrefix+userID.String(), credits, creditsCacheTTL); err != nil {
		h.logger.Debug("failed to cache balance", zap.Error(err))
	}
}

func (h *CreditsHandler) invalidate(ctx context.Context, userID uuid.UUID) {
	if h.cache == nil {
		return
	}
	_ = h.cache.Delete(ctx, creditsCachePrefix+userID.String())
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "yes":
		return true
	}
	return false
}
