package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"image-creator-backend/internal/metrics"
	"image-creator-backend/internal/models"
)

var (
	// AmountEpsilon is the largest paid-versus-expected difference still accepted.
	AmountEpsilon = decimal.RequireFromString("0.01")

	ErrNotPaid = errors.New("order not paid upstream")
)

const (
	OutcomeCredited         = "credited"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeIgnored          = "ignored"
	OutcomeAmountMismatch   = "amount_mismatch"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeNotFound         = "not_found"
	OutcomeError            = "error"

	defaultRequeryAfter = 2 * time.Minute
	maxSyncDays         = 30
)

type Store interface {
	GetPayment(ctx context.Context, orderNo string) (*models.Payment, error)
	HasRechargeLog(ctx context.Context, orderNo string) (bool, error)
	ConfirmPayment(ctx context.Context, c models.PaymentConfirmation) (*models.ConfirmResult, error)
	MarkPaymentFailed(ctx context.Context, orderNo string, callback json.RawMessage) (bool, error)
	InsertPaymentLog(ctx context.Context, orderNo, event string, payload json.RawMessage) error
	ListPaymentsSince(ctx context.Context, since time.Time) ([]models.Payment, error)
}

type WebhookResult struct {
	OrderNo string
	Outcome string
	Credits int
}

type FixResult struct {
	Payment          *models.Payment
	CreditsGranted   int
	AlreadyProcessed bool
}

type SyncReport struct {
	Days      int      `json:"days"`
	Scanned   int      `json:"scanned"`
	Granted   int      `json:"granted"`
	AlreadyOK int      `json:"already_ok"`
	Pending   int      `json:"pending"`
	Failed    int      `json:"failed"`
	Errors    int      `json:"errors"`
	Details   []string `json:"details,omitempty"`
}

type CheckResult struct {
	Payment      *models.Payment
	Credited     bool
	UpstreamPaid *bool
}

// Reconciler funnels every payment confirmation path into one idempotent
// store operation keyed by order number.
type Reconciler struct {
	store        Store
	gateway      Gateway
	defaultGrant int
	requeryAfter time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

func NewReconciler(store Store, gateway Gateway, defaultGrant int, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:        store,
		gateway:      gateway,
		defaultGrant: defaultGrant,
		requeryAfter: defaultRequeryAfter,
		now:          time.Now,
		logger:       logger.Named("payment"),
	}
}

// HandleWebhook validates a gateway callback and credits the order at most once.
func (r *Reconciler) HandleWebhook(ctx context.Context, params map[string]string) (*WebhookResult, error) {
	payload, _ := json.Marshal(params)

	if err := r.gateway.Verify(params); err != nil {
		metrics.RecordWebhookOutcome("webhook", OutcomeInvalidSignature)
		r.logger.Warn("rejected webhook signature", zap.String("order_no", params["out_trade_no"]))
		if orderNo := params["out_trade_no"]; orderNo != "" {
			r.audit(ctx, orderNo, "webhook_invalid_signature", payload)
		}
		return nil, models.ErrInvalidSignature
	}

	n, err := ParseNotification(params)
	if err != nil {
		metrics.RecordWebhookOutcome("webhook", OutcomeError)
		return nil, err
	}
	r.audit(ctx, n.OrderNo, "webhook", payload)

	result := &WebhookResult{OrderNo: n.OrderNo}
	if !n.Paid() {
		r.logger.Info("ignoring unpaid webhook", zap.String("order_no", n.OrderNo), zap.String("trade_status", n.TradeStatus))
		result.Outcome = OutcomeIgnored
		metrics.RecordWebhookOutcome("webhook", result.Outcome)
		return result, nil
	}

	p, err := r.store.GetPayment(ctx, n.OrderNo)
	if err != nil {
		metrics.RecordWebhookOutcome("webhook", outcomeFor(err))
		return nil, err
	}

	if p.Status == models.PaymentStatusPending && !amountMatches(n.Amount, p.Amount) {
		if _, err := r.store.MarkPaymentFailed(ctx, p.OrderNo, payload); err != nil {
			r.logger.Error("failed to mark payment failed", zap.String("order_no", p.OrderNo), zap.Error(err))
		}
		r.audit(ctx, p.OrderNo, "amount_mismatch", payload)
		metrics.RecordWebhookOutcome("webhook", OutcomeAmountMismatch)
		r.logger.Warn("webhook amount mismatch",
			zap.String("order_no", p.OrderNo),
			zap.String("expected", p.Amount.StringFixed(2)),
			zap.String("paid", n.Amount.StringFixed(2)),
		)
		return nil, models.ErrAmountMismatch
	}

	confirmed, err := r.store.ConfirmPayment(ctx, models.PaymentConfirmation{
		OrderNo:      p.OrderNo,
		TradeNo:      n.TradeNo,
		CallbackData: payload,
		DefaultGrant: r.defaultGrant,
		Note:         "payment webhook " + p.OrderNo,
	})
	if err != nil {
		metrics.RecordWebhookOutcome("webhook", outcomeFor(err))
		if !errors.Is(err, models.ErrPaymentFailed) {
			r.logger.Error("failed to confirm payment", zap.String("order_no", p.OrderNo), zap.Error(err))
		}
		return nil, err
	}

	result.Outcome, result.Credits = confirmOutcome(confirmed)
	metrics.RecordWebhookOutcome("webhook", result.Outcome)
	r.logger.Info("webhook processed",
		zap.String("order_no", p.OrderNo),
		zap.String("outcome", result.Outcome),
		zap.Int("credits", result.Credits),
	)
	return result, nil
}

// ManualFix confirms one order for an administrator. A pending order must be
// paid upstream unless force is set.
func (r *Reconciler) ManualFix(ctx context.Context, orderNo string, force bool) (*FixResult, error) {
	p, err := r.store.GetPayment(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if p.Status == models.PaymentStatusFailed {
		return nil, models.ErrPaymentFailed
	}

	tradeNo := ""
	if p.Status == models.PaymentStatusPending && !force {
		upstream, err := r.gateway.QueryOrder(ctx, orderNo)
		if err != nil {
			return nil, err
		}
		if !upstream.Paid {
			return nil, ErrNotPaid
		}
		if !upstream.Amount.IsZero() && !amountMatches(upstream.Amount, p.Amount) {
			return nil, models.ErrAmountMismatch
		}
		tradeNo = upstream.TradeNo
	}

	confirmed, err := r.store.ConfirmPayment(ctx, models.PaymentConfirmation{
		OrderNo:      orderNo,
		TradeNo:      tradeNo,
		DefaultGrant: r.defaultGrant,
		Note:         "manual fix " + orderNo,
	})
	if err != nil {
		metrics.RecordWebhookOutcome("fix", outcomeFor(err))
		return nil, err
	}

	outcome, granted := confirmOutcome(confirmed)
	metrics.RecordWebhookOutcome("fix", outcome)
	payload, _ := json.Marshal(map[string]any{"force": force, "outcome": outcome, "credits": granted})
	r.audit(ctx, orderNo, "manual_fix", payload)

	r.logger.Info("order fixed", zap.String("order_no", orderNo), zap.String("outcome", outcome), zap.Bool("force", force))
	return &FixResult{
		Payment:          confirmed.Payment,
		CreditsGranted:   granted,
		AlreadyProcessed: confirmed.AlreadyProcessed,
	}, nil
}

// ManualSync walks the last days of orders and grants any that were paid but never credited.
func (r *Reconciler) ManualSync(ctx context.Context, days int) (*SyncReport, error) {
	if days <= 0 {
		days = 1
	}
	if days > maxSyncDays {
		days = maxSyncDays
	}

	payments, err := r.store.ListPaymentsSince(ctx, r.now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		return nil, err
	}

	report := &SyncReport{Days: days, Scanned: len(payments)}
	for _, p := range payments {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		switch p.Status {
		case models.PaymentStatusFailed:
			report.Failed++
			continue
		case models.PaymentStatusSuccess:
			credited, err := r.store.HasRechargeLog(ctx, p.OrderNo)
			if err != nil {
				report.addError(p.OrderNo, err)
				continue
			}
			if credited {
				report.AlreadyOK++
				continue
			}
		case models.PaymentStatusPending:
			upstream, err := r.gateway.QueryOrder(ctx, p.OrderNo)
			if err != nil {
				report.addError(p.OrderNo, err)
				continue
			}
			if !upstream.Paid {
				report.Pending++
				continue
			}
			if !upstream.Amount.IsZero() && !amountMatches(upstream.Amount, p.Amount) {
				report.addError(p.OrderNo, models.ErrAmountMismatch)
				continue
			}
		}

		confirmed, err := r.store.ConfirmPayment(ctx, models.PaymentConfirmation{
			OrderNo:      p.OrderNo,
			DefaultGrant: r.defaultGrant,
			Note:         "payment sync " + p.OrderNo,
		})
		if err != nil {
			report.addError(p.OrderNo, err)
			continue
		}
		if confirmed.AlreadyProcessed {
			report.AlreadyOK++
		} else {
			report.Granted++
		}
	}

	metrics.RecordWebhookOutcome("sync", "completed")
	r.logger.Info("payment sync finished",
		zap.Int("days", days),
		zap.Int("scanned", report.Scanned),
		zap.Int("granted", report.Granted),
		zap.Int("errors", report.Errors),
	)
	return report, nil
}

// Check reads an order's state. It may ask the gateway about an old pending
// order but never grants credit.
func (r *Reconciler) Check(ctx context.Context, orderNo string, userID *uuid.UUID) (*CheckResult, error) {
	p, err := r.store.GetPayment(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if userID != nil && p.UserID != *userID {
		return nil, models.ErrForbidden
	}

	credited, err := r.store.HasRechargeLog(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	result := &CheckResult{Payment: p, Credited: credited}

	if p.Status == models.PaymentStatusPending && r.now().Sub(p.CreatedAt) >= r.requeryAfter {
		upstream, err := r.gateway.QueryOrder(ctx, orderNo)
		if err != nil {
			r.logger.Debug("upstream requery failed", zap.String("order_no", orderNo), zap.Error(err))
		} else {
			paid := upstream.Paid
			result.UpstreamPaid = &paid
		}
	}
	return result, nil
}

func (r *Reconciler) audit(ctx context.Context, orderNo, event string, payload json.RawMessage) {
	if err := r.store.InsertPaymentLog(ctx, orderNo, event, payload); err != nil {
		r.logger.Warn("failed to write payment log", zap.String("order_no", orderNo), zap.String("event", event), zap.Error(err))
	}
}

func (s *SyncReport) addError(orderNo string, err error) {
	s.Errors++
	s.Details = append(s.Details, fmt.Sprintf("%s: %v", orderNo, err))
}

func amountMatches(paid, expected decimal.Decimal) bool {
	return paid.Sub(expected).Abs().LessThanOrEqual(AmountEpsilon)
}

func confirmOutcome(c *models.ConfirmResult) (string, int) {
	if c.Log == nil {
		return OutcomeAlreadyProcessed, 0
	}
	return OutcomeCredited, c.Log.ChangeAmount
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return OutcomeNotFound
	case errors.Is(err, models.ErrAmountMismatch):
		return OutcomeAmountMismatch
	default:
		return OutcomeError
	}
}
