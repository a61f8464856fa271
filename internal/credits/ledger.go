package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"image-creator-backend/internal/metrics"
	"image-creator-backend/internal/models"
)

// Store persists balances and the append-only credit log. AdjustCredits and
// RefundTask must apply the balance change and the log entry atomically.
type Store interface {
	EnsureCredits(ctx context.Context, userID uuid.UUID, grant int) (*models.CreditBalance, error)
	AdjustCredits(ctx context.Context, adj models.CreditAdjustment) (*models.CreditBalance, *models.CreditLog, error)
	ListCreditLogs(ctx context.Context, userID uuid.UUID) ([]models.CreditLog, error)
	RefundTask(ctx context.Context, taskID string, grant int) (*models.CreditLog, error)
	ReconcileCredits(ctx context.Context, userID uuid.UUID, grant int, decide models.ReconcileFunc) (*models.CreditBalance, *models.CreditLog, error)
}

type Ledger struct {
	store        Store
	defaultGrant int
	logger       *zap.Logger
}

func NewLedger(store Store, defaultGrant int, logger *zap.Logger) *Ledger {
	return &Ledger{
		store:        store,
		defaultGrant: defaultGrant,
		logger:       logger.Named("credits"),
	}
}

func (l *Ledger) DefaultGrant() int {
	return l.defaultGrant
}

// GetBalance returns the user's balance, creating it with the default grant on first access.
func (l *Ledger) GetBalance(ctx context.Context, userID uuid.UUID) (*models.CreditBalance, error) {
	balance, err := l.store.EnsureCredits(ctx, userID, l.defaultGrant)
	if err != nil {
		l.logger.Error("failed to load balance", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, err
	}
	return balance, nil
}

// Adjust applies delta to the user's balance and appends a log entry.
// A negative result is rejected with ErrInsufficientCredits and nothing is written.
func (l *Ledger) Adjust(ctx context.Context, userID uuid.UUID, delta int, op models.CreditOperation, orderNo, note string) (*models.CreditBalance, error) {
	if err := validateAdjustment(delta, op, orderNo); err != nil {
		return nil, err
	}

	balance, entry, err := l.store.AdjustCredits(ctx, models.CreditAdjustment{
		UserID:       userID,
		Delta:        delta,
		Operation:    op,
		OrderNo:      orderNo,
		Note:         note,
		DefaultGrant: l.defaultGrant,
	})
	if err != nil {
		metrics.RecordCreditAdjustment(string(op), resultLabel(err))
		if !errors.Is(err, models.ErrInsufficientCredits) && !errors.Is(err, models.ErrDuplicateOrder) {
			l.logger.Error("credit adjustment failed",
				zap.String("user_id", userID.String()),
				zap.String("operation", string(op)),
				zap.Int("delta", delta),
				zap.Error(err),
			)
		}
		return nil, err
	}

	metrics.RecordCreditAdjustment(string(op), "ok")
	l.logger.Info("credits adjusted",
		zap.String("user_id", userID.String()),
		zap.String("operation", string(op)),
		zap.Int("old", entry.OldValue),
		zap.Int("delta", entry.ChangeAmount),
		zap.Int("new", entry.NewValue),
		zap.String("order_no", orderNo),
	)
	return balance, nil
}

// RefundIfNeeded returns the task's cost to its owner once. It returns a nil
// log when the task was never charged, is already refunded, or is not a
// refundable terminal state.
func (l *Ledger) RefundIfNeeded(ctx context.Context, task *models.Task) (*models.CreditLog, error) {
	if task == nil || !task.CreditsDeducted || task.CreditsRefunded || !task.Status.Refundable() {
		return nil, nil
	}

	entry, err := l.store.RefundTask(ctx, task.ID, l.defaultGrant)
	if err != nil {
		metrics.RecordCreditAdjustment(string(models.CreditOpRefund), "error")
		l.logger.Error("task refund failed", zap.String("task_id", task.ID), zap.Error(err))
		return nil, fmt.Errorf("refund task %s: %w", task.ID, err)
	}
	if entry == nil {
		return nil, nil
	}

	metrics.RecordCreditAdjustment(string(models.CreditOpRefund), "ok")
	l.logger.Info("task refunded",
		zap.String("task_id", task.ID),
		zap.String("user_id", task.UserID.String()),
		zap.Int("amount", entry.ChangeAmount),
		zap.Int("new", entry.NewValue),
	)
	return entry, nil
}

// History returns the user's credit log, newest first.
func (l *Ledger) History(ctx context.Context, userID uuid.UUID) ([]models.CreditLog, error) {
	logs, err := l.store.ListCreditLogs(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs, nil
}

func validateAdjustment(delta int, op models.CreditOperation, orderNo string) error {
	if !op.IsValid() {
		return fmt.Errorf("%w: unknown credit operation %q", models.ErrInvalidInput, op)
	}
	if delta == 0 {
		return fmt.Errorf("%w: credit delta must not be zero", models.ErrInvalidInput)
	}
	switch op {
	case models.CreditOpConsume:
		if delta > 0 {
			return fmt.Errorf("%w: consume requires a negative delta", models.ErrInvalidInput)
		}
	case models.CreditOpRecharge, models.CreditOpRefund:
		if delta < 0 {
			return fmt.Errorf("%w: %s requires a positive delta", models.ErrInvalidInput, op)
		}
	}
	if op == models.CreditOpRecharge && orderNo == "" {
		return fmt.Errorf("%w: recharge requires an order number", models.ErrInvalidInput)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrInsufficientCredits):
		return "insufficient"
	case errors.Is(err, models.ErrDuplicateOrder):
		return "duplicate"
	default:
		return "error"
	}
}
