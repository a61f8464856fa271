package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"image-creator-backend/internal/models"
)

// ChainBreak describes a log entry that does not follow from its predecessor.
type ChainBreak struct {
	LogID  int64  `json:"log_id"`
	Reason string `json:"reason"`
}

type ReconcileReport struct {
	UserID      uuid.UUID         `json:"user_id"`
	Balance     int               `json:"balance"`
	Expected    int               `json:"expected"`
	Drift       int               `json:"drift"`
	ChainBreaks []ChainBreak      `json:"chain_breaks,omitempty"`
	Corrected   bool              `json:"corrected"`
	SyncLog     *models.CreditLog `json:"-"`
}

// Replay computes the balance implied by the log: the initial grant plus every
// recharge, consume and refund delta. Sync entries are corrections and are
// not part of the derivation.
func Replay(grant int, logs []models.CreditLog) int {
	balance := grant
	for _, l := range logs {
		switch l.OperationType {
		case models.CreditOpRecharge, models.CreditOpConsume, models.CreditOpRefund:
			balance += l.ChangeAmount
		}
	}
	return balance
}

// VerifyChain checks each entry's arithmetic and its continuity with the previous entry.
func VerifyChain(logs []models.CreditLog) []ChainBreak {
	var breaks []ChainBreak
	for i, l := range logs {
		if l.OldValue+l.ChangeAmount != l.NewValue {
			breaks = append(breaks, ChainBreak{
				LogID:  l.ID,
				Reason: fmt.Sprintf("old %d + delta %d != new %d", l.OldValue, l.ChangeAmount, l.NewValue),
			})
		}
		if i > 0 && logs[i-1].NewValue != l.OldValue {
			breaks = append(breaks, ChainBreak{
				LogID:  l.ID,
				Reason: fmt.Sprintf("old %d does not continue previous new %d", l.OldValue, logs[i-1].NewValue),
			})
		}
	}
	return breaks
}

// Reconcile replays the log from the grant the user's row was created with and
// writes a sync entry when the stored balance drifted. The comparison and the
// correction run under the balance row lock.
func (l *Ledger) Reconcile(ctx context.Context, userID uuid.UUID) (*ReconcileReport, error) {
	var report *ReconcileReport
	balance, entry, err := l.store.ReconcileCredits(ctx, userID, l.defaultGrant,
		func(b models.CreditBalance, logs []models.CreditLog) (*models.CreditAdjustment, error) {
			expected := Replay(b.InitialGrant, logs)
			report = &ReconcileReport{
				UserID:      userID,
				Balance:     b.Credits,
				Expected:    expected,
				Drift:       expected - b.Credits,
				ChainBreaks: VerifyChain(logs),
			}
			if report.Drift == 0 {
				return nil, nil
			}
			if expected < 0 {
				return nil, fmt.Errorf("%w: replayed balance %d is negative", models.ErrInvalidInput, expected)
			}
			return &models.CreditAdjustment{
				UserID:       userID,
				Delta:        report.Drift,
				Operation:    models.CreditOpSync,
				Note:         fmt.Sprintf("reconcile: balance %d, log replay %d", b.Credits, expected),
				DefaultGrant: l.defaultGrant,
			}, nil
		})
	if report != nil && len(report.ChainBreaks) > 0 {
		l.logger.Warn("credit log chain broken",
			zap.String("user_id", userID.String()),
			zap.Int("breaks", len(report.ChainBreaks)),
		)
	}
	if err != nil {
		if report != nil && report.Drift != 0 {
			return report, err
		}
		return nil, fmt.Errorf("reconcile credits: %w", err)
	}
	if entry == nil {
		return report, nil
	}

	l.logger.Warn("credit drift corrected",
		zap.String("user_id", userID.String()),
		zap.Int("balance", report.Balance),
		zap.Int("expected", report.Expected),
	)
	report.Balance = balance.Credits
	report.Corrected = true
	report.SyncLog = entry
	return report, nil
}
