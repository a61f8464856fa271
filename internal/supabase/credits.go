package supabase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"image-creator-backend/internal/models"
)

// EnsureCredits returns the user's balance, creating the row with grant credits on first access.
func (d *DatabaseClient) EnsureCredits(ctx context.Context, userID uuid.UUID, grant int) (*models.CreditBalance, error) {
	if err := ensureCreditsRow(ctx, d.db, userID, grant); err != nil {
		return nil, err
	}

	var balance models.CreditBalance
	err := d.db.QueryRowContext(ctx, `
		SELECT user_id, credits, initial_grant, last_order_no, created_at, updated_at
		FROM user_credits
		WHERE user_id = $1
	`, userID).Scan(&balance.UserID, &balance.Credits, &balance.InitialGrant,
		&balance.LastOrderNo, &balance.CreatedAt, &balance.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get credits: %w", err)
	}

	return &balance, nil
}

// AdjustCredits applies one balance change and its log entry atomically.
func (d *DatabaseClient) AdjustCredits(ctx context.Context, adj models.CreditAdjustment) (*models.CreditBalance, *models.CreditLog, error) {
	var (
		balance *models.CreditBalance
		entry   *models.CreditLog
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, entry, err = applyAdjustment(ctx, tx, adj)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return balance, entry, nil
}

func (d *DatabaseClient) ListCreditLogs(ctx context.Context, userID uuid.UUID) ([]models.CreditLog, error) {
	return listCreditLogs(ctx, d.db, userID)
}

// ReconcileCredits holds the balance row lock while decide compares the
// snapshot with the log, and applies its correction in the same transaction.
func (d *DatabaseClient) ReconcileCredits(ctx context.Context, userID uuid.UUID, grant int, decide models.ReconcileFunc) (*models.CreditBalance, *models.CreditLog, error) {
	var (
		balance *models.CreditBalance
		entry   *models.CreditLog
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		locked, err := lockCredits(ctx, tx, userID, grant)
		if err != nil {
			return err
		}
		logs, err := listCreditLogs(ctx, tx, userID)
		if err != nil {
			return err
		}

		adj, err := decide(*locked, logs)
		if err != nil {
			return err
		}
		if adj == nil {
			balance = locked
			return nil
		}
		balance, entry, err = applyAdjustment(ctx, tx, *adj)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return balance, entry, nil
}

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ensureCreditsRow creates the balance row with the grant recorded as its initial_grant.
func ensureCreditsRow(ctx context.Context, q execQueryer, userID uuid.UUID, grant int) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO user_credits (user_id, credits, initial_grant)
		VALUES ($1, $2, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, grant); err != nil {
		return fmt.Errorf("failed to create credits: %w", err)
	}
	return nil
}

func lockCredits(ctx context.Context, tx *sql.Tx, userID uuid.UUID, grant int) (*models.CreditBalance, error) {
	if err := ensureCreditsRow(ctx, tx, userID, grant); err != nil {
		return nil, err
	}

	balance := models.CreditBalance{UserID: userID}
	err := tx.QueryRowContext(ctx, `
		SELECT credits, initial_grant, last_order_no, created_at, updated_at
		FROM user_credits
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&balance.Credits, &balance.InitialGrant, &balance.LastOrderNo, &balance.CreatedAt, &balance.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to lock credits: %w", err)
	}
	return &balance, nil
}

func listCreditLogs(ctx context.Context, q execQueryer, userID uuid.UUID) ([]models.CreditLog, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, user_id, order_no, operation_type, old_value, change_amount, new_value, note, created_at
		FROM credit_logs
		WHERE user_id = $1
		ORDER BY id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit logs: %w", err)
	}
	defer rows.Close()

	var logs []models.CreditLog
	for rows.Next() {
		var l models.CreditLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.OrderNo, &l.OperationType,
			&l.OldValue, &l.ChangeAmount, &l.NewValue, &l.Note, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit log: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list credit logs: %w", err)
	}

	return logs, nil
}

// RefundTask flips credits_refunded and credits the owner in one transaction.
// It returns a nil log when the task is not eligible.
func (d *DatabaseClient) RefundTask(ctx context.Context, taskID string, grant int) (*models.CreditLog, error) {
	var entry *models.CreditLog
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var (
			userID uuid.UUID
			cost   int
		)
		err := tx.QueryRowContext(ctx, `
			UPDATE image_tasks
			SET credits_refunded = TRUE, lock_version = lock_version + 1, updated_at = NOW()
			WHERE id = $1
			  AND credits_deducted
			  AND NOT credits_refunded
			  AND status IN ('failed', 'cancelled')
			RETURNING user_id, credit_cost
		`, taskID).Scan(&userID, &cost)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to flag task refund: %w", err)
		}

		_, entry, err = applyAdjustment(ctx, tx, models.CreditAdjustment{
			UserID:       userID,
			Delta:        cost,
			Operation:    models.CreditOpRefund,
			Note:         "refund for task " + taskID,
			DefaultGrant: grant,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// applyAdjustment locks the balance row, enforces non-negativity and the recharge
// idempotency key, then writes the new balance and its log entry.
func applyAdjustment(ctx context.Context, tx *sql.Tx, adj models.CreditAdjustment) (*models.CreditBalance, *models.CreditLog, error) {
	balance, err := lockCredits(ctx, tx, adj.UserID, adj.DefaultGrant)
	if err != nil {
		return nil, nil, err
	}

	if adj.Operation == models.CreditOpRecharge && adj.OrderNo != "" {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM credit_logs
				WHERE order_no = $1 AND operation_type = 'recharge'
			)
		`, adj.OrderNo).Scan(&exists); err != nil {
			return nil, nil, fmt.Errorf("failed to check recharge log: %w", err)
		}
		if exists {
			return nil, nil, models.ErrDuplicateOrder
		}
	}

	oldValue := balance.Credits
	newValue := oldValue + adj.Delta
	if newValue < 0 {
		return nil, nil, models.ErrInsufficientCredits
	}

	orderNo := nullString(adj.OrderNo)
	if err := tx.QueryRowContext(ctx, `
		UPDATE user_credits
		SET credits = $2, last_order_no = COALESCE($3, last_order_no), updated_at = NOW()
		WHERE user_id = $1
		RETURNING last_order_no, updated_at
	`, adj.UserID, newValue, orderNo).Scan(&balance.LastOrderNo, &balance.UpdatedAt); err != nil {
		return nil, nil, fmt.Errorf("failed to update credits: %w", err)
	}
	balance.Credits = newValue

	entry := models.CreditLog{
		UserID:        adj.UserID,
		OrderNo:       orderNo,
		OperationType: adj.Operation,
		OldValue:      oldValue,
		ChangeAmount:  adj.Delta,
		NewValue:      newValue,
		Note:          adj.Note,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO credit_logs (user_id, order_no, operation_type, old_value, change_amount, new_value, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, entry.UserID, entry.OrderNo, entry.OperationType, entry.OldValue,
		entry.ChangeAmount, entry.NewValue, entry.Note).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, nil, models.ErrDuplicateOrder
		}
		return nil, nil, fmt.Errorf("failed to insert credit log: %w", err)
	}

	return balance, &entry, nil
}
