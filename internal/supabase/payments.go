package supabase

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"image-creator-backend/internal/models"
)

const paymentColumns = `order_no, user_id, amount, credits, status, trade_no, paid_at, callback_data, created_at, updated_at`

func scanPayment(row rowScanner) (*models.Payment, error) {
	var (
		p        models.Payment
		callback []byte
	)
	if err := row.Scan(&p.OrderNo, &p.UserID, &p.Amount, &p.Credits, &p.Status,
		&p.TradeNo, &p.PaidAt, &callback, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(callback) > 0 {
		p.CallbackData = json.RawMessage(callback)
	}
	return &p, nil
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func (d *DatabaseClient) GetPayment(ctx context.Context, orderNo string) (*models.Payment, error) {
	p, err := scanPayment(d.db.QueryRowContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_no = $1
	`, orderNo))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (d *DatabaseClient) HasRechargeLog(ctx context.Context, orderNo string) (bool, error) {
	var exists bool
	err := d.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credit_logs
			WHERE order_no = $1 AND operation_type = 'recharge'
		)
	`, orderNo).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recharge log: %w", err)
	}
	return exists, nil
}

// ConfirmPayment marks the order successful and grants its credits once.
// A success order whose recharge log is missing gets the grant repaired.
func (d *DatabaseClient) ConfirmPayment(ctx context.Context, c models.PaymentConfirmation) (*models.ConfirmResult, error) {
	result := &models.ConfirmResult{}
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		p, err := scanPayment(tx.QueryRowContext(ctx, `
			SELECT `+paymentColumns+`
			FROM payments
			WHERE order_no = $1
			FOR UPDATE
		`, c.OrderNo))
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock payment: %w", err)
		}

		switch p.Status {
		case models.PaymentStatusFailed:
			return models.ErrPaymentFailed
		case models.PaymentStatusPending:
			p, err = scanPayment(tx.QueryRowContext(ctx, `
				UPDATE payments
				SET status = 'success',
					trade_no = COALESCE($2, trade_no),
					paid_at = NOW(),
					callback_data = COALESCE($3, callback_data),
					updated_at = NOW()
				WHERE order_no = $1
				RETURNING `+paymentColumns,
				c.OrderNo, nullString(c.TradeNo), nullJSON(c.CallbackData)))
			if err != nil {
				return fmt.Errorf("failed to confirm payment: %w", err)
			}
		}
		result.Payment = p

		note := c.Note
		if note == "" {
			note = "payment " + c.OrderNo
		}
		_, entry, err := applyAdjustment(ctx, tx, models.CreditAdjustment{
			UserID:       p.UserID,
			Delta:        p.Credits,
			Operation:    models.CreditOpRecharge,
			OrderNo:      p.OrderNo,
			Note:         note,
			DefaultGrant: c.DefaultGrant,
		})
		if errors.Is(err, models.ErrDuplicateOrder) {
			result.AlreadyProcessed = true
			return nil
		}
		if err != nil {
			return err
		}
		result.Log = entry
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkPaymentFailed flips a pending order to failed. It reports whether a row changed.
func (d *DatabaseClient) MarkPaymentFailed(ctx context.Context, orderNo string, callback json.RawMessage) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE payments
		SET status = 'failed', callback_data = COALESCE($2, callback_data), updated_at = NOW()
		WHERE order_no = $1 AND status = 'pending'
	`, orderNo, nullJSON(callback))
	if err != nil {
		return false, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	return n > 0, nil
}

func (d *DatabaseClient) InsertPaymentLog(ctx context.Context, orderNo, event string, payload json.RawMessage) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO payment_logs (order_no, event, payload)
		VALUES ($1, $2, $3)
	`, orderNo, event, nullJSON(payload))
	if err != nil {
		return fmt.Errorf("failed to insert payment log: %w", err)
	}
	return nil
}

func (d *DatabaseClient) ListPaymentsSince(ctx context.Context, since time.Time) ([]models.Payment, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE created_at >= $1
		ORDER BY created_at ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	return payments, nil
}
