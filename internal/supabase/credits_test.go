package supabase

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-creator-backend/internal/models"
)

func newMockClient(t *testing.T) (*DatabaseClient, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewDatabaseClient(db), mock
}

func expectLockedBalance(mock sqlmock.Sqlmock, userID uuid.UUID, credits int) {
	mock.ExpectExec(`INSERT INTO user_credits`).
		WithArgs(userID, 5).
		WillReturnResult(sqlmock.NewResult(0, 0))
	now := time.Now()
	mock.ExpectQuery(`FROM user_credits\s+WHERE user_id = \$1\s+FOR UPDATE`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"credits", "initial_grant", "last_order_no", "created_at", "updated_at"}).
			AddRow(credits, 5, nil, now, now))
}

// expectBalanceWrite expects the balance update and log insert of one adjustment.
func expectBalanceWrite(mock sqlmock.Sqlmock, userID uuid.UUID, newValue int, logID int64) {
	now := time.Now()
	mock.ExpectQuery(`UPDATE user_credits`).
		WithArgs(userID, newValue, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"last_order_no", "updated_at"}).AddRow(nil, now))
	mock.ExpectQuery(`INSERT INTO credit_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(logID, now))
}

var creditLogCols = []string{
	"id", "user_id", "order_no", "operation_type", "old_value", "change_amount", "new_value", "note", "created_at",
}

func TestAdjustCredits_Recharge(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	expectLockedBalance(mock, userID, 5)
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("ORD123").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`UPDATE user_credits`).
		WithArgs(userID, 105, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"last_order_no", "updated_at"}).AddRow("ORD123", now))
	mock.ExpectQuery(`INSERT INTO credit_logs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(7, now))
	mock.ExpectCommit()

	balance, entry, err := db.AdjustCredits(context.Background(), models.CreditAdjustment{
		UserID:       userID,
		Delta:        100,
		Operation:    models.CreditOpRecharge,
		OrderNo:      "ORD123",
		DefaultGrant: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, 105, balance.Credits)
	assert.Equal(t, "ORD123", balance.LastOrderNo.String)
	assert.Equal(t, int64(7), entry.ID)
	assert.Equal(t, 5, entry.OldValue)
	assert.Equal(t, 105, entry.NewValue)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustCredits_DuplicateRechargeRollsBack(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()

	mock.ExpectBegin()
	expectLockedBalance(mock, userID, 105)
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, _, err := db.AdjustCredits(context.Background(), models.CreditAdjustment{
		UserID:       userID,
		Delta:        100,
		Operation:    models.CreditOpRecharge,
		OrderNo:      "ORD123",
		DefaultGrant: 5,
	})
	assert.ErrorIs(t, err, models.ErrDuplicateOrder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdjustCredits_InsufficientRollsBack(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()

	mock.ExpectBegin()
	expectLockedBalance(mock, userID, 0)
	mock.ExpectRollback()

	_, _, err := db.AdjustCredits(context.Background(), models.CreditAdjustment{
		UserID:       userID,
		Delta:        -1,
		Operation:    models.CreditOpConsume,
		DefaultGrant: 5,
	})
	assert.ErrorIs(t, err, models.ErrInsufficientCredits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundTask_NotEligible(t *testing.T) {
	db, mock := newMockClient(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE image_tasks\s+SET credits_refunded = TRUE`).
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "credit_cost"}))
	mock.ExpectCommit()

	entry, err := db.RefundTask(context.Background(), "task-1", 5)
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundTask_FlagsAndCreditsTogether(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE image_tasks\s+SET credits_refunded = TRUE`).
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "credit_cost"}).AddRow(userID.String(), 1))
	expectLockedBalance(mock, userID, 4)
	expectBalanceWrite(mock, userID, 5, 12)
	mock.ExpectCommit()

	entry, err := db.RefundTask(context.Background(), "task-1", 5)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, models.CreditOpRefund, entry.OperationType)
	assert.Equal(t, 1, entry.ChangeAmount)
	assert.Equal(t, 5, entry.NewValue)
	assert.Equal(t, "refund for task task-1", entry.Note)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRefundTask_LogFailureRollsBackFlag(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE image_tasks\s+SET credits_refunded = TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "credit_cost"}).AddRow(userID.String(), 1))
	expectLockedBalance(mock, userID, 4)
	mock.ExpectQuery(`UPDATE user_credits`).
		WillReturnRows(sqlmock.NewRows([]string{"last_order_no", "updated_at"}).AddRow(nil, time.Now()))
	mock.ExpectQuery(`INSERT INTO credit_logs`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	entry, err := db.RefundTask(context.Background(), "task-1", 5)
	require.Error(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileCredits_AppliesCorrectionUnderLock(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	expectLockedBalance(mock, userID, 9)
	mock.ExpectQuery(`FROM credit_logs\s+WHERE user_id = \$1`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(creditLogCols).
			AddRow(1, userID.String(), nil, "consume", 5, -1, 4, "", now))
	expectLockedBalance(mock, userID, 9)
	expectBalanceWrite(mock, userID, 4, 2)
	mock.ExpectCommit()

	var seen []models.CreditLog
	balance, entry, err := db.ReconcileCredits(context.Background(), userID, 5,
		func(b models.CreditBalance, logs []models.CreditLog) (*models.CreditAdjustment, error) {
			seen = logs
			assert.Equal(t, 9, b.Credits)
			assert.Equal(t, 5, b.InitialGrant)
			return &models.CreditAdjustment{UserID: userID, Delta: -5, Operation: models.CreditOpSync, DefaultGrant: 5}, nil
		})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, models.CreditOpConsume, seen[0].OperationType)
	assert.Equal(t, 4, balance.Credits)
	require.NotNil(t, entry)
	assert.Equal(t, models.CreditOpSync, entry.OperationType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileCredits_NoCorrection(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()

	mock.ExpectBegin()
	expectLockedBalance(mock, userID, 5)
	mock.ExpectQuery(`FROM credit_logs`).WillReturnRows(sqlmock.NewRows(creditLogCols))
	mock.ExpectCommit()

	balance, entry, err := db.ReconcileCredits(context.Background(), userID, 5,
		func(models.CreditBalance, []models.CreditLog) (*models.CreditAdjustment, error) { return nil, nil })
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, 5, balance.Credits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureCredits(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()
	now := time.Now()

	mock.ExpectExec(`INSERT INTO user_credits`).
		WithArgs(userID, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT user_id, credits, initial_grant, last_order_no, created_at, updated_at`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "credits", "initial_grant", "last_order_no", "created_at", "updated_at"}).
			AddRow(userID.String(), 5, 5, nil, now, now))

	balance, err := db.EnsureCredits(context.Background(), userID, 5)
	require.NoError(t, err)
	assert.Equal(t, userID, balance.UserID)
	assert.Equal(t, 5, balance.Credits)
	assert.Equal(t, 5, balance.InitialGrant)
	assert.False(t, balance.LastOrderNo.Valid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var taskCols = []string{
	"id", "user_id", "prompt", "style", "aspect_ratio", "status", "result_url", "error_message",
	"progress", "stage", "credits_deducted", "credits_refunded", "credit_cost", "lock_version",
	"created_at", "updated_at", "completed_at",
}

func taskRow(id string, userID uuid.UUID, status models.TaskStatus, version int) []driver.Value {
	now := time.Now()
	return []driver.Value{
		id, userID.String(), "a red fox", "", "1:1", string(status), nil, nil,
		0, nil, true, false, 1, version,
		now, now, nil,
	}
}

func TestTransitionTask(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()

	mock.ExpectQuery(`UPDATE image_tasks\s+SET status = \$2`).
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(taskRow("task-1", userID, models.TaskStatusProcessing, 1)...))

	task, err := db.TransitionTask(context.Background(), "task-1",
		models.AllowedFrom(models.TaskStatusProcessing), models.TaskStatusProcessing, models.TaskUpdate{Stage: "processing"})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, task.Status)
	assert.Equal(t, userID, task.UserID)
	assert.Equal(t, 1, task.LockVersion)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionTask_FromTerminalIsRejected(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()

	mock.ExpectQuery(`UPDATE image_tasks\s+SET status = \$2`).
		WillReturnRows(sqlmock.NewRows(taskCols))
	mock.ExpectQuery(`FROM image_tasks\s+WHERE id = \$1`).
		WithArgs("task-1").
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(taskRow("task-1", userID, models.TaskStatusCompleted, 3)...))

	_, err := db.TransitionTask(context.Background(), "task-1",
		models.AllowedFrom(models.TaskStatusFailed), models.TaskStatusFailed, models.TaskUpdate{ErrorMessage: "late"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionTask_Missing(t *testing.T) {
	db, mock := newMockClient(t)

	mock.ExpectQuery(`UPDATE image_tasks`).WillReturnRows(sqlmock.NewRows(taskCols))
	mock.ExpectQuery(`FROM image_tasks\s+WHERE id = \$1`).WillReturnRows(sqlmock.NewRows(taskCols))

	_, err := db.TransitionTask(context.Background(), "nope", models.AllowedFrom(models.TaskStatusCancelled), models.TaskStatusCancelled, models.TaskUpdate{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUpdateTaskProgress_VersionConflict(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()

	mock.ExpectQuery(`WHERE id = \$1 AND lock_version = \$2`).
		WithArgs("task-1", 2, 50, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(taskCols))
	mock.ExpectQuery(`FROM image_tasks\s+WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(taskRow("task-1", userID, models.TaskStatusProcessing, 3)...))

	_, err := db.UpdateTaskProgress(context.Background(), "task-1", 2, 50, "rendering")
	assert.ErrorIs(t, err, models.ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}
