package supabase

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"image-creator-backend/internal/models"
)

func newTask(userID uuid.UUID) *models.Task {
	return &models.Task{
		ID:          "task-1",
		UserID:      userID,
		Prompt:      "a red fox",
		AspectRatio: "1:1",
		CreditCost:  1,
	}
}

func TestCreateTaskWithDeduction(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()

	mock.ExpectBegin()
	expectLockedBalance(mock, userID, 5)
	expectBalanceWrite(mock, userID, 4, 1)
	mock.ExpectQuery(`INSERT INTO image_tasks`).
		WithArgs("task-1", userID, "a red fox", "", "1:1", 1).
		WillReturnRows(sqlmock.NewRows(taskCols).AddRow(taskRow("task-1", userID, models.TaskStatusPending, 0)...))
	mock.ExpectCommit()

	task, balance, err := db.CreateTaskWithDeduction(context.Background(), newTask(userID), 5)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.True(t, task.CreditsDeducted)
	assert.Equal(t, 4, balance.Credits)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTaskWithDeduction_InsertFailureRollsBackConsume(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()

	mock.ExpectBegin()
	expectLockedBalance(mock, userID, 5)
	expectBalanceWrite(mock, userID, 4, 1)
	mock.ExpectQuery(`INSERT INTO image_tasks`).WillReturnError(errors.New("duplicate key value"))
	mock.ExpectRollback()

	task, balance, err := db.CreateTaskWithDeduction(context.Background(), newTask(userID), 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create task")
	assert.Nil(t, task)
	assert.Nil(t, balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateTaskWithDeduction_InsufficientWritesNothing(t *testing.T) {
	db, mock := newMockClient(t)
	userID := uuid.New()

	mock.ExpectBegin()
	expectLockedBalance(mock, userID, 0)
	mock.ExpectRollback()

	_, _, err := db.CreateTaskWithDeduction(context.Background(), newTask(userID), 5)
	assert.ErrorIs(t, err, models.ErrInsufficientCredits)
	assert.NoError(t, mock.ExpectationsWereMet())
}
