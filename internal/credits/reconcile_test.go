package credits_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"image-creator-backend/internal/credits"
	"image-creator-backend/internal/models"
)

func TestReplay_IgnoresSyncEntries(t *testing.T) {
	logs := []models.CreditLog{
		{ID: 1, OperationType: models.CreditOpConsume, OldValue: 5, ChangeAmount: -1, NewValue: 4},
		{ID: 2, OperationType: models.CreditOpSync, OldValue: 4, ChangeAmount: 3, NewValue: 7},
		{ID: 3, OperationType: models.CreditOpRecharge, OldValue: 7, ChangeAmount: 10, NewValue: 17},
	}
	assert.Equal(t, 14, credits.Replay(5, logs))
}

func TestVerifyChain(t *testing.T) {
	logs := []models.CreditLog{
		{ID: 1, OldValue: 5, ChangeAmount: -1, NewValue: 4},
		{ID: 2, OldValue: 4, ChangeAmount: 2, NewValue: 7},
		{ID: 3, OldValue: 9, ChangeAmount: 1, NewValue: 10},
	}

	breaks := credits.VerifyChain(logs)
	require.Len(t, breaks, 2)
	assert.Equal(t, int64(2), breaks[0].LogID)
	assert.Contains(t, breaks[0].Reason, "old 4 + delta 2 != new 7")
	assert.Equal(t, int64(3), breaks[1].LogID)
	assert.Contains(t, breaks[1].Reason, "does not continue")
}

func TestReconcile_NoDrift(t *testing.T) {
	ledger, store := newLedger(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := ledger.Adjust(ctx, userID, -2, models.CreditOpConsume, "", "")
	require.NoError(t, err)

	report, err := ledger.Reconcile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Drift)
	assert.False(t, report.Corrected)
	assert.Len(t, store.Logs(), 1)
}

func TestReconcile_CorrectsDriftWithSyncEntry(t *testing.T) {
	ledger, store := newLedger(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := ledger.GetBalance(ctx, userID)
	require.NoError(t, err)
	// Balance written outside the ledger: 9 with no log behind it.
	store.SetBalance(userID, 9)
	_, err = ledger.Adjust(ctx, userID, -1, models.CreditOpConsume, "", "")
	require.NoError(t, err)

	report, err := ledger.Reconcile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Expected)
	assert.Equal(t, -4, report.Drift)
	assert.True(t, report.Corrected)
	assert.Equal(t, 4, report.Balance)
	require.NotNil(t, report.SyncLog)
	assert.Equal(t, models.CreditOpSync, report.SyncLog.OperationType)
	assert.Equal(t, 4, store.Balance(userID))

	// A second pass finds nothing to fix.
	report, err = ledger.Reconcile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Drift)
	assert.False(t, report.Corrected)
}

func TestReconcile_ReplaysFromRecordedGrant(t *testing.T) {
	ledger, store := newLedger(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := ledger.Adjust(ctx, userID, -1, models.CreditOpConsume, "", "")
	require.NoError(t, err)

	// DEFAULT_CREDITS raised after the user's row was created.
	raised := credits.NewLedger(store, 10, zap.NewNop())
	report, err := raised.Reconcile(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Expected)
	assert.Equal(t, 0, report.Drift)
	assert.False(t, report.Corrected)
	assert.Equal(t, 4, store.Balance(userID))
	assert.Len(t, store.Logs(), 1)

	// New users still get the new grant.
	fresh, err := raised.GetBalance(ctx, uuid.New())
	require.NoError(t, err)
	assert.Equal(t, 10, fresh.Credits)
	assert.Equal(t, 10, fresh.InitialGrant)
}

func TestReconcile_NegativeReplayWritesNothing(t *testing.T) {
	ledger, store := newLedger(t)
	ctx := context.Background()
	userID := uuid.New()

	store.SetBalance(userID, 0)
	store.SetBalance(userID, 3)
	_, err := ledger.Adjust(ctx, userID, -2, models.CreditOpConsume, "", "")
	require.NoError(t, err)

	report, err := ledger.Reconcile(ctx, userID)
	assert.ErrorIs(t, err, models.ErrInvalidInput)
	require.NotNil(t, report)
	assert.Equal(t, -2, report.Expected)
	assert.False(t, report.Corrected)
	assert.Equal(t, 1, store.Balance(userID))
	assert.Len(t, store.Logs(), 1)
}
