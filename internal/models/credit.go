package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type CreditOperation string

const (
	CreditOpRecharge CreditOperation = "recharge"
	CreditOpConsume  CreditOperation = "consume"
	CreditOpRefund   CreditOperation = "refund"
	CreditOpSync     CreditOperation = "sync"
)

func (o CreditOperation) IsValid() bool {
	switch o {
	case CreditOpRecharge, CreditOpConsume, CreditOpRefund, CreditOpSync:
		return true
	}
	return false
}

// CreditBalance is the user's current snapshot. InitialGrant is the amount the
// row was created with and is the starting point of a log replay.
type CreditBalance struct {
	UserID       uuid.UUID
	Credits      int
	InitialGrant int
	LastOrderNo  sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreditLog is an append-only ledger row. OldValue + ChangeAmount == NewValue.
type CreditLog struct {
	ID            int64
	UserID        uuid.UUID
	OrderNo       sql.NullString
	OperationType CreditOperation
	OldValue      int
	ChangeAmount  int
	NewValue      int
	Note          string
	CreatedAt     time.Time
}

type CreditAdjustment struct {
	UserID       uuid.UUID
	Delta        int
	Operation    CreditOperation
	OrderNo      string
	Note         string
	DefaultGrant int
}

// ReconcileFunc inspects a locked balance and its full log and returns the
// correction to apply, or nil when none is needed.
type ReconcileFunc func(balance CreditBalance, logs []CreditLog) (*CreditAdjustment, error)
