package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusSuccess PaymentStatus = "success"
	PaymentStatusFailed  PaymentStatus = "failed"
)

type Payment struct {
	OrderNo      string
	UserID       uuid.UUID
	Amount       decimal.Decimal
	Credits      int
	Status       PaymentStatus
	TradeNo      sql.NullString
	PaidAt       sql.NullTime
	CallbackData json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type PaymentLog struct {
	ID        int64
	OrderNo   string
	Event     string
	Payload   json.RawMessage
	CreatedAt time.Time
}

type PaymentConfirmation struct {
	OrderNo      string
	TradeNo      string
	CallbackData json.RawMessage
	DefaultGrant int
	Note         string
}

// ConfirmResult reports what ConfirmPayment changed. Log is nil when no credit was granted.
type ConfirmResult struct {
	Payment          *Payment
	Log              *CreditLog
	AlreadyProcessed bool
}
