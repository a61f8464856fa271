package models

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidTransition   = errors.New("invalid task status transition")
	ErrVersionConflict     = errors.New("task version conflict")
	ErrDuplicateOrder      = errors.New("order already credited")
	ErrInvalidSignature    = errors.New("invalid payment signature")
	ErrAmountMismatch      = errors.New("payment amount mismatch")
	ErrPaymentFailed       = errors.New("payment failed")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUpstream            = errors.New("upstream service unavailable")
)
