package models

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// ActiveTaskStatuses are the only non-terminal states.
var ActiveTaskStatuses = []TaskStatus{TaskStatusPending, TaskStatusProcessing}

func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Refundable reports whether a task in this state may have its credit returned.
func (s TaskStatus) Refundable() bool {
	return s == TaskStatusFailed || s == TaskStatusCancelled
}

// AllowedFrom lists the states a task may move out of to reach s.
func AllowedFrom(to TaskStatus) []TaskStatus {
	switch to {
	case TaskStatusProcessing:
		return []TaskStatus{TaskStatusPending}
	case TaskStatusCompleted:
		return []TaskStatus{TaskStatusProcessing}
	case TaskStatusFailed, TaskStatusCancelled:
		return []TaskStatus{TaskStatusPending, TaskStatusProcessing}
	}
	return nil
}

func CanTransition(from, to TaskStatus) bool {
	for _, s := range AllowedFrom(to) {
		if s == from {
			return true
		}
	}
	return false
}

type Task struct {
	ID              string
	UserID          uuid.UUID
	Prompt          string
	Style           string
	AspectRatio     string
	Status          TaskStatus
	ResultURL       sql.NullString
	ErrorMessage    sql.NullString
	Progress        int
	Stage           sql.NullString
	CreditsDeducted bool
	CreditsRefunded bool
	CreditCost      int
	LockVersion     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     sql.NullTime
}

// TaskUpdate carries the optional columns written alongside a status transition.
type TaskUpdate struct {
	ResultURL    string
	ErrorMessage string
	Progress     *int
	Stage        string
}
