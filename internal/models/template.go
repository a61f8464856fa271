package models

import (
	"time"

	"github.com/google/uuid"
)

type Template struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Title       string
	Prompt      string
	Style       string
	AspectRatio string
	PreviewURL  string
	IsPublic    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
