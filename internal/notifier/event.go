package notifier

import (
	"time"

	"image-creator-backend/internal/models"
)

const (
	EventStatus   = "status"
	EventProgress = "progress"
	EventClose    = "close"
)

// Event is one task change as delivered to watchers.
type Event struct {
	Type     string            `json:"type"`
	TaskID   string            `json:"task_id"`
	Status   models.TaskStatus `json:"status"`
	Progress int               `json:"progress"`
	Stage    string            `json:"stage,omitempty"`
	ImageURL string            `json:"image_url,omitempty"`
	Error    string            `json:"error,omitempty"`
	Version  int               `json:"version"`
	At       time.Time         `json:"at"`
}

func EventFromTask(t *models.Task, eventType string) Event {
	e := Event{
		Type:     eventType,
		TaskID:   t.ID,
		Status:   t.Status,
		Progress: t.Progress,
		Version:  t.LockVersion,
		At:       t.UpdatedAt,
	}
	if t.Stage.Valid {
		e.Stage = t.Stage.String
	}
	if t.ResultURL.Valid {
		e.ImageURL = t.ResultURL.String
	}
	if t.ErrorMessage.Valid {
		e.Error = t.ErrorMessage.String
	}
	return e
}

// CloseEvent is the final event sent to watchers of a task that reached a terminal state.
func CloseEvent(e Event) Event {
	e.Type = EventClose
	return e
}

// Terminal reports whether this event ends the task's stream.
func (e Event) Terminal() bool {
	return e.Status.IsTerminal()
}
