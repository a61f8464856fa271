package tasks

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"image-creator-backend/internal/models"
)

// Update is a status report for one task, as posted to the task notification endpoint.
type Update struct {
	TaskID   string
	Status   models.TaskStatus
	ImageURL string
	Error    string
	Progress *int
	Stage    string
}

// Apply routes a status report to the matching transition. When actor is set
// the caller is an end user, who may only cancel their own task.
func (s *Service) Apply(ctx context.Context, u Update, actor *uuid.UUID) (*models.Task, error) {
	if !u.Status.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, u.Status)
	}

	if actor != nil {
		if u.Status != models.TaskStatusCancelled {
			return nil, fmt.Errorf("%w: users may only cancel tasks", models.ErrForbidden)
		}
		return s.Cancel(ctx, u.TaskID, *actor)
	}

	switch u.Status {
	case models.TaskStatusPending:
		if u.Progress == nil {
			return s.store.GetTask(ctx, u.TaskID)
		}
		return s.UpdateProgress(ctx, u.TaskID, *u.Progress, u.Stage)
	case models.TaskStatusProcessing:
		task, err := s.store.GetTask(ctx, u.TaskID)
		if err != nil {
			return nil, err
		}
		if task.Status == models.TaskStatusPending {
			if task, err = s.MarkProcessing(ctx, u.TaskID); err != nil {
				return nil, err
			}
		}
		if u.Progress == nil {
			return task, nil
		}
		return s.UpdateProgress(ctx, u.TaskID, *u.Progress, u.Stage)
	case models.TaskStatusCompleted:
		return s.MarkCompleted(ctx, u.TaskID, u.ImageURL)
	case models.TaskStatusFailed:
		return s.MarkFailed(ctx, u.TaskID, u.Error)
	default:
		return s.MarkCancelled(ctx, u.TaskID)
	}
}
