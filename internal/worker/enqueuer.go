package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

type Client interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer puts generation jobs on the asynq queue, one per task id.
type Enqueuer struct {
	client     Client
	jobTimeout time.Duration
	maxRetry   int
}

func NewEnqueuer(client Client, imageTimeout time.Duration) *Enqueuer {
	return &Enqueuer{
		client:     client,
		jobTimeout: imageTimeout + 2*time.Minute,
		maxRetry:   3,
	}
}

func (e *Enqueuer) EnqueueGeneration(ctx context.Context, taskID string) error {
	task, err := NewGenerateTask(taskID)
	if err != nil {
		return err
	}

	_, err = e.client.EnqueueContext(ctx, task,
		asynq.TaskID(taskID),
		asynq.Queue(QueueDefault),
		asynq.MaxRetry(e.maxRetry),
		asynq.Timeout(e.jobTimeout),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}
