package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// InlineEnqueuer runs generation jobs in goroutines of this process. It is
// used when the asynq worker is disabled.
type InlineEnqueuer struct {
	generator Generator
	slots     chan struct{}
	wg        sync.WaitGroup
	logger    *zap.Logger
}

func NewInlineEnqueuer(generator Generator, concurrency int, logger *zap.Logger) *InlineEnqueuer {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &InlineEnqueuer{
		generator: generator,
		slots:     make(chan struct{}, concurrency),
		logger:    logger.Named("inline_worker"),
	}
}

func (e *InlineEnqueuer) EnqueueGeneration(_ context.Context, taskID string) error {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.slots <- struct{}{}
		defer func() { <-e.slots }()

		// The request context ends with the HTTP response.
		if err := e.generator.Process(context.Background(), taskID); err != nil {
			e.logger.Error("image generation failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every started job has returned.
func (e *InlineEnqueuer) Wait() {
	e.wg.Wait()
}
