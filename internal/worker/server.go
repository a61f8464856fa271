package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// RedisOpt parses a redis:// URL into asynq connection options.
func RedisOpt(redisURL string) (asynq.RedisConnOpt, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return opt, nil
}

func NewServer(opt asynq.RedisConnOpt, concurrency int, logger *zap.Logger) *asynq.Server {
	log := logger.Named("asynq")
	return asynq.NewServer(opt, asynq.Config{
		Concurrency:    concurrency,
		RetryDelayFunc: asynq.DefaultRetryDelayFunc,
		Queues: map[string]int{
			QueueDefault:     6,
			QueueMaintenance: 1,
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.Error("asynq task failed",
				zap.String("task_type", task.Type()),
				zap.Int("retried", retried),
				zap.Int("max_retry", maxRetry),
				zap.Error(err),
			)
		}),
		Logger:          log.Sugar(),
		ShutdownTimeout: 30 * time.Second,
	})
}

// NewScheduler registers the periodic stuck-task sweep. An empty schedule
// returns a nil scheduler.
func NewScheduler(opt asynq.RedisConnOpt, schedule string, thresholdMinutes int, logger *zap.Logger) (*asynq.Scheduler, error) {
	if schedule == "" {
		return nil, nil
	}

	scheduler := asynq.NewScheduler(opt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   logger.Named("asynq_scheduler").Sugar(),
	})

	task, err := NewSweepTask(thresholdMinutes)
	if err != nil {
		return nil, err
	}
	entryID, err := scheduler.Register(schedule, task,
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(0),
		asynq.Unique(5*time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("register sweep schedule %q: %w", schedule, err)
	}

	logger.Info("stuck-task sweep scheduled", zap.String("schedule", schedule), zap.String("entry_id", entryID))
	return scheduler, nil
}
