package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"image-creator-backend/internal/metrics"
	"image-creator-backend/internal/models"
)

const DefaultBatchSize = 200

type Store interface {
	ListStaleTasks(ctx context.Context, status models.TaskStatus, before time.Time, limit int) ([]models.Task, error)
	ListUnrefundedTasks(ctx context.Context, limit int) ([]models.Task, error)
}

type TaskFailer interface {
	MarkFailed(ctx context.Context, taskID, errorMessage string) (*models.Task, error)
}

type Refunder interface {
	RefundIfNeeded(ctx context.Context, task *models.Task) (*models.CreditLog, error)
}

type Report struct {
	ThresholdMinutes int      `json:"threshold_minutes"`
	Scanned          int      `json:"scanned"`
	Failed           int      `json:"failed"`
	Refunded         int      `json:"refunded"`
	Skipped          int      `json:"skipped"`
	Errors           int      `json:"errors"`
	TaskIDs          []string `json:"task_ids,omitempty"`
}

// Sweeper fails tasks stuck in processing and retries refunds that never landed.
// Runs are re-entrant: the conditional status update and the refund flag make
// a repeated run a no-op for tasks already handled.
type Sweeper struct {
	store     Store
	tasks     TaskFailer
	refunder  Refunder
	statuses  []models.TaskStatus
	batchSize int
	now       func() time.Time
	logger    *zap.Logger
}

type Option func(*Sweeper)

// WithPendingTasks also times out tasks that never left pending. In-process
// generation loses its queue on restart, so those tasks are never picked up.
func WithPendingTasks() Option {
	return func(s *Sweeper) {
		s.statuses = []models.TaskStatus{models.TaskStatusProcessing, models.TaskStatusPending}
	}
}

func New(store Store, tasks TaskFailer, refunder Refunder, logger *zap.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:     store,
		tasks:     tasks,
		refunder:  refunder,
		statuses:  []models.TaskStatus{models.TaskStatusProcessing},
		batchSize: DefaultBatchSize,
		now:       time.Now,
		logger:    logger.Named("sweeper"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TimeoutMessage is the error stored on a task failed by the sweeper.
func TimeoutMessage(minutes int) string {
	return fmt.Sprintf("任务处理超时: task timed out after %d minutes", minutes)
}

func (s *Sweeper) Run(ctx context.Context, threshold time.Duration) (*Report, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("%w: threshold must be positive", models.ErrInvalidInput)
	}
	minutes := int(threshold / time.Minute)
	report := &Report{ThresholdMinutes: minutes}

	var stale []models.Task
	for _, status := range s.statuses {
		found, err := s.store.ListStaleTasks(ctx, status, s.now().Add(-threshold), s.batchSize)
		if err != nil {
			return nil, fmt.Errorf("list stale %s tasks: %w", status, err)
		}
		stale = append(stale, found...)
	}
	report.Scanned = len(stale)

	for i := range stale {
		task := &stale[i]
		failed, err := s.tasks.MarkFailed(ctx, task.ID, TimeoutMessage(minutes))
		switch {
		case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNotFound):
			report.Skipped++
			continue
		case err != nil:
			report.Errors++
			s.logger.Error("failed to time out task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		report.Failed++
		report.TaskIDs = append(report.TaskIDs, task.ID)
		if failed.CreditsRefunded {
			report.Refunded++
		}
	}

	// Refunds that failed after an earlier transition.
	unrefunded, err := s.store.ListUnrefundedTasks(ctx, s.batchSize)
	if err != nil {
		return report, fmt.Errorf("list unrefunded tasks: %w", err)
	}
	for i := range unrefunded {
		entry, err := s.refunder.RefundIfNeeded(ctx, &unrefunded[i])
		if err != nil {
			report.Errors++
			continue
		}
		if entry != nil {
			report.Refunded++
		}
	}

	metrics.RecordSweptTasks("failed", report.Failed)
	metrics.RecordSweptTasks("refunded", report.Refunded)
	metrics.RecordSweptTasks("error", report.Errors)
	s.logger.Info("sweep finished",
		zap.Int("threshold_minutes", minutes),
		zap.Int("scanned", report.Scanned),
		zap.Int("failed", report.Failed),
		zap.Int("refunded", report.Refunded),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", report.Errors),
	)
	return report, nil
}

// Every sweeps once per interval until ctx is done.
func (s *Sweeper) Every(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Run(ctx, threshold); err != nil && ctx.Err() == nil {
				s.logger.Error("periodic sweep failed", zap.Error(err))
			}
		}
	}
}
