package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"image-creator-backend/internal/metrics"
	"image-creator-backend/internal/models"
	"image-creator-backend/internal/notifier"
)

const (
	MaxPromptLength    = 4000
	DefaultAspectRatio = "1:1"
	DefaultListLimit   = 50
)

var aspectRatios = map[string]bool{
	"1:1":  true,
	"16:9": true,
	"9:16": true,
	"4:3":  true,
	"3:4":  true,
}

type Store interface {
	CreateTaskWithDeduction(ctx context.Context, task *models.Task, grant int) (*models.Task, *models.CreditBalance, error)
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasks(ctx context.Context, userID uuid.UUID, limit int) ([]models.Task, error)
	TransitionTask(ctx context.Context, taskID string, from []models.TaskStatus, to models.TaskStatus, upd models.TaskUpdate) (*models.Task, error)
	UpdateTaskProgress(ctx context.Context, taskID string, version, progress int, stage string) (*models.Task, error)
}

type Refunder interface {
	RefundIfNeeded(ctx context.Context, task *models.Task) (*models.CreditLog, error)
}

type Publisher interface {
	Publish(ctx context.Context, e notifier.Event) error
}

type Enqueuer interface {
	EnqueueGeneration(ctx context.Context, taskID string) error
}

type CreateParams struct {
	Prompt      string
	Style       string
	AspectRatio string
}

type Service struct {
	store        Store
	refunder     Refunder
	publisher    Publisher
	enqueuer     Enqueuer
	creditCost   int
	defaultGrant int
	retry        RetryPolicy
	logger       *zap.Logger
}

type Option func(*Service)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) { s.retry = p }
}

func WithEnqueuer(e Enqueuer) Option {
	return func(s *Service) { s.enqueuer = e }
}

func NewService(store Store, refunder Refunder, publisher Publisher, creditCost, defaultGrant int, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		refunder:     refunder,
		publisher:    publisher,
		creditCost:   creditCost,
		defaultGrant: defaultGrant,
		retry:        DefaultRetryPolicy(),
		logger:       logger.Named("tasks"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetEnqueuer wires the generation queue after construction.
func (s *Service) SetEnqueuer(e Enqueuer) {
	s.enqueuer = e
}

// Create charges the task's cost and writes the pending task in one step,
// then queues generation. A task that cannot be queued is failed and refunded.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, params CreateParams) (*models.Task, *models.CreditBalance, error) {
	params, err := normalizeParams(params)
	if err != nil {
		return nil, nil, err
	}

	task, balance, err := s.store.CreateTaskWithDeduction(ctx, &models.Task{
		ID:          uuid.NewString(),
		UserID:      userID,
		Prompt:      params.Prompt,
		Style:       params.Style,
		AspectRatio: params.AspectRatio,
		CreditCost:  s.creditCost,
	}, s.defaultGrant)
	if err != nil {
		if !errors.Is(err, models.ErrInsufficientCredits) {
			s.logger.Error("failed to create task", zap.String("user_id", userID.String()), zap.Error(err))
		}
		return nil, nil, err
	}
	metrics.RecordTaskTransition(string(models.TaskStatusPending), "ok")
	s.publish(ctx, notifier.EventFromTask(task, notifier.EventStatus))

	s.logger.Info("task created",
		zap.String("task_id", task.ID),
		zap.String("user_id", userID.String()),
		zap.Int("credits_left", balance.Credits),
	)

	if s.enqueuer != nil {
		if err := s.enqueuer.EnqueueGeneration(ctx, task.ID); err != nil {
			s.logger.Error("failed to queue generation", zap.String("task_id", task.ID), zap.Error(err))
			if _, failErr := s.MarkFailed(ctx, task.ID, "failed to queue generation"); failErr != nil {
				s.logger.Error("failed to fail unqueued task", zap.String("task_id", task.ID), zap.Error(failErr))
			}
			return nil, nil, fmt.Errorf("queue generation: %w", err)
		}
	}

	return task, balance, nil
}

func (s *Service) Get(ctx context.Context, taskID string) (*models.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// GetForUser returns the task only to its owner.
func (s *Service) GetForUser(ctx context.Context, taskID string, userID uuid.UUID) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.UserID != userID {
		return nil, models.ErrForbidden
	}
	return task, nil
}

func (s *Service) List(ctx context.Context, userID uuid.UUID, limit int) ([]models.Task, error) {
	if limit <= 0 || limit > 200 {
		limit = DefaultListLimit
	}
	return s.store.ListTasks(ctx, userID, limit)
}

func (s *Service) MarkProcessing(ctx context.Context, taskID string) (*models.Task, error) {
	return s.transition(ctx, taskID, models.TaskStatusProcessing, models.TaskUpdate{Stage: "processing"})
}

func (s *Service) MarkCompleted(ctx context.Context, taskID, resultURL string) (*models.Task, error) {
	if strings.TrimSpace(resultURL) == "" {
		return nil, fmt.Errorf("%w: result url is required", models.ErrInvalidInput)
	}
	done := 100
	return s.transition(ctx, taskID, models.TaskStatusCompleted, models.TaskUpdate{
		ResultURL: resultURL,
		Progress:  &done,
		Stage:     "completed",
	})
}

func (s *Service) MarkFailed(ctx context.Context, taskID, errorMessage string) (*models.Task, error) {
	if strings.TrimSpace(errorMessage) == "" {
		errorMessage = "image generation failed"
	}
	return s.transition(ctx, taskID, models.TaskStatusFailed, models.TaskUpdate{
		ErrorMessage: errorMessage,
		Stage:        "failed",
	})
}

func (s *Service) MarkCancelled(ctx context.Context, taskID string) (*models.Task, error) {
	return s.transition(ctx, taskID, models.TaskStatusCancelled, models.TaskUpdate{
		ErrorMessage: "cancelled by user",
		Stage:        "cancelled",
	})
}

// Cancel is owner-only. A task that already reached a terminal state is
// returned unchanged.
func (s *Service) Cancel(ctx context.Context, taskID string, userID uuid.UUID) (*models.Task, error) {
	task, err := s.GetForUser(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return task, nil
	}

	cancelled, err := s.MarkCancelled(ctx, taskID)
	if errors.Is(err, models.ErrInvalidTransition) {
		// Finished between the read and the update.
		return s.store.GetTask(ctx, taskID)
	}
	return cancelled, err
}

// UpdateProgress writes progress and stage with compare-and-swap on the task's
// lock_version, re-reading and retrying with backoff when another writer won.
func (s *Service) UpdateProgress(ctx context.Context, taskID string, progress int, stage string) (*models.Task, error) {
	if progress < 0 || progress > 100 {
		return nil, fmt.Errorf("%w: progress must be between 0 and 100", models.ErrInvalidInput)
	}

	attempts := s.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		current, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() {
			return nil, models.ErrInvalidTransition
		}

		updated, err := s.store.UpdateTaskProgress(ctx, taskID, current.LockVersion, progress, stage)
		if err == nil {
			s.publish(ctx, notifier.EventFromTask(updated, notifier.EventProgress))
			return updated, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return nil, err
		}

		s.logger.Debug("progress write lost race",
			zap.String("task_id", taskID),
			zap.Int("version", current.LockVersion),
			zap.Int("attempt", attempt+1),
		)
		if attempt+1 < attempts {
			if err := s.retry.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}
	}
	return nil, models.ErrVersionConflict
}

func (s *Service) transition(ctx context.Context, taskID string, to models.TaskStatus, upd models.TaskUpdate) (*models.Task, error) {
	task, err := s.store.TransitionTask(ctx, taskID, models.AllowedFrom(to), to, upd)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			metrics.RecordTaskTransition(string(to), "rejected")
		} else if !errors.Is(err, models.ErrNotFound) {
			metrics.RecordTaskTransition(string(to), "error")
			s.logger.Error("task transition failed",
				zap.String("task_id", taskID),
				zap.String("to", string(to)),
				zap.Error(err),
			)
		}
		return nil, err
	}
	metrics.RecordTaskTransition(string(to), "ok")
	s.logger.Info("task transitioned", zap.String("task_id", taskID), zap.String("status", string(to)))

	if to.Refundable() && s.refunder != nil {
		entry, err := s.refunder.RefundIfNeeded(ctx, task)
		if err != nil {
			// Left for the sweeper's unrefunded pass.
			s.logger.Error("refund after transition failed", zap.String("task_id", taskID), zap.Error(err))
		} else if entry != nil {
			task.CreditsRefunded = true
			task.LockVersion++
		}
	}

	s.publish(ctx, notifier.EventFromTask(task, notifier.EventStatus))
	return task, nil
}

func (s *Service) publish(ctx context.Context, e notifier.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn("task event not published", zap.String("task_id", e.TaskID), zap.Error(err))
	}
}

func normalizeParams(p CreateParams) (CreateParams, error) {
	p.Prompt = strings.TrimSpace(p.Prompt)
	p.Style = strings.TrimSpace(p.Style)
	p.AspectRatio = strings.TrimSpace(p.AspectRatio)

	if p.Prompt == "" {
		return p, fmt.Errorf("%w: prompt is required", models.ErrInvalidInput)
	}
	if utf8.RuneCountInString(p.Prompt) > MaxPromptLength {
		return p, fmt.Errorf("%w: prompt exceeds %d characters", models.ErrInvalidInput, MaxPromptLength)
	}
	if p.AspectRatio == "" {
		p.AspectRatio = DefaultAspectRatio
	}
	if !aspectRatios[p.AspectRatio] {
		return p, fmt.Errorf("%w: unsupported aspect ratio %q", models.ErrInvalidInput, p.AspectRatio)
	}
	return p, nil
}
