package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"image-creator-backend/internal/imagegen"
	"image-creator-backend/internal/models"
)

const generateAttempts = 3

type ImageGenerator interface {
	Generate(ctx context.Context, req imagegen.Request) (*imagegen.Image, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
	RetryWithBackoff(ctx context.Context, fn func() error, maxRetries int) error
}

type ImageStore interface {
	UploadTaskImage(userID uuid.UUID, taskID string, data []byte, contentType string) (string, string, error)
}

type TaskLifecycle interface {
	Get(ctx context.Context, taskID string) (*models.Task, error)
	MarkProcessing(ctx context.Context, taskID string) (*models.Task, error)
	MarkCompleted(ctx context.Context, taskID, resultURL string) (*models.Task, error)
	MarkFailed(ctx context.Context, taskID, errorMessage string) (*models.Task, error)
	UpdateProgress(ctx context.Context, taskID string, progress int, stage string) (*models.Task, error)
}

// GenerationService runs one task through the image API and into storage.
type GenerationService struct {
	tasks     TaskLifecycle
	generator ImageGenerator
	storage   ImageStore
	timeout   time.Duration
	logger    *zap.Logger
}

func NewGenerationService(tasks TaskLifecycle, generator ImageGenerator, storage ImageStore, timeout time.Duration, logger *zap.Logger) *GenerationService {
	return &GenerationService{
		tasks:     tasks,
		generator: generator,
		storage:   storage,
		timeout:   timeout,
		logger:    logger.Named("generation"),
	}
}

// Process generates the task's image. Generation failures fail the task (which
// refunds it) and return nil; only errors worth retrying the whole job are returned.
// A task cancelled while the image API is working keeps its cancelled state and
// the result is dropped.
func (s *GenerationService) Process(ctx context.Context, taskID string) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Warn("task vanished before processing", zap.String("task_id", taskID))
			return nil
		}
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status.IsTerminal() {
		return nil
	}

	if task.Status == models.TaskStatusPending {
		if task, err = s.tasks.MarkProcessing(ctx, taskID); err != nil {
			if errors.Is(err, models.ErrInvalidTransition) {
				return nil
			}
			return fmt.Errorf("mark processing: %w", err)
		}
	}
	if !s.progress(ctx, taskID, 10, "generating") {
		return nil
	}

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var img *imagegen.Image
	err = s.generator.RetryWithBackoff(genCtx, func() error {
		var genErr error
		img, genErr = s.generator.Generate(genCtx, imagegen.Request{
			Prompt:      task.Prompt,
			Style:       task.Style,
			AspectRatio: task.AspectRatio,
		})
		return genErr
	}, generateAttempts)
	if err != nil {
		msg := fmt.Sprintf("image generation failed: %v", err)
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("图片生成超时: image generation timed out after %s", s.timeout)
		}
		s.fail(ctx, taskID, msg)
		return nil
	}

	if s.cancelled(ctx, taskID) {
		return nil
	}
	if !s.progress(ctx, taskID, 70, "uploading") {
		return nil
	}

	data, contentType := img.Data, img.ContentType
	if data == nil {
		data, contentType, err = s.generator.Download(ctx, img.URL)
		if err != nil {
			s.fail(ctx, taskID, fmt.Sprintf("failed to download generated image: %v", err))
			return nil
		}
	}

	_, publicURL, err := s.storage.UploadTaskImage(task.UserID, taskID, data, contentType)
	if err != nil {
		s.fail(ctx, taskID, fmt.Sprintf("failed to store generated image: %v", err))
		return nil
	}

	if _, err := s.tasks.MarkCompleted(ctx, taskID, publicURL); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			s.logger.Info("discarding result of finished task", zap.String("task_id", taskID))
			return nil
		}
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// progress reports a stage. It returns false when the task is no longer running.
func (s *GenerationService) progress(ctx context.Context, taskID string, pct int, stage string) bool {
	_, err := s.tasks.UpdateProgress(ctx, taskID, pct, stage)
	switch {
	case err == nil:
		return true
	case errors.Is(err, models.ErrInvalidTransition):
		s.logger.Info("task stopped before stage", zap.String("task_id", taskID), zap.String("stage", stage))
		return false
	default:
		s.logger.Warn("progress update failed", zap.String("task_id", taskID), zap.String("stage", stage), zap.Error(err))
		return true
	}
}

func (s *GenerationService) cancelled(ctx context.Context, taskID string) bool {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return false
	}
	if task.Status.IsTerminal() {
		s.logger.Info("discarding result of finished task", zap.String("task_id", taskID), zap.String("status", string(task.Status)))
		return true
	}
	return false
}

func (s *GenerationService) fail(ctx context.Context, taskID, msg string) {
	s.logger.Warn("generation failed", zap.String("task_id", taskID), zap.String("reason", msg))
	if _, err := s.tasks.MarkFailed(ctx, taskID, msg); err != nil && !errors.Is(err, models.ErrInvalidTransition) {
		s.logger.Error("failed to mark task failed", zap.String("task_id", taskID), zap.Error(err))
	}
}
