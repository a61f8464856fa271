package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"image-creator-backend/internal/sweeper"
)

type Generator interface {
	Process(ctx context.Context, taskID string) error
}

type Sweeper interface {
	Run(ctx context.Context, threshold time.Duration) (*sweeper.Report, error)
}

// Processor handles the queue's job types.
type Processor struct {
	generator        Generator
	sweeper          Sweeper
	defaultThreshold time.Duration
	logger           *zap.Logger
}

func NewProcessor(generator Generator, sweeper Sweeper, defaultThreshold time.Duration, logger *zap.Logger) *Processor {
	return &Processor{
		generator:        generator,
		sweeper:          sweeper,
		defaultThreshold: defaultThreshold,
		logger:           logger.Named("worker"),
	}
}

func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeGenerateImage, p.HandleGenerate)
	mux.HandleFunc(TypeSweepStuck, p.HandleSweep)
}

func (p *Processor) HandleGenerate(ctx context.Context, t *asynq.Task) error {
	var payload GeneratePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.TaskID == "" {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}

	log := p.logger.With(zap.String("task_type", t.Type()), zap.String("task_id", payload.TaskID))
	log.Info("start image generation")
	if err := p.generator.Process(ctx, payload.TaskID); err != nil {
		log.Error("image generation job failed", zap.Error(err))
		return err
	}
	return nil
}

func (p *Processor) HandleSweep(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
		}
	}

	threshold := p.defaultThreshold
	if payload.ThresholdMinutes > 0 {
		threshold = time.Duration(payload.ThresholdMinutes) * time.Minute
	}

	if _, err := p.sweeper.Run(ctx, threshold); err != nil {
		p.logger.Error("scheduled sweep failed", zap.Error(err))
		return err
	}
	return nil
}
