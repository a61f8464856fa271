package worker

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	TypeGenerateImage = "image:generate"
	TypeSweepStuck    = "tasks:sweep_stuck"

	QueueDefault     = "default"
	QueueMaintenance = "low"
)

type GeneratePayload struct {
	TaskID string `json:"task_id"`
}

type SweepPayload struct {
	ThresholdMinutes int `json:"threshold_minutes"`
}

func NewGenerateTask(taskID string) (*asynq.Task, error) {
	payload, err := json.Marshal(GeneratePayload{TaskID: taskID})
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}
	return asynq.NewTask(TypeGenerateImage, payload), nil
}

func NewSweepTask(thresholdMinutes int) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{ThresholdMinutes: thresholdMinutes})
	if err != nil {
		return nil, fmt.Errorf("marshal sweep payload: %w", err)
	}
	return asynq.NewTask(TypeSweepStuck, payload), nil
}
