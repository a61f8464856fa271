package supabase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"image-creator-backend/internal/models"
)

const taskColumns = `id, user_id, prompt, style, aspect_ratio, status, result_url, error_message,
	progress, stage, credits_deducted, credits_refunded, credit_cost, lock_version,
	created_at, updated_at, completed_at`

func scanTask(row rowScanner) (*models.Task, error) {
	var t models.Task
	err := row.Scan(
		&t.ID, &t.UserID, &t.Prompt, &t.Style, &t.AspectRatio, &t.Status, &t.ResultURL, &t.ErrorMessage,
		&t.Progress, &t.Stage, &t.CreditsDeducted, &t.CreditsRefunded, &t.CreditCost, &t.LockVersion,
		&t.CreatedAt, &t.UpdatedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func statusArray(statuses []models.TaskStatus) pq.StringArray {
	out := make(pq.StringArray, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// CreateTaskWithDeduction consumes the task's cost and inserts the task in one transaction.
func (d *DatabaseClient) CreateTaskWithDeduction(ctx context.Context, task *models.Task, grant int) (*models.Task, *models.CreditBalance, error) {
	var (
		created *models.Task
		balance *models.CreditBalance
	)
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, _, err = applyAdjustment(ctx, tx, models.CreditAdjustment{
			UserID:       task.UserID,
			Delta:        -task.CreditCost,
			Operation:    models.CreditOpConsume,
			Note:         "image generation " + task.ID,
			DefaultGrant: grant,
		})
		if err != nil {
			return err
		}

		created, err = scanTask(tx.QueryRowContext(ctx, `
			INSERT INTO image_tasks (id, user_id, prompt, style, aspect_ratio, status, credits_deducted, credit_cost)
			VALUES ($1, $2, $3, $4, $5, 'pending', TRUE, $6)
			RETURNING `+taskColumns,
			task.ID, task.UserID, task.Prompt, task.Style, task.AspectRatio, task.CreditCost))
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return created, balance, nil
}

func (d *DatabaseClient) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	task, err := scanTask(d.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM image_tasks
		WHERE id = $1
	`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

func (d *DatabaseClient) ListTasks(ctx context.Context, userID uuid.UUID, limit int) ([]models.Task, error) {
	return d.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM image_tasks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
}

// TransitionTask moves a task to status `to` only if its current status is in `from`.
func (d *DatabaseClient) TransitionTask(ctx context.Context, taskID string, from []models.TaskStatus, to models.TaskStatus, upd models.TaskUpdate) (*models.Task, error) {
	var progress sql.NullInt64
	if upd.Progress != nil {
		progress = sql.NullInt64{Int64: int64(*upd.Progress), Valid: true}
	}

	task, err := scanTask(d.db.QueryRowContext(ctx, `
		UPDATE image_tasks
		SET status = $2,
			result_url = COALESCE($3, result_url),
			error_message = COALESCE($4, error_message),
			progress = COALESCE($5, progress),
			stage = COALESCE($6, stage),
			completed_at = CASE WHEN $7 THEN NOW() ELSE completed_at END,
			updated_at = NOW(),
			lock_version = lock_version + 1
		WHERE id = $1 AND status = ANY($8)
		RETURNING `+taskColumns,
		taskID, to, nullString(upd.ResultURL), nullString(upd.ErrorMessage), progress,
		nullString(upd.Stage), to.IsTerminal(), statusArray(from)))
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := d.GetTask(ctx, taskID); getErr != nil {
			return nil, getErr
		}
		return nil, models.ErrInvalidTransition
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition task: %w", err)
	}
	return task, nil
}

// UpdateTaskProgress is a compare-and-swap on lock_version for non-terminal tasks.
func (d *DatabaseClient) UpdateTaskProgress(ctx context.Context, taskID string, version, progress int, stage string) (*models.Task, error) {
	task, err := scanTask(d.db.QueryRowContext(ctx, `
		UPDATE image_tasks
		SET progress = $3, stage = COALESCE($4, stage), updated_at = NOW(), lock_version = lock_version + 1
		WHERE id = $1 AND lock_version = $2 AND status IN ('pending', 'processing')
		RETURNING `+taskColumns,
		taskID, version, progress, nullString(stage)))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := d.GetTask(ctx, taskID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status.IsTerminal() {
			return nil, models.ErrInvalidTransition
		}
		return nil, models.ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update task progress: %w", err)
	}
	return task, nil
}

// ListStaleTasks returns tasks in status created before the cutoff, oldest first.
func (d *DatabaseClient) ListStaleTasks(ctx context.Context, status models.TaskStatus, before time.Time, limit int) ([]models.Task, error) {
	return d.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM image_tasks
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
		LIMIT $3
	`, status, before, limit)
}

// ListUnrefundedTasks returns failed or cancelled tasks whose credit was never returned.
func (d *DatabaseClient) ListUnrefundedTasks(ctx context.Context, limit int) ([]models.Task, error) {
	return d.queryTasks(ctx, `
		SELECT `+taskColumns+`
		FROM image_tasks
		WHERE status IN ('failed', 'cancelled') AND credits_deducted AND NOT credits_refunded
		ORDER BY updated_at ASC
		LIMIT $1
	`, limit)
}

func (d *DatabaseClient) queryTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}
