package supabase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"image-creator-backend/internal/models"
)

const templateColumns = `id, user_id, title, prompt, style, aspect_ratio, preview_url, is_public, created_at, updated_at`

func scanTemplate(row rowScanner) (*models.Template, error) {
	var t models.Template
	if err := row.Scan(&t.ID, &t.UserID, &t.Title, &t.Prompt, &t.Style, &t.AspectRatio,
		&t.PreviewURL, &t.IsPublic, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (d *DatabaseClient) CreateTemplate(ctx context.Context, t *models.Template) (*models.Template, error) {
	created, err := scanTemplate(d.db.QueryRowContext(ctx, `
		INSERT INTO templates (id, user_id, title, prompt, style, aspect_ratio, preview_url, is_public)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+templateColumns,
		t.ID, t.UserID, t.Title, t.Prompt, t.Style, t.AspectRatio, t.PreviewURL, t.IsPublic))
	if err != nil {
		return nil, fmt.Errorf("failed to create template: %w", err)
	}
	return created, nil
}

func (d *DatabaseClient) GetTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error) {
	t, err := scanTemplate(d.db.QueryRowContext(ctx, `
		SELECT `+templateColumns+`
		FROM templates
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	return t, nil
}

// ListTemplates returns the user's own templates followed by public ones.
func (d *DatabaseClient) ListTemplates(ctx context.Context, userID uuid.UUID) ([]models.Template, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+templateColumns+`
		FROM templates
		WHERE user_id = $1 OR is_public
		ORDER BY (user_id = $1) DESC, updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	return templates, nil
}

func (d *DatabaseClient) UpdateTemplate(ctx context.Context, t *models.Template) (*models.Template, error) {
	updated, err := scanTemplate(d.db.QueryRowContext(ctx, `
		UPDATE templates
		SET title = $3, prompt = $4, style = $5, aspect_ratio = $6, preview_url = $7, is_public = $8, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING `+templateColumns,
		t.ID, t.UserID, t.Title, t.Prompt, t.Style, t.AspectRatio, t.PreviewURL, t.IsPublic))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update template: %w", err)
	}
	return updated, nil
}

func (d *DatabaseClient) DeleteTemplate(ctx context.Context, id, userID uuid.UUID) error {
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM templates
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}
	return nil
}
