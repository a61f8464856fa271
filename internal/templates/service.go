package templates

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"image-creator-backend/internal/models"
)

type Store interface {
	CreateTemplate(ctx context.Context, t *models.Template) (*models.Template, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error)
	ListTemplates(ctx context.Context, userID uuid.UUID) ([]models.Template, error)
	UpdateTemplate(ctx context.Context, t *models.Template) (*models.Template, error)
	DeleteTemplate(ctx context.Context, id, userID uuid.UUID) error
}

type Input struct {
	Title       string
	Prompt      string
	Style       string
	AspectRatio string
	PreviewURL  string
	IsPublic    bool
}

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Create(ctx context.Context, userID uuid.UUID, in Input) (*models.Template, error) {
	t, err := build(in)
	if err != nil {
		return nil, err
	}
	t.ID = uuid.New()
	t.UserID = userID
	return s.store.CreateTemplate(ctx, t)
}

func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]models.Template, error) {
	return s.store.ListTemplates(ctx, userID)
}

// Get returns a template the user owns or one that is public.
func (s *Service) Get(ctx context.Context, id, userID uuid.UUID) (*models.Template, error) {
	t, err := s.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID && !t.IsPublic {
		return nil, models.ErrNotFound
	}
	return t, nil
}

func (s *Service) Update(ctx context.Context, id, userID uuid.UUID, in Input) (*models.Template, error) {
	existing, err := s.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if existing.UserID != userID {
		return nil, models.ErrForbidden
	}

	t, err := build(in)
	if err != nil {
		return nil, err
	}
	t.ID = id
	t.UserID = userID
	return s.store.UpdateTemplate(ctx, t)
}

func (s *Service) Delete(ctx context.Context, id, userID uuid.UUID) error {
	existing, err := s.Get(ctx, id, userID)
	if err != nil {
		return err
	}
	if existing.UserID != userID {
		return models.ErrForbidden
	}
	return s.store.DeleteTemplate(ctx, id, userID)
}

func build(in Input) (*models.Template, error) {
	t := &models.Template{
		Title:       strings.TrimSpace(in.Title),
		Prompt:      strings.TrimSpace(in.Prompt),
		Style:       strings.TrimSpace(in.Style),
		AspectRatio: strings.TrimSpace(in.AspectRatio),
		PreviewURL:  strings.TrimSpace(in.PreviewURL),
		IsPublic:    in.IsPublic,
	}
	if t.Title == "" || t.Prompt == "" {
		return nil, fmt.Errorf("%w: title and prompt are required", models.ErrInvalidInput)
	}
	if len(t.Title) > 200 {
		return nil, fmt.Errorf("%w: title is too long", models.ErrInvalidInput)
	}
	if t.AspectRatio == "" {
		t.AspectRatio = "1:1"
	}
	return t, nil
}
