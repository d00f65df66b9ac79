package svc

import (
	"context"
	"time"

	"pasteforge/pkg/domain"
	"pasteforge/svc/db"
)

// Projects group an owner's pastes; a paste joins a project at creation.
type Projects struct {
	db  *db.SQLite
	now func() time.Time
}

func NewProjects(store *db.SQLite) *Projects {
	return &Projects{db: store, now: time.Now}
}

func (s *Projects) Create(ctx context.Context, v domain.Viewer, p domain.ProjectParams) (*domain.Project, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	if p.Name == nil {
		return nil, domain.ErrNameRequired
	}
	pr := &domain.Project{UserID: v.UserID, IsPublic: true, CreatedAt: s.now().UTC()}
	if err := applyGroupParams(p, &pr.Name, &pr.Description, &pr.IsPublic); err != nil {
		return nil, err
	}
	if err := s.db.CreateProject(ctx, pr); err != nil {
		return nil, err
	}
	return s.db.Project(ctx, pr.ID)
}

func (s *Projects) Get(ctx context.Context, v domain.Viewer, id int64) (*domain.Project, error) {
	pr, err := s.db.Project(ctx, id)
	if err != nil {
		return nil, err
	}
	if !pr.IsPublic && pr.UserID != v.UserID && !v.IsAdmin() {
		return nil, domain.ErrProjectNotFound
	}
	return pr, nil
}

func (s *Projects) owned(ctx context.Context, v domain.Viewer, id int64) (*domain.Project, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	pr, err := s.Get(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if pr.UserID != v.UserID && !v.IsAdmin() {
		return nil, domain.ErrForbidden
	}
	return pr, nil
}

func (s *Projects) Mine(ctx context.Context, v domain.Viewer) ([]*domain.Project, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	return s.db.ProjectsByUser(ctx, v.UserID, true)
}

func (s *Projects) Update(ctx context.Context, v domain.Viewer, id int64, p domain.ProjectParams) (*domain.Project, error) {
	pr, err := s.owned(ctx, v, id)
	if err != nil {
		return nil, err
	}
	if err := applyGroupParams(p, &pr.Name, &pr.Description, &pr.IsPublic); err != nil {
		return nil, err
	}
	if err := s.db.UpdateProject(ctx, pr); err != nil {
		return nil, err
	}
	return pr, nil
}

func (s *Projects) Delete(ctx context.Context, v domain.Viewer, id int64) error {
	if _, err := s.owned(ctx, v, id); err != nil {
		return err
	}
	return s.db.DeleteProject(ctx, id)
}

func (s *Projects) Pastes(ctx context.Context, v domain.Viewer, id int64, page domain.Page) ([]*domain.Paste, error) {
	pr, err := s.Get(ctx, v, id)
	if err != nil {
		return nil, err
	}
	return s.db.ListByProject(ctx, id, pr.UserID == v.UserID || v.IsAdmin(), page, s.now())
}
