package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"pasteforge/pkg/domain"
)

const projectSelect = `SELECT pr.id, pr.user_id, u.username, pr.name, pr.description, pr.is_public,
	(SELECT COUNT(*) FROM pastes p WHERE p.project_id = pr.id), pr.created_at
	FROM projects pr JOIN users u ON u.id = pr.user_id`

func scanProject(r scanner) (*domain.Project, error) {
	var p domain.Project
	var pub int
	var created int64
	if err := r.Scan(&p.ID, &p.UserID, &p.Owner, &p.Name, &p.Description, &pub, &p.PasteCount, &created); err != nil {
		return nil, err
	}
	p.IsPublic = pub == 1
	p.CreatedAt = fromUnix(created)
	return &p, nil
}

func (s *SQLite) CreateProject(ctx context.Context, p *domain.Project) error {
	res, err := s.exec(ctx, `INSERT INTO projects (user_id, name, description, is_public, created_at)
		VALUES (?, ?, ?, ?, ?)`, p.UserID, p.Name, p.Description, boolInt(p.IsPublic), unix(p.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "db create project")
	}
	p.ID, err = res.LastInsertId()
	return errors.Wrap(err, "db project id")
}

func (s *SQLite) Project(ctx context.Context, id int64) (*domain.Project, error) {
	var p *domain.Project
	err := s.query(ctx, projectSelect+` WHERE pr.id = ?`, []any{id}, func(r *sql.Rows) error {
		var err error
		p, err = scanProject(r)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "db get project")
	}
	if p == nil {
		return nil, domain.ErrProjectNotFound
	}
	return p, nil
}

func (s *SQLite) ProjectsByUser(ctx context.Context, userID int64, includePrivate bool) ([]*domain.Project, error) {
	q := projectSelect + ` WHERE pr.user_id = ?`
	if !includePrivate {
		q += ` AND pr.is_public = 1`
	}
	q += ` ORDER BY pr.created_at DESC, pr.id DESC`
	out := make([]*domain.Project, 0)
	err := s.query(ctx, q, []any{userID}, func(r *sql.Rows) error {
		p, err := scanProject(r)
		if err != nil {
			return err
		}
		out = append(out, p)
		return nil
	})
	return out, errors.Wrap(err, "db list projects")
}

func (s *SQLite) UpdateProject(ctx context.Context, p *domain.Project) error {
	_, err := s.exec(ctx, `UPDATE projects SET name = ?, description = ?, is_public = ? WHERE id = ?`,
		p.Name, p.Description, boolInt(p.IsPublic), p.ID)
	return errors.Wrap(err, "db update project")
}

// DeleteProject detaches its pastes (ON DELETE SET NULL) rather than deleting them.
func (s *SQLite) DeleteProject(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "db delete project")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrProjectNotFound
	}
	return nil
}
