package db

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"pasteforge/pkg/domain"
)

func (s *SQLite) CreateComment(ctx context.Context, c *domain.Comment) error {
	res, err := s.exec(ctx, `INSERT INTO comments (paste_id, user_id, content, created_at) VALUES (?, ?, ?, ?)`,
		c.PasteID, c.UserID, c.Content, unix(c.CreatedAt))
	if isConstraint(err) {
		return domain.ErrPasteNotFound
	}
	if err != nil {
		return errors.Wrap(err, "db create comment")
	}
	c.ID, err = res.LastInsertId()
	return errors.Wrap(err, "db comment id")
}

func (s *SQLite) Comment(ctx context.Context, id int64) (*domain.Comment, error) {
	var c domain.Comment
	var created int64
	err := s.queryRow(ctx, `SELECT c.id, c.paste_id, c.user_id, u.username, c.content, c.created_at
		FROM comments c JOIN users u ON u.id = c.user_id WHERE c.id = ?`, []any{id},
		&c.ID, &c.PasteID, &c.UserID, &c.Username, &c.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCommentNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db get comment")
	}
	c.CreatedAt = fromUnix(created)
	return &c, nil
}

// CommentsForPaste lists oldest first so threads read top to bottom.
func (s *SQLite) CommentsForPaste(ctx context.Context, pasteID string, page domain.Page) ([]*domain.Comment, error) {
	page.Normalize(50, 200)
	out := make([]*domain.Comment, 0)
	err := s.query(ctx, `SELECT c.id, c.paste_id, c.user_id, u.username, c.content, c.created_at
		FROM comments c JOIN users u ON u.id = c.user_id WHERE c.paste_id = ?
		ORDER BY c.created_at, c.id LIMIT ? OFFSET ?`, []any{pasteID, page.Limit, page.Offset},
		func(r *sql.Rows) error {
			var c domain.Comment
			var created int64
			if err := r.Scan(&c.ID, &c.PasteID, &c.UserID, &c.Username, &c.Content, &created); err != nil {
				return err
			}
			c.CreatedAt = fromUnix(created)
			out = append(out, &c)
			return nil
		})
	return out, errors.Wrap(err, "db list comments")
}

func (s *SQLite) DeleteComment(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM comments WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "db delete comment")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrCommentNotFound
	}
	return nil
}
