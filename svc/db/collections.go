package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"pasteforge/pkg/domain"
)

const collectionSelect = `SELECT c.id, c.user_id, u.username, c.name, c.description, c.is_public,
	(SELECT COUNT(*) FROM collection_pastes cp WHERE cp.collection_id = c.id), c.created_at
	FROM collections c JOIN users u ON u.id = c.user_id`

func scanCollection(r scanner) (*domain.Collection, error) {
	var c domain.Collection
	var pub int
	var created int64
	if err := r.Scan(&c.ID, &c.UserID, &c.Owner, &c.Name, &c.Description, &pub, &c.PasteCount, &created); err != nil {
		return nil, err
	}
	c.IsPublic = pub == 1
	c.CreatedAt = fromUnix(created)
	return &c, nil
}

func (s *SQLite) CreateCollection(ctx context.Context, c *domain.Collection) error {
	res, err := s.exec(ctx, `INSERT INTO collections (user_id, name, description, is_public, created_at)
		VALUES (?, ?, ?, ?, ?)`, c.UserID, c.Name, c.Description, boolInt(c.IsPublic), unix(c.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "db create collection")
	}
	c.ID, err = res.LastInsertId()
	return errors.Wrap(err, "db collection id")
}

func (s *SQLite) Collection(ctx context.Context, id int64) (*domain.Collection, error) {
	var c *domain.Collection
	err := s.query(ctx, collectionSelect+` WHERE c.id = ?`, []any{id}, func(r *sql.Rows) error {
		var err error
		c, err = scanCollection(r)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "db get collection")
	}
	if c == nil {
		return nil, domain.ErrCollectionNotFound
	}
	return c, nil
}

func (s *SQLite) CollectionsByUser(ctx context.Context, userID int64, includePrivate bool) ([]*domain.Collection, error) {
	q := collectionSelect + ` WHERE c.user_id = ?`
	if !includePrivate {
		q += ` AND c.is_public = 1`
	}
	q += ` ORDER BY c.created_at DESC, c.id DESC`
	out := make([]*domain.Collection, 0)
	err := s.query(ctx, q, []any{userID}, func(r *sql.Rows) error {
		c, err := scanCollection(r)
		if err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, errors.Wrap(err, "db list collections")
}

func (s *SQLite) UpdateCollection(ctx context.Context, c *domain.Collection) error {
	_, err := s.exec(ctx, `UPDATE collections SET name = ?, description = ?, is_public = ? WHERE id = ?`,
		c.Name, c.Description, boolInt(c.IsPublic), c.ID)
	return errors.Wrap(err, "db update collection")
}

func (s *SQLite) DeleteCollection(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM collections WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "db delete collection")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrCollectionNotFound
	}
	return nil
}

// AddToCollection is idempotent.
func (s *SQLite) AddToCollection(ctx context.Context, collectionID int64, pasteID string, now time.Time) error {
	_, err := s.exec(ctx, `INSERT OR IGNORE INTO collection_pastes (collection_id, paste_id, added_at) VALUES (?, ?, ?)`,
		collectionID, pasteID, unix(now))
	if isConstraint(err) {
		return domain.ErrPasteNotFound
	}
	return errors.Wrap(err, "db add to collection")
}

func (s *SQLite) RemoveFromCollection(ctx context.Context, collectionID int64, pasteID string) error {
	res, err := s.exec(ctx, `DELETE FROM collection_pastes WHERE collection_id = ? AND paste_id = ?`, collectionID, pasteID)
	if err != nil {
		return errors.Wrap(err, "db remove from collection")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPasteNotFound
	}
	return nil
}

// CollectionPastes lists member pastes that have not expired, most recently
// added first. Unless includePrivate, members are limited by strangerFilter.
func (s *SQLite) CollectionPastes(ctx context.Context, collectionID int64, includePrivate bool, now time.Time) ([]*domain.Paste, error) {
	q := `SELECT ` + pasteCols + pasteFrom + ` JOIN collection_pastes cp ON cp.paste_id = p.id
		WHERE cp.collection_id = ? AND (p.expire_time IS NULL OR p.expire_time > ?)`
	if !includePrivate {
		q += strangerFilter
	}
	q += ` ORDER BY cp.added_at DESC, p.id`
	out, err := s.listPastes(ctx, q, []any{collectionID, unix(now)})
	return out, errors.Wrap(err, "db collection pastes")
}
