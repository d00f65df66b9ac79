package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"pasteforge/pkg/domain"
)

func (s *SQLite) Follow(ctx context.Context, followerID, followeeID int64, now time.Time) error {
	if followerID == followeeID {
		return domain.ErrSelfFollow
	}
	_, err := s.exec(ctx, `INSERT INTO follows (follower_id, followee_id, created_at) VALUES (?, ?, ?)`,
		followerID, followeeID, unix(now))
	if uniqueViolation(err, "") {
		return domain.ErrAlreadyFollowing
	}
	return errors.Wrap(err, "db follow")
}

func (s *SQLite) Unfollow(ctx context.Context, followerID, followeeID int64) error {
	res, err := s.exec(ctx, `DELETE FROM follows WHERE follower_id = ? AND followee_id = ?`, followerID, followeeID)
	if err != nil {
		return errors.Wrap(err, "db unfollow")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFollowing
	}
	return nil
}

func (s *SQLite) IsFollowing(ctx context.Context, followerID, followeeID int64) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM follows WHERE follower_id = ? AND followee_id = ?`,
		[]any{followerID, followeeID}, &one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, errors.Wrap(err, "db is following")
}

// FollowCounts returns (followers, following) for userID.
func (s *SQLite) FollowCounts(ctx context.Context, userID int64) (int, int, error) {
	var followers, following int
	err := s.queryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM follows WHERE followee_id = ?),
		(SELECT COUNT(*) FROM follows WHERE follower_id = ?)`, []any{userID, userID}, &followers, &following)
	return followers, following, errors.Wrap(err, "db follow counts")
}

func (s *SQLite) listFollowUsers(ctx context.Context, q string, userID int64, page domain.Page) ([]*domain.User, error) {
	page.Normalize(50, 200)
	out := make([]*domain.User, 0)
	err := s.query(ctx, q, []any{userID, page.Limit, page.Offset}, func(r *sql.Rows) error {
		u, err := scanUser(r)
		if err != nil {
			return err
		}
		out = append(out, u.Public())
		return nil
	})
	return out, errors.Wrap(err, "db list follows")
}

func (s *SQLite) Followers(ctx context.Context, userID int64, page domain.Page) ([]*domain.User, error) {
	return s.listFollowUsers(ctx, `SELECT u.id, u.username, u.email, u.password_hash, u.display_name, u.bio,
		u.website, u.avatar_url, u.role, u.created_at
		FROM follows f JOIN users u ON u.id = f.follower_id WHERE f.followee_id = ?
		ORDER BY f.created_at DESC LIMIT ? OFFSET ?`, userID, page)
}

func (s *SQLite) Following(ctx context.Context, userID int64, page domain.Page) ([]*domain.User, error) {
	return s.listFollowUsers(ctx, `SELECT u.id, u.username, u.email, u.password_hash, u.display_name, u.bio,
		u.website, u.avatar_url, u.role, u.created_at
		FROM follows f JOIN users u ON u.id = f.followee_id WHERE f.follower_id = ?
		ORDER BY f.created_at DESC LIMIT ? OFFSET ?`, userID, page)
}
