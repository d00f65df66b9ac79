package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"pasteforge/pkg/domain"
)

func (s *SQLite) CreateNotification(ctx context.Context, n *domain.Notification) error {
	res, err := s.exec(ctx, `INSERT INTO notifications (user_id, kind, actor_id, ref_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		n.UserID, n.Kind, n.ActorID, n.RefID, unix(n.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "db create notification")
	}
	n.ID, err = res.LastInsertId()
	return errors.Wrap(err, "db notification id")
}

func (s *SQLite) Notifications(ctx context.Context, userID int64, unreadOnly bool, page domain.Page) ([]*domain.Notification, error) {
	page.Normalize(50, 200)
	q := `SELECT n.id, n.user_id, n.kind, n.actor_id, u.username, n.ref_id, n.read_at, n.created_at
		FROM notifications n JOIN users u ON u.id = n.actor_id WHERE n.user_id = ?`
	if unreadOnly {
		q += ` AND n.read_at IS NULL`
	}
	q += ` ORDER BY n.created_at DESC, n.id DESC LIMIT ? OFFSET ?`
	out := make([]*domain.Notification, 0)
	err := s.query(ctx, q, []any{userID, page.Limit, page.Offset}, func(r *sql.Rows) error {
		var n domain.Notification
		var read sql.NullInt64
		var created int64
		if err := r.Scan(&n.ID, &n.UserID, &n.Kind, &n.ActorID, &n.Actor, &n.RefID, &read, &created); err != nil {
			return err
		}
		n.ReadAt = timePtr(read)
		n.CreatedAt = fromUnix(created)
		out = append(out, &n)
		return nil
	})
	return out, errors.Wrap(err, "db list notifications")
}

func (s *SQLite) UnreadNotifications(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id = ? AND read_at IS NULL`, []any{userID}, &n)
	return n, errors.Wrap(err, "db unread notifications")
}

// MarkNotificationRead only touches rows owned by userID.
func (s *SQLite) MarkNotificationRead(ctx context.Context, userID, id int64, now time.Time) error {
	res, err := s.exec(ctx, `UPDATE notifications SET read_at = COALESCE(read_at, ?) WHERE id = ? AND user_id = ?`,
		unix(now), id, userID)
	if err != nil {
		return errors.Wrap(err, "db mark notification")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotificationNotFound
	}
	return nil
}

func (s *SQLite) MarkAllNotificationsRead(ctx context.Context, userID int64, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `UPDATE notifications SET read_at = ? WHERE user_id = ? AND read_at IS NULL`, unix(now), userID)
	if err != nil {
		return 0, errors.Wrap(err, "db mark all notifications")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
