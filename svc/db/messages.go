package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"pasteforge/pkg/domain"
)

const messageSelect = `SELECT m.id, m.sender_id, s.username, m.recipient_id, r.username, m.body, m.read_at, m.created_at
	FROM messages m JOIN users s ON s.id = m.sender_id JOIN users r ON r.id = m.recipient_id`

func (s *SQLite) listMessages(ctx context.Context, q string, args []any) ([]*domain.Message, error) {
	out := make([]*domain.Message, 0)
	err := s.query(ctx, q, args, func(r *sql.Rows) error {
		var m domain.Message
		var read sql.NullInt64
		var created int64
		if err := r.Scan(&m.ID, &m.SenderID, &m.Sender, &m.RecipientID, &m.Recipient, &m.Body, &read, &created); err != nil {
			return err
		}
		m.ReadAt = timePtr(read)
		m.CreatedAt = fromUnix(created)
		out = append(out, &m)
		return nil
	})
	return out, err
}

func (s *SQLite) CreateMessage(ctx context.Context, m *domain.Message) error {
	res, err := s.exec(ctx, `INSERT INTO messages (sender_id, recipient_id, body, created_at) VALUES (?, ?, ?, ?)`,
		m.SenderID, m.RecipientID, m.Body, unix(m.CreatedAt))
	if err != nil {
		return errors.Wrap(err, "db create message")
	}
	m.ID, err = res.LastInsertId()
	return errors.Wrap(err, "db message id")
}

// Inbox lists messages received by userID, newest first.
func (s *SQLite) Inbox(ctx context.Context, userID int64, page domain.Page) ([]*domain.Message, error) {
	page.Normalize(50, 200)
	out, err := s.listMessages(ctx, messageSelect+` WHERE m.recipient_id = ?
		ORDER BY m.created_at DESC, m.id DESC LIMIT ? OFFSET ?`, []any{userID, page.Limit, page.Offset})
	return out, errors.Wrap(err, "db inbox")
}

// Conversation lists messages between a and b in both directions, oldest first.
func (s *SQLite) Conversation(ctx context.Context, a, b int64, page domain.Page) ([]*domain.Message, error) {
	page.Normalize(100, 500)
	out, err := s.listMessages(ctx, messageSelect+` WHERE (m.sender_id = ? AND m.recipient_id = ?)
		OR (m.sender_id = ? AND m.recipient_id = ?)
		ORDER BY m.created_at, m.id LIMIT ? OFFSET ?`, []any{a, b, b, a, page.Limit, page.Offset})
	return out, errors.Wrap(err, "db conversation")
}

// MarkConversationRead marks everything from sender to recipient as read.
func (s *SQLite) MarkConversationRead(ctx context.Context, recipientID, senderID int64, now time.Time) error {
	_, err := s.exec(ctx, `UPDATE messages SET read_at = ? WHERE recipient_id = ? AND sender_id = ? AND read_at IS NULL`,
		unix(now), recipientID, senderID)
	return errors.Wrap(err, "db mark read")
}

func (s *SQLite) UnreadMessages(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM messages WHERE recipient_id = ? AND read_at IS NULL`, []any{userID}, &n)
	return n, errors.Wrap(err, "db unread messages")
}
