package svc

import (
	"context"
	"strings"
	"time"

	"pasteforge/metrics"
	"pasteforge/pkg/domain"
	"pasteforge/svc/db"
)

type Comments struct {
	db     *db.SQLite
	pastes *Paste
	social *Social
	now    func() time.Time
}

func NewComments(store *db.SQLite, pastes *Paste, social *Social) *Comments {
	return &Comments{db: store, pastes: pastes, social: social, now: time.Now}
}

// List requires the paste to pass the same gates as reading it.
func (c *Comments) List(ctx context.Context, v domain.Viewer, pasteID, password string, page domain.Page) ([]*domain.Comment, error) {
	if _, err := c.pastes.Peek(ctx, v, pasteID, password); err != nil {
		return nil, err
	}
	return c.db.CommentsForPaste(ctx, pasteID, page)
}

func (c *Comments) Create(ctx context.Context, v domain.Viewer, pasteID, password, content string) (*domain.Comment, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	content = strings.TrimSpace(sanitizeContent(content))
	if content == "" {
		return nil, domain.ErrBodyRequired
	}
	if len([]rune(content)) > domain.MaxCommentLength {
		return nil, domain.ErrTextTooLong
	}
	paste, err := c.pastes.Peek(ctx, v, pasteID, password)
	if err != nil {
		return nil, err
	}
	cm := &domain.Comment{PasteID: paste.ID, UserID: v.UserID, Content: content, CreatedAt: c.now().UTC()}
	if err := c.db.CreateComment(ctx, cm); err != nil {
		return nil, err
	}
	saved, err := c.db.Comment(ctx, cm.ID)
	if err != nil {
		return nil, err
	}
	metrics.SocialEvents.WithLabelValues("comment").Inc()
	if paste.OwnerID != nil {
		c.social.notify(ctx, *paste.OwnerID, v.UserID, domain.NotifyComment, paste.ID)
	}
	return saved, nil
}

// Delete is allowed for the author, the paste owner and admins.
func (c *Comments) Delete(ctx context.Context, v domain.Viewer, id int64) error {
	if !v.Authenticated() {
		return domain.ErrUnauthorized
	}
	cm, err := c.db.Comment(ctx, id)
	if err != nil {
		return err
	}
	allowed := v.IsAdmin() || cm.UserID == v.UserID
	if !allowed {
		paste, err := c.db.GetPaste(ctx, cm.PasteID)
		if err != nil {
			return err
		}
		allowed = paste.OwnedBy(v.UserID)
	}
	if !allowed {
		return domain.ErrForbidden
	}
	return c.db.DeleteComment(ctx, id)
}
