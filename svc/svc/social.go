package svc

import (
	"context"
	"strconv"
	"strings"
	"time"

	"pasteforge/metrics"
	"pasteforge/pkg/domain"
	"pasteforge/svc/db"
	"pasteforge/svc/util"
)

// Social covers follows, direct messages and notifications.
type Social struct {
	db  *db.SQLite
	now func() time.Time
}

func NewSocial(store *db.SQLite) *Social {
	return &Social{db: store, now: time.Now}
}

// notify never fails the caller's action.
func (s *Social) notify(ctx context.Context, userID, actorID int64, kind, ref string) {
	if userID == actorID {
		return
	}
	n := &domain.Notification{UserID: userID, ActorID: actorID, Kind: kind, RefID: ref, CreatedAt: s.now().UTC()}
	if err := s.db.CreateNotification(ctx, n); err != nil {
		util.Ctx(ctx).Warn().Err(err).Str("kind", kind).Msg("notification not stored")
	}
}

func (s *Social) Follow(ctx context.Context, v domain.Viewer, username string) error {
	if !v.Authenticated() {
		return domain.ErrUnauthorized
	}
	target, err := s.db.UserByUsername(ctx, username)
	if err != nil {
		return err
	}
	if err := s.db.Follow(ctx, v.UserID, target.ID, s.now()); err != nil {
		return err
	}
	metrics.SocialEvents.WithLabelValues("follow").Inc()
	s.notify(ctx, target.ID, v.UserID, domain.NotifyFollow, strconv.FormatInt(v.UserID, 10))
	return nil
}

func (s *Social) Unfollow(ctx context.Context, v domain.Viewer, username string) error {
	if !v.Authenticated() {
		return domain.ErrUnauthorized
	}
	target, err := s.db.UserByUsername(ctx, username)
	if err != nil {
		return err
	}
	return s.db.Unfollow(ctx, v.UserID, target.ID)
}

func (s *Social) Followers(ctx context.Context, username string, page domain.Page) ([]*domain.User, error) {
	u, err := s.db.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.db.Followers(ctx, u.ID, page)
}

func (s *Social) Following(ctx context.Context, username string, page domain.Page) ([]*domain.User, error) {
	u, err := s.db.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	return s.db.Following(ctx, u.ID, page)
}

func (s *Social) SendMessage(ctx context.Context, v domain.Viewer, recipient, body string) (*domain.Message, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	body = strings.TrimSpace(sanitizeContent(body))
	if body == "" {
		return nil, domain.ErrBodyRequired
	}
	if len([]rune(body)) > domain.MaxMessageLength {
		return nil, domain.ErrTextTooLong
	}
	to, err := s.db.UserByUsername(ctx, recipient)
	if err != nil {
		return nil, err
	}
	if to.ID == v.UserID {
		return nil, domain.ErrSelfMessage
	}
	m := &domain.Message{SenderID: v.UserID, RecipientID: to.ID, Recipient: to.Username, Body: body, CreatedAt: s.now().UTC()}
	if err := s.db.CreateMessage(ctx, m); err != nil {
		return nil, err
	}
	if me, err := s.db.UserByID(ctx, v.UserID); err == nil {
		m.Sender = me.Username
	}
	metrics.SocialEvents.WithLabelValues("message").Inc()
	s.notify(ctx, to.ID, v.UserID, domain.NotifyMessage, strconv.FormatInt(m.ID, 10))
	return m, nil
}

func (s *Social) Inbox(ctx context.Context, v domain.Viewer, page domain.Page) ([]*domain.Message, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	return s.db.Inbox(ctx, v.UserID, page)
}

// Conversation returns the thread with username and marks what v received
// in it as read.
func (s *Social) Conversation(ctx context.Context, v domain.Viewer, username string, page domain.Page) ([]*domain.Message, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	other, err := s.db.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	msgs, err := s.db.Conversation(ctx, v.UserID, other.ID, page)
	if err != nil {
		return nil, err
	}
	if err := s.db.MarkConversationRead(ctx, v.UserID, other.ID, s.now()); err != nil {
		return nil, err
	}
	return msgs, nil
}

// NotificationFeed is the notifications listing plus unread counters.
type NotificationFeed struct {
	Items          []*domain.Notification `json:"items"`
	Unread         int                    `json:"unread"`
	UnreadMessages int                    `json:"unread_messages"`
}

func (s *Social) Notifications(ctx context.Context, v domain.Viewer, unreadOnly bool, page domain.Page) (*NotificationFeed, error) {
	if !v.Authenticated() {
		return nil, domain.ErrUnauthorized
	}
	items, err := s.db.Notifications(ctx, v.UserID, unreadOnly, page)
	if err != nil {
		return nil, err
	}
	unread, err := s.db.UnreadNotifications(ctx, v.UserID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.db.UnreadMessages(ctx, v.UserID)
	if err != nil {
		return nil, err
	}
	return &NotificationFeed{Items: items, Unread: unread, UnreadMessages: msgs}, nil
}

func (s *Social) MarkRead(ctx context.Context, v domain.Viewer, id int64) error {
	if !v.Authenticated() {
		return domain.ErrUnauthorized
	}
	return s.db.MarkNotificationRead(ctx, v.UserID, id, s.now())
}

func (s *Social) MarkAllRead(ctx context.Context, v domain.Viewer) (int64, error) {
	if !v.Authenticated() {
		return 0, domain.ErrUnauthorized
	}
	return s.db.MarkAllNotificationsRead(ctx, v.UserID, s.now())
}
