package svc

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"pasteforge/metrics"
	"pasteforge/pkg/domain"
	"pasteforge/svc/auth"
	"pasteforge/svc/db"
	"pasteforge/svc/util"
)

const minPasswordLength = 8

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{3,32}$`)

type Users struct {
	db       *db.SQLite
	hasher   *auth.Hasher
	sessions *auth.Sessions
	validate *validator.Validate
	now      func() time.Time
}

func NewUsers(store *db.SQLite, h *auth.Hasher, s *auth.Sessions) *Users {
	return &Users{db: store, hasher: h, sessions: s, validate: validator.New(), now: time.Now}
}

// Auth is what register and login hand back to the transport layer.
type Auth struct {
	User    *domain.User
	Token   string
	Session *domain.Session
}

func (u *Users) Register(ctx context.Context, p domain.RegisterParams) (*Auth, error) {
	p.Username = strings.TrimSpace(p.Username)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	if !usernameRe.MatchString(p.Username) {
		return nil, domain.ErrInvalidUsername
	}
	if err := u.validate.Var(p.Email, "required,email,max=254"); err != nil {
		return nil, domain.ErrInvalidEmail
	}
	if len(p.Password) < minPasswordLength {
		return nil, domain.ErrWeakPassword
	}
	hash, err := u.hasher.Hash(ctx, p.Password)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	user := &domain.User{
		Username:     p.Username,
		Email:        p.Email,
		PasswordHash: hash,
		DisplayName:  p.Username,
		Role:         domain.RoleUser,
		CreatedAt:    u.now().UTC().Truncate(time.Second),
	}
	if err := u.db.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	metrics.AuthEvents.WithLabelValues("register").Inc()
	util.Ctx(ctx).Info().Int64("user_id", user.ID).Str("email", util.RedactEmail(user.Email)).Msg("user registered")
	return u.issue(user)
}

func (u *Users) issue(user *domain.User) (*Auth, error) {
	token, sess, err := u.sessions.Issue(user)
	if err != nil {
		return nil, err
	}
	return &Auth{User: user, Token: token, Session: sess}, nil
}

// Login accepts a username or email. Every failure is INVALID_CREDENTIALS.
func (u *Users) Login(ctx context.Context, login, password string) (*Auth, error) {
	user, err := u.db.UserByLogin(ctx, strings.TrimSpace(login))
	if errors.Is(err, domain.ErrUserNotFound) {
		u.hasher.VerifyUnknown(password)
		metrics.AuthEvents.WithLabelValues("login_failed").Inc()
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, stale := u.hasher.Verify(password, user.PasswordHash)
	if !ok {
		metrics.AuthEvents.WithLabelValues("login_failed").Inc()
		return nil, domain.ErrInvalidCredentials
	}
	if stale {
		if fresh, err := u.hasher.Hash(ctx, password); err != nil {
			util.Ctx(ctx).Warn().Err(err).Int64("user_id", user.ID).Msg("password rehash failed")
		} else if err := u.db.UpdatePasswordHash(ctx, user.ID, fresh); err != nil {
			util.Ctx(ctx).Warn().Err(err).Int64("user_id", user.ID).Msg("password rehash not stored")
		} else {
			user.PasswordHash = fresh
			metrics.AuthEvents.WithLabelValues("rehash").Inc()
		}
	}
	metrics.AuthEvents.WithLabelValues("login").Inc()
	return u.issue(user)
}

func (u *Users) Logout(ctx context.Context, sess *domain.Session) error {
	if err := u.sessions.Revoke(ctx, sess); err != nil {
		return err
	}
	metrics.AuthEvents.WithLabelValues("logout").Inc()
	return nil
}

// Authenticate resolves a session token. The user must still exist; its
// current role wins over the role in the token.
func (u *Users) Authenticate(ctx context.Context, token string) (*domain.Session, *domain.User, error) {
	sess, err := u.sessions.Parse(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	user, err := u.db.UserByID(ctx, sess.UserID)
	if errors.Is(err, domain.ErrUserNotFound) {
		return nil, nil, domain.ErrUnauthorized
	}
	if err != nil {
		return nil, nil, err
	}
	sess.Role = user.Role
	return sess, user, nil
}

func (u *Users) Me(ctx context.Context, userID int64) (*domain.User, error) {
	return u.db.UserByID(ctx, userID)
}

func (u *Users) UpdateProfile(ctx context.Context, userID int64, p domain.ProfileParams) (*domain.User, error) {
	user, err := u.db.UserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := func(dst *string, src *string, max int) error {
		if src == nil {
			return nil
		}
		v := strings.TrimSpace(*src)
		if len([]rune(v)) > max {
			return domain.ErrTextTooLong
		}
		*dst = v
		return nil
	}
	if err := set(&user.DisplayName, p.DisplayName, 64); err != nil {
		return nil, err
	}
	if err := set(&user.Bio, p.Bio, 500); err != nil {
		return nil, err
	}
	if err := set(&user.Website, p.Website, 200); err != nil {
		return nil, err
	}
	if err := set(&user.AvatarURL, p.AvatarURL, 500); err != nil {
		return nil, err
	}
	for _, link := range []string{user.Website, user.AvatarURL} {
		if link != "" && u.validate.Var(link, "url,startswith=http") != nil {
			return nil, domain.ErrInvalidRequest
		}
	}
	if err := u.db.UpdateProfile(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (u *Users) ChangePassword(ctx context.Context, userID int64, current, next string) error {
	user, err := u.db.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	if ok, _ := u.hasher.Verify(current, user.PasswordHash); !ok {
		return domain.ErrInvalidCredentials
	}
	if len(next) < minPasswordLength {
		return domain.ErrWeakPassword
	}
	hash, err := u.hasher.Hash(ctx, next)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}
	metrics.AuthEvents.WithLabelValues("password_changed").Inc()
	return u.db.UpdatePasswordHash(ctx, userID, hash)
}

func (u *Users) Profile(ctx context.Context, v domain.Viewer, username string) (*domain.Profile, error) {
	user, err := u.db.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	self := v.UserID == user.ID
	count, err := u.db.CountByUser(ctx, user.ID, self || v.IsAdmin(), u.now())
	if err != nil {
		return nil, err
	}
	followers, following, err := u.db.FollowCounts(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	prof := &domain.Profile{User: user.Public(), PasteCount: count, Followers: followers, Following: following}
	if v.Authenticated() && !self {
		if prof.IsFollowed, err = u.db.IsFollowing(ctx, v.UserID, user.ID); err != nil {
			return nil, err
		}
	}
	return prof, nil
}

// Promote sets a user's role; used by the admin CLI.
func (u *Users) Promote(ctx context.Context, username, role string) error {
	if role != domain.RoleUser && role != domain.RoleAdmin {
		return domain.ErrInvalidRequest
	}
	user, err := u.db.UserByUsername(ctx, username)
	if err != nil {
		return err
	}
	return u.db.SetRole(ctx, user.ID, role)
}
