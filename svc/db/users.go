package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"pasteforge/pkg/domain"
)

const userCols = `id, username, email, password_hash, display_name, bio, website, avatar_url, role, created_at`

func scanUser(r scanner) (*domain.User, error) {
	var u domain.User
	var created int64
	if err := r.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.DisplayName,
		&u.Bio, &u.Website, &u.AvatarURL, &u.Role, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromUnix(created)
	return &u, nil
}

func (s *SQLite) CreateUser(ctx context.Context, u *domain.User) error {
	if u.Role == "" {
		u.Role = domain.RoleUser
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.exec(ctx, `INSERT INTO users (username, email, password_hash, display_name, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`, u.Username, u.Email, u.PasswordHash, u.DisplayName, u.Role, unix(u.CreatedAt))
	switch {
	case uniqueViolation(err, "users.username"):
		return domain.ErrUsernameTaken
	case uniqueViolation(err, "users.email"):
		return domain.ErrEmailTaken
	case err != nil:
		return errors.Wrap(err, "db create user")
	}
	u.ID, err = res.LastInsertId()
	return errors.Wrap(err, "db user id")
}

func (s *SQLite) getUser(ctx context.Context, where string, arg any) (*domain.User, error) {
	var u *domain.User
	err := s.query(ctx, `SELECT `+userCols+` FROM users WHERE `+where+` LIMIT 1`, []any{arg}, func(r *sql.Rows) error {
		var err error
		u, err = scanUser(r)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "db get user")
	}
	if u == nil {
		return nil, domain.ErrUserNotFound
	}
	return u, nil
}

func (s *SQLite) UserByID(ctx context.Context, id int64) (*domain.User, error) {
	return s.getUser(ctx, "id = ?", id)
}

func (s *SQLite) UserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return s.getUser(ctx, "username = ?", username)
}

// UserByLogin matches either the username or the email.
func (s *SQLite) UserByLogin(ctx context.Context, login string) (*domain.User, error) {
	var u *domain.User
	err := s.query(ctx, `SELECT `+userCols+` FROM users WHERE username = ? OR email = ? LIMIT 1`,
		[]any{login, login}, func(r *sql.Rows) error {
			var err error
			u, err = scanUser(r)
			return err
		})
	if err != nil {
		return nil, errors.Wrap(err, "db get user")
	}
	if u == nil {
		return nil, domain.ErrUserNotFound
	}
	return u, nil
}

func (s *SQLite) UpdateProfile(ctx context.Context, u *domain.User) error {
	_, err := s.exec(ctx, `UPDATE users SET display_name = ?, bio = ?, website = ?, avatar_url = ? WHERE id = ?`,
		u.DisplayName, u.Bio, u.Website, u.AvatarURL, u.ID)
	return errors.Wrap(err, "db update profile")
}

func (s *SQLite) UpdatePasswordHash(ctx context.Context, userID int64, hash string) error {
	_, err := s.exec(ctx, `UPDATE users SET password_hash = ? WHERE id = ?`, hash, userID)
	return errors.Wrap(err, "db update password")
}

func (s *SQLite) SetRole(ctx context.Context, userID int64, role string) error {
	res, err := s.exec(ctx, `UPDATE users SET role = ? WHERE id = ?`, role, userID)
	if err != nil {
		return errors.Wrap(err, "db set role")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}
