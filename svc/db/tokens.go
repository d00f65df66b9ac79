package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SQLite fallbacks for session revocation and deletion-token replay
// tracking when Redis is not configured.

func (s *SQLite) RevokeToken(ctx context.Context, jti string, until time.Time) error {
	_, err := s.exec(ctx, `INSERT OR REPLACE INTO revoked_tokens (jti, expires_at) VALUES (?, ?)`, jti, unix(until))
	return errors.Wrap(err, "db revoke token")
}

func (s *SQLite) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM revoked_tokens WHERE jti = ?`, []any{jti}, &one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, errors.Wrap(err, "db is revoked")
}

func (s *SQLite) MarkUsed(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if tokenHash == "" {
		return errors.New("token hash cannot be empty")
	}
	_, err := s.exec(ctx, `INSERT OR REPLACE INTO used_tokens (token_hash, expires_at) VALUES (?, ?)`,
		tokenHash, unix(time.Now().Add(ttl)))
	return errors.Wrap(err, "db mark used")
}

func (s *SQLite) IsUsed(ctx context.Context, tokenHash string) (bool, error) {
	var one int
	err := s.queryRow(ctx, `SELECT 1 FROM used_tokens WHERE token_hash = ? AND expires_at > ?`,
		[]any{tokenHash, unix(time.Now())}, &one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, errors.Wrap(err, "db is used")
}

// PruneTokens drops revocation and replay rows past their expiry.
func (s *SQLite) PruneTokens(ctx context.Context, now time.Time) (int64, error) {
	var total int64
	for _, q := range []string{
		`DELETE FROM revoked_tokens WHERE expires_at <= ?`,
		`DELETE FROM used_tokens WHERE expires_at <= ?`,
	} {
		res, err := s.exec(ctx, q, unix(now))
		if err != nil {
			return total, errors.Wrap(err, "db prune tokens")
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
