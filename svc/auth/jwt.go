package auth

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"pasteforge/pkg/domain"
	"pasteforge/svc/util"
)

const issuerName = "pasteforge"

// Revoker records logged-out token ids until they would have expired anyway.
type Revoker interface {
	RevokeToken(ctx context.Context, jti string, until time.Time) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type Claims struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies HS256 session tokens.
type Sessions struct {
	mu      sync.RWMutex
	secret  []byte
	ttl     time.Duration
	revoker Revoker
	now     func() time.Time
}

func NewSessions(secret []byte, ttl time.Duration, revoker Revoker) (*Sessions, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	return &Sessions{
		secret:  append([]byte(nil), secret...),
		ttl:     ttl,
		revoker: revoker,
		now:     time.Now,
	}, nil
}

func (s *Sessions) TTL() time.Duration { return s.ttl }

func (s *Sessions) Issue(u *domain.User) (string, *domain.Session, error) {
	now := s.now()
	sess := &domain.Session{
		UserID:    u.ID,
		Username:  u.Username,
		Role:      u.Role,
		TokenID:   uuid.NewString(),
		ExpiresAt: now.Add(s.ttl).Truncate(time.Second),
	}
	claims := Claims{
		Username: u.Username,
		Role:     u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuerName,
			Subject:   strconv.FormatInt(u.ID, 10),
			ID:        sess.TokenID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	s.mu.RLock()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	s.mu.RUnlock()
	if err != nil {
		return "", nil, errors.Wrap(err, "sign session")
	}
	return signed, sess, nil
}

// Parse verifies token and checks revocation. Every failure is
// domain.ErrUnauthorized; the cause is only logged.
func (s *Sessions) Parse(ctx context.Context, token string) (*domain.Session, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if len(s.secret) == 0 {
			return nil, errors.New("sessions stopped")
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuerName),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		util.Ctx(ctx).Debug().Err(err).Msg("session rejected")
		return nil, domain.ErrUnauthorized
	}
	uid, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || uid <= 0 || claims.ID == "" {
		return nil, domain.ErrUnauthorized
	}
	if s.revoker != nil {
		revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			return nil, errors.Wrap(err, "revocation check")
		}
		if revoked {
			return nil, domain.ErrUnauthorized
		}
	}
	return &domain.Session{
		UserID:    uid,
		Username:  claims.Username,
		Role:      claims.Role,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

func (s *Sessions) Revoke(ctx context.Context, sess *domain.Session) error {
	if s.revoker == nil || sess == nil || sess.TokenID == "" {
		return nil
	}
	return errors.Wrap(s.revoker.RevokeToken(ctx, sess.TokenID, sess.ExpiresAt), "revoke session")
}

func (s *Sessions) Stop() {
	s.mu.Lock()
	util.Wipe(s.secret)
	s.secret = nil
	s.mu.Unlock()
}
