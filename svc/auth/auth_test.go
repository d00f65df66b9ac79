package auth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"pasteforge/pkg/domain"
)

var testPepper = []byte("0123456789abcdef0123456789abcdef")

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher(1, 1024, 1, testPepper)
	if err != nil {
		t.Fatal(err)
	}
	h.SetMinVerifyDuration(0)
	if err := h.Start(2); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h
}

func TestHashVerify(t *testing.T) {
	h := newTestHasher(t)
	hash, err := h.Hash(context.Background(), "correct horse")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$m=1024,t=1,p=1$") {
		t.Errorf("unexpected encoding %s", hash)
	}
	if ok, stale := h.Verify("correct horse", hash); !ok || stale {
		t.Errorf("Verify = %v, %v", ok, stale)
	}
	if ok, _ := h.Verify("wrong", hash); ok {
		t.Error("wrong password accepted")
	}
	if ok, _ := h.Verify("x", "garbage"); ok {
		t.Error("malformed hash accepted")
	}
	if ok, _ := h.Verify(strings.Repeat("a", maxPasswordLength+1), hash); ok {
		t.Error("oversized password accepted")
	}
}

func TestPepperMatters(t *testing.T) {
	h := newTestHasher(t)
	hash, _ := h.Hash(context.Background(), "pw123456")
	other, _ := NewHasher(1, 1024, 1, []byte("ffffffffffffffffffffffffffffffff"))
	other.SetMinVerifyDuration(0)
	if ok, _ := other.Verify("pw123456", hash); ok {
		t.Error("hash verified under a different pepper")
	}
}

func TestRehashStaleParams(t *testing.T) {
	h := newTestHasher(t)
	old, _ := NewHasher(2, 1024, 1, testPepper)
	old.SetMinVerifyDuration(0)
	old.Start(1)
	defer old.Stop()
	stale, _ := old.Hash(context.Background(), "password1")
	fresh, changed, err := h.RehashIfNeeded(context.Background(), "password1", stale)
	if err != nil || !changed || fresh == stale {
		t.Fatalf("RehashIfNeeded = %q, %v, %v", fresh, changed, err)
	}
	if ok, st := h.Verify("password1", fresh); !ok || st {
		t.Error("rehashed value should verify without staleness")
	}
}

func TestLegacyBcryptUpgrade(t *testing.T) {
	h := newTestHasher(t)
	legacy, err := bcrypt.GenerateFromPassword([]byte("hunter22"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	if ok, stale := h.Verify("hunter22", string(legacy)); !ok || !stale {
		t.Errorf("legacy verify = %v, %v", ok, stale)
	}
	y := "$2y$" + string(legacy)[4:]
	if ok, _ := h.Verify("hunter22", y); !ok {
		t.Error("$2y$ variant rejected")
	}
	upgraded, changed, err := h.RehashIfNeeded(context.Background(), "hunter22", string(legacy))
	if err != nil || !changed || !strings.HasPrefix(upgraded, "$argon2id$") {
		t.Errorf("upgrade = %q %v %v", upgraded, changed, err)
	}
	if _, _, err := h.RehashIfNeeded(context.Background(), "nope", string(legacy)); err == nil {
		t.Error("mismatch should error")
	}
}

func TestHashNotStarted(t *testing.T) {
	h, _ := NewHasher(1, 1024, 1, testPepper)
	if _, err := h.Hash(context.Background(), "x"); err == nil {
		t.Error("expected error before Start")
	}
}

func TestNewHasherRejectsShortPepper(t *testing.T) {
	if _, err := NewHasher(1, 1024, 1, []byte("short")); err == nil {
		t.Error("short pepper accepted")
	}
}

type memRevoker struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (r *memRevoker) RevokeToken(_ context.Context, jti string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[jti] = until
	return nil
}

func (r *memRevoker) IsRevoked(_ context.Context, jti string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[jti]
	return ok, nil
}

func TestSessionRoundTripAndRevoke(t *testing.T) {
	rev := &memRevoker{m: map[string]time.Time{}}
	s, err := NewSessions([]byte(strings.Repeat("k", 32)), time.Hour, rev)
	if err != nil {
		t.Fatal(err)
	}
	tok, issued, err := s.Issue(&domain.User{ID: 7, Username: "neo", Role: domain.RoleUser})
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Parse(context.Background(), tok)
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID != 7 || got.Username != "neo" || got.TokenID != issued.TokenID {
		t.Errorf("session = %+v", got)
	}
	if err := s.Revoke(context.Background(), got); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Parse(context.Background(), tok); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("revoked token: %v", err)
	}
}

func TestSessionRejects(t *testing.T) {
	s, _ := NewSessions([]byte(strings.Repeat("k", 32)), time.Hour, nil)
	other, _ := NewSessions([]byte(strings.Repeat("z", 32)), time.Hour, nil)
	tok, _, _ := other.Issue(&domain.User{ID: 1, Username: "x"})
	if _, err := s.Parse(context.Background(), tok); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("foreign signature: %v", err)
	}
	past := time.Now().Add(-2 * time.Hour)
	s.now = func() time.Time { return past }
	old, _, _ := s.Issue(&domain.User{ID: 1, Username: "x"})
	s.now = time.Now
	if _, err := s.Parse(context.Background(), old); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("expired token: %v", err)
	}
	if _, err := s.Parse(context.Background(), "not.a.jwt"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Errorf("garbage: %v", err)
	}
}
