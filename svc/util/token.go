package util

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrTokenExpired   = errors.New("deletion token expired")
	ErrTokenForged    = errors.New("deletion token signature invalid")
	ErrTokenMalformed = errors.New("deletion token malformed")
	ErrTokenUsed      = errors.New("deletion token already used")
)

// UsedTokenTracker remembers consumed tokens so they cannot be replayed.
type UsedTokenTracker interface {
	MarkUsed(ctx context.Context, tokenHash string, ttl time.Duration) error
	IsUsed(ctx context.Context, tokenHash string) (bool, error)
}

// DeletionTokens issues tokens that let an anonymous creator delete their
// paste. A token is expiry||pasteID||HMAC sealed with XChaCha20-Poly1305.
type DeletionTokens struct {
	mu        sync.RWMutex
	key       []byte
	validFor  time.Duration
	replayTTL time.Duration
	tracker   UsedTokenTracker
}

func NewDeletionTokens(secret []byte, validFor, replayTTL time.Duration) (*DeletionTokens, error) {
	if err := validateKeyEntropy(secret); err != nil {
		return nil, err
	}
	if validFor < time.Minute {
		return nil, errors.New("deletion token validity must be at least 1 minute")
	}
	return &DeletionTokens{
		key:       append([]byte(nil), secret[:chacha20poly1305.KeySize]...),
		validFor:  validFor,
		replayTTL: replayTTL,
	}, nil
}

func (d *DeletionTokens) SetTracker(t UsedTokenTracker) {
	d.mu.Lock()
	d.tracker = t
	d.mu.Unlock()
}

func validateKeyEntropy(secret []byte) error {
	if len(secret) < 32 {
		return errors.New("deletion token key must be at least 32 bytes")
	}
	unique := make(map[byte]struct{})
	for _, b := range secret {
		unique[b] = struct{}{}
	}
	if len(unique) < 16 {
		return errors.New("deletion token key has insufficient entropy")
	}
	return nil
}

func (d *DeletionTokens) mac(pasteID string, expiry []byte) []byte {
	m := hmac.New(sha256.New, d.key)
	m.Write([]byte(pasteID))
	m.Write(expiry)
	return m.Sum(nil)
}

func (d *DeletionTokens) Generate(pasteID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	expiry := make([]byte, 8)
	binary.BigEndian.PutUint64(expiry, uint64(time.Now().Add(d.validFor).Unix()))
	payload := make([]byte, 0, 8+len(pasteID)+sha256.Size)
	payload = append(payload, expiry...)
	payload = append(payload, pasteID...)
	payload = append(payload, d.mac(pasteID, expiry)...)
	aead, err := chacha20poly1305.NewX(d.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(aead.Seal(nonce, nonce, payload, nil)), nil
}

// Verify checks the token belongs to pasteID, is unexpired and unused, and
// marks it used when a tracker is configured.
func (d *DeletionTokens) Verify(ctx context.Context, token, pasteID string) error {
	d.mu.RLock()
	key, tracker, replayTTL := d.key, d.tracker, d.replayTTL
	d.mu.RUnlock()
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ErrTokenMalformed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return ErrTokenMalformed
	}
	plain, err := aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
	if err != nil || len(plain) < 8+sha256.Size {
		return ErrTokenForged
	}
	expiry := plain[:8]
	id := string(plain[8 : len(plain)-sha256.Size])
	sig := plain[len(plain)-sha256.Size:]
	if subtle.ConstantTimeCompare(sig, d.mac(id, expiry)) != 1 ||
		subtle.ConstantTimeCompare([]byte(id), []byte(pasteID)) != 1 {
		return ErrTokenForged
	}
	if time.Now().Unix() > int64(binary.BigEndian.Uint64(expiry)) {
		return ErrTokenExpired
	}
	if tracker == nil {
		return nil
	}
	h := HashToken(token)
	used, err := tracker.IsUsed(ctx, h)
	if err != nil {
		return errors.Wrap(err, "token replay check")
	}
	if used {
		return ErrTokenUsed
	}
	return errors.Wrap(tracker.MarkUsed(ctx, h, replayTTL), "mark token used")
}

// HashToken is the form tokens are stored in: never keep raw tokens.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
