package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"os"

	"github.com/pkg/errors"
)

// local wraps keys with AES-256-GCM under a key held in the process, and
// reads secrets from the environment.
type local struct {
	aead cipher.AEAD
}

func localFromBase64(s string) (*local, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "must be base64")
	}
	return newLocal(key)
}

func newLocal(key []byte) (*local, error) {
	if len(key) != 32 {
		return nil, errors.Errorf("local key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &local{aead: aead}, nil
}

func (l *local) EncryptWithContext(ctx context.Context, plaintext, encContext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, l.aead.NonceSize(), l.aead.NonceSize()+len(plaintext)+l.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, plaintext, encContext), nil
}

func (l *local) DecryptWithContext(ctx context.Context, ciphertext, encContext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := l.aead.NonceSize()
	if len(ciphertext) < n+l.aead.Overhead() {
		return nil, errors.New("ciphertext too short")
	}
	return l.aead.Open(nil, ciphertext[:n], ciphertext[n:], encContext)
}

func (l *local) GetSecret(ctx context.Context, key string) (string, error) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Errorf("%s not set", key)
	}
	return v, nil
}
