package kms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope seals paste content under a fresh per-paste DEK and wraps the DEK
// with the KMS, bound to the paste id.
type Envelope struct {
	adapter *Adapter
	keks    *KEKCache
}

func NewEnvelope(adapter *Adapter, kekTTL time.Duration) *Envelope {
	return &Envelope{adapter: adapter, keks: NewKEKCache(adapter, kekTTL)}
}

func pasteContext(id string) EncryptionContext {
	return EncryptionContext{"paste_id": id}
}

func (e *Envelope) Seal(ctx context.Context, pasteID string, plaintext []byte) (blob, wrappedDEK []byte, err error) {
	dek, err := GenerateDEK()
	if err != nil {
		return nil, nil, fmt.Errorf("generate dek: %w", err)
	}
	defer wipeBytes(dek)
	blob, err = AEADSeal(plaintext, dek, []byte(pasteID))
	if err != nil {
		return nil, nil, fmt.Errorf("seal blob: %w", err)
	}
	wrappedDEK, err = e.adapter.Encrypt(ctx, dek, pasteContext(pasteID))
	if err != nil {
		return nil, nil, fmt.Errorf("wrap dek: %w", err)
	}
	return blob, wrappedDEK, nil
}

func (e *Envelope) Open(ctx context.Context, pasteID string, blob, wrappedDEK []byte) ([]byte, error) {
	dek, err := e.keks.DecryptDEK(ctx, wrappedDEK, pasteContext(pasteID))
	if err != nil {
		return nil, fmt.Errorf("unwrap dek: %w", err)
	}
	defer wipeBytes(dek)
	pt, err := AEADOpen(blob, dek, []byte(pasteID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return pt, nil
}

func (e *Envelope) Forget(wrappedDEK []byte) {
	e.keks.Forget(wrappedDEK)
}

func (e *Envelope) Stop() {
	e.keks.Stop()
}

func GenerateDEK() ([]byte, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	return dek, nil
}

func AEADSeal(plaintext, dek, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

func AEADOpen(ciphertext, dek, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	return aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], ad)
}
