// Package kms wraps the key management backends used to protect paste
// content at rest and to fetch bootstrap secrets.
package kms

import (
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
)

const callTimeout = 10 * time.Second

// EncryptionContext is authenticated alongside wrapped keys. It is
// serialized in key order so both sides agree on the bytes.
type EncryptionContext map[string]string

type Provider interface {
	EncryptWithContext(ctx context.Context, plaintext, encContext []byte) ([]byte, error)
	DecryptWithContext(ctx context.Context, ciphertext, encContext []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

type backend struct {
	name string
	Provider
}

// Adapter is an ordered chain of providers. New keys are always wrapped by
// the first one; unwrapping and secret lookups walk the chain, so DEKs
// wrapped by the local key stay readable after Vault or AWS is added.
type Adapter struct {
	chain []backend
}

// NewAdapter builds the chain from the environment: Vault (VAULT_ADDR),
// AWS KMS (AWS_REGION), then the local key (KMS_LOCAL_KEY) unless
// KMS_REQUIRE_PRIMARY is true.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	var (
		chain   []backend
		skipped []string
	)
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		vp, err := newTransit(ctx, addr)
		if err != nil {
			skipped = append(skipped, "vault: "+err.Error())
		} else {
			chain = append(chain, backend{"vault", vp})
		}
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		ap, err := newAWSKMS(ctx, region)
		if err != nil {
			skipped = append(skipped, "aws: "+err.Error())
		} else {
			chain = append(chain, backend{"aws", ap})
		}
	}
	requirePrimary := strings.EqualFold(os.Getenv("KMS_REQUIRE_PRIMARY"), "true")
	if requirePrimary && len(chain) == 0 {
		return nil, errors.Errorf("KMS_REQUIRE_PRIMARY is set but no remote provider is usable [%s]", strings.Join(skipped, "; "))
	}
	if key := os.Getenv("KMS_LOCAL_KEY"); key != "" && !requirePrimary {
		lp, err := localFromBase64(key)
		if err != nil {
			return nil, errors.Wrap(err, "KMS_LOCAL_KEY")
		}
		chain = append(chain, backend{"local", lp})
	}
	if len(chain) == 0 {
		return nil, errors.Wrapf(ErrProviderUnavailable, "set VAULT_ADDR, AWS_REGION or KMS_LOCAL_KEY [%s]", strings.Join(skipped, "; "))
	}
	return &Adapter{chain: chain}, nil
}

// NewLocalAdapter builds an adapter backed only by a 32 byte AES key.
func NewLocalAdapter(key []byte) (*Adapter, error) {
	lp, err := newLocal(key)
	if err != nil {
		return nil, err
	}
	return &Adapter{chain: []backend{{"local", lp}}}, nil
}

// Providers names the chain in order.
func (a *Adapter) Providers() []string {
	out := make([]string, len(a.chain))
	for i, b := range a.chain {
		out[i] = b.name
	}
	return out
}

func (a *Adapter) Encrypt(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	if len(a.chain) == 0 {
		return nil, ErrProviderUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	b := a.chain[0]
	out, err := b.EncryptWithContext(ctx, plaintext, serializeEncryptionContext(encContext))
	return out, errors.Wrapf(err, "%s encrypt", b.name)
}

func (a *Adapter) Decrypt(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	if len(a.chain) == 0 {
		return nil, ErrProviderUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	ec := serializeEncryptionContext(encContext)
	var failures []string
	for _, b := range a.chain {
		pt, err := b.DecryptWithContext(ctx, ciphertext, ec)
		if err == nil {
			return pt, nil
		}
		failures = append(failures, b.name+": "+err.Error())
	}
	return nil, errors.Wrap(ErrDecryptionFailed, strings.Join(failures, "; "))
}

// GetSecret resolves bootstrap secrets such as the JWT signing key. The
// first provider holding a non-empty value wins.
func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if len(a.chain) == 0 {
		return "", ErrProviderUnavailable
	}
	var last error
	for _, b := range a.chain {
		v, err := b.GetSecret(ctx, key)
		if err == nil && v != "" {
			return v, nil
		}
		if err == nil {
			err = errors.New("empty value")
		}
		last = errors.Wrapf(err, "%s", b.name)
	}
	return "", errors.Wrapf(last, "secret %s", key)
}

func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k + "=" + ctx[k] + ";")
	}
	return []byte(sb.String())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
