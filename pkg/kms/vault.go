package kms

import (
	"context"
	"encoding/base64"
	"os"
	"path"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

// transit wraps keys with Vault's transit engine and reads secrets from a
// KV v2 mount.
type transit struct {
	client *vault.Client
	mount  string
	key    string
	kvPath string
}

func newTransit(ctx context.Context, addr string) (*transit, error) {
	vc := vault.DefaultConfig()
	vc.Address = addr
	vc.Timeout = 5 * time.Second
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, err
	}
	token := os.Getenv("VAULT_TOKEN")
	if f := os.Getenv("VAULT_TOKEN_FILE"); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		token = strings.TrimSpace(string(b))
	}
	if token != "" {
		client.SetToken(token)
	}
	hctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(hctx); err != nil {
		return nil, errors.Wrap(err, "health")
	}
	return &transit{
		client: client,
		mount:  envOr("VAULT_MOUNT_PATH", "transit"),
		key:    envOr("VAULT_KEY_ID", "pasteforge-master"),
		kvPath: envOr("VAULT_SECRET_PATH", "secret/data/pasteforge"),
	}, nil
}

func (t *transit) write(ctx context.Context, op string, data map[string]any, encContext []byte) (map[string]any, error) {
	if len(encContext) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(encContext)
	}
	s, err := t.client.Logical().WriteWithContext(ctx, path.Join(t.mount, op, t.key), data)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.Errorf("transit %s: empty response", op)
	}
	return s.Data, nil
}

func (t *transit) EncryptWithContext(ctx context.Context, plaintext, encContext []byte) ([]byte, error) {
	out, err := t.write(ctx, "encrypt", map[string]any{"plaintext": base64.StdEncoding.EncodeToString(plaintext)}, encContext)
	if err != nil {
		return nil, err
	}
	ct, ok := out["ciphertext"].(string)
	if !ok {
		return nil, errors.New("transit encrypt: no ciphertext")
	}
	return []byte(ct), nil
}

func (t *transit) DecryptWithContext(ctx context.Context, ciphertext, encContext []byte) ([]byte, error) {
	// transit ciphertexts are "vault:vN:..." strings, anything else was
	// wrapped by another provider
	if !strings.HasPrefix(string(ciphertext), "vault:") {
		return nil, errors.New("not a transit ciphertext")
	}
	out, err := t.write(ctx, "decrypt", map[string]any{"ciphertext": string(ciphertext)}, encContext)
	if err != nil {
		return nil, err
	}
	pt, ok := out["plaintext"].(string)
	if !ok {
		return nil, errors.New("transit decrypt: no plaintext")
	}
	return base64.StdEncoding.DecodeString(pt)
}

func (t *transit) GetSecret(ctx context.Context, key string) (string, error) {
	s, err := t.client.Logical().ReadWithContext(ctx, path.Join(t.kvPath, key))
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", errors.Errorf("%s not found", key)
	}
	data, _ := s.Data["data"].(map[string]any)
	v, ok := data["value"].(string)
	if !ok {
		return "", errors.Errorf("%s has no string value field", key)
	}
	return v, nil
}
