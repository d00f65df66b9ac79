package kms

import (
	"context"
	"encoding/base64"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/pkg/errors"
)

// awsKMS wraps keys with a KMS master key and reads secrets from Secrets
// Manager.
type awsKMS struct {
	keys    *kms.Client
	secrets *secretsmanager.Client
	keyID   string
}

func newAWSKMS(ctx context.Context, region string) (*awsKMS, error) {
	ac, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &awsKMS{
		keys:    kms.NewFromConfig(ac),
		secrets: secretsmanager.NewFromConfig(ac),
		keyID:   envOr("KMS_MASTER_KEY_ID", "alias/pasteforge-master"),
	}, nil
}

func awsContext(encContext []byte) map[string]string {
	if len(encContext) == 0 {
		return nil
	}
	return map[string]string{"context": base64.StdEncoding.EncodeToString(encContext)}
}

func (a *awsKMS) EncryptWithContext(ctx context.Context, plaintext, encContext []byte) ([]byte, error) {
	out, err := a.keys.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             &a.keyID,
		Plaintext:         plaintext,
		EncryptionContext: awsContext(encContext),
	})
	if err != nil {
		return nil, err
	}
	return out.CiphertextBlob, nil
}

func (a *awsKMS) DecryptWithContext(ctx context.Context, ciphertext, encContext []byte) ([]byte, error) {
	out, err := a.keys.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob:    ciphertext,
		EncryptionContext: awsContext(encContext),
	})
	if err != nil {
		return nil, err
	}
	return out.Plaintext, nil
}

func (a *awsKMS) GetSecret(ctx context.Context, key string) (string, error) {
	out, err := a.secrets.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &key})
	if err != nil {
		return "", err
	}
	if out.SecretString == nil {
		return "", errors.Errorf("%s is a binary secret", key)
	}
	return *out.SecretString, nil
}
