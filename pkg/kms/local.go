package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"

	"github.com/pkg/errors"
)

// localProvider wraps with an AES-256-GCM key taken from configuration and
// reads secrets from the process environment.
type localProvider struct {
	aead cipher.AEAD
}

func newLocalProvider(key string) (*localProvider, error) {
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, errors.Wrap(err, "KMS_LOCAL_KEY must be base64")
	}
	if len(decoded) != 32 {
		return nil, errors.Errorf("KMS_LOCAL_KEY must decode to 32 bytes, got %d", len(decoded))
	}
	block, err := aes.NewCipher(decoded)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &localProvider{aead: aead}, nil
}
func (l *localProvider) Name() string { return "local" }

func (l *localProvider) EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, plaintext, encContext), nil
}

func (l *localProvider) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nonceSize := l.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	return l.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], encContext)
}

func (l *localProvider) GetSecret(_ context.Context, key string) (string, error) {
	val, ok := os.LookupEnv(key)
	if !ok {
		return "", errors.Errorf("secret not found: %s", key)
	}
	return val, nil
}
