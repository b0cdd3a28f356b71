package kms

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

type vaultProvider struct {
	client     *vault.Client
	mountPath  string
	keyID      string
	secretPath string
}

func newVaultProvider(ctx context.Context, opts Options) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = opts.VaultAddr
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if opts.VaultTokenFile != "" {
		tokenBytes, err := os.ReadFile(opts.VaultTokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read vault token file")
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if opts.VaultToken != "" {
		client.SetToken(opts.VaultToken)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check")
	}
	return &vaultProvider{
		client:     client,
		mountPath:  orDefault(opts.VaultMountPath, "transit"),
		keyID:      orDefault(opts.VaultKeyID, "secretboard-seal"),
		secretPath: orDefault(opts.VaultSecretPath, "secret/data/secretboard"),
	}, nil
}
func (v *vaultProvider) Name() string { return "vault" }

func (v *vaultProvider) EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID)
	data := map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	}
	if len(encContext) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(encContext)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty encrypt response")
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}

func (v *vaultProvider) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID)
	data := map[string]interface{}{
		"ciphertext": string(ciphertext),
	}
	if len(encContext) > 0 {
		data["context"] = base64.StdEncoding.EncodeToString(encContext)
	}
	secret, err := v.client.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, errors.New("vault: empty decrypt response")
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}

// GetSecret reads field "value" of a KV v2 secret.
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
