// Package kms wraps small secrets under a key held by Vault transit, AWS KMS or,
// as a fallback, a local AES-GCM key.
package kms

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"secretboard/svc/util"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrRequiresPrimary     = errors.New("primary provider required, fallback refused")
)

// EncryptionContext is bound to a ciphertext as additional authenticated data.
type EncryptionContext map[string]string

type Provider interface {
	Name() string
	EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) ([]byte, error)
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

type Options struct {
	VaultAddr       string
	VaultToken      string
	VaultTokenFile  string
	VaultMountPath  string
	VaultKeyID      string
	VaultSecretPath string

	AWSRegion string
	AWSKeyID  string

	// LocalKey is a base64 32-byte AES key.
	LocalKey string

	RequirePrimary bool
	FailClosed     bool
	OpTimeout      time.Duration
}

type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
	timeout        time.Duration
}

// NewAdapter tries Vault, then AWS KMS, as the primary provider. The local key
// is used only when no primary is available and RequirePrimary is off.
func NewAdapter(ctx context.Context, opts Options) (*Adapter, error) {
	var primary, fallback Provider
	if opts.VaultAddr != "" {
		vp, err := newVaultProvider(ctx, opts)
		if err != nil {
			util.Warn().Err(err).Msg("vault provider unavailable")
		} else {
			primary = vp
		}
	}
	if primary == nil && opts.AWSRegion != "" {
		ap, err := newAWSProvider(ctx, opts)
		if err != nil {
			util.Warn().Err(err).Msg("aws kms provider unavailable")
		} else {
			primary = ap
		}
	}
	if !opts.RequirePrimary && primary == nil && opts.LocalKey != "" {
		lp, err := newLocalProvider(opts.LocalKey)
		if err != nil {
			return nil, errors.Wrap(err, "local provider")
		}
		fallback = lp
	}
	if primary == nil && fallback == nil {
		if opts.RequirePrimary {
			return nil, errors.Wrap(ErrRequiresPrimary, "no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, errors.Wrap(ErrProviderUnavailable, "checked Vault, AWS KMS, local key")
	}
	return NewAdapterWithProviders(primary, fallback, opts), nil
}

func NewAdapterWithProviders(primary, fallback Provider, opts Options) *Adapter {
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     opts.FailClosed,
		requirePrimary: opts.RequirePrimary,
		timeout:        timeout,
	}
}

// Provider returns the name of the provider that serves requests first.
func (a *Adapter) Provider() string {
	if a.primary != nil {
		return a.primary.Name()
	}
	if a.fallback != nil {
		return a.fallback.Name()
	}
	return "none"
}

func (a *Adapter) Encrypt(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	if a.primary != nil {
		out, err := a.primary.EncryptWithContext(ctx, plaintext, aad)
		if err == nil {
			return out, nil
		}
		if a.requirePrimary || a.failClosed {
			return nil, errors.Wrapf(err, "%s encrypt", a.primary.Name())
		}
		util.Warn().Err(err).Str("provider", a.primary.Name()).Msg("primary encrypt failed, using fallback")
	}
	if a.fallback != nil {
		return a.fallback.EncryptWithContext(ctx, plaintext, aad)
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) Decrypt(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	if a.primary != nil {
		out, err := a.primary.DecryptWithContext(ctx, ciphertext, aad)
		if err == nil {
			return out, nil
		}
		if a.requirePrimary || a.failClosed {
			return nil, errors.Wrapf(ErrDecryptionFailed, "%s: %v", a.primary.Name(), err)
		}
	}
	if a.fallback != nil {
		out, err := a.fallback.DecryptWithContext(ctx, ciphertext, aad)
		if err != nil {
			return nil, errors.Wrapf(ErrDecryptionFailed, "%s: %v", a.fallback.Name(), err)
		}
		return out, nil
	}
	return nil, ErrProviderUnavailable
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.requirePrimary || a.failClosed {
			if err == nil {
				err = errors.New("empty secret")
			}
			return "", errors.Wrapf(err, "%s get secret %s", a.primary.Name(), key)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
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

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}
