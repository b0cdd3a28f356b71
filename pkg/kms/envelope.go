package kms

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// Envelope layout: uint16 length of the wrapped data key, the wrapped key,
// then XChaCha20-Poly1305 nonce and ciphertext.
const dataKeySize = chacha20poly1305.KeySize

var ErrMalformedEnvelope = errors.New("malformed envelope")

// SealEnvelope encrypts plaintext under a fresh data key and wraps that key
// with the adapter. encContext authenticates both layers.
func SealEnvelope(ctx context.Context, a *Adapter, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	dek := make([]byte, dataKeySize)
	if _, err := rand.Read(dek); err != nil {
		return nil, err
	}
	defer wipeBytes(dek)

	sealed, err := aeadSeal(plaintext, dek, serializeEncryptionContext(encContext))
	if err != nil {
		return nil, err
	}
	wrapped, err := a.Encrypt(ctx, dek, encContext)
	if err != nil {
		return nil, errors.Wrap(err, "wrap data key")
	}
	if len(wrapped) > 0xffff {
		return nil, errors.New("wrapped data key too large")
	}
	out := make([]byte, 0, 2+len(wrapped)+len(sealed))
	out = binary.BigEndian.AppendUint16(out, uint16(len(wrapped)))
	out = append(out, wrapped...)
	return append(out, sealed...), nil
}

func OpenEnvelope(ctx context.Context, a *Adapter, envelope []byte, encContext EncryptionContext) ([]byte, error) {
	if len(envelope) < 2 {
		return nil, ErrMalformedEnvelope
	}
	n := int(binary.BigEndian.Uint16(envelope))
	if len(envelope) < 2+n {
		return nil, ErrMalformedEnvelope
	}
	wrapped, sealed := envelope[2:2+n], envelope[2+n:]
	dek, err := a.Decrypt(ctx, wrapped, encContext)
	if err != nil {
		return nil, err
	}
	defer wipeBytes(dek)
	plaintext, err := aeadOpen(sealed, dek, serializeEncryptionContext(encContext))
	if err != nil {
		return nil, errors.Wrap(ErrDecryptionFailed, err.Error())
	}
	return plaintext, nil
}

func aeadSeal(plaintext, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func aeadOpen(ciphertext, key, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonceSize := aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	return aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], aad)
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
