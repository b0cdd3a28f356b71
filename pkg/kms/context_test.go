package kms_test

import (
	"context"
	"testing"

	"secretboard/pkg/kms"
)

const testLocalKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func newLocalAdapter(t *testing.T) *kms.Adapter {
	t.Helper()
	adapter, err := kms.NewAdapter(context.Background(), kms.Options{LocalKey: testLocalKey, FailClosed: true})
	if err != nil {
		t.Fatalf("Failed to create adapter: %v", err)
	}
	return adapter
}

func TestEncryptionContextAAD(t *testing.T) {
	adapter := newLocalAdapter(t)
	plaintext := []byte("0x5b38da6a701c568545dcfcb03fcb875f56beddc4")

	t.Run("Matching context succeeds", func(t *testing.T) {
		ctx := kms.EncryptionContext{
			"author":      "0xf39fd6e51aad88f6f4ce6ab8827279cfffb92266",
			"destination": "0x0b0a0d0000000000000000000000000000000000",
		}
		ciphertext, err := adapter.Encrypt(context.Background(), plaintext, ctx)
		if err != nil {
			t.Fatalf("Encryption failed: %v", err)
		}
		decrypted, err := adapter.Decrypt(context.Background(), ciphertext, ctx)
		if err != nil {
			t.Fatalf("Decryption with correct context failed: %v", err)
		}
		if string(decrypted) != string(plaintext) {
			t.Errorf("Decrypted data mismatch: got %q, want %q", decrypted, plaintext)
		}
	})

	t.Run("Different author fails", func(t *testing.T) {
		ctxA := kms.EncryptionContext{"author": "alice", "destination": "board"}
		ciphertext, err := adapter.Encrypt(context.Background(), plaintext, ctxA)
		if err != nil {
			t.Fatalf("Encryption failed: %v", err)
		}
		ctxB := kms.EncryptionContext{"author": "bob", "destination": "board"}
		if _, err := adapter.Decrypt(context.Background(), ciphertext, ctxB); err == nil {
			t.Error("Decryption succeeded under a different author context")
		}
	})

	t.Run("Missing context fails", func(t *testing.T) {
		ciphertext, err := adapter.Encrypt(context.Background(), plaintext, kms.EncryptionContext{"author": "alice"})
		if err != nil {
			t.Fatalf("Encryption failed: %v", err)
		}
		if _, err := adapter.Decrypt(context.Background(), ciphertext, nil); err == nil {
			t.Error("Decryption succeeded without context")
		}
	})

	t.Run("Context key ordering is deterministic", func(t *testing.T) {
		ctx1 := kms.EncryptionContext{"a": "1", "z": "26", "m": "13"}
		ctx2 := kms.EncryptionContext{"z": "26", "a": "1", "m": "13"}

		ciphertext1, _ := adapter.Encrypt(context.Background(), plaintext, ctx1)
		ciphertext2, _ := adapter.Encrypt(context.Background(), plaintext, ctx2)

		_, err1 := adapter.Decrypt(context.Background(), ciphertext1, ctx2)
		_, err2 := adapter.Decrypt(context.Background(), ciphertext2, ctx1)
		if err1 != nil || err2 != nil {
			t.Errorf("Context ordering not deterministic: err1=%v, err2=%v", err1, err2)
		}
	})
}

func TestEnvelopeRoundTrip(t *testing.T) {
	adapter := newLocalAdapter(t)
	encCtx := kms.EncryptionContext{"author": "alice", "destination": "board"}
	value := []byte{0x5b, 0x38, 0xda, 0x6a}

	env, err := kms.SealEnvelope(context.Background(), adapter, value, encCtx)
	if err != nil {
		t.Fatalf("SealEnvelope failed: %v", err)
	}
	got, err := kms.OpenEnvelope(context.Background(), adapter, env, encCtx)
	if err != nil {
		t.Fatalf("OpenEnvelope failed: %v", err)
	}
	if string(got) != string(value) {
		t.Errorf("Envelope mismatch: got %x, want %x", got, value)
	}

	if _, err := kms.OpenEnvelope(context.Background(), adapter, env, kms.EncryptionContext{"author": "bob", "destination": "board"}); err == nil {
		t.Error("OpenEnvelope succeeded under a different context")
	}

	tampered := append([]byte(nil), env...)
	tampered[len(tampered)-1] ^= 1
	if _, err := kms.OpenEnvelope(context.Background(), adapter, tampered, encCtx); err == nil {
		t.Error("OpenEnvelope accepted a tampered envelope")
	}

	if _, err := kms.OpenEnvelope(context.Background(), adapter, []byte{0xff}, encCtx); err == nil {
		t.Error("OpenEnvelope accepted a truncated envelope")
	}
}

func TestNewAdapterRequiresProvider(t *testing.T) {
	if _, err := kms.NewAdapter(context.Background(), kms.Options{}); err == nil {
		t.Error("Expected error without any provider")
	}
	if _, err := kms.NewAdapter(context.Background(), kms.Options{LocalKey: testLocalKey, RequirePrimary: true}); err == nil {
		t.Error("Expected RequirePrimary to refuse the local key")
	}
	if _, err := kms.NewAdapter(context.Background(), kms.Options{LocalKey: "short"}); err == nil {
		t.Error("Expected error for malformed local key")
	}
}
