package domain

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	"secretboard/pkg/boardcrypto"
)

const HandleLength = 32

// Handle is an opaque reference into the confidential value store.
type Handle [HandleLength]byte

func ParseHandle(s string) (Handle, error) {
	var h Handle
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return h, errors.New("handle: missing 0x prefix")
	}
	b, err := hex.DecodeString(s[2:])
	if err != nil {
		return h, errors.Wrap(err, "handle")
	}
	if len(b) != HandleLength {
		return h, errors.Errorf("handle: want %d bytes, got %d", HandleLength, len(b))
	}
	copy(h[:], b)
	return h, nil
}
func (h Handle) Hex() string    { return "0x" + hex.EncodeToString(h[:]) }
func (h Handle) String() string { return h.Hex() }
func (h Handle) IsZero() bool   { return h == Handle{} }
func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.Hex()), nil
}
func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Message is one immutable ledger entry. ID is the zero-based insertion index.
type Message struct {
	ID         uint64              `json:"id"`
	Author     boardcrypto.Address `json:"author"`
	Timestamp  int64               `json:"timestamp"`
	Ciphertext string              `json:"ciphertext"`
	KeyHandle  Handle              `json:"key_handle"`
}

// DecryptedView is a session-local result of revealing and decrypting one message.
type DecryptedView struct {
	MessageID  uint64
	Plaintext  string
	Identifier boardcrypto.Identifier
}

// MessagePosted is emitted after a successful ledger write.
type MessagePosted struct {
	ID         uint64              `json:"id"`
	Author     boardcrypto.Address `json:"author"`
	Timestamp  int64               `json:"timestamp"`
	Ciphertext string              `json:"ciphertext"`
	KeyHandle  Handle              `json:"key_handle"`
}

func (m *Message) Posted() MessagePosted {
	return MessagePosted{
		ID:         m.ID,
		Author:     m.Author,
		Timestamp:  m.Timestamp,
		Ciphertext: m.Ciphertext,
		KeyHandle:  m.KeyHandle,
	}
}

// SealedValue is the confidential store's record behind a handle.
type SealedValue struct {
	Handle      Handle
	Sealed      []byte
	Author      boardcrypto.Address
	Destination boardcrypto.Address
	Finalized   bool
	CreatedAt   int64
}

type PostParams struct {
	Author     boardcrypto.Address
	Ciphertext string
	Handle     Handle
	Proof      []byte
}
