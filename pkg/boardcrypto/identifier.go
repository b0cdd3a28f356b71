package boardcrypto

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
)

var ErrMalformedIdentifier = errors.New("malformed identifier")

// Identifier is the single-use 160-bit secret behind one message. It has the
// shape of an address because it is the address of a throwaway secp256k1 key.
type Identifier [AddressLength]byte

// GenerateIdentifier creates a fresh secp256k1 key, keeps only its address and
// zeroes the private scalar before returning.
func GenerateIdentifier() (Identifier, error) {
	var id Identifier
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return id, errors.Wrap(err, "generate ephemeral key")
	}
	defer key.Zero()
	addr := PubkeyToAddress(key.PubKey())
	copy(id[:], addr[:])
	return id, nil
}

// ParseIdentifier accepts a 0x-prefixed, 40 hex char string in any letter case.
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	b, err := decodeFixedHex(strings.TrimSpace(s), AddressLength)
	if err != nil {
		return id, errors.Wrap(ErrMalformedIdentifier, err.Error())
	}
	copy(id[:], b)
	return id, nil
}

// String returns the canonical form: 0x followed by 40 lowercase hex chars.
// Key derivation and the confidential store both consume exactly this text.
func (id Identifier) String() string {
	return hexPrefix + hex.EncodeToString(id[:])
}
func (id Identifier) Bytes() []byte {
	b := make([]byte, AddressLength)
	copy(b, id[:])
	return b
}
func (id *Identifier) Wipe() {
	for i := range id {
		id[i] = 0
	}
}
