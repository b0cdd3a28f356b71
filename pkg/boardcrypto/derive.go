package boardcrypto

import (
	"strings"
)

const KeySize = 32

type Key [KeySize]byte

// DeriveKey hashes the canonical text of id with legacy Keccak-256.
func DeriveKey(id Identifier) Key {
	return deriveFromText(id.String())
}

// DeriveKeyString lowercases s before hashing so that checksummed or upper-case
// renderings of an identifier give the same key as its canonical form.
func DeriveKeyString(s string) (Key, error) {
	id, err := ParseIdentifier(s)
	if err != nil {
		return Key{}, err
	}
	return DeriveKey(id), nil
}

func deriveFromText(s string) Key {
	var k Key
	copy(k[:], Keccak256([]byte(strings.ToLower(s))))
	return k
}

func (k *Key) Wipe() {
	for i := range k {
		k[i] = 0
	}
}
