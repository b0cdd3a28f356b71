package boardcrypto

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// XOR applies the board cipher: out[i] = data[i] ^ key[i%32]. It is its own
// inverse, so it both encrypts and decrypts.
//
// There is no integrity protection. A ciphertext decrypted under the wrong key
// yields wrong bytes, not an error, and callers cannot tell the two apart.
// Changing this breaks compatibility with every message already on a ledger.
func XOR(data []byte, key Key) []byte {
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ key[i%KeySize]
	}
	return out
}

// EncryptMessage returns the 0x-prefixed lowercase hex of the XORed UTF-8 bytes.
func EncryptMessage(plaintext string, key Key) string {
	return EncodeHex(XOR([]byte(plaintext), key))
}

// DecryptMessage fails only when cipherHex is not valid hex.
func DecryptMessage(cipherHex string, key Key) (string, error) {
	data, err := DecodeHex(cipherHex)
	if err != nil {
		return "", err
	}
	return string(XOR(data, key)), nil
}

func EncodeHex(b []byte) string {
	return hexPrefix + hex.EncodeToString(b)
}

// DecodeHex accepts an optional 0x prefix and any letter case.
func DecodeHex(s string) ([]byte, error) {
	body := s
	if strings.HasPrefix(body, hexPrefix) || strings.HasPrefix(body, "0X") {
		body = body[2:]
	}
	b, err := hex.DecodeString(body)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedCiphertext, err.Error())
	}
	return b, nil
}
