package boardcrypto

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

const (
	AddressLength = 20
	hexPrefix     = "0x"
)

var ErrMalformedAddress = errors.New("malformed address")

// Address is a 20-byte account identifier in the Ethereum style: the last 20
// bytes of the Keccak-256 hash of an uncompressed secp256k1 public key.
type Address [AddressLength]byte

var ZeroAddress Address

func ParseAddress(s string) (Address, error) {
	var a Address
	b, err := decodeFixedHex(s, AddressLength)
	if err != nil {
		return a, errors.Wrap(ErrMalformedAddress, err.Error())
	}
	copy(a[:], b)
	return a, nil
}
func (a Address) Hex() string {
	return hexPrefix + hex.EncodeToString(a[:])
}
func (a Address) String() string {
	return a.Hex()
}
func (a Address) IsZero() bool {
	return a == ZeroAddress
}
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.Hex()), nil
}
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// PubkeyToAddress hashes the 64-byte X||Y encoding of pub.
func PubkeyToAddress(pub *btcec.PublicKey) Address {
	var a Address
	uncompressed := pub.SerializeUncompressed()
	digest := Keccak256(uncompressed[1:])
	copy(a[:], digest[12:])
	return a
}

func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

func decodeFixedHex(s string, size int) ([]byte, error) {
	if !strings.HasPrefix(s, hexPrefix) && !strings.HasPrefix(s, "0X") {
		return nil, errors.New("missing 0x prefix")
	}
	body := s[2:]
	if len(body) != size*2 {
		return nil, errors.Errorf("want %d hex chars, got %d", size*2, len(body))
	}
	b, err := hex.DecodeString(body)
	if err != nil {
		return nil, errors.Wrap(err, "decode hex")
	}
	return b, nil
}
