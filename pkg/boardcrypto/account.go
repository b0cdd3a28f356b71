package boardcrypto

import (
	"encoding/binary"
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/pkg/errors"
)

const SignatureLength = 65

var (
	ErrMalformedKey       = errors.New("malformed account key")
	ErrMalformedSignature = errors.New("malformed signature")
)

// Account is an author identity: a secp256k1 key whose address is recorded as
// the author of every message it posts.
type Account struct {
	key  *btcec.PrivateKey
	addr Address
}

func NewAccount() (*Account, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generate account key")
	}
	return &Account{key: key, addr: PubkeyToAddress(key.PubKey())}, nil
}

// LoadAccount parses a 32-byte private key given as hex, with or without 0x.
func LoadAccount(keyHex string) (*Account, error) {
	keyHex = strings.TrimPrefix(strings.TrimSpace(keyHex), hexPrefix)
	raw, err := hex.DecodeString(keyHex)
	if err != nil || len(raw) != 32 {
		return nil, ErrMalformedKey
	}
	key, pub := btcec.PrivKeyFromBytes(raw)
	for i := range raw {
		raw[i] = 0
	}
	return &Account{key: key, addr: PubkeyToAddress(pub)}, nil
}
func (a *Account) Address() Address {
	return a.addr
}
func (a *Account) PrivateKeyHex() string {
	return hex.EncodeToString(a.key.Serialize())
}

// Sign returns a 65-byte compact recoverable signature over digest.
func (a *Account) Sign(digest []byte) []byte {
	return ecdsa.SignCompact(a.key, digest, false)
}
func (a *Account) Zero() {
	a.key.Zero()
}

// RecoverAddress returns the address of the key that produced sig over digest.
func RecoverAddress(digest, sig []byte) (Address, error) {
	if len(sig) != SignatureLength {
		return ZeroAddress, ErrMalformedSignature
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return ZeroAddress, errors.Wrap(ErrMalformedSignature, err.Error())
	}
	return PubkeyToAddress(pub), nil
}

const postDomain = "secretboard.post"

// PostDigest is what an author signs to authorize a ledger write. Each
// variable-length field is length-prefixed.
func PostDigest(ciphertext string, handle, proof []byte) []byte {
	var buf []byte
	buf = append(buf, postDomain...)
	for _, field := range [][]byte{[]byte(ciphertext), handle, proof} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(field)))
		buf = append(buf, field...)
	}
	return Keccak256(buf)
}
