// Package boardcrypto holds the message cipher of the board and the key
// material around it.
//
// Every message is encrypted under a key derived from its own throwaway
// identifier: key = keccak256(lowercase "0x..." text of the identifier), and
// the ciphertext is the plaintext XORed with the 32-byte key repeated. The
// identifier is later revealed publicly, after which anyone can decrypt.
//
// The cipher is unauthenticated. If a ciphertext and a revealed identifier do
// not belong together, decryption still succeeds and returns garbage. Nothing
// in this package can detect that case.
package boardcrypto
