// Package board implements the client side of the message board: posting an
// encrypted message and revealing and decrypting the messages already posted.
package board

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
)

// Ledger is the public append-only store of encrypted messages.
type Ledger interface {
	Write(ctx context.Context, ciphertext string, handle domain.Handle, proof []byte) (uint64, error)
	ReadAll(ctx context.Context) ([]RawRecord, error)
	ReadOne(ctx context.Context, id uint64) (RawRecord, error)
	Count(ctx context.Context) (uint64, error)
}

// Sealer is the confidential value store. Reveal must be deterministic for a
// given handle.
type Sealer interface {
	Seal(ctx context.Context, value string, author, destination boardcrypto.Address) (domain.Handle, []byte, error)
	Reveal(ctx context.Context, handle domain.Handle) (string, error)
}

// RawRecord is a ledger entry as it crosses the wire, before validation.
type RawRecord struct {
	ID         uint64 `json:"id"`
	Author     string `json:"author"`
	Timestamp  int64  `json:"timestamp"`
	Ciphertext string `json:"ciphertext"`
	KeyHandle  string `json:"key_handle"`
}

// ParseRecord validates a raw ledger record and converts it to a Message.
func ParseRecord(raw RawRecord) (domain.Message, error) {
	var msg domain.Message
	if raw.Timestamp < 0 {
		return msg, malformed(raw.ID, "negative timestamp")
	}
	author, err := boardcrypto.ParseAddress(strings.TrimSpace(raw.Author))
	if err != nil {
		return msg, malformed(raw.ID, "author")
	}
	if author.IsZero() {
		return msg, malformed(raw.ID, "zero author")
	}
	if !strings.HasPrefix(raw.Ciphertext, "0x") {
		return msg, malformed(raw.ID, "ciphertext prefix")
	}
	data, err := boardcrypto.DecodeHex(raw.Ciphertext)
	if err != nil || len(data) == 0 {
		return msg, malformed(raw.ID, "ciphertext")
	}
	handle, err := domain.ParseHandle(raw.KeyHandle)
	if err != nil {
		return msg, malformed(raw.ID, "key handle")
	}
	msg = domain.Message{
		ID:         raw.ID,
		Author:     author,
		Timestamp:  raw.Timestamp,
		Ciphertext: strings.ToLower(raw.Ciphertext),
		KeyHandle:  handle,
	}
	return msg, nil
}

func malformed(id uint64, field string) error {
	return domain.Fail(domain.KindLedger, "parse record",
		errors.Wrapf(domain.ErrMalformedRecord, "record %d: %s", id, field))
}

// ParseRecords maps every record or fails on the first malformed one.
func ParseRecords(raws []RawRecord) ([]domain.Message, error) {
	out := make([]domain.Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := ParseRecord(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// Record is the inverse of ParseRecord, used by ledger implementations.
func Record(msg domain.Message) RawRecord {
	return RawRecord{
		ID:         msg.ID,
		Author:     msg.Author.Hex(),
		Timestamp:  msg.Timestamp,
		Ciphertext: msg.Ciphertext,
		KeyHandle:  msg.KeyHandle.Hex(),
	}
}
