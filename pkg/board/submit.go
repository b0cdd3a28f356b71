package board

import (
	"context"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/pkg/errors"

	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
)

// DefaultMaxContentLength is the composer limit in characters.
const DefaultMaxContentLength = 420

// Submitter encrypts a message under a fresh identifier, seals the identifier
// and writes the ciphertext to the ledger. At most one submission runs at a time.
type Submitter struct {
	ledger      Ledger
	sealer      Sealer
	author      boardcrypto.Address
	destination boardcrypto.Address
	maxLength   int
	pending     atomic.Bool

	// OnPosted runs after a successful ledger write.
	OnPosted func(id uint64)
}

// NewSubmitter returns ErrBoardNotConfigured when destination is the zero
// address. maxLength 0 disables the length check.
func NewSubmitter(ledger Ledger, sealer Sealer, author, destination boardcrypto.Address, maxLength int) (*Submitter, error) {
	if destination.IsZero() {
		return nil, domain.Fail(domain.KindValidation, "new submitter", domain.ErrBoardNotConfigured)
	}
	if maxLength < 0 {
		maxLength = 0
	}
	return &Submitter{
		ledger:      ledger,
		sealer:      sealer,
		author:      author,
		destination: destination,
		maxLength:   maxLength,
	}, nil
}

func (s *Submitter) Validate(plaintext string) error {
	if strings.TrimSpace(plaintext) == "" {
		return domain.Fail(domain.KindValidation, "submit", domain.ErrEmptyContent)
	}
	if s.maxLength > 0 && utf8.RuneCountInString(plaintext) > s.maxLength {
		return domain.Fail(domain.KindValidation, "submit",
			errors.Wrapf(domain.ErrContentTooLong, "limit %d", s.maxLength))
	}
	return nil
}

// Pending reports whether a submission is in flight.
func (s *Submitter) Pending() bool {
	return s.pending.Load()
}

func (s *Submitter) Submit(ctx context.Context, plaintext string) (uint64, error) {
	if err := s.Validate(plaintext); err != nil {
		return 0, err
	}
	if !s.pending.CompareAndSwap(false, true) {
		return 0, domain.Fail(domain.KindValidation, "submit", domain.ErrSubmissionPending)
	}
	defer s.pending.Store(false)

	id, err := boardcrypto.GenerateIdentifier()
	if err != nil {
		return 0, domain.Fail(domain.KindSealing, "generate identifier", err)
	}
	defer id.Wipe()

	key := boardcrypto.DeriveKey(id)
	ciphertext := boardcrypto.EncryptMessage(plaintext, key)
	key.Wipe()

	handle, proof, err := s.sealer.Seal(ctx, id.String(), s.author, s.destination)
	if err != nil {
		return 0, domain.Fail(domain.KindSealing, "seal", err)
	}

	msgID, err := s.ledger.Write(ctx, ciphertext, handle, proof)
	if err != nil {
		return 0, domain.Fail(domain.KindLedger, "write", err)
	}

	if s.OnPosted != nil {
		s.OnPosted(msgID)
	}
	return msgID, nil
}
