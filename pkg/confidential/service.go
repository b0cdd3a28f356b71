// Package confidential is the node's confidential value store. A sealed value
// is an identifier encrypted under a KMS-wrapped key and bound to its author
// and destination board; it can be revealed only after a ledger write has
// finalized its handle.
package confidential

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"time"

	"github.com/pkg/errors"

	"secretboard/metrics"
	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
	"secretboard/pkg/kms"
	"secretboard/svc/util"
)

const MinProofKeyLength = 32

// Registry stores sealed values. Finalization happens in the ledger's write
// transaction, not here.
type Registry interface {
	PutSealed(ctx context.Context, v domain.SealedValue) error
	// GetSealed returns domain.ErrHandleUnknown for a handle never sealed.
	GetSealed(ctx context.Context, h domain.Handle) (domain.SealedValue, error)
}

type Service struct {
	adapter  *kms.Adapter
	registry Registry
	board    boardcrypto.Address
	proofKey []byte
	cache    *RevealCache
	now      func() time.Time
}

func NewService(adapter *kms.Adapter, registry Registry, board boardcrypto.Address, proofKey []byte, cacheTTL time.Duration) (*Service, error) {
	if board.IsZero() {
		return nil, domain.ErrBoardNotConfigured
	}
	if len(proofKey) < MinProofKeyLength {
		return nil, errors.Errorf("proof key must be at least %d bytes", MinProofKeyLength)
	}
	s := &Service{
		adapter:  adapter,
		registry: registry,
		board:    board,
		proofKey: append([]byte(nil), proofKey...),
		now:      time.Now,
	}
	s.cache = NewRevealCache(s.open, cacheTTL)
	return s, nil
}

func (s *Service) Board() boardcrypto.Address {
	return s.board
}

func encryptionContext(author, destination boardcrypto.Address) kms.EncryptionContext {
	return kms.EncryptionContext{
		"author":      author.Hex(),
		"destination": destination.Hex(),
	}
}

// Seal stores value for later reveal and returns its handle and the proof a
// ledger write must present.
func (s *Service) Seal(ctx context.Context, value string, author, destination boardcrypto.Address) (domain.Handle, []byte, error) {
	var h domain.Handle
	id, err := boardcrypto.ParseIdentifier(value)
	if err != nil {
		metrics.SealOps.WithLabelValues("rejected").Inc()
		return h, nil, errors.Wrap(domain.ErrMalformedValue, err.Error())
	}
	defer id.Wipe()
	if author.IsZero() {
		metrics.SealOps.WithLabelValues("rejected").Inc()
		return h, nil, errors.Wrap(domain.ErrInvalidRequest, "zero author")
	}
	if destination != s.board {
		metrics.SealOps.WithLabelValues("rejected").Inc()
		return h, nil, domain.ErrWrongDestination
	}

	raw := id.Bytes()
	sealed, err := kms.SealEnvelope(ctx, s.adapter, raw, encryptionContext(author, destination))
	util.Wipe(raw)
	if err != nil {
		metrics.SealOps.WithLabelValues("error").Inc()
		return h, nil, errors.Wrap(err, "seal value")
	}
	copy(h[:], boardcrypto.Keccak256(sealed, author[:], destination[:]))

	err = s.registry.PutSealed(ctx, domain.SealedValue{
		Handle:      h,
		Sealed:      sealed,
		Author:      author,
		Destination: destination,
		CreatedAt:   s.now().Unix(),
	})
	if err != nil {
		metrics.SealOps.WithLabelValues("error").Inc()
		return domain.Handle{}, nil, errors.Wrap(err, "store sealed value")
	}
	metrics.SealOps.WithLabelValues("ok").Inc()
	util.Debug().Str("handle", util.RedactHandle(h.Hex())).Str("author", author.Hex()).Msg("value sealed")
	return h, s.proof(h, author, destination), nil
}

func (s *Service) proof(h domain.Handle, author, destination boardcrypto.Address) []byte {
	mac := hmac.New(sha256.New, s.proofKey)
	mac.Write(h[:])
	mac.Write(author[:])
	mac.Write(destination[:])
	return mac.Sum(nil)
}

// VerifyProof checks that proof was issued by Seal for exactly this handle,
// author and destination.
func (s *Service) VerifyProof(h domain.Handle, proof []byte, author, destination boardcrypto.Address) error {
	if destination != s.board {
		return domain.ErrWrongDestination
	}
	want := s.proof(h, author, destination)
	if subtle.ConstantTimeCompare(want, proof) != 1 {
		return domain.ErrInvalidProof
	}
	return nil
}

// Reveal returns the canonical identifier sealed under h once h is finalized.
func (s *Service) Reveal(ctx context.Context, h domain.Handle) (string, error) {
	value, err := s.cache.Reveal(ctx, h)
	if err != nil {
		result := "error"
		switch {
		case errors.Is(err, domain.ErrHandleUnknown):
			result = "unknown"
		case errors.Is(err, domain.ErrHandleNotFinalized):
			result = "not_finalized"
		}
		metrics.Reveals.WithLabelValues(result).Inc()
		return "", err
	}
	metrics.Reveals.WithLabelValues("ok").Inc()
	return value, nil
}

func (s *Service) open(ctx context.Context, h domain.Handle) (string, error) {
	v, err := s.registry.GetSealed(ctx, h)
	if err != nil {
		return "", err
	}
	if !v.Finalized {
		return "", domain.ErrHandleNotFinalized
	}
	raw, err := kms.OpenEnvelope(ctx, s.adapter, v.Sealed, encryptionContext(v.Author, v.Destination))
	if err != nil {
		util.Error().Err(err).Str("handle", util.RedactHandle(h.Hex())).Msg("unwrap sealed value failed")
		return "", errors.Wrap(err, "open sealed value")
	}
	defer util.Wipe(raw)
	if len(raw) != boardcrypto.AddressLength {
		return "", errors.Wrap(domain.ErrMalformedValue, "sealed value length")
	}
	var id boardcrypto.Identifier
	copy(id[:], raw)
	return id.String(), nil
}

func (s *Service) CacheStats() CacheStats {
	return s.cache.Stats()
}

func (s *Service) Close() {
	s.cache.Stop()
	util.Wipe(s.proofKey)
}
