package board

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
)

// Reader lists ledger messages and decrypts them on demand. Concurrent
// decrypts of one message share a single reveal.
type Reader struct {
	ledger Ledger
	sealer Sealer
	cache  *ViewCache
	group  singleflight.Group
}

func NewReader(ledger Ledger, sealer Sealer, cache *ViewCache) *Reader {
	return &Reader{ledger: ledger, sealer: sealer, cache: cache}
}

func (r *Reader) List(ctx context.Context) ([]domain.Message, error) {
	raws, err := r.ledger.ReadAll(ctx)
	if err != nil {
		return nil, domain.Fail(domain.KindLedger, "read all", err)
	}
	return ParseRecords(raws)
}

func (r *Reader) Get(ctx context.Context, id uint64) (domain.Message, error) {
	raw, err := r.ledger.ReadOne(ctx, id)
	if err != nil {
		return domain.Message{}, domain.Fail(domain.KindLedger, "read one", err)
	}
	return ParseRecord(raw)
}

func (r *Reader) Count(ctx context.Context) (uint64, error) {
	n, err := r.ledger.Count(ctx)
	if err != nil {
		return 0, domain.Fail(domain.KindLedger, "count", err)
	}
	return n, nil
}

// Decrypt reveals the identifier behind msg and decrypts its ciphertext. A
// failed reveal leaves nothing cached. The shared reveal is detached from any
// one caller's cancellation; a caller whose ctx ends stops waiting for it.
func (r *Reader) Decrypt(ctx context.Context, msg domain.Message) (*domain.DecryptedView, error) {
	if v, ok := r.cache.Get(msg.ID); ok {
		return &v, nil
	}

	revealCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(strconv.FormatUint(msg.ID, 10), func() (interface{}, error) {
		if v, ok := r.cache.Get(msg.ID); ok {
			return v, nil
		}

		value, err := r.sealer.Reveal(revealCtx, msg.KeyHandle)
		if err != nil {
			return nil, domain.Fail(domain.KindReveal, "reveal", err)
		}
		id, err := boardcrypto.ParseIdentifier(value)
		if err != nil {
			return nil, domain.Fail(domain.KindReveal, "reveal",
				errors.Wrapf(domain.ErrMalformedReveal, "message %d", msg.ID))
		}

		key := boardcrypto.DeriveKey(id)
		plaintext, err := boardcrypto.DecryptMessage(msg.Ciphertext, key)
		key.Wipe()
		if err != nil {
			return nil, domain.Fail(domain.KindLedger, "decrypt",
				errors.Wrap(domain.ErrMalformedRecord, err.Error()))
		}

		v := domain.DecryptedView{MessageID: msg.ID, Plaintext: plaintext, Identifier: id}
		r.cache.Add(v)
		return v, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		v := res.Val.(domain.DecryptedView)
		return &v, nil
	case <-ctx.Done():
		return nil, domain.Fail(domain.KindReveal, "reveal", ctx.Err())
	}
}
