package board

import (
	"context"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
)

var (
	author, _ = boardcrypto.ParseAddress(testAuthor)
	boardAddr = boardcrypto.Address{0x0b, 0x0a, 0x0d}
)

func newTestSubmitter(t *testing.T) (*Submitter, *memLedger, *memSealer) {
	t.Helper()
	l := newMemLedger(author)
	s := newMemSealer()
	sub, err := NewSubmitter(l, s, author, boardAddr, DefaultMaxContentLength)
	require.NoError(t, err)
	return sub, l, s
}

func TestSubmitEncryptsUnderSealedIdentifier(t *testing.T) {
	sub, l, s := newTestSubmitter(t)
	id, err := sub.Submit(context.Background(), "Hello from Zama")
	require.NoError(t, err)
	require.Equal(t, uint64(0), id)

	rec := l.records[0]
	h, err := domain.ParseHandle(rec.KeyHandle)
	require.NoError(t, err)
	value := s.value(h)
	key, err := boardcrypto.DeriveKeyString(value)
	require.NoError(t, err)
	require.Equal(t, boardcrypto.EncryptMessage("Hello from Zama", key), rec.Ciphertext)
}

func TestSubmitRejectsEmptyBeforeExternalCalls(t *testing.T) {
	for _, p := range []string{"", " ", "\t\n  "} {
		sub, l, s := newTestSubmitter(t)
		_, err := sub.Submit(context.Background(), p)
		require.ErrorIs(t, err, domain.ErrEmptyContent)
		require.Equal(t, domain.KindValidation, domain.KindOf(err))
		require.Zero(t, s.seals.Load())
		require.Zero(t, l.writes.Load())
	}
}

func TestSubmitLengthLimitCountsCharacters(t *testing.T) {
	sub, l, _ := newTestSubmitter(t)
	_, err := sub.Submit(context.Background(), strings.Repeat("ż", DefaultMaxContentLength))
	require.NoError(t, err)
	// one rune each, though two UTF-16 units
	_, err = sub.Submit(context.Background(), strings.Repeat("😀", DefaultMaxContentLength))
	require.NoError(t, err)

	_, err = sub.Submit(context.Background(), strings.Repeat("a", DefaultMaxContentLength+1))
	require.ErrorIs(t, err, domain.ErrContentTooLong)
	require.Equal(t, int32(2), l.writes.Load())
}

func TestSubmitWithoutLimit(t *testing.T) {
	l := newMemLedger(author)
	sub, err := NewSubmitter(l, newMemSealer(), author, boardAddr, 0)
	require.NoError(t, err)
	_, err = sub.Submit(context.Background(), strings.Repeat("a", 5000))
	require.NoError(t, err)
}

func TestNewSubmitterRequiresBoard(t *testing.T) {
	_, err := NewSubmitter(newMemLedger(author), newMemSealer(), author, boardcrypto.ZeroAddress, 0)
	require.ErrorIs(t, err, domain.ErrBoardNotConfigured)
}

func TestSubmitSealFailureSkipsLedger(t *testing.T) {
	sub, l, s := newTestSubmitter(t)
	s.sealErr = errors.New("gateway down")
	_, err := sub.Submit(context.Background(), "hi")
	require.Error(t, err)
	require.Equal(t, domain.KindSealing, domain.KindOf(err))
	require.Zero(t, l.writes.Load())
	require.False(t, sub.Pending())
}

func TestSubmitLedgerFailureIsNotRetried(t *testing.T) {
	sub, l, _ := newTestSubmitter(t)
	l.failErr = domain.ErrInvalidProof
	posted := false
	sub.OnPosted = func(uint64) { posted = true }

	_, err := sub.Submit(context.Background(), "hi")
	require.ErrorIs(t, err, domain.ErrInvalidProof)
	require.Equal(t, domain.KindLedger, domain.KindOf(err))
	require.Equal(t, int32(1), l.writes.Load())
	require.False(t, posted)
}

type blockingSealer struct {
	*memSealer
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSealer) Seal(ctx context.Context, value string, a, d boardcrypto.Address) (domain.Handle, []byte, error) {
	close(b.entered)
	<-b.release
	return b.memSealer.Seal(ctx, value, a, d)
}

func TestSubmitRejectsConcurrentSubmission(t *testing.T) {
	bs := &blockingSealer{memSealer: newMemSealer(), entered: make(chan struct{}), release: make(chan struct{})}
	l := newMemLedger(author)
	sub, err := NewSubmitter(l, bs, author, boardAddr, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := sub.Submit(context.Background(), "first")
		done <- err
	}()
	<-bs.entered
	require.True(t, sub.Pending())

	_, err = sub.Submit(context.Background(), "second")
	require.ErrorIs(t, err, domain.ErrSubmissionPending)

	close(bs.release)
	require.NoError(t, <-done)
	require.False(t, sub.Pending())
	require.Equal(t, int32(1), l.writes.Load())
}

func TestSubmitUsesFreshIdentifierEachTime(t *testing.T) {
	sub, l, s := newTestSubmitter(t)
	for i := 0; i < 3; i++ {
		_, err := sub.Submit(context.Background(), "same text")
		require.NoError(t, err)
	}
	seen := map[string]bool{}
	for _, rec := range l.records {
		h, err := domain.ParseHandle(rec.KeyHandle)
		require.NoError(t, err)
		seen[s.value(h)] = true
	}
	require.Len(t, seen, 3)
	require.NotEqual(t, l.records[0].Ciphertext, l.records[1].Ciphertext)
}
