package board

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
)

func postOne(t *testing.T, l *memLedger, s *memSealer, text string) domain.Message {
	t.Helper()
	sub, err := NewSubmitter(l, s, author, boardAddr, 0)
	require.NoError(t, err)
	id, err := sub.Submit(context.Background(), text)
	require.NoError(t, err)
	raw, err := l.ReadOne(context.Background(), id)
	require.NoError(t, err)
	msg, err := ParseRecord(raw)
	require.NoError(t, err)
	return msg
}

func newTestReader(t *testing.T, l *memLedger, s *memSealer) (*Reader, *ViewCache) {
	t.Helper()
	cache, err := NewViewCache(8)
	require.NoError(t, err)
	return NewReader(l, s, cache), cache
}

func TestDecryptCachesView(t *testing.T) {
	l, s := newMemLedger(author), newMemSealer()
	msg := postOne(t, l, s, "cached")
	r, cache := newTestReader(t, l, s)

	v, err := r.Decrypt(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, "cached", v.Plaintext)
	require.Equal(t, s.value(msg.KeyHandle), v.Identifier.String())

	_, err = r.Decrypt(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, int32(1), s.reveals.Load())
	require.Equal(t, 1, cache.Len())
}

func TestConcurrentDecryptRevealsOnce(t *testing.T) {
	l, s := newMemLedger(author), newMemSealer()
	msg := postOne(t, l, s, "only once")
	s.gate = make(chan struct{})
	r, _ := newTestReader(t, l, s)

	const callers = 16
	var wg, started sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		started.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			v, err := r.Decrypt(context.Background(), msg)
			errs[i] = err
			if err == nil {
				results[i] = v.Plaintext
			}
		}(i)
	}
	// every caller is past the barrier and the first reveal is parked on the
	// gate, so the rest join it instead of finding a cached view
	started.Wait()
	require.Eventually(t, func() bool { return s.reveals.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(s.gate)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, "only once", results[i])
	}
	require.Equal(t, int32(1), s.reveals.Load())
}

func TestCancelledCallerDoesNotFailSharedReveal(t *testing.T) {
	l, s := newMemLedger(author), newMemSealer()
	msg := postOne(t, l, s, "shared")
	s.gate = make(chan struct{})
	r, cache := newTestReader(t, l, s)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := r.Decrypt(firstCtx, msg)
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return s.reveals.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan *domain.DecryptedView, 1)
	secondErr := make(chan error, 1)
	go func() {
		v, err := r.Decrypt(context.Background(), msg)
		secondErr <- err
		second <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	err := <-firstErr
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, domain.KindReveal, domain.KindOf(err))

	close(s.gate)
	require.NoError(t, <-secondErr)
	require.Equal(t, "shared", (<-second).Plaintext)
	require.Equal(t, int32(1), s.reveals.Load())
	require.Equal(t, 1, cache.Len())
}

func TestDecryptMalformedRevealIsDistinct(t *testing.T) {
	l, s := newMemLedger(author), newMemSealer()
	msg := postOne(t, l, s, "x")
	s.override[msg.KeyHandle] = "not an identifier"
	r, cache := newTestReader(t, l, s)

	_, err := r.Decrypt(context.Background(), msg)
	require.ErrorIs(t, err, domain.ErrMalformedReveal)
	require.Equal(t, domain.KindReveal, domain.KindOf(err))
	require.Zero(t, cache.Len())
}

func TestDecryptRevealFailureKind(t *testing.T) {
	l, s := newMemLedger(author), newMemSealer()
	msg := postOne(t, l, s, "x")
	s.setRevealErr(domain.ErrHandleNotFinalized)
	r, _ := newTestReader(t, l, s)

	_, err := r.Decrypt(context.Background(), msg)
	require.ErrorIs(t, err, domain.ErrHandleNotFinalized)
	require.Equal(t, domain.KindReveal, domain.KindOf(err))
	require.False(t, errors.Is(err, domain.ErrMalformedReveal))
}

// A revealed value in another letter case still derives the same key.
func TestDecryptAcceptsUpperCaseReveal(t *testing.T) {
	l, s := newMemLedger(author), newMemSealer()
	msg := postOne(t, l, s, "case")
	orig := s.value(msg.KeyHandle)
	s.override[msg.KeyHandle] = "0x" + upper(orig[2:])
	r, _ := newTestReader(t, l, s)

	v, err := r.Decrypt(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, "case", v.Plaintext)
	require.Equal(t, orig, v.Identifier.String())
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'f' {
			b[i] = c - 32
		}
	}
	return string(b)
}

func TestListMapsRecords(t *testing.T) {
	l, s := newMemLedger(author), newMemSealer()
	postOne(t, l, s, "a")
	postOne(t, l, s, "b")
	r, _ := newTestReader(t, l, s)

	msgs, err := r.List(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, uint64(1), msgs[1].ID)

	l.records[1].Author = boardcrypto.ZeroAddress.Hex()
	_, err = r.List(context.Background())
	require.ErrorIs(t, err, domain.ErrMalformedRecord)
}

func TestViewCacheEvicts(t *testing.T) {
	cache, err := NewViewCache(2)
	require.NoError(t, err)
	for i := uint64(0); i < 3; i++ {
		cache.Add(domain.DecryptedView{MessageID: i, Plaintext: "p"})
	}
	require.Equal(t, 2, cache.Len())
	_, ok := cache.Get(0)
	require.False(t, ok)
}
