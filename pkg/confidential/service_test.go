package confidential

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
	"secretboard/pkg/kms"
)

type memRegistry struct {
	mu     sync.Mutex
	values map[domain.Handle]domain.SealedValue
	gets   int
}

func newMemRegistry() *memRegistry {
	return &memRegistry{values: map[domain.Handle]domain.SealedValue{}}
}
func (r *memRegistry) PutSealed(_ context.Context, v domain.SealedValue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values[v.Handle] = v
	return nil
}
func (r *memRegistry) GetSealed(_ context.Context, h domain.Handle) (domain.SealedValue, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	v, ok := r.values[h]
	if !ok {
		return v, domain.ErrHandleUnknown
	}
	return v, nil
}
func (r *memRegistry) finalize(h domain.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.values[h]
	v.Finalized = true
	r.values[h] = v
}

var (
	testBoard  = boardcrypto.Address{0xb0, 0xa4, 0xd0}
	testAuthor = boardcrypto.Address{0xa0, 0x70, 0x40}
	testValue  = "0x5b38da6a701c568545dcfcb03fcb875f56beddc4"
	testProof  = bytes.Repeat([]byte{0x42}, 32)
)

func newTestService(t *testing.T) (*Service, *memRegistry) {
	t.Helper()
	adapter, err := kms.NewAdapter(context.Background(), kms.Options{
		LocalKey:   "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=",
		FailClosed: true,
	})
	require.NoError(t, err)
	reg := newMemRegistry()
	svc, err := NewService(adapter, reg, testBoard, testProof, time.Hour)
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc, reg
}

func TestSealRevealAfterFinalize(t *testing.T) {
	svc, reg := newTestService(t)
	ctx := context.Background()

	h, proof, err := svc.Seal(ctx, testValue, testAuthor, testBoard)
	require.NoError(t, err)
	require.NoError(t, svc.VerifyProof(h, proof, testAuthor, testBoard))

	_, err = svc.Reveal(ctx, h)
	require.ErrorIs(t, err, domain.ErrHandleNotFinalized)

	reg.finalize(h)
	got, err := svc.Reveal(ctx, h)
	require.NoError(t, err)
	require.Equal(t, testValue, got)
}

func TestSealCanonicalizesCase(t *testing.T) {
	svc, reg := newTestService(t)
	ctx := context.Background()
	h, _, err := svc.Seal(ctx, "0x5B38Da6a701c568545dCfcB03FcB875f56beddC4", testAuthor, testBoard)
	require.NoError(t, err)
	reg.finalize(h)
	got, err := svc.Reveal(ctx, h)
	require.NoError(t, err)
	require.Equal(t, testValue, got)
}

func TestSealRejects(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Seal(ctx, "hello", testAuthor, testBoard)
	require.ErrorIs(t, err, domain.ErrMalformedValue)

	_, _, err = svc.Seal(ctx, testValue, boardcrypto.ZeroAddress, testBoard)
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, _, err = svc.Seal(ctx, testValue, testAuthor, boardcrypto.Address{0x01})
	require.ErrorIs(t, err, domain.ErrWrongDestination)
}

func TestSealHandlesAreUnique(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	h1, _, err := svc.Seal(ctx, testValue, testAuthor, testBoard)
	require.NoError(t, err)
	h2, _, err := svc.Seal(ctx, testValue, testAuthor, testBoard)
	require.NoError(t, err)
	require.NotEqual(t, h1, h2)
}

func TestProofIsBoundToAuthorAndHandle(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	h, proof, err := svc.Seal(ctx, testValue, testAuthor, testBoard)
	require.NoError(t, err)

	other := boardcrypto.Address{0x0e}
	require.ErrorIs(t, svc.VerifyProof(h, proof, other, testBoard), domain.ErrInvalidProof)

	var h2 domain.Handle
	copy(h2[:], h[:])
	h2[0] ^= 0xff
	require.ErrorIs(t, svc.VerifyProof(h2, proof, testAuthor, testBoard), domain.ErrInvalidProof)
	require.ErrorIs(t, svc.VerifyProof(h, proof[:16], testAuthor, testBoard), domain.ErrInvalidProof)
	require.ErrorIs(t, svc.VerifyProof(h, proof, testAuthor, other), domain.ErrWrongDestination)
}

func TestRevealUnknownHandle(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Reveal(context.Background(), domain.Handle{0x01})
	require.ErrorIs(t, err, domain.ErrHandleUnknown)
}

func TestRevealDetectsTamperedRecord(t *testing.T) {
	svc, reg := newTestService(t)
	ctx := context.Background()
	h, _, err := svc.Seal(ctx, testValue, testAuthor, testBoard)
	require.NoError(t, err)

	reg.mu.Lock()
	v := reg.values[h]
	v.Author = boardcrypto.Address{0x0e}
	v.Finalized = true
	reg.values[h] = v
	reg.mu.Unlock()

	_, err = svc.Reveal(ctx, h)
	require.Error(t, err)
	require.True(t, errors.Is(err, kms.ErrDecryptionFailed))
}

func TestNewServiceValidates(t *testing.T) {
	_, err := NewService(nil, newMemRegistry(), boardcrypto.ZeroAddress, testProof, 0)
	require.ErrorIs(t, err, domain.ErrBoardNotConfigured)
	_, err = NewService(nil, newMemRegistry(), testBoard, []byte("short"), 0)
	require.Error(t, err)
}
