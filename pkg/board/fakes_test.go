package board

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
)

type memLedger struct {
	mu      sync.Mutex
	author  boardcrypto.Address
	records []RawRecord
	writes  atomic.Int32
	reads   atomic.Int32
	failErr error
}

func newMemLedger(author boardcrypto.Address) *memLedger {
	return &memLedger{author: author}
}
func (l *memLedger) Write(_ context.Context, ciphertext string, handle domain.Handle, _ []byte) (uint64, error) {
	l.writes.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failErr != nil {
		return 0, l.failErr
	}
	id := uint64(len(l.records))
	l.records = append(l.records, RawRecord{
		ID:         id,
		Author:     l.author.Hex(),
		Timestamp:  time.Now().Unix(),
		Ciphertext: ciphertext,
		KeyHandle:  handle.Hex(),
	})
	return id, nil
}
func (l *memLedger) ReadAll(_ context.Context) ([]RawRecord, error) {
	l.reads.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]RawRecord, len(l.records))
	copy(out, l.records)
	return out, nil
}
func (l *memLedger) ReadOne(_ context.Context, id uint64) (RawRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if id >= uint64(len(l.records)) {
		return RawRecord{}, domain.ErrMessageDoesNotExist
	}
	return l.records[id], nil
}
func (l *memLedger) Count(_ context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.records)), nil
}

type memSealer struct {
	mu      sync.Mutex
	values  map[domain.Handle]string
	next    uint64
	seals   atomic.Int32
	reveals atomic.Int32

	sealErr   error
	revealErr error
	// gate, when set, blocks every reveal until it is closed.
	gate     chan struct{}
	override map[domain.Handle]string
}

func newMemSealer() *memSealer {
	return &memSealer{values: map[domain.Handle]string{}, override: map[domain.Handle]string{}}
}
func (s *memSealer) Seal(_ context.Context, value string, _, _ boardcrypto.Address) (domain.Handle, []byte, error) {
	s.seals.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealErr != nil {
		return domain.Handle{}, nil, s.sealErr
	}
	var h domain.Handle
	binary.BigEndian.PutUint64(h[24:], s.next)
	h[0] = 0xfe
	s.next++
	s.values[h] = value
	return h, []byte("proof"), nil
}
func (s *memSealer) Reveal(_ context.Context, h domain.Handle) (string, error) {
	s.reveals.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revealErr != nil {
		return "", s.revealErr
	}
	if v, ok := s.override[h]; ok {
		return v, nil
	}
	v, ok := s.values[h]
	if !ok {
		return "", domain.ErrHandleUnknown
	}
	return v, nil
}
func (s *memSealer) setRevealErr(err error) {
	s.mu.Lock()
	s.revealErr = err
	s.mu.Unlock()
}
func (s *memSealer) value(h domain.Handle) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[h]
}
