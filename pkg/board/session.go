package board

import (
	"context"
	"sync"

	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/domain"
)

type SessionOpts struct {
	Author           boardcrypto.Address
	Destination      boardcrypto.Address
	MaxContentLength int
	ViewCacheSize    int
}

// Session is one reader's view of the board: the last fetched list of
// messages and the plaintexts decrypted so far.
type Session struct {
	submitter *Submitter
	reader    *Reader
	cache     *ViewCache

	mu       sync.RWMutex
	messages []domain.Message
}

func NewSession(ledger Ledger, sealer Sealer, opts SessionOpts) (*Session, error) {
	cache, err := NewViewCache(opts.ViewCacheSize)
	if err != nil {
		return nil, err
	}
	sub, err := NewSubmitter(ledger, sealer, opts.Author, opts.Destination, opts.MaxContentLength)
	if err != nil {
		return nil, err
	}
	s := &Session{
		submitter: sub,
		reader:    NewReader(ledger, sealer, cache),
		cache:     cache,
	}
	sub.OnPosted = func(uint64) { s.InvalidateAll() }
	return s, nil
}

func (s *Session) Submitter() *Submitter { return s.submitter }
func (s *Session) Reader() *Reader       { return s.reader }

// Refresh replaces the snapshot with the current ledger contents.
func (s *Session) Refresh(ctx context.Context) error {
	msgs, err := s.reader.List(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.messages = msgs
	s.mu.Unlock()
	return nil
}

// Messages returns a copy of the snapshot in insertion order.
func (s *Session) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Post submits plaintext and refreshes the snapshot. A refresh failure is
// returned together with the id of the message that was written.
func (s *Session) Post(ctx context.Context, plaintext string) (uint64, error) {
	id, err := s.submitter.Submit(ctx, plaintext)
	if err != nil {
		return 0, err
	}
	return id, s.Refresh(ctx)
}

// Decrypt decrypts message id, reading it from the ledger when it is not in
// the snapshot.
func (s *Session) Decrypt(ctx context.Context, id uint64) (*domain.DecryptedView, error) {
	if v, ok := s.cache.Get(id); ok {
		return &v, nil
	}
	msg, ok := s.lookup(id)
	if !ok {
		var err error
		msg, err = s.reader.Get(ctx, id)
		if err != nil {
			return nil, err
		}
	}
	return s.reader.Decrypt(ctx, msg)
}

func (s *Session) lookup(id uint64) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id < uint64(len(s.messages)) && s.messages[id].ID == id {
		return s.messages[id], true
	}
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

// Decrypted returns the cached view for id without revealing.
func (s *Session) Decrypted(id uint64) (domain.DecryptedView, bool) {
	return s.cache.Get(id)
}

// Hide drops the plaintext of one message from the session.
func (s *Session) Hide(id uint64) {
	s.cache.Remove(id)
}

func (s *Session) InvalidateAll() {
	s.cache.Purge()
}
