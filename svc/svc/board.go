package svc

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"secretboard/cfg"
	"secretboard/metrics"
	"secretboard/pkg/boardcrypto"
	"secretboard/pkg/confidential"
	"secretboard/pkg/domain"
	"secretboard/svc/cache"
	"secretboard/svc/db"
	"secretboard/svc/events"
	"secretboard/svc/util"
)

const (
	eventWorkers   = 2
	eventQueueSize = 256
)

var ErrShuttingDown = errors.Wrap(domain.ErrServiceUnavailable, "service shutting down")

// Board is the node side of the message board: the append-only ledger plus
// the confidential store that holds each message's identifier.
type Board struct {
	store       *db.Store
	lru         *cache.LRU
	conf        *confidential.Service
	hub         *events.Hub
	cfg         *cfg.Cfg
	eventQueue  chan domain.MessagePosted
	workerWg    sync.WaitGroup
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
	stateMu     sync.RWMutex
	shutdown    atomic.Bool
	opWg        sync.WaitGroup
	now         func() time.Time
}

func NewBoard(store *db.Store, lru *cache.LRU, conf *confidential.Service, hub *events.Hub, c *cfg.Cfg) *Board {
	if store == nil || lru == nil || conf == nil || c == nil {
		panic("board service: nil dependency (store, lru, confidential, or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	b := &Board{
		store:       store,
		lru:         lru,
		conf:        conf,
		hub:         hub,
		cfg:         c,
		eventQueue:  make(chan domain.MessagePosted, eventQueueSize),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
		now:         time.Now,
	}
	if hub != nil {
		for i := 0; i < eventWorkers; i++ {
			b.workerWg.Add(1)
			go b.eventWorker()
		}
	}
	return b
}

func (b *Board) eventWorker() {
	defer b.workerWg.Done()
	defer func() {
		if r := recover(); r != nil {
			util.Error().Interface("panic", r).Msg("eventWorker panicked")
		}
	}()
	for ev := range b.eventQueue {
		ctx, cancel := context.WithTimeout(b.shutdownCtx, 5*time.Second)
		if err := b.hub.Publish(ctx, ev); err != nil {
			util.Warn().Err(err).Uint64("id", ev.ID).Msg("failed to publish message event")
		}
		cancel()
	}
}

func (b *Board) begin() error {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	if b.shutdown.Load() {
		return ErrShuttingDown
	}
	b.opWg.Add(1)
	return nil
}

// Shutdown stops accepting work, drains pending events and waits for
// in-flight operations.
func (b *Board) Shutdown() {
	b.stateMu.Lock()
	already := b.shutdown.Swap(true)
	b.stateMu.Unlock()
	if already {
		return
	}
	b.opWg.Wait()
	close(b.eventQueue)
	done := make(chan struct{})
	go func() {
		b.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("event workers didn't stop in time")
	}
	b.shutdownFn()
	b.conf.Close()
	util.Debug().Msg("board service shutdown complete")
}

func (b *Board) Destination() boardcrypto.Address {
	return b.conf.Board()
}

// Seal stores value in the confidential store for a later Post by author.
func (b *Board) Seal(ctx context.Context, value string, author, destination boardcrypto.Address) (domain.Handle, []byte, error) {
	if err := b.begin(); err != nil {
		return domain.Handle{}, nil, err
	}
	defer b.opWg.Done()
	return b.conf.Seal(ctx, value, author, destination)
}

func (b *Board) Reveal(ctx context.Context, h domain.Handle) (string, error) {
	if err := b.begin(); err != nil {
		return "", err
	}
	defer b.opWg.Done()
	return b.conf.Reveal(ctx, h)
}

// normalizeCiphertext returns the lowercase form of a 0x hex ciphertext and
// its decoded length.
func normalizeCiphertext(s string) (string, int, error) {
	if s == "" || strings.EqualFold(s, "0x") {
		return "", 0, domain.ErrEmptyContent
	}
	if len(s) < 2 || !strings.EqualFold(s[:2], "0x") {
		return "", 0, errors.Wrap(domain.ErrInvalidRequest, "ciphertext is not 0x-prefixed hex")
	}
	raw, err := boardcrypto.DecodeHex(s)
	if err != nil {
		return "", 0, errors.Wrap(domain.ErrInvalidRequest, "ciphertext is not 0x-prefixed hex")
	}
	return strings.ToLower(s), len(raw), nil
}

// Post appends a message whose handle was sealed by p.Author for this board.
// The handle is finalized in the same transaction, so it can back only one
// message.
func (b *Board) Post(ctx context.Context, p domain.PostParams) (*domain.Message, error) {
	if err := b.begin(); err != nil {
		return nil, err
	}
	defer b.opWg.Done()

	if p.Author.IsZero() {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "author is required")
	}
	ct, n, err := normalizeCiphertext(p.Ciphertext)
	if err != nil {
		return nil, err
	}
	if int64(n) > b.cfg.MaxCiphertextBytes {
		return nil, domain.ErrContentTooLong
	}
	p.Ciphertext = ct
	board := b.conf.Board()
	if err := b.conf.VerifyProof(p.Handle, p.Proof, p.Author, board); err != nil {
		return nil, err
	}
	msg, err := b.store.AppendMessage(ctx, p, board, b.now().Unix())
	if err != nil {
		return nil, err
	}
	b.lru.Set(*msg)
	metrics.MessagesPosted.Inc()
	util.Info().
		Uint64("id", msg.ID).
		Str("author", msg.Author.Hex()).
		Str("handle", util.RedactHandle(msg.KeyHandle.Hex())).
		Msg("message posted")

	if b.hub != nil {
		select {
		case b.eventQueue <- msg.Posted():
		default:
			util.Warn().Uint64("id", msg.ID).Msg("event queue full, dropping notification")
		}
	}
	return msg, nil
}

// Messages returns the whole ledger in id order.
func (b *Board) Messages(ctx context.Context) ([]domain.Message, error) {
	if err := b.begin(); err != nil {
		return nil, err
	}
	defer b.opWg.Done()
	msgs, err := b.store.Messages(ctx)
	if err != nil {
		return nil, err
	}
	metrics.MessagesRead.WithLabelValues("list").Inc()
	return msgs, nil
}

func (b *Board) Message(ctx context.Context, id uint64) (*domain.Message, error) {
	if err := b.begin(); err != nil {
		return nil, err
	}
	defer b.opWg.Done()
	metrics.MessagesRead.WithLabelValues("one").Inc()
	if m, ok := b.lru.Get(ctx, id); ok {
		return &m, nil
	}
	m, err := b.store.Message(ctx, id)
	if err != nil {
		return nil, err
	}
	b.lru.Set(*m)
	return m, nil
}

func (b *Board) Count(ctx context.Context) (uint64, error) {
	if err := b.begin(); err != nil {
		return 0, err
	}
	defer b.opWg.Done()
	metrics.MessagesRead.WithLabelValues("count").Inc()
	return b.store.Count(ctx)
}
