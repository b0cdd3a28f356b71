package cache

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"

	"secretboard/metrics"
	"secretboard/pkg/domain"
)

// LRU holds ledger messages by id. Messages never change once written, so
// entries carry no expiry.
type LRU struct {
	c *lru.Cache[uint64, domain.Message]
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[uint64, domain.Message](size)
	if err != nil {
		return nil, err
	}
	return &LRU{c: c}, nil
}
func (l *LRU) Get(ctx context.Context, id uint64) (domain.Message, bool) {
	if ctx.Err() != nil {
		return domain.Message{}, false
	}
	m, ok := l.c.Get(id)
	if ok {
		metrics.CacheHits.WithLabelValues("message").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("message").Inc()
	}
	return m, ok
}
func (l *LRU) Set(m domain.Message) {
	l.c.Add(m.ID, m)
}
func (l *LRU) Len() int {
	return l.c.Len()
}
