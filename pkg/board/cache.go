package board

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"secretboard/pkg/domain"
)

const DefaultViewCacheSize = 1024

// ViewCache holds decrypted views for one session, keyed by message id.
// Eviction only costs a repeat reveal.
type ViewCache struct {
	lru *lru.Cache[uint64, domain.DecryptedView]
}

func NewViewCache(size int) (*ViewCache, error) {
	if size <= 0 {
		size = DefaultViewCacheSize
	}
	c, err := lru.New[uint64, domain.DecryptedView](size)
	if err != nil {
		return nil, err
	}
	return &ViewCache{lru: c}, nil
}
func (c *ViewCache) Get(id uint64) (domain.DecryptedView, bool) {
	return c.lru.Get(id)
}
func (c *ViewCache) Add(v domain.DecryptedView) {
	c.lru.Add(v.MessageID, v)
}
func (c *ViewCache) Remove(id uint64) {
	c.lru.Remove(id)
}
func (c *ViewCache) Purge() {
	c.lru.Purge()
}
func (c *ViewCache) Len() int {
	return c.lru.Len()
}
