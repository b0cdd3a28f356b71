package lim

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"secretboard/svc/util"
)

var (
	ErrKeyHasherStopped = errors.New("client key hasher stopped")
	ErrInvalidInterval  = errors.New("rotation interval must be >= 15 minutes")
)

// KeyHasher maps client IPs to opaque rate-limit keys. The HMAC key is
// derived from a pepper and the current epoch, so keys stored in Redis
// cannot be linked to an address or across epochs.
type KeyHasher struct {
	interval time.Duration
	pepper   []byte
	mu       sync.RWMutex
	key      []byte
	epoch    int64
	stop     chan struct{}
	stopped  bool
}

func NewKeyHasher(pepper []byte, interval time.Duration) (*KeyHasher, error) {
	if interval < 15*time.Minute {
		return nil, ErrInvalidInterval
	}
	if len(pepper) < 32 {
		return nil, errors.New("pepper must be at least 32 bytes")
	}
	h := &KeyHasher{
		interval: interval,
		pepper:   append([]byte(nil), pepper...),
		stop:     make(chan struct{}),
	}
	h.rotate(time.Now())
	go h.rotationLoop()
	return h, nil
}

func (h *KeyHasher) epochOf(t time.Time) int64 {
	return t.Unix() / int64(h.interval.Seconds())
}

func (h *KeyHasher) deriveKey(epoch int64) []byte {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte("secretboard-client-key:" + strconv.FormatInt(epoch, 10)))
	return mac.Sum(nil)
}

// rotate reports whether the epoch changed.
func (h *KeyHasher) rotate(now time.Time) bool {
	epoch := h.epochOf(now)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || (h.key != nil && epoch == h.epoch) {
		return false
	}
	if h.key != nil {
		util.Wipe(h.key)
	}
	h.key = h.deriveKey(epoch)
	h.epoch = epoch
	return true
}

func (h *KeyHasher) rotationLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case now := <-ticker.C:
			if h.rotate(now) {
				util.Debug().Int64("epoch", h.Epoch()).Msg("rotated client key hasher")
			}
		}
	}
}

func (h *KeyHasher) Epoch() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.epoch
}

// Key returns the rate-limit key for ip in the current epoch.
func (h *KeyHasher) Key(ip string) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.stopped {
		return "", ErrKeyHasherStopped
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(ip))
	return strconv.FormatInt(h.epoch, 10) + ":" + hex.EncodeToString(mac.Sum(nil)[:16]), nil
}

func (h *KeyHasher) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stop)
	util.Wipe(h.key)
	util.Wipe(h.pepper)
	h.key, h.pepper = nil, nil
}
