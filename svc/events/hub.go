// Package events fans MessagePosted notifications out to live subscribers.
// With a Bus configured, every node publishes to the bus and delivers what it
// receives back from it, so subscribers on any node see every post.
package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"secretboard/metrics"
	"secretboard/pkg/domain"
	"secretboard/svc/util"
)

const (
	Channel       = "secretboard:messages"
	DefaultBuffer = 32
)

var ErrHubClosed = errors.New("event hub closed")

// Bus is a pub/sub transport shared between nodes. *db.Redis implements it.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan domain.MessagePosted
	nextID uint64
	closed bool
	bus    Bus
	buffer int
}

func NewHub(bus Bus, buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[uint64]chan domain.MessagePosted),
		bus:    bus,
		buffer: buffer,
	}
}

// Subscribe registers a listener. The channel is closed by Unsubscribe or Close.
func (h *Hub) Subscribe() (uint64, <-chan domain.MessagePosted, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, nil, ErrHubClosed
	}
	id := h.nextID
	h.nextID++
	ch := make(chan domain.MessagePosted, h.buffer)
	h.subs[id] = ch
	metrics.EventSubscribers.Inc()
	return id, ch, nil
}

func (h *Hub) Unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
		metrics.EventSubscribers.Dec()
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish announces ev. Without a bus it is delivered locally right away;
// with one it reaches local subscribers through Run.
func (h *Hub) Publish(ctx context.Context, ev domain.MessagePosted) error {
	if h.bus == nil {
		h.deliver(ev)
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	return h.bus.Publish(ctx, Channel, payload)
}

// Run relays bus messages to local subscribers until ctx is done.
// It returns immediately when no bus is configured.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus == nil {
		return nil
	}
	in, err := h.bus.Subscribe(ctx, Channel)
	if err != nil {
		return err
	}
	util.Info().Str("channel", Channel).Msg("event bridge started")
	for payload := range in {
		var ev domain.MessagePosted
		if err := json.Unmarshal(payload, &ev); err != nil {
			util.Warn().Err(err).Msg("dropping malformed event from bus")
			continue
		}
		h.deliver(ev)
	}
	return ctx.Err()
}

func (h *Hub) deliver(ev domain.MessagePosted) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			util.Warn().Uint64("subscriber", id).Uint64("message_id", ev.ID).Msg("subscriber too slow, dropping event")
		}
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
		metrics.EventSubscribers.Dec()
	}
}
