package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"stockbook/backend/internal/domain"
)

var ErrUnknownCollection = errors.New("unknown collection")

// Loader reads the full current state of a collection.
type Loader func(ctx context.Context, collection string) (domain.Snapshot, error)

// Publisher forwards change notices to other instances.
type Publisher interface {
	Publish(ctx context.Context, collection string) error
}

// Hub fans change notices out to subscribers. Each subscriber gets its own
// delivery goroutine, so callbacks for one subscriber never run concurrently.
// Notices that arrive while a snapshot is being delivered coalesce into a
// single reload.
type Hub struct {
	load Loader

	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*subscriber
	relay  Publisher
}

type subscriber struct {
	collection string
	fn         func(domain.Snapshot)
	signal     chan struct{}
}

func NewHub(load Loader) *Hub {
	return &Hub{
		load: load,
		subs: make(map[string]map[uint64]*subscriber),
	}
}

func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	h.relay = p
	h.mu.Unlock()
}

func (h *Hub) Subscribe(ctx context.Context, collection string, fn func(domain.Snapshot)) (func(), error) {
	if !domain.IsCollection(collection) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	if fn == nil {
		return nil, errors.New("snapshot callback is required")
	}

	sub := &subscriber{
		collection: collection,
		fn:         fn,
		signal:     make(chan struct{}, 1),
	}
	sub.signal <- struct{}{}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[uint64]*subscriber)
	}
	h.subs[collection][id] = sub
	h.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	go h.run(subCtx, id, sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			h.remove(collection, id)
		})
	}, nil
}

// Notify signals local subscribers and, when a publisher is attached, other
// instances.
func (h *Hub) Notify(ctx context.Context, collection string) {
	h.NotifyLocal(collection)

	h.mu.RLock()
	relay := h.relay
	h.mu.RUnlock()
	if relay == nil {
		return
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := relay.Publish(pubCtx, collection); err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("[feed] relay publish failed")
	}
}

func (h *Hub) NotifyLocal(collection string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs[collection] {
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) Subscribers(collection string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[collection])
}

func (h *Hub) run(ctx context.Context, id uint64, sub *subscriber) {
	defer h.remove(sub.collection, id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.signal:
		}

		snap, err := h.load(ctx, sub.collection)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("collection", sub.collection).Msg("[feed] snapshot load failed")
			continue
		}
		sub.fn(snap)
	}
}

func (h *Hub) remove(collection string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[collection], id)
}
