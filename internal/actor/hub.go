package actor

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	defaultBufferSize       = 50
	defaultSubscriberBuffer = 16
)

// UsageEvent is the live notification pushed to attached subscribers after
// a usage report lands on a customer's meter.
type UsageEvent struct {
	ProjectID   string           `json:"project_id"`
	CustomerID  string           `json:"customer_id"`
	FeatureSlug string           `json:"feature_slug"`
	Usage       decimal.Decimal  `json:"usage"`
	Remaining   *decimal.Decimal `json:"remaining,omitempty"`
	Allowed     bool             `json:"allowed"`
	Timestamp   time.Time        `json:"timestamp"`
}

// Hub fans usage events out to per-customer subscribers. Slow subscribers
// drop events rather than block the actor.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []UsageEvent
	subs   map[uint64]chan UsageEvent
	nextID uint64
}

type Subscription struct {
	hub  *Hub
	key  string
	id   uint64
	ch   chan UsageEvent
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       defaultBufferSize,
		subscriberBuffer: defaultSubscriberBuffer,
	}
}

func streamKey(projectID, customerID string) string {
	return projectID + ":" + customerID
}

func (h *Hub) Publish(event UsageEvent) {
	if h == nil {
		return
	}
	key := streamKey(event.ProjectID, event.CustomerID)
	h.mu.RLock()
	stream := h.streams[key]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan UsageEvent, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe attaches to one customer's event stream and returns the recent
// buffer for catch-up.
func (h *Hub) Subscribe(projectID, customerID string) (*Subscription, []UsageEvent, error) {
	if h == nil {
		return nil, nil, errors.New("hub_unavailable")
	}
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(customerID) == "" {
		return nil, nil, errors.New("invalid_subscriber_key")
	}
	key := streamKey(projectID, customerID)

	stream := h.ensureStream(key)
	stream.mu.Lock()
	if stream.subs == nil {
		stream.subs = make(map[uint64]chan UsageEvent)
	}
	id := stream.nextID
	stream.nextID++
	ch := make(chan UsageEvent, h.subscriberBuffer)
	stream.subs[id] = ch
	buffer := append([]UsageEvent(nil), stream.buffer...)
	stream.mu.Unlock()

	return &Subscription{hub: h, key: key, id: id, ch: ch}, buffer, nil
}

func (h *Hub) ensureStream(key string) *stream {
	h.mu.RLock()
	current := h.streams[key]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[key]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan UsageEvent)}
		h.streams[key] = current
	}
	return current
}

func (h *Hub) unsubscribe(key string, id uint64) {
	if h == nil {
		return
	}
	h.mu.RLock()
	stream := h.streams[key]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	delete(stream.subs, id)
	remaining := len(stream.subs)
	stream.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	current := h.streams[key]
	if current != stream {
		h.mu.Unlock()
		return
	}
	stream.mu.Lock()
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, key)
	}
	h.mu.Unlock()
}

func (s *Subscription) Events() <-chan UsageEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.key, s.id)
	})
}
