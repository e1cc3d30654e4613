package relay

import (
	"context"
	"sync"

	"referralchat/app/model"
)

var _ Relay = (*Hub)(nil)

// Hub is the in-process fanout. It is also the local delivery stage of the
// Postgres relay.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	closed bool
}

type Subscription struct {
	ThreadID string

	hub     *Hub
	events  chan Event
	offerMu sync.Mutex
	release func()
	once    sync.Once
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}

	return &Hub{
		buffer: buffer,
		topics: make(map[string]map[*Subscription]struct{}),
	}
}

func (h *Hub) Publish(_ context.Context, msg model.Message) error {
	h.Deliver(MessageEvent(msg))

	return nil
}

func (h *Hub) Subscribe(threadID string) (*Subscription, error) {
	return h.subscribe(threadID, nil), nil
}

func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()

	return nil
}

func (h *Hub) subscribe(threadID string, release func()) *Subscription {
	sub := &Subscription{
		ThreadID: threadID,
		hub:      h,
		events:   make(chan Event, h.buffer),
		release:  release,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.events)
		return sub
	}

	subs, ok := h.topics[threadID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.topics[threadID] = subs
	}
	subs[sub] = struct{}{}

	return sub
}

// Deliver hands ev to every subscriber of ev.ThreadID without blocking.
func (h *Hub) Deliver(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.topics[ev.ThreadID] {
		sub.offer(ev)
	}
}

// Broadcast sends a resync event to every subscriber of every thread.
func (h *Hub) Broadcast() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for threadID, subs := range h.topics {
		for sub := range subs {
			sub.offer(Event{Kind: EventResync, ThreadID: threadID})
		}
	}
}

func (h *Hub) SubscriberCount(threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.topics[threadID])
}

func (h *Hub) Shutdown() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	for threadID, subs := range h.topics {
		for sub := range subs {
			close(sub.events)
		}
		delete(h.topics, threadID)
	}

	return nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.topics[sub.ThreadID]
	if !ok {
		return
	}
	if _, ok = subs[sub]; !ok {
		return
	}

	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.ThreadID)
	}
	close(sub.events)
}

func (s *Subscription) Events() <-chan Event {
	return s.events
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
		if s.release != nil {
			s.release()
		}
	})
}

// offer never blocks: when the buffer is full the oldest pending event is
// discarded and the new one is flagged as lagged.
func (s *Subscription) offer(ev Event) {
	s.offerMu.Lock()
	defer s.offerMu.Unlock()

	select {
	case s.events <- ev:
		return
	default:
	}

	select {
	case <-s.events:
	default:
	}

	ev.Lagged = true

	select {
	case s.events <- ev:
	default:
	}
}
