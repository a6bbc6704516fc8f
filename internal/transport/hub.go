package transport

import (
	"context"
	"fmt"
	"sync"
)

const defaultHubBuffer = 1024

// Hub is an in-process Transport. Frames are fanned out to every
// subscription of the topic in publish order. A subscriber whose buffer is
// full is closed rather than allowed to stall the topic.
type Hub struct {
	mu     sync.Mutex
	topics map[string]map[*hubSub]struct{}
	down   bool
	buffer int
}

func NewHub() *Hub {
	return &Hub{
		topics: make(map[string]map[*hubSub]struct{}),
		buffer: defaultHubBuffer,
	}
}

// NewHubWithBuffer sets the per-subscriber buffer.
func NewHubWithBuffer(size int) *Hub {
	h := NewHub()
	if size > 0 {
		h.buffer = size
	}
	return h
}

func (h *Hub) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrTransportFailure, topic, err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return nil, fmt.Errorf("%w: subscribe %s: hub is down", ErrTransportFailure, topic)
	}
	s := &hubSub{
		hub:   h,
		topic: topic,
		msgs:  make(chan []byte, h.buffer),
		done:  make(chan struct{}),
	}
	subs := h.topics[topic]
	if subs == nil {
		subs = make(map[*hubSub]struct{})
		h.topics[topic] = subs
	}
	subs[s] = struct{}{}
	return s, nil
}

// SetDown simulates an outage: while down every subscription is closed and
// new subscriptions fail.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.down = down
	if !down {
		return
	}
	for topic, subs := range h.topics {
		for s := range subs {
			s.closeLocked()
		}
		delete(h.topics, topic)
	}
}

// Subscribers reports the live subscription count of a topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *Hub) publish(s *hubSub, frame []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return fmt.Errorf("%w: publish %s: hub is down", ErrTransportFailure, s.topic)
	}
	if s.closed {
		return ErrClosed
	}
	for peer := range h.topics[s.topic] {
		select {
		case peer.msgs <- frame:
		default:
			peer.closeLocked()
		}
	}
	return nil
}

type hubSub struct {
	hub    *Hub
	topic  string
	msgs   chan []byte
	done   chan struct{}
	closed bool
}

func (s *hubSub) Messages() <-chan []byte { return s.msgs }

func (s *hubSub) Done() <-chan struct{} { return s.done }

func (s *hubSub) Publish(_ context.Context, frame []byte) error {
	return s.hub.publish(s, frame)
}

func (s *hubSub) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.closeLocked()
	return nil
}

// closeLocked requires hub.mu.
func (s *hubSub) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	if subs := s.hub.topics[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.hub.topics, s.topic)
		}
	}
}
