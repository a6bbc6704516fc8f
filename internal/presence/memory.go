package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the single-process registry used with the in-memory hub.
type MemoryStore struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	topics map[string]map[string]Member
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryStore{ttl: ttl, now: time.Now, topics: make(map[string]map[string]Member)}
}

func (s *MemoryStore) Touch(_ context.Context, topic, clientID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.topics[topic]
	if !ok {
		members = make(map[string]Member)
		s.topics[topic] = members
	}
	members[clientID] = Member{ClientID: clientID, UserID: userID, Seen: s.now().UTC()}
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, topic, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.topics[topic], clientID)
	if len(s.topics[topic]) == 0 {
		delete(s.topics, topic)
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, topic string) ([]Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	members := make([]Member, 0, len(s.topics[topic]))
	for id, m := range s.topics[topic] {
		if m.Seen.Before(cutoff) {
			delete(s.topics[topic], id)
			continue
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ClientID < members[j].ClientID })
	return members, nil
}
