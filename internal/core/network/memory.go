package network

import (
	"sync"
)

type memorySub struct {
	pattern string
	ch      chan Message
}

// MemoryPubSub is a process-local transport used for dev mode and tests.
type MemoryPubSub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]memorySub
}

func NewMemoryPubSub() *MemoryPubSub {
	return &MemoryPubSub{subs: make(map[int]memorySub)}
}

func (m *MemoryPubSub) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		if !MatchTopic(sub.pattern, topic) {
			continue
		}
		msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
		select {
		case sub.ch <- msg:
		default:
			// Non-blocking send to avoid one slow subscriber stalling all publishers.
		}
	}
	return nil
}

func (m *MemoryPubSub) Subscribe(pattern string) (<-chan Message, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Message, 256)
	m.subs[id] = memorySub{pattern: pattern, ch: ch}

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel, nil
}

// Subscribers returns the number of live subscriptions.
func (m *MemoryPubSub) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}
