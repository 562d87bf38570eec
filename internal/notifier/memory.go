package notifier

import (
	"context"
	"sync"
)

// MemoryNotifier is an in-process Notifier for tests and single-instance
// deployments. Delivery matches the contract: best-effort, unordered, no
// replay.
type MemoryNotifier struct {
	mu   sync.RWMutex
	subs map[string]map[*memorySubscription]struct{} // owner key -> subscribers
}

func NewMemoryNotifier() *MemoryNotifier {
	return &MemoryNotifier{subs: make(map[string]map[*memorySubscription]struct{})}
}

type memorySubscription struct {
	notifier *MemoryNotifier
	keys     []string
	events   chan Event
	once     sync.Once
}

func (s *memorySubscription) Events() <-chan Event { return s.events }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.notifier.mu.Lock()
		for _, key := range s.keys {
			if set, ok := s.notifier.subs[key]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(s.notifier.subs, key)
				}
			}
		}
		s.notifier.mu.Unlock()
		close(s.events)
	})
	return nil
}

func (n *MemoryNotifier) Publish(_ context.Context, keys []string, ev Event) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	delivered := make(map[*memorySubscription]struct{})
	for _, key := range keys {
		for sub := range n.subs[key] {
			if _, dup := delivered[sub]; dup {
				continue
			}
			delivered[sub] = struct{}{}
			select {
			case sub.events <- ev:
			default:
			}
		}
	}
	return nil
}

func (n *MemoryNotifier) Subscribe(_ context.Context, keys []string) (Subscription, error) {
	sub := &memorySubscription{
		notifier: n,
		events:   make(chan Event, 8),
	}
	for _, key := range keys {
		if key == "" {
			continue
		}
		sub.keys = append(sub.keys, key)
	}

	n.mu.Lock()
	for _, key := range sub.keys {
		set, ok := n.subs[key]
		if !ok {
			set = make(map[*memorySubscription]struct{})
			n.subs[key] = set
		}
		set[sub] = struct{}{}
	}
	n.mu.Unlock()

	return sub, nil
}
