package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// subscriber buffer size; a slow consumer loses messages rather than
// blocking the publishing worker.
const subBuffer = 64

// MemoryBroadcaster is an in-process Broadcaster used in tests and
// single-node setups without Redis.
type MemoryBroadcaster struct {
	mu   sync.Mutex
	subs map[uuid.UUID][]*memorySubscription
}

func NewMemoryBroadcaster() *MemoryBroadcaster {
	return &MemoryBroadcaster{subs: make(map[uuid.UUID][]*memorySubscription)}
}

func (b *MemoryBroadcaster) Publish(_ context.Context, jobID uuid.UUID, message string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs[jobID] {
		select {
		case sub.ch <- message:
		default:
			// best effort: drop for slow subscribers
		}
	}
	return nil
}

func (b *MemoryBroadcaster) Subscribe(_ context.Context, jobID uuid.UUID) (Subscription, error) {
	sub := &memorySubscription{
		parent: b,
		jobID:  jobID,
		ch:     make(chan string, subBuffer),
	}

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()

	return sub, nil
}

type memorySubscription struct {
	parent *MemoryBroadcaster
	jobID  uuid.UUID
	ch     chan string
	once   sync.Once
}

func (s *memorySubscription) Messages() <-chan string { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		b := s.parent
		b.mu.Lock()
		subs := b.subs[s.jobID]
		for i, sub := range subs {
			if sub == s {
				b.subs[s.jobID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subs[s.jobID]) == 0 {
			delete(b.subs, s.jobID)
		}
		b.mu.Unlock()
		close(s.ch)
	})
	return nil
}

var _ Broadcaster = (*MemoryBroadcaster)(nil)
