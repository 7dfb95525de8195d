package swarm

import (
	"sync"
	"sync/atomic"
)

// broadcaster fans messages out to bounded subscriber queues. A full queue
// drops its oldest message so publishers never block.
type broadcaster struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	capacity int
	dropped  atomic.Uint64
	closed   bool
}

func newBroadcaster(capacity int) *broadcaster {
	if capacity <= 0 {
		capacity = DefaultConfig().QueueCapacity
	}
	return &broadcaster{subs: make(map[*Subscription]struct{}), capacity: capacity}
}

// Subscription receives the messages broadcast to one swarm
type Subscription struct {
	ch   chan Message
	b    *broadcaster
	once sync.Once
}

// C returns the message channel. It is closed by Close or when the swarm is
// dissolved.
func (s *Subscription) C() <-chan Message {
	return s.ch
}

// Close unsubscribes and closes the channel
func (s *Subscription) Close() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.b.subs, s)
		close(s.ch)
	})
}

func (b *broadcaster) subscribe() (*Subscription, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	sub := &Subscription{ch: make(chan Message, b.capacity), b: b}
	b.subs[sub] = struct{}{}
	return sub, true
}

// publish delivers msg to every subscriber and returns how many received it
func (b *broadcaster) publish(msg Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
			delivered++
			continue
		default:
		}

		// Queue full. Only publish sends while holding b.mu, so after
		// removing one message there is room unless the reader drained
		// it concurrently, which also leaves room.
		select {
		case <-sub.ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case sub.ch <- msg:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

func (b *broadcaster) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *broadcaster) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for sub := range b.subs {
		sub.closeLocked()
	}
}
