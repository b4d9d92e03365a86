package events

import (
	"context"
	"errors"
	"sync"
)

var errTypeRequired = errors.New("event type is required")

// Subscription represents an active in-process event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// MemoryPublisher fans events out to in-process subscribers. Slow subscribers
// lose events instead of blocking the publisher.
type MemoryPublisher struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

// NewMemoryPublisher initialises an in-memory publisher whose subscriptions
// hold up to buffer undelivered events.
func NewMemoryPublisher(buffer int) *MemoryPublisher {
	if buffer <= 0 {
		buffer = 32
	}
	return &MemoryPublisher{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := validate(event); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for sub := range p.subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscription. Callers must Close it when done.
func (p *MemoryPublisher) Subscribe() Subscription {
	sub := &memorySubscription{
		publisher: p,
		ch:        make(chan Event, p.buffer),
	}
	p.mu.Lock()
	p.subs[sub] = struct{}{}
	p.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once      sync.Once
	publisher *MemoryPublisher
	ch        chan Event
}

func (s *memorySubscription) Events() <-chan Event {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.publisher.mu.Lock()
		delete(s.publisher.subs, s)
		s.publisher.mu.Unlock()
		close(s.ch)
	})
}
