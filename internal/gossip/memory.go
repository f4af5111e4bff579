package gossip

import (
	"context"
	"errors"
	"sync"
)

var ErrBusClosed = errors.New("gossip bus closed")

// memorySubscription receives messages from a MemoryBus.
type memorySubscription struct {
	topics  map[string]bool
	msgChan chan Message
	closeCh chan struct{}
	closed  bool
	mu      sync.RWMutex
}

func newMemorySubscription(topics []string, buffer int) *memorySubscription {
	topicMap := make(map[string]bool, len(topics))
	for _, t := range topics {
		topicMap[t] = true
	}
	return &memorySubscription{
		topics:  topicMap,
		msgChan: make(chan Message, buffer),
		closeCh: make(chan struct{}),
	}
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.msgChan
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.closeCh)
		close(s.msgChan)
	}
	return nil
}

// deliver sends without blocking; a full subscriber drops the message.
func (s *memorySubscription) deliver(msg Message) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed || !s.topics[msg.Topic] {
		return false
	}
	select {
	case s.msgChan <- msg:
		return true
	default:
		return false
	}
}

// MemoryBus is an in-process Bus. Every node sharing the value sees every
// other node's announcements.
type MemoryBus struct {
	subscribers map[string][]*memorySubscription
	buffer      int
	closed      bool
	mu          sync.RWMutex
}

func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 100
	}
	return &MemoryBus{
		subscribers: make(map[string][]*memorySubscription),
		buffer:      buffer,
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	sub := newMemorySubscription(topics, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	for _, topic := range topics {
		b.subscribers[topic] = append(b.subscribers[topic], sub)
	}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.closeCh:
		}
		b.remove(sub, topics)
	}()

	return sub, nil
}

func (b *MemoryBus) remove(sub *memorySubscription, topics []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topic := range topics {
		subs := b.subscribers[topic]
		for i, s := range subs {
			if s == sub {
				b.subscribers[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscribers[topic]) == 0 {
			delete(b.subscribers, topic)
		}
	}
}

// Publish copies payload to every current subscriber of topic.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]*memorySubscription, len(b.subscribers[topic]))
	copy(subs, b.subscribers[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	}
	return nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*memorySubscription
	for _, list := range b.subscribers {
		subs = append(subs, list...)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
