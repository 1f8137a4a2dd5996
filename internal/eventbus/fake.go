package eventbus

import (
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FakePublisher records every published message in memory, for tests that
// want to assert on what eventbus tried to send without a real Redis
// Stream.
type FakePublisher struct {
	mu       sync.Mutex
	Messages map[string][]*message.Message
	closed   bool
}

// NewFakePublisher builds an empty FakePublisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{Messages: make(map[string][]*message.Message)}
}

func (p *FakePublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Messages[topic] = append(p.Messages[topic], messages...)
	return nil
}

func (p *FakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Count returns how many messages have been published to topic.
func (p *FakePublisher) Count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Messages[topic])
}
