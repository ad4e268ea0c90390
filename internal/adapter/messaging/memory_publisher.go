package messaging

import (
	"context"
	"sync"

	"github.com/sellhub/payment-service/internal/domain/event"
)

// MemoryPublisher delivers events to in-process subscribers. It backs tests
// and deployments that run without a broker.
type MemoryPublisher struct {
	mu       sync.RWMutex
	handlers []func(event.PaymentEvent)
	closed   bool
}

// NewMemoryPublisher creates an in-process event publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Subscribe registers a handler invoked synchronously for every published
// event. Handlers added after Close are ignored.
func (p *MemoryPublisher) Subscribe(handler func(event.PaymentEvent)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.handlers = append(p.handlers, handler)
}

// Publish delivers the event to every subscriber.
func (p *MemoryPublisher) Publish(_ context.Context, evt event.PaymentEvent) error {
	p.mu.RLock()
	handlers := make([]func(event.PaymentEvent), len(p.handlers))
	copy(handlers, p.handlers)
	p.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
	return nil
}

// Close drops all subscribers.
func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.handlers = nil
	return nil
}
