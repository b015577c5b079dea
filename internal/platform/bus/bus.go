// Package bus provides the in-process event channel connecting subsystems.
//
// Delivery is asynchronous, fire-and-forget, and at-least-once: every
// subscriber receives each published event on its own goroutine, and a
// redelivery factor can force duplicate deliveries so handlers prove their
// idempotency. No ordering is guaranteed between events, not even for
// events published by the same caller.
package bus

import (
	"context"
	"log"
	"sync"
)

// Event is one published message: a topic plus its typed payload.
type Event struct {
	Topic   string
	Payload any
}

// Handler consumes one delivered event. Returning an error signals a hard
// failure; expected faults under at-least-once delivery should be handled
// and swallowed by the subscriber itself.
type Handler func(ctx context.Context, evt Event) error

// Option configures a Bus.
type Option func(*Bus)

// WithRedelivery makes every event get delivered n+1 times to each
// subscriber. Used by tests to exercise at-least-once semantics.
func WithRedelivery(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.extraDeliveries = n
		}
	}
}

// WithErrorFunc replaces the default handler-error logger.
func WithErrorFunc(fn func(topic string, err error)) Option {
	return func(b *Bus) {
		if fn != nil {
			b.onError = fn
		}
	}
}

// Bus is an in-process publish/subscribe channel.
type Bus struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	subscribers map[string][]Handler
	closed      bool

	wg sync.WaitGroup

	extraDeliveries int
	onError         func(topic string, err error)
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[string][]Handler),
		onError: func(topic string, err error) {
			log.Printf("bus: handler for %s failed: %v", topic, err)
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for a topic. Subscriptions made after the
// bus is closed are ignored.
func (b *Bus) Subscribe(topic string, handler Handler) {
	if b == nil || topic == "" || handler == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

// Publish delivers the event to every subscriber of its topic, each on its
// own goroutine. Publish never blocks on handlers and drops events after
// Close.
func (b *Bus) Publish(evt Event) {
	if b == nil || evt.Topic == "" {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	handlers := b.subscribers[evt.Topic]
	deliveries := 1 + b.extraDeliveries
	for _, handler := range handlers {
		for i := 0; i < deliveries; i++ {
			b.wg.Add(1)
			go b.deliver(handler, evt)
		}
	}
	b.mu.Unlock()
}

func (b *Bus) deliver(handler Handler, evt Event) {
	defer b.wg.Done()
	if b.ctx.Err() != nil {
		return
	}
	if err := handler(b.ctx, evt); err != nil {
		b.onError(evt.Topic, err)
	}
}

// Drain blocks until all in-flight deliveries have completed. Callers must
// not publish concurrently with Drain.
func (b *Bus) Drain() {
	if b == nil {
		return
	}
	b.wg.Wait()
}

// Close cancels in-flight handler contexts, waits for them to finish, and
// drops all further publishes.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}
