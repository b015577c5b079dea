package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	var mu sync.Mutex
	var got []string
	handler := func(name string) Handler {
		return func(ctx context.Context, evt Event) error {
			mu.Lock()
			got = append(got, name+":"+evt.Topic)
			mu.Unlock()
			return nil
		}
	}
	b.Subscribe("thing.created", handler("a"))
	b.Subscribe("thing.created", handler("b"))
	b.Subscribe("thing.deleted", handler("c"))

	b.Publish(Event{Topic: "thing.created", Payload: 1})
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d: %v", len(got), got)
	}
	for _, entry := range got {
		if entry != "a:thing.created" && entry != "b:thing.created" {
			t.Fatalf("unexpected delivery %q", entry)
		}
	}
}

func TestRedeliveryDeliversAtLeastTwice(t *testing.T) {
	t.Parallel()

	b := New(WithRedelivery(1))
	defer b.Close()

	var mu sync.Mutex
	count := 0
	b.Subscribe("thing.created", func(ctx context.Context, evt Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})

	b.Publish(Event{Topic: "thing.created"})
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("expected 2 deliveries with redelivery factor 1, got %d", count)
	}
}

func TestHandlerErrorReachesErrorFunc(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var failures []string
	b := New(WithErrorFunc(func(topic string, err error) {
		mu.Lock()
		failures = append(failures, topic+":"+err.Error())
		mu.Unlock()
	}))
	defer b.Close()

	b.Subscribe("thing.created", func(ctx context.Context, evt Event) error {
		return errors.New("boom")
	})

	b.Publish(Event{Topic: "thing.created"})
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 || failures[0] != "thing.created:boom" {
		t.Fatalf("unexpected failures: %v", failures)
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	t.Parallel()

	b := New()
	delivered := make(chan struct{}, 1)
	b.Subscribe("thing.created", func(ctx context.Context, evt Event) error {
		delivered <- struct{}{}
		return nil
	})
	b.Close()

	b.Publish(Event{Topic: "thing.created"})
	b.Drain()

	select {
	case <-delivered:
		t.Fatal("expected no delivery after close")
	default:
	}
}

func TestHandlersPublishingFromHandlersAreDrained(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	var mu sync.Mutex
	var secondDelivered bool
	b.Subscribe("first", func(ctx context.Context, evt Event) error {
		b.Publish(Event{Topic: "second"})
		return nil
	})
	b.Subscribe("second", func(ctx context.Context, evt Event) error {
		mu.Lock()
		secondDelivered = true
		mu.Unlock()
		return nil
	})

	b.Publish(Event{Topic: "first"})
	b.Drain()

	mu.Lock()
	defer mu.Unlock()
	if !secondDelivered {
		t.Fatal("expected cascading publish to be drained")
	}
}
