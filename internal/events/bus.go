package events

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register, and Subscription Close calls.
	//
	// Events are delivered synchronously in the publisher's goroutine; a
	// subscriber error never stops delivery to the rest (unlike the
	// teacher's hook bus, this one never gates execution on a subscriber,
	// since a broken status feed must never fail a run) — Publish returns
	// nothing.
	Bus interface {
		// Publish delivers event to every currently registered
		// subscriber. Safe to call concurrently with Register and
		// Subscription.Close.
		Publish(ctx context.Context, event Event)
		// Register adds a subscriber and returns a Subscription that
		// can be closed to unregister it. Returns an error if sub is
		// nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published events.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event)
	}

	// SubscriberFunc adapts a plain function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event)

	// Subscription represents an active registration on a Bus. Close is
	// idempotent and thread-safe.
	Subscription interface {
		Close()
	}

	bus struct {
		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// HandleEvent calls f.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) { f(ctx, event) }

// NewBus constructs an in-memory, in-process event bus.
func NewBus() Bus {
	return &bus{subscribers: make(map[*subscription]Subscriber)}
}

func (b *bus) Publish(ctx context.Context, event Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		sub.HandleEvent(ctx, event)
	}
}

func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("events: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.mu.Unlock()
	return s, nil
}

func (s *subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subscribers, s)
		s.bus.mu.Unlock()
	})
}
