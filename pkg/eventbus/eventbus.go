// Package eventbus is a minimal in-memory pub/sub bus decoupling outcome
// producers (webhooks, queues, direct calls) from the experiment engine.
package eventbus

import (
	"context"
	"sync"
)

// Event is a generic message delivered through the bus.
type Event struct {
	Type    string
	Source  string
	Payload any
}

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Subscriber receives events of the types it declares.
type Subscriber interface {
	Handle(ctx context.Context, evt Event)
	Topics() []string
}

// Bus dispatches events to registered subscribers from a single loop
// goroutine; handler invocations fan out on their own goroutines.
type Bus struct {
	mu    sync.RWMutex
	subs  map[string][]Subscriber
	queue chan Event
	stop  chan struct{}
	done  chan struct{}
	wg    sync.WaitGroup
}

// NewBus constructs a Bus with the given queue depth.
func NewBus(buffer int) *Bus {
	b := &Bus{
		subs:  make(map[string][]Subscriber),
		queue: make(chan Event, buffer),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go b.loop()
	return b
}

func (b *Bus) loop() {
	defer close(b.done)
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.stop:
			return
		}
	}
}

// Close stops dispatch and waits for in-flight handlers. The loop is
// joined before Wait so no dispatch can Add concurrently with it;
// events still queued at that point are dropped.
func (b *Bus) Close() {
	close(b.stop)
	<-b.done
	b.wg.Wait()
}

// Register adds a subscriber for all of its declared topics.
func (b *Bus) Register(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range sub.Topics() {
		b.subs[t] = append(b.subs[t], sub)
	}
}

// Publish enqueues an event, honoring ctx cancellation under back-pressure.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	select {
	case b.queue <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[evt.Type]...)
	b.mu.RUnlock()
	for _, s := range subs {
		b.wg.Add(1)
		go func(s Subscriber) {
			defer b.wg.Done()
			s.Handle(context.Background(), evt)
		}(s)
	}
}
