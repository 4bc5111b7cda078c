package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSub struct {
	topics []string
	seen   atomic.Int64
	last   atomic.Value
	done   sync.WaitGroup
}

func (c *countingSub) Topics() []string { return c.topics }

func (c *countingSub) Handle(_ context.Context, evt Event) {
	c.seen.Add(1)
	c.last.Store(evt)
	c.done.Done()
}

func TestPublishReachesSubscribedTopicsOnly(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	sub := &countingSub{topics: []string{"outcome.recorded"}}
	sub.done.Add(1)
	bus.Register(sub)

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, Event{Type: "other.topic", Payload: 1}))
	require.NoError(t, bus.Publish(ctx, Event{Type: "outcome.recorded", Source: "api", Payload: 42}))

	waitDone(t, &sub.done)
	assert.Equal(t, int64(1), sub.seen.Load())
	got := sub.last.Load().(Event)
	assert.Equal(t, "api", got.Source)
	assert.Equal(t, 42, got.Payload)
}

func TestFanOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	a := &countingSub{topics: []string{"t"}}
	b := &countingSub{topics: []string{"t"}}
	a.done.Add(3)
	b.done.Add(3)
	bus.Register(a)
	bus.Register(b)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(ctx, Event{Type: "t", Payload: i}))
	}

	waitDone(t, &a.done)
	waitDone(t, &b.done)
	assert.Equal(t, int64(3), a.seen.Load())
	assert.Equal(t, int64(3), b.seen.Load())
}

func TestPublishHonorsContextUnderBackPressure(t *testing.T) {
	bus := NewBus(0)
	bus.Close() // dispatch loop gone, unbuffered queue never drains

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := bus.Publish(ctx, Event{Type: "t"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseWaitsForHandlers(t *testing.T) {
	bus := NewBus(1)
	sub := &countingSub{topics: []string{"t"}}
	sub.done.Add(1)
	bus.Register(sub)

	require.NoError(t, bus.Publish(context.Background(), Event{Type: "t"}))
	waitDone(t, &sub.done)
	bus.Close()
	assert.Equal(t, int64(1), sub.seen.Load())
}

type slowSub struct {
	seen atomic.Int64
}

func (s *slowSub) Topics() []string { return []string{"t"} }

func (s *slowSub) Handle(_ context.Context, _ Event) {
	time.Sleep(time.Millisecond)
	s.seen.Add(1)
}

func TestCloseDuringDispatchBurst(t *testing.T) {
	// Close must join the dispatch loop before waiting on handlers, so a
	// burst racing Close can never trip the handler accounting.
	for i := 0; i < 20; i++ {
		bus := NewBus(64)
		sub := &slowSub{}
		bus.Register(sub)

		var pubs sync.WaitGroup
		for p := 0; p < 4; p++ {
			pubs.Add(1)
			go func() {
				defer pubs.Done()
				ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
				defer cancel()
				for j := 0; j < 16; j++ {
					if bus.Publish(ctx, Event{Type: "t"}) != nil {
						return
					}
				}
			}()
		}
		bus.Close()
		pubs.Wait()
	}
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	ch := make(chan struct{})
	go func() { wg.Wait(); close(ch) }()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive events in time")
	}
}
