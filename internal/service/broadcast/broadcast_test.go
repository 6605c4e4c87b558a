package broadcast

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oshokin/compose-updater/internal/domain/update"
)

// line builds a line event.
func line(s string) update.Event {
	return update.Event{Type: update.EventLine, Line: s}
}

// drain reads every pending event without blocking.
func drain(sub *Subscription) []string {
	var out []string

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				return out
			}

			out = append(out, string(event.Type)+":"+event.Line)
		default:
			return out
		}
	}
}

// TestPublish_OrderPerSubscriber checks every subscriber sees every event in order.
func TestPublish_OrderPerSubscriber(t *testing.T) {
	t.Parallel()

	b := New(16)
	first := b.Subscribe()
	second := b.Subscribe(update.Event{Type: update.EventSnapshot})

	b.Publish(line("a"))
	b.Publish(line("b"))

	require.Equal(t, []string{"line:a", "line:b"}, drain(first))
	require.Equal(t, []string{"snapshot:", "line:a", "line:b"}, drain(second))
	require.Equal(t, 2, b.Len())
}

// TestPublish_DropOldest keeps the newest events of a stalled subscriber.
func TestPublish_DropOldest(t *testing.T) {
	t.Parallel()

	var dropped int

	b := New(3, WithDropHook(func(n int) { dropped += n }))
	sub := b.Subscribe()

	for _, s := range []string{"1", "2", "3", "4", "5"} {
		b.Publish(line(s))
	}

	b.Publish(update.Event{Type: update.EventSucceeded})

	require.Equal(t, []string{"line:4", "line:5", "succeeded:"}, drain(sub))
	require.EqualValues(t, 3, sub.Dropped())
	require.Equal(t, 3, dropped)
}

// TestPublish_StalledSubscriberDoesNotBlock publishes many events with nobody reading.
func TestPublish_StalledSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	b := New(4)
	_ = b.Subscribe()
	fast := b.Subscribe()

	var (
		received []string
		wg       sync.WaitGroup
	)

	wg.Add(1)

	go func() {
		defer wg.Done()

		for event := range fast.Events() {
			received = append(received, event.Line)
			if event.Terminal() {
				return
			}
		}
	}()

	done := make(chan struct{})

	go func() {
		defer close(done)

		for range 10_000 {
			b.Publish(line("x"))
		}

		b.Publish(update.Event{Type: update.EventFailed})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a stalled subscriber")
	}

	wg.Wait()
	require.NotEmpty(t, received)
}

// TestClose_Unsubscribe closes streams and keeps Close idempotent.
func TestClose_Unsubscribe(t *testing.T) {
	t.Parallel()

	b := New(2)
	sub := b.Subscribe()

	sub.Close()
	sub.Close()

	_, ok := <-sub.Events()
	require.False(t, ok)
	require.Zero(t, b.Len())

	other := b.Subscribe()
	b.Close()
	b.Close()

	_, ok = <-other.Events()
	require.False(t, ok)

	late := b.Subscribe(line("ignored"))

	_, ok = <-late.Events()
	require.False(t, ok)

	// Publishing after Close is a no-op.
	b.Publish(line("after"))
}
