package reconcile

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/SystemVirtue/obie-v5-sub001/internal/events"
)

func TestBurstCoalescesIntoOneRefetch(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	var refetches atomic.Int64
	var lastEvent atomic.Int64
	var firedAt atomic.Int64

	const interval = 60 * time.Millisecond
	w := NewWatcher("test", bus, []events.EventType{events.EventQueueChange},
		func(ctx context.Context) error {
			firedAt.Store(time.Now().UnixNano())
			refetches.Add(1)
			return nil
		},
		zerolog.Nop(), WithInterval(interval))
	defer w.Close()

	for i := 0; i < 10; i++ {
		lastEvent.Store(time.Now().UnixNano())
		bus.Publish(events.EventQueueChange, events.Payload{"i": i})
		time.Sleep(5 * time.Millisecond)
	}

	deadline := time.After(2 * time.Second)
	for refetches.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("refetch never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	// Give any spurious second fire time to surface.
	time.Sleep(3 * interval)

	if got := refetches.Load(); got != 1 {
		t.Fatalf("refetches = %d, want 1", got)
	}
	elapsed := time.Duration(firedAt.Load() - lastEvent.Load())
	if elapsed < interval {
		t.Fatalf("refetch fired %v after last event, want >= %v", elapsed, interval)
	}
}

func TestEventsDuringRefetchCoalesce(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	var refetches atomic.Int64
	entered := make(chan struct{})
	release := make(chan struct{})

	w := NewWatcher("test", bus, []events.EventType{events.EventQueueChange},
		func(ctx context.Context) error {
			if refetches.Add(1) == 1 {
				close(entered)
				<-release
			}
			return nil
		},
		zerolog.Nop(), WithInterval(10*time.Millisecond))
	defer w.Close()

	w.Notify()
	<-entered

	// Three events while the first refetch is outstanding must produce
	// exactly one follow-up, not three.
	w.Notify()
	w.Notify()
	w.Notify()
	close(release)

	deadline := time.After(2 * time.Second)
	for refetches.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("follow-up refetch never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)

	if got := refetches.Load(); got != 2 {
		t.Fatalf("refetches = %d, want 2", got)
	}
}

func TestCloseCancelsPendingTimer(t *testing.T) {
	t.Parallel()

	bus := events.NewBus()
	var refetches atomic.Int64

	w := NewWatcher("test", bus, []events.EventType{events.EventQueueChange},
		func(ctx context.Context) error {
			refetches.Add(1)
			return nil
		},
		zerolog.Nop(), WithInterval(30*time.Millisecond))

	w.Notify()
	w.Close()

	time.Sleep(100 * time.Millisecond)
	if got := refetches.Load(); got != 0 {
		t.Fatalf("refetch fired after Close: %d", got)
	}

	// Close is idempotent and later notifications are ignored.
	w.Close()
	w.Notify()
}
