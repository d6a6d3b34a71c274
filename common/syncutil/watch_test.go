package syncutil_test

import (
	"testing"
	"time"

	"github.com/simophin/mymail/common/syncutil"
)

func TestValueSubscribeSeesCurrent(t *testing.T) {
	v := syncutil.NewValue("initial")

	sub := v.Subscribe()
	defer sub.Close()

	select {
	case got := <-sub.Changes():
		if got != "initial" {
			t.Errorf("expected %q, got %q", "initial", got)
		}
	default:
		t.Fatal("expected the current value to be pending immediately")
	}
}

func TestValueCoalescesIntermediateStates(t *testing.T) {
	v := syncutil.NewValue(0)

	sub := v.Subscribe()
	defer sub.Close()

	// Drain the initial value.
	<-sub.Changes()

	v.Set(1)
	v.Set(2)
	v.Set(3)

	got := <-sub.Changes()
	if got != 3 {
		t.Errorf("expected coalesced value 3, got %d", got)
	}

	select {
	case extra := <-sub.Changes():
		t.Errorf("expected no further values, got %d", extra)
	default:
	}
}

func TestValueSubscriberCount(t *testing.T) {
	v := syncutil.NewValue(0)
	if n := v.SubscriberCount(); n != 0 {
		t.Fatalf("expected 0 subscribers, got %d", n)
	}

	a := v.Subscribe()
	b := v.Subscribe()
	if n := v.SubscriberCount(); n != 2 {
		t.Fatalf("expected 2 subscribers, got %d", n)
	}

	a.Close()
	a.Close() // idempotent
	if n := v.SubscriberCount(); n != 1 {
		t.Fatalf("expected 1 subscriber after close, got %d", n)
	}
	b.Close()
	if n := v.SubscriberCount(); n != 0 {
		t.Fatalf("expected 0 subscribers after close, got %d", n)
	}
}

func TestValueClosedSubscriberStopsReceiving(t *testing.T) {
	v := syncutil.NewValue(0)
	sub := v.Subscribe()
	<-sub.Changes()
	sub.Close()

	v.Set(42)

	select {
	case got := <-sub.Changes():
		t.Errorf("closed subscription received %d", got)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	b := syncutil.NewBroadcast[string](4)

	s1 := b.Subscribe()
	defer s1.Close()
	s2 := b.Subscribe()
	defer s2.Close()

	b.Publish("hello")

	for i, sub := range []*syncutil.BroadcastSub[string]{s1, s2} {
		select {
		case got := <-sub.Items():
			if got != "hello" {
				t.Errorf("subscriber %d: expected %q, got %q", i, "hello", got)
			}
		default:
			t.Errorf("subscriber %d: expected a pending item", i)
		}
	}
}

func TestBroadcastDropsOldestWhenFull(t *testing.T) {
	b := syncutil.NewBroadcast[int](2)

	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(1)
	b.Publish(2)
	b.Publish(3) // evicts 1

	if got := <-sub.Items(); got != 2 {
		t.Errorf("expected 2 after eviction, got %d", got)
	}
	if got := <-sub.Items(); got != 3 {
		t.Errorf("expected 3, got %d", got)
	}
}

func TestBroadcastLateSubscriberMissesHistory(t *testing.T) {
	b := syncutil.NewBroadcast[int](4)

	b.Publish(1) // no subscribers, dropped

	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(2)

	if got := <-sub.Items(); got != 2 {
		t.Errorf("expected only post-subscribe item 2, got %d", got)
	}
	select {
	case extra := <-sub.Items():
		t.Errorf("unexpected extra item %d", extra)
	default:
	}
}
