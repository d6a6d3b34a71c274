// Package syncutil provides the two channel primitives the sync engine is
// built on: a single-value observable (Value) and a bounded lossy broadcast
// topic (Broadcast).
//
// Both are deliberately forgetful. A Value keeps only the latest state, so a
// slow watcher observes coalesced values rather than a queue. A Broadcast
// drops the oldest pending item when a subscriber falls behind.
package syncutil

import "sync"

// Value is a single-value observable. Writers replace the current value with
// Set; each subscriber observes the latest value at its own pace.
//
// Intermediate values are collapsed: if Set is called three times before a
// subscriber reads, the subscriber sees only the last value.
type Value[T any] struct {
	mu      sync.Mutex
	current T
	subs    map[*Subscription[T]]struct{}
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		current: initial,
		subs:    make(map[*Subscription[T]]struct{}),
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set replaces the current value and wakes every subscriber.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.current = val
	for sub := range v.subs {
		sub.offer(val)
	}
}

// Subscribe registers a new subscriber. The subscriber immediately has the
// current value pending, so the first receive never blocks.
//
// Callers must Close the subscription when done; the subscriber count is
// what gates per-mailbox sync activity.
func (v *Value[T]) Subscribe() *Subscription[T] {
	v.mu.Lock()
	defer v.mu.Unlock()

	sub := &Subscription[T]{
		ch:     make(chan T, 1),
		parent: v,
	}
	sub.ch <- v.current
	v.subs[sub] = struct{}{}
	return sub
}

// SubscriberCount returns the number of live subscriptions.
func (v *Value[T]) SubscriberCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

func (v *Value[T]) unsubscribe(sub *Subscription[T]) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.subs, sub)
}

// Subscription is one subscriber's view of a Value.
type Subscription[T any] struct {
	ch        chan T
	parent    *Value[T]
	closeOnce sync.Once
}

// Changes returns the channel carrying value updates. The channel never
// closes; use your context to stop listening, then Close the subscription.
func (s *Subscription[T]) Changes() <-chan T {
	return s.ch
}

// Close detaches the subscription from its Value.
func (s *Subscription[T]) Close() {
	s.closeOnce.Do(func() {
		s.parent.unsubscribe(s)
	})
}

// offer replaces any pending value with val. Called with the parent lock
// held, so the drain-then-send pair is atomic with respect to Set.
func (s *Subscription[T]) offer(val T) {
	select {
	case <-s.ch:
	default:
	}
	s.ch <- val
}
